package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ensemble/internal/core"
)

func TestLoadConfig_FullFile(t *testing.T) {
	content := `
pool:
  workers: 8
  instances_per_worker: 4
  step_timeout: 250ms
  tick_timeout: 2s
  startup_deadline: 5s
  respawn_attempts: 2
  respawn_rate: 0.5
  shutdown_grace: 1s
  launcher: inproc

shape:
  observation: 4
  action: 1
  reward: 1

environment:
  kind: cartpole
  seed: 42
  params:
    max_steps: 200
  per_worker:
    3:
      max_steps: 50

rollout:
  horizon: 32

execution:
  max_ticks: 1000
  warmup_ticks: 10
  tick_rate: 200

learner:
  policy: linear
  buffer_size: 5000
  batch_size: 32
  learning_rate: 0.05
  seed: 7

telemetry:
  stdout: true
  service_name: ensemble-ci

thresholds:
  tick_duration:
    p99: 50ms
  tick_failed:
    rate: "1%"
  min_steps_per_sec: 1000
`
	cfg := loadConfigFromString(t, content)

	p := cfg.Pool
	if p.Workers != 8 || p.InstancesPerWorker != 4 {
		t.Errorf("unexpected pool size %+v", p)
	}
	if p.StepTimeout != 250*time.Millisecond || p.TickTimeout != 2*time.Second {
		t.Errorf("unexpected timeouts %v %v", p.StepTimeout, p.TickTimeout)
	}
	if p.Respawns() != 2 || p.RespawnRate != 0.5 || p.Launcher != LauncherInProc {
		t.Errorf("unexpected respawn settings %+v", p)
	}
	if cfg.Shape != (core.Shape{Observation: 4, Action: 1, Reward: 1}) {
		t.Errorf("unexpected shape %+v", cfg.Shape)
	}

	env := cfg.Environment
	if env.Kind != "cartpole" || env.Seed != 42 {
		t.Errorf("unexpected environment %+v", env)
	}
	if env.Params["max_steps"] != 200 {
		t.Errorf("expected max_steps 200, got %v", env.Params["max_steps"])
	}
	if env.PerWorker[3]["max_steps"] != 50 {
		t.Errorf("expected per-worker override, got %v", env.PerWorker)
	}

	if cfg.Rollout.Horizon != 32 {
		t.Errorf("expected horizon 32, got %d", cfg.Rollout.Horizon)
	}
	if cfg.Execution.MaxTicks != 1000 || cfg.Execution.WarmupTicks != 10 || cfg.Execution.TickRate != 200 {
		t.Errorf("unexpected execution %+v", cfg.Execution)
	}
	if cfg.Learner.Policy != PolicyLinear || cfg.Learner.BatchSize != 32 || cfg.Learner.Seed != 7 {
		t.Errorf("unexpected learner %+v", cfg.Learner)
	}
	if !cfg.Telemetry.Stdout || cfg.Telemetry.ServiceName != "ensemble-ci" {
		t.Errorf("unexpected telemetry %+v", cfg.Telemetry)
	}

	th := cfg.Thresholds
	if th == nil || th.TickDuration == nil || th.TickDuration.P99 != 50*time.Millisecond {
		t.Fatalf("unexpected thresholds %+v", th)
	}
	if th.TickFailed.Rate != "1%" || th.MinStepsPerSec != 1000 {
		t.Errorf("unexpected thresholds %+v", th)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfigFromString(t, "environment:\n  kind: countdown\n")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"workers", cfg.Pool.Workers, DefaultWorkers},
		{"instances", cfg.Pool.InstancesPerWorker, DefaultInstancesPerWorker},
		{"step timeout", cfg.Pool.StepTimeout, DefaultStepTimeout},
		{"tick timeout", cfg.Pool.TickTimeout, DefaultTickTimeout},
		{"startup deadline", cfg.Pool.StartupDeadline, DefaultStartupDeadline},
		{"respawns", cfg.Pool.Respawns(), DefaultRespawnAttempts},
		{"launcher", cfg.Pool.Launcher, LauncherExec},
		{"kind", cfg.Environment.Kind, "countdown"},
		{"horizon", cfg.Rollout.Horizon, DefaultHorizon},
		{"policy", cfg.Learner.Policy, PolicyRandom},
		{"service", cfg.Telemetry.ServiceName, DefaultServiceName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if cfg.Shape != (core.Shape{}) {
		t.Errorf("shape should stay unset, got %+v", cfg.Shape)
	}
	if cfg.Thresholds != nil {
		t.Error("expected thresholds to be nil")
	}
}

func TestLoadConfig_ZeroRespawnsKept(t *testing.T) {
	cfg := loadConfigFromString(t, "pool:\n  respawn_attempts: 0\n")
	if cfg.Pool.Respawns() != 0 {
		t.Errorf("explicit zero respawns overwritten: %d", cfg.Pool.Respawns())
	}
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	cfg := loadConfigFromString(t, "")
	if cfg.Environment.Kind != DefaultEnvironment {
		t.Errorf("expected default environment, got %q", cfg.Environment.Kind)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
	if !errors.Is(err, os.ErrNotExist) || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	content := `
pool:
  workers: "four
  launcher: [[[invalid
`
	_, err := LoadConfig(createTempFile(t, content))
	if err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative workers", "pool:\n  workers: -1\n", "pool.workers"},
		{"bad launcher", "pool:\n  launcher: docker\n", "pool.launcher"},
		{"negative respawns", "pool:\n  respawn_attempts: -2\n", "pool.respawn_attempts"},
		{"partial shape", "shape:\n  observation: 4\n", "invalid shape"},
		{"per worker out of range", "pool:\n  workers: 2\nenvironment:\n  per_worker:\n    5: {}\n", "worker 5 out of range"},
		{"negative horizon", "rollout:\n  horizon: -3\n", "rollout.horizon"},
		{"negative ticks", "execution:\n  max_ticks: -1\n", "execution values"},
		{"unknown policy", "learner:\n  policy: ppo\n", "learner.policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(createTempFile(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Pool.Workers = 0
	cfg.Rollout.Horizon = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "pool.workers") || !strings.Contains(err.Error(), "rollout.horizon") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// Helper functions

func loadConfigFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := LoadConfig(createTempFile(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return tmpFile
}
