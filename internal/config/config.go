// Package config handles YAML configuration parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ensemble/internal/collector"
	"ensemble/internal/core"

	"gopkg.in/yaml.v3"
)

// Launchers accepted in pool.launcher.
const (
	LauncherExec   = "exec"
	LauncherInProc = "inproc"
)

// Policies accepted in learner.policy.
const (
	PolicyRandom = "random"
	PolicyLinear = "linear"
)

// Config is the root configuration structure.
type Config struct {
	Pool        PoolConfig            `yaml:"pool"`
	Shape       core.Shape            `yaml:"shape"`
	Environment EnvironmentConfig     `yaml:"environment"`
	Rollout     RolloutConfig         `yaml:"rollout"`
	Execution   ExecutionConfig       `yaml:"execution,omitempty"`
	Learner     LearnerConfig         `yaml:"learner"`
	Telemetry   TelemetryConfig       `yaml:"telemetry"`
	Thresholds  *collector.Thresholds `yaml:"thresholds,omitempty"`
}

// PoolConfig sizes the worker pool and bounds its waits.
type PoolConfig struct {
	Workers            int           `yaml:"workers"`
	InstancesPerWorker int           `yaml:"instances_per_worker"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	TickTimeout        time.Duration `yaml:"tick_timeout"`
	StartupDeadline    time.Duration `yaml:"startup_deadline"`
	RespawnAttempts    *int          `yaml:"respawn_attempts"`
	RespawnRate        float64       `yaml:"respawn_rate"` // respawns per second, 0 = unlimited
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	Launcher           string        `yaml:"launcher"`
}

// EnvironmentConfig selects the environment every instance runs.
// PerWorker params are merged over Params for the listed worker ids.
type EnvironmentConfig struct {
	Kind      string                 `yaml:"kind"`
	Seed      int64                  `yaml:"seed"`
	Params    map[string]any         `yaml:"params,omitempty"`
	PerWorker map[int]map[string]any `yaml:"per_worker,omitempty"`
}

// RolloutConfig controls segment length.
type RolloutConfig struct {
	Horizon int `yaml:"horizon"`
}

// ExecutionConfig controls tick-level execution behavior.
type ExecutionConfig struct {
	MaxTicks    int     `yaml:"max_ticks"`
	WarmupTicks int     `yaml:"warmup_ticks"`
	TickRate    float64 `yaml:"tick_rate"`
}

// LearnerConfig configures the sample learner driven by the CLI.
type LearnerConfig struct {
	Policy       string  `yaml:"policy"`
	BufferSize   int     `yaml:"buffer_size"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Seed         int64   `yaml:"seed"`
}

// TelemetryConfig controls tracing output.
type TelemetryConfig struct {
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

// Default values filled in by ApplyDefaults.
const (
	DefaultWorkers            = 4
	DefaultInstancesPerWorker = 1
	DefaultStepTimeout        = 5 * time.Second
	DefaultTickTimeout        = 30 * time.Second
	DefaultStartupDeadline    = 10 * time.Second
	DefaultRespawnAttempts    = 3
	DefaultShutdownGrace      = 2 * time.Second
	DefaultHorizon            = 128
	DefaultEnvironment        = "cartpole"
	DefaultBufferSize         = 10000
	DefaultBatchSize          = 64
	DefaultLearningRate       = 0.01
	DefaultServiceName        = "ensemble"
)

// LoadConfig reads and parses a YAML configuration file, then fills in
// defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config data, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills every zero field that has a default. The shape is left
// alone: a zero shape is taken from the environment at startup.
func (c *Config) ApplyDefaults() {
	p := &c.Pool
	if p.Workers == 0 {
		p.Workers = DefaultWorkers
	}
	if p.InstancesPerWorker == 0 {
		p.InstancesPerWorker = DefaultInstancesPerWorker
	}
	if p.StepTimeout == 0 {
		p.StepTimeout = DefaultStepTimeout
	}
	if p.TickTimeout == 0 {
		p.TickTimeout = DefaultTickTimeout
	}
	if p.StartupDeadline == 0 {
		p.StartupDeadline = DefaultStartupDeadline
	}
	if p.RespawnAttempts == nil {
		n := DefaultRespawnAttempts
		p.RespawnAttempts = &n
	}
	if p.ShutdownGrace == 0 {
		p.ShutdownGrace = DefaultShutdownGrace
	}
	if p.Launcher == "" {
		p.Launcher = LauncherExec
	}
	if c.Environment.Kind == "" {
		c.Environment.Kind = DefaultEnvironment
	}
	if c.Rollout.Horizon == 0 {
		c.Rollout.Horizon = DefaultHorizon
	}
	l := &c.Learner
	if l.Policy == "" {
		l.Policy = PolicyRandom
	}
	if l.BufferSize == 0 {
		l.BufferSize = DefaultBufferSize
	}
	if l.BatchSize == 0 {
		l.BatchSize = DefaultBatchSize
	}
	if l.LearningRate == 0 {
		l.LearningRate = DefaultLearningRate
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pool
	if p.Workers < 1 {
		errs = append(errs, fmt.Errorf("pool.workers must be >= 1, got %d", p.Workers))
	}
	if p.InstancesPerWorker < 1 {
		errs = append(errs, fmt.Errorf("pool.instances_per_worker must be >= 1, got %d", p.InstancesPerWorker))
	}
	if p.StepTimeout < 0 || p.TickTimeout < 0 || p.StartupDeadline < 0 || p.ShutdownGrace < 0 {
		errs = append(errs, errors.New("pool timeouts must not be negative"))
	}
	if p.RespawnAttempts != nil && *p.RespawnAttempts < 0 {
		errs = append(errs, fmt.Errorf("pool.respawn_attempts must be >= 0, got %d", *p.RespawnAttempts))
	}
	if p.RespawnRate < 0 {
		errs = append(errs, fmt.Errorf("pool.respawn_rate must be >= 0, got %v", p.RespawnRate))
	}
	if p.Launcher != LauncherExec && p.Launcher != LauncherInProc {
		errs = append(errs, fmt.Errorf("pool.launcher must be %q or %q, got %q", LauncherExec, LauncherInProc, p.Launcher))
	}
	if c.Shape != (core.Shape{}) {
		if err := c.Shape.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for id := range c.Environment.PerWorker {
		if id < 0 || id >= p.Workers {
			errs = append(errs, fmt.Errorf("environment.per_worker: worker %d out of range [0, %d)", id, p.Workers))
		}
	}
	if c.Rollout.Horizon < 1 {
		errs = append(errs, fmt.Errorf("rollout.horizon must be >= 1, got %d", c.Rollout.Horizon))
	}
	e := c.Execution
	if e.MaxTicks < 0 || e.WarmupTicks < 0 || e.TickRate < 0 {
		errs = append(errs, errors.New("execution values must not be negative"))
	}
	l := c.Learner
	if l.Policy != PolicyRandom && l.Policy != PolicyLinear {
		errs = append(errs, fmt.Errorf("learner.policy must be %q or %q, got %q", PolicyRandom, PolicyLinear, l.Policy))
	}
	if l.BufferSize < 1 || l.BatchSize < 1 {
		errs = append(errs, errors.New("learner.buffer_size and learner.batch_size must be >= 1"))
	}
	return errors.Join(errs...)
}

// Respawns returns the respawn budget.
func (p PoolConfig) Respawns() int {
	if p.RespawnAttempts == nil {
		return DefaultRespawnAttempts
	}
	return *p.RespawnAttempts
}
