package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ensemble/internal/aggregator"
	"ensemble/internal/buffer"
	"ensemble/internal/collector"
	"ensemble/internal/config"
	"ensemble/internal/core"
	"ensemble/internal/envs"
	"ensemble/internal/policy"
	"ensemble/internal/pool"
	"ensemble/internal/progress"
	"ensemble/internal/synchronizer"
	"ensemble/internal/telemetry"
	"ensemble/internal/worker"
)

const (
	ExitSuccess         = 0
	ExitThresholdFailed = 1
	ExitError           = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

// runFlags are the command line overrides of the config file.
type runFlags struct {
	configPath string
	output     string
	quiet      bool
	verbose    bool
	duration   time.Duration

	workers   int
	instances int
	envKind   string
	seed      int64
	horizon   int
	maxTicks  int
	warmup    int
	tickRate  float64
	launcher  string
	policy    string
	trace     bool
}

func main() {
	for _, envFile := range []string{".env", "../../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ensemble",
		Short:         "Ensemble collects experience from environments running in parallel worker processes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var f runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn a worker pool and collect rollouts with a sample learner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	flags := runCmd.Flags()
	flags.StringVar(&f.configPath, "config", os.Getenv("ENSEMBLE_CONFIG"), "path to YAML config file")
	flags.StringVar(&f.output, "output", envString("ENSEMBLE_OUTPUT", "text"), "output format: text, json")
	flags.BoolVar(&f.quiet, "quiet", false, "suppress progress output")
	flags.BoolVar(&f.verbose, "verbose", false, "log pool and worker diagnostics to stderr")
	flags.DurationVar(&f.duration, "duration", 0, "stop after this long (0 = until max ticks or interrupt)")
	flags.IntVar(&f.workers, "workers", envInt("ENSEMBLE_WORKERS", 0), "number of worker processes")
	flags.IntVar(&f.instances, "instances", envInt("ENSEMBLE_INSTANCES", 0), "environment instances per worker")
	flags.StringVar(&f.envKind, "env", os.Getenv("ENSEMBLE_ENV"), "environment kind: cartpole, countdown")
	flags.Int64Var(&f.seed, "seed", int64(envInt("ENSEMBLE_SEED", 0)), "environment seed")
	flags.IntVar(&f.horizon, "horizon", 0, "flush horizon in steps")
	flags.IntVar(&f.maxTicks, "max-ticks", envInt("ENSEMBLE_MAX_TICKS", 0), "stop after this many ticks (0 = unlimited)")
	flags.IntVar(&f.warmup, "warmup", 0, "warmup ticks before collecting metrics")
	flags.Float64Var(&f.tickRate, "tick-rate", 0, "max ticks per second (0 = unlimited)")
	flags.StringVar(&f.launcher, "launcher", os.Getenv("ENSEMBLE_LAUNCHER"), "worker launcher: exec, inproc")
	flags.StringVar(&f.policy, "policy", "", "sample learner policy: random, linear")
	flags.BoolVar(&f.trace, "trace", false, "print OpenTelemetry spans to stderr")

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve the worker protocol on stdin and stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the parent owns shutdown through the Stop frame
			signal.Ignore(os.Interrupt, syscall.SIGTERM)
			return worker.ServeProcess(context.Background(), envs.Builtin())
		},
	}

	rootCmd.AddCommand(runCmd, workerCmd)
	return rootCmd
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(f runFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(f.configPath); err != nil {
			return nil, err
		}
	}

	if f.workers > 0 {
		cfg.Pool.Workers = f.workers
	}
	if f.instances > 0 {
		cfg.Pool.InstancesPerWorker = f.instances
	}
	if f.envKind != "" {
		cfg.Environment.Kind = f.envKind
	}
	if f.seed != 0 {
		cfg.Environment.Seed = f.seed
	}
	if f.horizon > 0 {
		cfg.Rollout.Horizon = f.horizon
	}
	if f.maxTicks > 0 {
		cfg.Execution.MaxTicks = f.maxTicks
	}
	if f.warmup > 0 {
		cfg.Execution.WarmupTicks = f.warmup
	}
	if f.tickRate > 0 {
		cfg.Execution.TickRate = f.tickRate
	}
	if f.launcher != "" {
		cfg.Pool.Launcher = f.launcher
	}
	if f.policy != "" {
		cfg.Learner.Policy = f.policy
	}
	if f.trace {
		cfg.Telemetry.Stdout = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// probeShape builds one environment to learn the shape the pool must agree on.
func probeShape(registry *envs.Registry, env config.EnvironmentConfig) (core.Shape, error) {
	e, err := registry.Create(core.EnvConfig{Kind: env.Kind, Seed: env.Seed, Params: env.Params})
	if err != nil {
		return core.Shape{}, err
	}
	if c, ok := e.(io.Closer); ok {
		c.Close()
	}
	return e.Shape(), nil
}

func newPolicy(cfg config.LearnerConfig, shape core.Shape) (policy.Policy, error) {
	if cfg.Policy == config.PolicyLinear {
		return policy.NewLinear(policy.DefaultWeights(shape.Observation), cfg.LearningRate)
	}
	return policy.Random{}, nil
}

func run(ctx context.Context, f runFlags) error {
	if f.output != "text" && f.output != "json" {
		return &exitError{ExitError, fmt.Errorf("--output must be 'text' or 'json', got %q", f.output)}
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return &exitError{ExitError, err}
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	runID := uuid.NewString()
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		RunID:       runID,
		Stdout:      cfg.Telemetry.Stdout,
		Writer:      os.Stderr,
	})
	if err != nil {
		return &exitError{ExitError, fmt.Errorf("initializing tracing: %w", err)}
	}
	defer shutdownTracing(context.Background())

	registry := envs.Builtin()
	shape := cfg.Shape
	if shape == (core.Shape{}) {
		if shape, err = probeShape(registry, cfg.Environment); err != nil {
			return &exitError{ExitError, err}
		}
	}

	logOut := io.Discard
	if f.verbose {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "ensemble: ", log.LstdFlags)

	var launcher pool.Launcher = pool.ExecLauncher{Env: []string{"ENSEMBLE_RUN_ID=" + runID}}
	if cfg.Pool.Launcher == config.LauncherInProc {
		launcher = pool.InProcLauncher{Registry: registry, Logger: logger}
	}

	coll := collector.NewCollector()
	gate := synchronizer.NewGate(coll)
	prog := progress.NewProgress(coll, f.quiet)

	p, err := pool.Spawn(ctx, pool.Config{
		Workers:            cfg.Pool.Workers,
		InstancesPerWorker: cfg.Pool.InstancesPerWorker,
		Shape:              shape,
		Env: core.EnvConfig{
			Kind:   cfg.Environment.Kind,
			Seed:   cfg.Environment.Seed,
			Params: cfg.Environment.Params,
		},
		PerWorker:       cfg.Environment.PerWorker,
		StepTimeout:     cfg.Pool.StepTimeout,
		StartupDeadline: cfg.Pool.StartupDeadline,
		RespawnAttempts: cfg.Pool.Respawns(),
		RespawnRate:     cfg.Pool.RespawnRate,
		ShutdownGrace:   cfg.Pool.ShutdownGrace,
	}, launcher, pool.WithReporter(gate), pool.WithLogger(logger))
	if err != nil {
		coll.Close()
		return &exitError{ExitError, err}
	}

	pol, err := newPolicy(cfg.Learner, shape)
	if err != nil {
		p.Shutdown(context.Background())
		coll.Close()
		return &exitError{ExitError, err}
	}
	buf, err := buffer.New(cfg.Learner.BufferSize)
	if err != nil {
		p.Shutdown(context.Background())
		coll.Close()
		return &exitError{ExitError, err}
	}
	agent := policy.NewAgent(pol, buf, cfg.Learner.BatchSize, cfg.Learner.Seed)

	agg, err := aggregator.New(shape, cfg.Rollout.Horizon, agent, aggregator.WithReporter(gate))
	if err != nil {
		p.Shutdown(context.Background())
		coll.Close()
		return &exitError{ExitError, err}
	}
	syn := synchronizer.New(p, agent, agg, synchronizer.Config{TickTimeout: cfg.Pool.TickTimeout},
		synchronizer.WithReporter(gate))
	runner := synchronizer.NewRunner(syn, gate, synchronizer.RunnerConfig{
		MaxTicks:    cfg.Execution.MaxTicks,
		WarmupTicks: cfg.Execution.WarmupTicks,
		TickRate:    cfg.Execution.TickRate,
	})

	prog.Printf("Ensemble starting: %d workers x %d instances, env %q, shape %d/%d/%d, horizon %d, pool %s",
		cfg.Pool.Workers, cfg.Pool.InstancesPerWorker, cfg.Environment.Kind,
		shape.Observation, shape.Action, shape.Reward, cfg.Rollout.Horizon, p.ID())
	if cfg.Execution.WarmupTicks > 0 {
		prog.Printf("Warmup: %d ticks", cfg.Execution.WarmupTicks)
	}
	prog.Start()

	runErr := runner.Run(ctx)
	interrupted := ctx.Err() != nil
	if interrupted {
		runErr = nil
	}
	if err := runner.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	shutdownErr := p.Shutdown(context.Background())
	prog.Stop()
	coll.Close()

	if lost := runner.Lost(); len(lost) > 0 {
		prog.Printf("Lost %d handles: %v", len(lost), lost)
	}
	if shutdownErr != nil {
		prog.Printf("Shutdown: %v", shutdownErr)
	}
	stats := agent.Stats()
	prog.Printf("Learner: %d segments, %d steps, %d updates (last loss %.4f)",
		stats.Segments, stats.Steps, stats.Updates, stats.LastLoss)
	if dropped := coll.DroppedEvents(); dropped > 0 {
		prog.Printf("Warning: %d metric events dropped", dropped)
	}

	metrics := coll.Compute()
	var thresholdResults *collector.ThresholdResults
	if cfg.Thresholds != nil {
		thresholdResults = cfg.Thresholds.Check(metrics)
	}
	if f.output == "json" {
		collector.FormatJSON(os.Stdout, metrics, thresholdResults)
	} else {
		collector.FormatText(os.Stdout, metrics, thresholdResults)
	}

	if runErr != nil {
		return &exitError{ExitError, runErr}
	}
	if interrupted {
		return nil
	}
	if thresholdResults != nil && !thresholdResults.Passed {
		return &exitError{ExitThresholdFailed, errors.New("threshold check failed")}
	}
	return nil
}
