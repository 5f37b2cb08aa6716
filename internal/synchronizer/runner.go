package synchronizer

import (
	"context"
	"errors"
	"sync/atomic"

	"ensemble/internal/core"
	"ensemble/internal/ratelimit"
)

// RunnerConfig controls the tick loop.
// Only completed ticks count toward MaxTicks and WarmupTicks; a stalled
// tick is retried from the same observations.
type RunnerConfig struct {
	MaxTicks    int     // completed ticks, 0 = unlimited
	WarmupTicks int     // completed ticks before metrics count
	TickRate    float64 // ticks per second, 0 = unlimited
}

// Gate forwards events to a reporter while open. Components share one Gate
// so that warmup ticks stay out of the metrics.
type Gate struct {
	target core.Reporter
	open   atomic.Bool
}

// NewGate returns an open gate in front of target.
func NewGate(target core.Reporter) *Gate {
	g := &Gate{target: target}
	g.open.Store(true)
	return g
}

func (g *Gate) Report(e core.Event) {
	if g.open.Load() {
		g.target.Report(e)
	}
}

func (g *Gate) SetOpen(open bool) { g.open.Store(open) }

// Runner controls tick-level execution of a Synchronizer.
// A Runner is NOT safe for concurrent use.
type Runner struct {
	sync    *Synchronizer
	gate    *Gate
	limiter *ratelimit.RateLimiter
	config  RunnerConfig
	ticks   int
	lost    []core.Handle
}

// NewRunner creates a Runner. gate may be nil when metrics are not gated.
func NewRunner(s *Synchronizer, gate *Gate, config RunnerConfig) *Runner {
	return &Runner{
		sync:    s,
		gate:    gate,
		limiter: ratelimit.NewRateLimiter(config.TickRate),
		config:  config,
	}
}

// RunTick executes one tick.
// Returns nil on success, core.ErrMaxTicksReached when the limit is hit, or
// the tick's error. Lost workers are acknowledged after the tick that lost
// them.
func (r *Runner) RunTick(ctx context.Context) error {
	if r.config.MaxTicks > 0 && r.ticks >= r.config.MaxTicks {
		return core.ErrMaxTicksReached
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	if r.gate != nil {
		r.gate.SetOpen(!r.IsWarmup())
	}
	before := r.sync.Ticks()
	err := r.sync.Tick(ctx)
	if r.sync.Ticks() > before {
		r.ticks++
	}
	if r.sync.Lost() {
		r.lost = append(r.lost, r.sync.AcknowledgeLost()...)
	}
	return err
}

// Run ticks until MaxTicks is reached or a tick fails.
func (r *Runner) Run(ctx context.Context) error {
	for {
		err := r.RunTick(ctx)
		if errors.Is(err, core.ErrMaxTicksReached) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close flushes partial segments. The warmup gate is opened first so the
// final flush is counted.
func (r *Runner) Close(ctx context.Context) error {
	if r.gate != nil {
		r.gate.SetOpen(true)
	}
	return r.sync.Close(ctx)
}

// Ticks returns the number of ticks completed.
func (r *Runner) Ticks() int {
	return r.ticks
}

// IsWarmup returns true if still in warmup phase.
func (r *Runner) IsWarmup() bool {
	return r.ticks < r.config.WarmupTicks
}

// Lost returns every handle acknowledged as lost so far.
func (r *Runner) Lost() []core.Handle {
	return r.lost
}
