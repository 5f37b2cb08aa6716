// Package pool owns the environment workers: it spawns them, fans each
// tick's actions out to them, gathers their results back in handle order,
// and replaces workers that crash.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ensemble/internal/core"
	"ensemble/internal/ratelimit"
	"ensemble/internal/telemetry"
	"ensemble/internal/transport"
)

const (
	defaultStepTimeout     = 5 * time.Second
	defaultStartupDeadline = 10 * time.Second
	defaultShutdownGrace   = 2 * time.Second
)

// Config describes a pool. Shape is checked against every worker's
// environments during the handshake.
type Config struct {
	Workers            int
	InstancesPerWorker int
	Shape              core.Shape
	Env                core.EnvConfig
	// PerWorker overlays environment params for individual workers.
	PerWorker map[int]map[string]any

	StepTimeout     time.Duration
	StartupDeadline time.Duration
	// RespawnAttempts bounds consecutive respawns of one worker. The budget
	// refills once the worker completes a step.
	RespawnAttempts int
	// RespawnRate caps respawns per second across the pool; 0 is unlimited.
	RespawnRate   float64
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.StartupDeadline <= 0 {
		c.StartupDeadline = defaultStartupDeadline
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0, got %d", c.Workers)
	}
	if c.InstancesPerWorker <= 0 {
		return fmt.Errorf("instances per worker must be > 0, got %d", c.InstancesPerWorker)
	}
	if c.RespawnAttempts < 0 {
		return fmt.Errorf("respawn attempts must be >= 0, got %d", c.RespawnAttempts)
	}
	if c.Env.Kind == "" {
		return fmt.Errorf("environment kind is required")
	}
	return c.Shape.Validate()
}

// Option customizes a Pool.
type Option func(*Pool)

// WithReporter sends lifecycle and dispatch events to r.
func WithReporter(r core.Reporter) Option {
	return func(p *Pool) { p.reporter = r }
}

// WithLogger logs worker lifecycle changes to l.
func WithLogger(l *log.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock sets the clock used for event timestamps and durations.
func WithClock(c core.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// workerProc is the pool's view of one worker. During Dispatch it is
// touched only by the goroutine serving that worker.
type workerProc struct {
	id    int
	state atomic.Int32

	proc *Proc
	conn *transport.Conn

	cmds     []transport.SlotCommand
	index    []int // batch position per slot, -1 when not commanded
	episode  []uint64
	last     []core.StepResult
	failures int
	respawns int

	lost         bool
	acknowledged bool
}

func (w *workerProc) setState(s core.WorkerState) { w.state.Store(int32(s)) }
func (w *workerProc) State() core.WorkerState    { return core.WorkerState(w.state.Load()) }

// Pool is a fixed set of workers. Dispatch, AcknowledgeLost and Shutdown
// must be called from one goroutine; State may be called from any.
type Pool struct {
	id       uuid.UUID
	cfg      Config
	launcher Launcher
	reporter core.Reporter
	logger   *log.Logger
	clock    core.Clock
	tracer   trace.Tracer
	respawn  *ratelimit.RateLimiter

	workers []*workerProc
	initial core.StepResultBatch
	results []core.StepResult
	seq     uint64

	closed       bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// ErrClosed is returned by Dispatch after Shutdown.
var ErrClosed = errors.New("pool is shut down")

// Spawn launches every worker in parallel and completes the handshake with
// each within cfg.StartupDeadline. Either all workers come up or none stay
// running and the error matches core.ErrSpawn.
func Spawn(ctx context.Context, cfg Config, launcher Launcher, opts ...Option) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, core.NewError(core.KindSpawn, -1, "invalid pool config", err)
	}

	p := &Pool{
		id:       uuid.New(),
		cfg:      cfg,
		launcher: launcher,
		reporter: core.NullReporter,
		logger:   log.New(io.Discard, "", 0),
		clock:    core.RealClock{},
		tracer:   telemetry.Tracer("pool"),
		respawn:  ratelimit.NewRateLimiter(cfg.RespawnRate),
	}
	for _, opt := range opts {
		opt(p)
	}

	ctx, span := p.tracer.Start(ctx, "pool.Spawn", trace.WithAttributes(
		attribute.String("pool.id", p.id.String()),
		attribute.Int("pool.workers", cfg.Workers),
		attribute.Int("pool.instances_per_worker", cfg.InstancesPerWorker),
	))
	defer span.End()

	n := cfg.InstancesPerWorker
	p.workers = make([]*workerProc, cfg.Workers)
	for i := range p.workers {
		w := &workerProc{
			id:      i,
			cmds:    make([]transport.SlotCommand, n),
			index:   make([]int, n),
			episode: make([]uint64, n),
			last:    make([]core.StepResult, n),
		}
		for s := range w.last {
			w.last[s].Handle = core.Handle{WorkerID: i, Slot: s}
			w.last[s].Observation = make([]float32, 0, cfg.Shape.Observation)
			w.last[s].Reward = make([]float32, 0, cfg.Shape.Reward)
		}
		w.setState(core.WorkerSpawning)
		p.workers[i] = w
	}

	start := p.clock.Now()
	sctx, cancel := context.WithTimeout(ctx, cfg.StartupDeadline)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return p.start(gctx, w, false)
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range p.workers {
			p.teardown(w)
			w.setState(core.WorkerTerminated)
		}
		telemetry.Fail(span, err)
		return nil, core.NewError(core.KindSpawn, -1, fmt.Sprintf("starting %d workers", cfg.Workers), err)
	}

	p.initial = core.StepResultBatch{Results: make([]core.StepResult, 0, cfg.Workers*n)}
	for _, w := range p.workers {
		for s := range w.last {
			p.initial.Results = append(p.initial.Results, cloneResult(w.last[s]))
		}
	}
	p.logger.Printf("pool %s: %d workers x %d instances ready in %v", p.id, cfg.Workers, n, p.clock.Since(start))
	return p, nil
}

// start launches w and completes the handshake. A respawn defers the reset
// of every slot to the next Step.
func (p *Pool) start(ctx context.Context, w *workerProc, respawn bool) error {
	proc, err := p.launcher.Launch(ctx, w.id)
	if err != nil {
		return fmt.Errorf("launching worker %d: %w", w.id, err)
	}
	conn := transport.NewConn(w.id, proc.Results, proc.Commands)
	hello := transport.Hello{
		WorkerID:    w.id,
		Slots:       p.cfg.InstancesPerWorker,
		Shape:       p.cfg.Shape,
		Env:         p.envConfig(w.id),
		EpisodeBase: append([]uint64(nil), w.episode...),
		DeferReset:  respawn,
	}
	ready, initial, err := conn.Handshake(ctx, hello)
	if err != nil {
		conn.Close()
		proc.Kill()
		proc.Wait()
		return err
	}
	w.proc, w.conn = proc, conn
	for s, r := range initial {
		storeResult(&w.last[s], r)
		w.episode[s] = r.Handle.EpisodeID
	}
	w.setState(core.WorkerReady)
	p.logger.Printf("worker %d ready (pid %d)", w.id, ready.PID)
	return nil
}

func (p *Pool) envConfig(workerID int) core.EnvConfig {
	cfg := p.cfg.Env
	cfg.WorkerID = workerID
	if over, ok := p.cfg.PerWorker[workerID]; ok {
		params := make(map[string]any, len(cfg.Params)+len(over))
		maps.Copy(params, cfg.Params)
		maps.Copy(params, over)
		cfg.Params = params
	}
	return cfg
}

// teardown kills w's process and waits for it to exit.
func (p *Pool) teardown(w *workerProc) {
	if w.conn != nil {
		w.conn.Close()
	}
	if w.proc != nil {
		w.proc.Kill()
		w.proc.Wait()
	}
	w.conn, w.proc = nil, nil
}

// ID identifies the pool in logs, reports and spans.
func (p *Pool) ID() string { return p.id.String() }

// Shape is the agreed shape of every instance.
func (p *Pool) Shape() core.Shape { return p.cfg.Shape }

// Initial returns the tick-0 batch holding every instance's first
// observation, in handle order.
func (p *Pool) Initial() core.StepResultBatch { return p.initial }

// State returns the lifecycle state of a worker.
func (p *Pool) State(workerID int) core.WorkerState {
	if workerID < 0 || workerID >= len(p.workers) {
		return core.WorkerTerminated
	}
	return p.workers[workerID].State()
}

// Handles lists the live handles with their current episode ids, ordered by
// worker then slot. Lost handles stay listed until acknowledged.
func (p *Pool) Handles() []core.Handle {
	handles := make([]core.Handle, 0, len(p.workers)*p.cfg.InstancesPerWorker)
	for _, w := range p.workers {
		if w.acknowledged {
			continue
		}
		for s := range w.episode {
			handles = append(handles, core.Handle{WorkerID: w.id, Slot: s, EpisodeID: w.episode[s]})
		}
	}
	return handles
}

// Lost lists the handles of workers that could not be respawned and have
// not been acknowledged yet.
func (p *Pool) Lost() []core.Handle {
	var lost []core.Handle
	for _, w := range p.workers {
		if !w.lost || w.acknowledged {
			continue
		}
		for s := range w.episode {
			lost = append(lost, core.Handle{WorkerID: w.id, Slot: s, EpisodeID: w.episode[s]})
		}
	}
	return lost
}

// AcknowledgeLost accepts the loss of every lost worker. Their handles
// leave Handles and are no longer padded into dispatch results.
func (p *Pool) AcknowledgeLost() []core.Handle {
	lost := p.Lost()
	for _, w := range p.workers {
		if w.lost {
			w.acknowledged = true
		}
	}
	return lost
}

// Shutdown stops every worker: each is asked to exit, given ShutdownGrace,
// then killed. No worker outlives Shutdown. Later calls return the first
// result.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.closed = true
		var g errgroup.Group
		for _, w := range p.workers {
			g.Go(func() error {
				p.stop(ctx, w)
				return nil
			})
		}
		p.shutdownErr = g.Wait()
		p.logger.Printf("pool %s: shut down", p.id)
	})
	return p.shutdownErr
}

func (p *Pool) stop(ctx context.Context, w *workerProc) {
	if w.proc == nil {
		w.setState(core.WorkerTerminated)
		return
	}
	w.setState(core.WorkerDraining)
	grace := p.cfg.ShutdownGrace
	sctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if w.conn.Inflight() {
		_ = w.conn.Drain(grace)
	}
	if err := w.conn.Stop(sctx); err == nil {
		go w.proc.Wait()
		select {
		case <-w.proc.Exited():
		case <-sctx.Done():
			p.logger.Printf("worker %d did not exit within %v, killing", w.id, grace)
		}
	}
	p.teardown(w)
	w.setState(core.WorkerTerminated)
}

func (p *Pool) report(e core.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.clock.Now()
	}
	p.reporter.Report(e)
}

func storeResult(dst *core.StepResult, src core.StepResult) {
	dst.Handle.EpisodeID = src.Handle.EpisodeID
	dst.Observation = append(dst.Observation[:0], src.Observation...)
	dst.Reward = append(dst.Reward[:0], src.Reward...)
	dst.Terminated = src.Terminated
	dst.Truncated = src.Truncated
	dst.Info = src.Info
}

func cloneResult(r core.StepResult) core.StepResult {
	r.Observation = append([]float32(nil), r.Observation...)
	r.Reward = append([]float32(nil), r.Reward...)
	return r
}
