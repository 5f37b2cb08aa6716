// Package synchronizer drives the lock-step loop between the learner and the
// worker pool: observations out, actions in, one dispatch per tick.
package synchronizer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ensemble/internal/aggregator"
	"ensemble/internal/core"
	"ensemble/internal/telemetry"
)

// Pool is the part of the worker pool the synchronizer drives.
//
// The synchronizer reuses its command storage across ticks: cmd.Actions and
// the action slices it holds are valid only for the duration of Dispatch.
// Implementations that keep a command must copy it.
type Pool interface {
	Initial() core.StepResultBatch
	Shape() core.Shape
	Dispatch(ctx context.Context, cmd core.ActionCommand) (core.StepResultBatch, error)
	Lost() []core.Handle
	AcknowledgeLost() []core.Handle
}

// Config controls tick behavior. A zero TickTimeout waits on ctx alone.
type Config struct {
	TickTimeout time.Duration
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithReporter sends tick and stall events to r.
func WithReporter(r core.Reporter) Option {
	return func(s *Synchronizer) { s.reporter = r }
}

// WithClock sets the clock used for tick timing.
func WithClock(c core.Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

type answer struct {
	actions core.ActionBatch
	err     error
}

// Synchronizer holds the current observation of every handle and whether
// its episode has ended. It is not safe for concurrent use.
type Synchronizer struct {
	pool     Pool
	source   core.ActionSource
	agg      *aggregator.Aggregator
	cfg      Config
	reporter core.Reporter
	clock    core.Clock
	tracer   trace.Tracer

	shape   core.Shape
	tick    uint64
	handles []core.Handle
	done    []bool
	obs     []float32
	cmd     core.ActionCommand
}

// New seeds the synchronizer and the aggregator from the pool's tick-0
// batch.
func New(pool Pool, source core.ActionSource, agg *aggregator.Aggregator, cfg Config, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		pool:     pool,
		source:   source,
		agg:      agg,
		cfg:      cfg,
		reporter: core.NullReporter,
		clock:    core.RealClock{},
		tracer:   telemetry.Tracer("synchronizer"),
		shape:    pool.Shape(),
	}
	for _, opt := range opts {
		opt(s)
	}

	initial := pool.Initial()
	n := len(initial.Results)
	s.handles = make([]core.Handle, n)
	s.done = make([]bool, n)
	s.obs = make([]float32, n*s.shape.Observation)
	for i, r := range initial.Results {
		s.handles[i] = r.Handle
		s.done[i] = r.Done()
		copy(s.row(i), r.Observation)
	}
	s.cmd.Actions = make([]core.SlotAction, n)
	agg.Begin(initial)
	return s
}

func (s *Synchronizer) row(i int) []float32 {
	n := s.shape.Observation
	return s.obs[i*n : (i+1)*n]
}

// Ticks returns the number of the last completed tick.
func (s *Synchronizer) Ticks() uint64 { return s.tick }

// Handles lists the handles currently driven, in batch order.
func (s *Synchronizer) Handles() []core.Handle {
	return append([]core.Handle(nil), s.handles...)
}

// Observations returns the batch the learner will see on the next tick.
func (s *Synchronizer) Observations() core.ObservationBatch {
	return core.ObservationBatch{Tick: s.tick + 1, Handles: s.handles, Observations: s.obs, Shape: s.shape}
}

// Tick runs one tick: it asks the learner for actions under TickTimeout,
// dispatches them with a reset for every handle whose episode ended,
// records every transition and flushes ready segments to the learner.
//
// If the learner misses TickTimeout the tick is abandoned before dispatch
// and core.ErrSynchronizationStall is returned; the late answer is dropped
// and the next Tick starts from the same observations.
func (s *Synchronizer) Tick(ctx context.Context) error {
	tick := s.tick + 1
	ctx, span := s.tracer.Start(ctx, "synchronizer.Tick", trace.WithAttributes(
		attribute.Int64("tick", int64(tick)),
		attribute.Int("handles", len(s.handles)),
	))
	defer span.End()
	start := s.clock.Now()

	actions, err := s.request(ctx, tick)
	if err != nil {
		telemetry.Fail(span, err)
		s.reportTick(tick, start, 0, err)
		return err
	}
	a := s.shape.Action
	if len(actions.Actions) != len(s.handles)*a {
		err := fmt.Errorf("tick %d: learner returned %d action elements for %d handles of width %d",
			tick, len(actions.Actions), len(s.handles), a)
		s.reportTick(tick, start, 0, err)
		return err
	}

	s.cmd.Tick = tick
	for i, h := range s.handles {
		s.cmd.Actions[i] = core.SlotAction{
			Handle: h,
			Action: actions.Actions[i*a : (i+1)*a],
			Reset:  s.done[i],
		}
	}

	batch, dispatchErr := s.pool.Dispatch(ctx, s.cmd)
	if len(batch.Results) != len(s.handles) {
		if dispatchErr == nil {
			dispatchErr = fmt.Errorf("tick %d: pool returned %d results for %d handles", tick, len(batch.Results), len(s.handles))
		}
		telemetry.Fail(span, dispatchErr)
		s.reportTick(tick, start, 0, dispatchErr)
		return dispatchErr
	}

	steps := 0
	s.agg.SetTick(tick)
	for i, r := range batch.Results {
		s.agg.Record(s.cmd.Actions[i].Action, r)
		s.handles[i] = r.Handle
		s.done[i] = r.Done()
		copy(s.row(i), r.Observation)
		if r.Stepped() {
			steps++
		}
	}
	s.tick = tick

	err = s.agg.Flush(ctx)
	if err == nil {
		err = dispatchErr
	}
	if err != nil {
		telemetry.Fail(span, err)
	}
	s.reportTick(tick, start, steps, err)
	return err
}

// request asks the learner for actions, giving up after TickTimeout.
func (s *Synchronizer) request(ctx context.Context, tick uint64) (core.ActionBatch, error) {
	obs := core.ObservationBatch{Tick: tick, Handles: s.handles, Observations: s.obs, Shape: s.shape}
	if s.cfg.TickTimeout <= 0 {
		return s.source.RequestActions(ctx, obs)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	answers := make(chan answer, 1)
	go func() {
		actions, err := s.source.RequestActions(rctx, obs)
		answers <- answer{actions, err}
	}()

	timer := time.NewTimer(s.cfg.TickTimeout)
	defer timer.Stop()
	select {
	case ans := <-answers:
		if ans.err != nil {
			return ans.actions, fmt.Errorf("tick %d: requesting actions: %w", tick, ans.err)
		}
		return ans.actions, nil
	case <-timer.C:
		// the abandoned call keeps reading the old buffers
		s.handles = append([]core.Handle(nil), s.handles...)
		s.obs = append([]float32(nil), s.obs...)
		return core.ActionBatch{}, core.NewError(core.KindSynchronizationStall, -1,
			fmt.Sprintf("tick %d: learner did not answer within %v", tick, s.cfg.TickTimeout), nil)
	case <-ctx.Done():
		return core.ActionBatch{}, ctx.Err()
	}
}

// AcknowledgeLost drops the handles of lost workers from every later batch
// and returns them.
func (s *Synchronizer) AcknowledgeLost() []core.Handle {
	lost := s.pool.AcknowledgeLost()
	if len(lost) == 0 {
		return nil
	}
	gone := make(map[core.HandleKey]bool, len(lost))
	for _, h := range lost {
		gone[h.Key()] = true
	}

	n := s.shape.Observation
	kept := 0
	for i, h := range s.handles {
		if gone[h.Key()] {
			continue
		}
		s.handles[kept] = h
		s.done[kept] = s.done[i]
		copy(s.obs[kept*n:(kept+1)*n], s.row(i))
		kept++
	}
	s.handles = s.handles[:kept]
	s.done = s.done[:kept]
	s.obs = s.obs[:kept*n]
	s.cmd.Actions = s.cmd.Actions[:kept]
	return lost
}

// Lost reports whether any handle is waiting to be acknowledged as lost.
func (s *Synchronizer) Lost() bool {
	return len(s.pool.Lost()) > 0
}

// Close flushes every segment still holding steps.
func (s *Synchronizer) Close(ctx context.Context) error {
	return s.agg.Close(ctx)
}

func (s *Synchronizer) reportTick(tick uint64, start time.Time, steps int, err error) {
	e := core.Event{
		Kind:      "tick",
		WorkerID:  -1,
		Tick:      tick,
		Timestamp: start,
		Duration:  s.clock.Since(start),
		Success:   err == nil,
		Steps:     steps,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.reporter.Report(e)
}
