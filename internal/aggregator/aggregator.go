// Package aggregator turns the per-tick stream of step results into
// trajectory segments and hands them to the learner.
package aggregator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ensemble/internal/core"
	"ensemble/internal/telemetry"
)

// handleState tracks the open segment of one handle.
type handleState struct {
	seg     *core.Segment
	episode uint64
	ret     float64
	length  int
	lost    bool
}

// Aggregator keeps one open segment per handle. A segment is ready when it
// holds Horizon steps or its last step ended the episode; Flush delivers all
// ready segments at once and recycles their storage when the consumer
// returns. It is not safe for concurrent use.
type Aggregator struct {
	shape    core.Shape
	horizon  int
	consumer core.RolloutConsumer
	reporter core.Reporter
	clock    core.Clock
	tracer   trace.Tracer

	handles map[core.HandleKey]*handleState
	order   []core.HandleKey
	ready   []*core.Segment
	free    []*core.Segment
	tick    uint64
	stale   int
	closed  bool
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithReporter sends flush and episode events to r.
func WithReporter(r core.Reporter) Option {
	return func(a *Aggregator) { a.reporter = r }
}

// WithClock sets the clock used for flush timing.
func WithClock(c core.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// New returns an aggregator delivering to consumer.
func New(shape core.Shape, horizon int, consumer core.RolloutConsumer, opts ...Option) (*Aggregator, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be > 0, got %d", horizon)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{
		shape:    shape,
		horizon:  horizon,
		consumer: consumer,
		reporter: core.NullReporter,
		clock:    core.RealClock{},
		tracer:   telemetry.Tracer("aggregator"),
		handles:  make(map[core.HandleKey]*handleState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Begin opens a segment for every handle of the tick-0 batch.
func (a *Aggregator) Begin(initial core.StepResultBatch) {
	a.tick = initial.Tick
	for _, r := range initial.Results {
		a.Record(nil, r)
	}
}

// SetTick labels the segments flushed next.
func (a *Aggregator) SetTick(tick uint64) { a.tick = tick }

// Record adds the result of applying action to its handle's segment. Reset
// results open a new segment from the reset observation. Results for an
// earlier episode than the open one are discarded.
func (a *Aggregator) Record(action []float32, r core.StepResult) {
	key := r.Handle.Key()
	st, ok := a.handles[key]
	if !ok {
		st = &handleState{seg: a.acquire()}
		a.handles[key] = st
		a.order = append(a.order, key)
	}
	if st.lost {
		return
	}

	switch {
	case r.Info.Lost:
		st.lost = true
		if st.seg.Len() > 0 {
			st.seg.Lost = true
			a.ready = append(a.ready, st.seg)
			st.seg = nil
		}
		return

	case r.Handle.EpisodeID < st.episode:
		a.stale++
		return

	case r.Info.Reset:
		if st.seg.Len() > 0 {
			// the episode ended without a terminal step
			st.seg.Partial = true
			a.enqueue(st)
		}
		st.seg.Reset(r.Handle, r.Observation)
		st.episode = r.Handle.EpisodeID
		st.ret, st.length = 0, 0
		return

	case r.Handle.EpisodeID != st.episode:
		a.stale++
		return
	}

	st.seg.Append(action, r)
	for _, v := range r.Reward {
		st.ret += float64(v)
	}
	st.length++

	if r.Done() {
		if !r.Info.Crashed && !r.Info.Cancelled {
			a.reporter.Report(core.Event{
				Kind:      "episode",
				WorkerID:  r.Handle.WorkerID,
				Tick:      a.tick,
				Timestamp: a.clock.Now(),
				Success:   !r.Info.Fault,
				Error:     r.Info.Message,
				Steps:     st.length,
				Return:    st.ret,
			})
		}
		a.enqueue(st)
		// reopened by the next reset result
		st.seg.Reset(r.Handle, r.Observation)
		return
	}
	if st.seg.Len() >= a.horizon {
		a.enqueue(st)
		st.seg.Reset(r.Handle, r.Observation)
	}
}

// enqueue marks the open segment ready and gives st fresh storage.
func (a *Aggregator) enqueue(st *handleState) {
	a.ready = append(a.ready, st.seg)
	st.seg = a.acquire()
}

func (a *Aggregator) acquire() *core.Segment {
	if n := len(a.free); n > 0 {
		seg := a.free[n-1]
		a.free = a.free[:n-1]
		return seg
	}
	return core.NewSegment(a.shape, a.horizon)
}

// Ready is the number of segments waiting for Flush.
func (a *Aggregator) Ready() int { return len(a.ready) }

// Stale is the number of results discarded for belonging to an older episode.
func (a *Aggregator) Stale() int { return a.stale }

// Flush delivers every ready segment as one batch. It blocks for as long as
// the consumer does. On error the segments stay queued for the next Flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	if len(a.ready) == 0 {
		return nil
	}
	ctx, span := a.tracer.Start(ctx, "aggregator.Flush", trace.WithAttributes(
		attribute.Int64("tick", int64(a.tick)),
		attribute.Int("segments", len(a.ready)),
	))
	defer span.End()

	batch := core.RolloutBatch{Tick: a.tick, Segments: a.ready}
	start := a.clock.Now()
	err := a.consumer.ConsumeRollout(ctx, &batch)
	a.reporter.Report(core.Event{
		Kind:      "flush",
		WorkerID:  -1,
		Tick:      a.tick,
		Timestamp: start,
		Duration:  a.clock.Since(start),
		Success:   err == nil,
		Error:     errString(err),
		Steps:     batch.Steps(),
	})
	if err != nil {
		telemetry.Fail(span, err)
		return fmt.Errorf("delivering %d segments at tick %d: %w", len(batch.Segments), a.tick, err)
	}

	for _, seg := range a.ready {
		seg.Reset(core.Handle{}, nil)
		a.free = append(a.free, seg)
	}
	a.ready = a.ready[:0]
	return nil
}

// Close delivers every segment that still holds steps, marked Partial,
// together with anything already ready. Later calls do nothing.
func (a *Aggregator) Close(ctx context.Context) error {
	if a.closed {
		return nil
	}
	for _, key := range a.order {
		st := a.handles[key]
		if st.lost || st.seg.Len() == 0 {
			continue
		}
		st.seg.Partial = true
		a.enqueue(st)
	}
	if err := a.Flush(ctx); err != nil {
		return err
	}
	a.closed = true
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
