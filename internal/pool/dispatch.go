package pool

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ensemble/internal/core"
	"ensemble/internal/telemetry"
	"ensemble/internal/transport"
)

// Dispatch applies one tick of actions and returns exactly one result per
// action, in the order of cmd.Actions, whatever order workers answer in.
//
// Worker failures never fail the batch. A worker that misses StepTimeout is
// given one more StepTimeout, then treated as crashed: it is replaced and
// its handles report their last observation with Truncated and
// Info.Crashed. A worker that cannot be replaced is lost and its handles
// report Terminated and Info.Lost until AcknowledgeLost. If ctx ends first
// the unanswered handles report Truncated and Info.Cancelled and ctx's
// error is returned with the otherwise well-formed batch.
//
// Result slices alias pool storage and stay valid until the next Dispatch.
func (p *Pool) Dispatch(ctx context.Context, cmd core.ActionCommand) (core.StepResultBatch, error) {
	ctx, span := p.tracer.Start(ctx, "pool.Dispatch", trace.WithAttributes(
		attribute.String("pool.id", p.id.String()),
		attribute.Int64("tick", int64(cmd.Tick)),
		attribute.Int("actions", len(cmd.Actions)),
	))
	defer span.End()

	batch := core.StepResultBatch{Tick: cmd.Tick}
	if p.closed {
		return batch, ErrClosed
	}
	if err := p.route(cmd); err != nil {
		return batch, err
	}
	if cap(p.results) < len(cmd.Actions) {
		p.results = make([]core.StepResult, len(cmd.Actions))
	}
	batch.Results = p.results[:len(cmd.Actions)]

	start := p.clock.Now()
	p.seq++
	seq := p.seq
	var g errgroup.Group
	for _, w := range p.workers {
		if !commanded(w) {
			continue
		}
		g.Go(func() error {
			p.step(ctx, span, w, seq, cmd.Tick)
			for s, i := range w.index {
				if i >= 0 {
					batch.Results[i] = w.last[s]
				}
			}
			return nil
		})
	}
	g.Wait()

	steps := 0
	for i := range batch.Results {
		r := &batch.Results[i]
		if r.Info.Fault {
			p.report(core.Event{Kind: "fault", WorkerID: r.Handle.WorkerID, Tick: cmd.Tick, Error: r.Info.Message})
		}
		if r.Stepped() {
			steps++
		}
	}
	err := ctx.Err()
	p.report(core.Event{
		Kind:      "dispatch",
		Tick:      cmd.Tick,
		Timestamp: start,
		Duration:  p.clock.Since(start),
		Success:   err == nil,
		Error:     errString(err),
		Steps:     steps,
	})
	if err != nil {
		telemetry.Fail(span, err)
		return batch, fmt.Errorf("dispatch tick %d: %w", cmd.Tick, err)
	}
	return batch, nil
}

// route fills every worker's command row and result index from cmd.
func (p *Pool) route(cmd core.ActionCommand) error {
	for _, w := range p.workers {
		for s := range w.cmds {
			w.cmds[s] = transport.SlotCommand{Skip: true, Action: w.cmds[s].Action[:0]}
			w.index[s] = -1
		}
	}
	for i, a := range cmd.Actions {
		h := a.Handle
		if h.WorkerID < 0 || h.WorkerID >= len(p.workers) || h.Slot < 0 || h.Slot >= p.cfg.InstancesPerWorker {
			return fmt.Errorf("dispatch tick %d: unknown handle %s", cmd.Tick, h)
		}
		w := p.workers[h.WorkerID]
		if w.index[h.Slot] >= 0 {
			return fmt.Errorf("dispatch tick %d: handle %s commanded twice", cmd.Tick, h)
		}
		if !a.Reset && len(a.Action) != p.cfg.Shape.Action {
			return fmt.Errorf("dispatch tick %d: handle %s: action has %d elements, shape wants %d",
				cmd.Tick, h, len(a.Action), p.cfg.Shape.Action)
		}
		w.index[h.Slot] = i
		c := &w.cmds[h.Slot]
		c.Skip = false
		c.Reset = a.Reset
		c.EpisodeID = h.EpisodeID
		c.Action = append(c.Action, a.Action...)
	}
	return nil
}

func commanded(w *workerProc) bool {
	for _, i := range w.index {
		if i >= 0 {
			return true
		}
	}
	return false
}

// step runs one tick on w and leaves every commanded slot's result in
// w.last.
func (p *Pool) step(ctx context.Context, span trace.Span, w *workerProc, seq, tick uint64) {
	if w.lost {
		p.pad(w, core.Info{Lost: true, Message: "worker lost"}, true)
		return
	}
	err := p.exchange(ctx, w, seq, tick)
	switch {
	case err == nil:
		w.failures = 0
		w.setState(core.WorkerReady)
		return
	case ctx.Err() != nil:
		w.setState(core.WorkerReady)
		p.pad(w, core.Info{Cancelled: true, Message: "dispatch cancelled"}, false)
		return
	}

	span.AddEvent("worker.crashed", trace.WithAttributes(
		attribute.Int("worker.id", w.id),
		attribute.String("error", err.Error()),
	))
	p.logger.Printf("worker %d crashed at tick %d: %v", w.id, tick, err)
	p.report(core.Event{Kind: "crash", WorkerID: w.id, Tick: tick, Error: err.Error()})
	w.setState(core.WorkerCrashed)
	p.teardown(w)

	if p.replace(ctx, w, tick) || !w.lost {
		// an unreplaced worker is retried on its next command
		p.pad(w, core.Info{Crashed: true, Message: transport.TruncateMessage(err.Error())}, false)
		return
	}
	p.pad(w, core.Info{Lost: true, Message: transport.TruncateMessage(err.Error())}, true)
}

// exchange sends w's command row and waits for the answer, allowing one
// extra StepTimeout for a stalled worker.
func (p *Pool) exchange(ctx context.Context, w *workerProc, seq, tick uint64) error {
	if w.conn == nil {
		return core.NewError(core.KindWorkerCrashed, w.id, "no channel", nil)
	}
	if w.conn.Inflight() {
		// answer to a cancelled dispatch
		if err := w.conn.Drain(p.cfg.StepTimeout); err != nil {
			return err
		}
	}
	w.setState(core.WorkerStepping)
	if err := w.conn.Send(ctx, seq, w.cmds); err != nil {
		return err
	}
	results, skip, err := w.conn.Await(ctx, p.cfg.StepTimeout)
	if errors.Is(err, core.ErrWorkerTimeout) {
		p.logger.Printf("worker %d missed the step timeout at tick %d, waiting once more", w.id, tick)
		p.report(core.Event{Kind: "timeout", WorkerID: w.id, Tick: tick, Duration: p.cfg.StepTimeout})
		results, skip, err = w.conn.Await(ctx, p.cfg.StepTimeout)
	}
	if err != nil {
		return err
	}
	for s, i := range w.index {
		if i < 0 || skip[s] {
			continue
		}
		storeResult(&w.last[s], results[s])
		w.episode[s] = results[s].Handle.EpisodeID
	}
	return nil
}

// replace respawns a crashed worker within its budget. It reports false
// when ctx ends first or, with w marked lost, when the budget is spent.
func (p *Pool) replace(ctx context.Context, w *workerProc, tick uint64) bool {
	for w.failures < p.cfg.RespawnAttempts {
		w.failures++
		if err := p.respawn.Wait(ctx); err != nil {
			w.failures--
			return false
		}
		w.setState(core.WorkerSpawning)
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StartupDeadline)
		start := p.clock.Now()
		err := p.start(sctx, w, true)
		cancel()
		p.report(core.Event{
			Kind:      "respawn",
			WorkerID:  w.id,
			Tick:      tick,
			Timestamp: start,
			Duration:  p.clock.Since(start),
			Success:   err == nil,
			Error:     errString(err),
		})
		if err == nil {
			w.respawns++
			p.logger.Printf("worker %d respawned (attempt %d)", w.id, w.failures)
			return true
		}
		p.logger.Printf("worker %d respawn attempt %d failed: %v", w.id, w.failures, err)
		if ctx.Err() != nil {
			w.failures--
			return false
		}
	}

	w.lost = true
	w.setState(core.WorkerTerminated)
	lost := core.NewError(core.KindWorkerLost, w.id, fmt.Sprintf("gave up after %d respawn attempts", w.failures), nil)
	p.logger.Printf("%v", lost)
	p.report(core.Event{Kind: "lost", WorkerID: w.id, Tick: tick, Error: lost.Error()})
	return false
}

// pad replaces the result of every commanded slot of w with its last
// observation and the given info. terminal selects Terminated over
// Truncated.
func (p *Pool) pad(w *workerProc, info core.Info, terminal bool) {
	for s, i := range w.index {
		if i < 0 {
			continue
		}
		r := &w.last[s]
		r.Handle.EpisodeID = w.episode[s]
		r.Reward = r.Reward[:0]
		for j := 0; j < p.cfg.Shape.Reward; j++ {
			r.Reward = append(r.Reward, 0)
		}
		r.Terminated = terminal
		r.Truncated = !terminal
		r.Info = info
	}
}

// Respawns returns how many times the worker has been replaced.
func (p *Pool) Respawns(workerID int) int {
	if workerID < 0 || workerID >= len(p.workers) {
		return 0
	}
	return p.workers[workerID].respawns
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
