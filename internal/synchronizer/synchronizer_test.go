package synchronizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ensemble/internal/aggregator"
	"ensemble/internal/core"
	"ensemble/internal/envs"
	"ensemble/internal/pool"
)

var countdownShape = core.Shape{Observation: 2, Action: 1, Reward: 1}

type segmentCopy struct {
	tick       uint64
	handle     core.Handle
	length     int
	done       bool
	partial    bool
	lost       bool
	initial    float32
	lastObs    float32
	lastInfo   core.Info
	terminated bool
}

// scriptedLearner answers every handle with its worker id and keeps copies
// of everything it is given. stallAt makes one request block until the
// synchronizer gives up on it.
type scriptedLearner struct {
	mu       sync.Mutex
	stallAt  uint64
	stalled  bool
	width    int
	requests []core.ObservationBatch
	rollouts [][]segmentCopy
}

func (l *scriptedLearner) RequestActions(ctx context.Context, obs core.ObservationBatch) (core.ActionBatch, error) {
	l.mu.Lock()
	l.requests = append(l.requests, core.ObservationBatch{
		Tick:         obs.Tick,
		Handles:      append([]core.Handle(nil), obs.Handles...),
		Observations: append([]float32(nil), obs.Observations...),
		Shape:        obs.Shape,
	})
	stall := l.stallAt == obs.Tick && !l.stalled
	if stall {
		l.stalled = true
	}
	l.mu.Unlock()

	if stall {
		<-ctx.Done()
		return core.ActionBatch{}, ctx.Err()
	}
	width := l.width
	if width == 0 {
		width = obs.Shape.Action
	}
	actions := make([]float32, 0, len(obs.Handles)*width)
	for _, h := range obs.Handles {
		for j := 0; j < width; j++ {
			actions = append(actions, float32(h.WorkerID))
		}
	}
	return core.ActionBatch{Actions: actions}, nil
}

func (l *scriptedLearner) ConsumeRollout(ctx context.Context, b *core.RolloutBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []segmentCopy
	for _, s := range b.Segments {
		c := segmentCopy{
			tick:    b.Tick,
			handle:  s.Handle,
			length:  s.Len(),
			done:    s.Done(),
			partial: s.Partial,
			lost:    s.Lost,
			initial: s.Initial[0],
			lastObs: s.LastObservation()[0],
		}
		if n := s.Len(); n > 0 {
			c.lastInfo = s.Info(n - 1)
			c.terminated = s.Terminated(n - 1)
		}
		out = append(out, c)
	}
	l.rollouts = append(l.rollouts, out)
	return nil
}

func (l *scriptedLearner) batches() [][]segmentCopy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollouts
}

func spawnCountdown(t *testing.T, workers int, params map[string]any, perWorker map[int]map[string]any) *pool.Pool {
	t.Helper()
	cfg := pool.Config{
		Workers:            workers,
		InstancesPerWorker: 1,
		Shape:              countdownShape,
		Env:                core.EnvConfig{Kind: "countdown", Params: params},
		PerWorker:          perWorker,
		StepTimeout:        time.Second,
		StartupDeadline:    2 * time.Second,
		RespawnAttempts:    1,
	}
	p, err := pool.Spawn(context.Background(), cfg, pool.InProcLauncher{Registry: envs.Builtin()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func newSync(t *testing.T, p Pool, l core.Learner, horizon int, cfg Config, opts ...Option) *Synchronizer {
	t.Helper()
	agg, err := aggregator.New(p.Shape(), horizon, l)
	if err != nil {
		t.Fatal(err)
	}
	return New(p, l, agg, cfg, opts...)
}

func runTicks(t *testing.T, s *Synchronizer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}
}

func TestScenario_TerminationEndsSegments(t *testing.T) {
	p := spawnCountdown(t, 4, map[string]any{"episode_length": 5}, nil)
	l := &scriptedLearner{}
	s := newSync(t, p, l, 8, Config{TickTimeout: time.Second})

	runTicks(t, s, 10)
	batches := l.batches()
	if len(batches) != 1 {
		t.Fatalf("expected one flush before close, got %d", len(batches))
	}
	for _, seg := range batches[0] {
		if seg.tick != 5 || seg.length != 5 || !seg.terminated || seg.handle.EpisodeID != 1 {
			t.Errorf("expected a 5 step terminal segment at tick 5: %+v", seg)
		}
		if seg.initial != 0 || seg.lastObs != 5 {
			t.Errorf("segment should run from observation 0 to 5: %+v", seg)
		}
	}
	if len(batches[0]) != 4 {
		t.Errorf("expected 4 segments, got %d", len(batches[0]))
	}

	// tick 6 resets, ticks 7..10 are steps 1..4 of episode 2
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	batches = l.batches()
	for _, seg := range batches[1] {
		if !seg.partial || seg.length != 4 || seg.handle.EpisodeID != 2 || seg.done {
			t.Errorf("expected a partial 4 step segment of episode 2: %+v", seg)
		}
	}
}

func TestScenario_HorizonSplitsEpisodes(t *testing.T) {
	p := spawnCountdown(t, 2, map[string]any{"episode_length": 5}, nil)
	l := &scriptedLearner{}
	s := newSync(t, p, l, 3, Config{})

	runTicks(t, s, 5)
	batches := l.batches()
	if len(batches) != 2 {
		t.Fatalf("expected flushes at ticks 3 and 5, got %d", len(batches))
	}
	for _, seg := range batches[0] {
		if seg.tick != 3 || seg.length != 3 || seg.done {
			t.Errorf("expected a 3 step non-terminal segment: %+v", seg)
		}
	}
	for _, seg := range batches[1] {
		if seg.tick != 5 || seg.length != 2 || !seg.done || seg.initial != 3 {
			t.Errorf("expected the 2 step terminal continuation: %+v", seg)
		}
	}
}

func TestScenario_FaultOnOneWorker(t *testing.T) {
	p := spawnCountdown(t, 4, map[string]any{"episode_length": 100},
		map[int]map[string]any{2: {"fault_worker": 2, "fault_step": 3}})
	l := &scriptedLearner{}
	rec := &core.RecordingReporter{}
	s := newSync(t, p, l, 8, Config{TickTimeout: time.Second}, WithReporter(rec))

	runTicks(t, s, 8)
	batches := l.batches()
	if len(batches) != 2 {
		t.Fatalf("expected flushes at ticks 3 and 8, got %d", len(batches))
	}

	faulted := batches[0]
	if len(faulted) != 1 || faulted[0].handle.WorkerID != 2 || faulted[0].tick != 3 {
		t.Fatalf("expected only worker 2 flushed at tick 3: %+v", faulted)
	}
	if !faulted[0].terminated || !faulted[0].lastInfo.Fault || faulted[0].length != 3 {
		t.Errorf("expected a terminal fault segment of 3 steps: %+v", faulted[0])
	}

	horizon := batches[1]
	if len(horizon) != 3 {
		t.Fatalf("expected 3 healthy segments at tick 8, got %d", len(horizon))
	}
	for _, seg := range horizon {
		if seg.handle.WorkerID == 2 || seg.length != 8 || seg.done {
			t.Errorf("healthy worker affected: %+v", seg)
		}
	}
	if p.Respawns(2) != 0 || p.State(2) != core.WorkerReady {
		t.Errorf("an instance fault must not take the worker down")
	}

	handles := s.Handles()
	if handles[2].EpisodeID != 2 {
		t.Errorf("faulted handle should have moved to episode 2, got %v", handles[2])
	}
	if rec.Count("tick") != 8 {
		t.Errorf("expected 8 tick events, got %d", rec.Count("tick"))
	}
}

func TestScenario_LearnerStall(t *testing.T) {
	p := spawnCountdown(t, 2, map[string]any{"episode_length": 100}, nil)
	l := &scriptedLearner{stallAt: 2}
	s := newSync(t, p, l, 8, Config{TickTimeout: 50 * time.Millisecond})

	runTicks(t, s, 1)
	before := s.Observations()

	err := s.Tick(context.Background())
	if !errors.Is(err, core.ErrSynchronizationStall) {
		t.Fatalf("expected ErrSynchronizationStall, got %v", err)
	}
	if s.Ticks() != 1 {
		t.Errorf("stalled tick should not count, ticks = %d", s.Ticks())
	}
	after := s.Observations()
	for i := range before.Observations {
		if before.Observations[i] != after.Observations[i] {
			t.Fatal("observations changed across a stall")
		}
	}

	// the pool is still usable
	runTicks(t, s, 1)
	if s.Ticks() != 2 {
		t.Errorf("ticks = %d, want 2", s.Ticks())
	}
	if obs := s.Observations(); obs.Row(0)[0] != 2 {
		t.Errorf("expected the second step, got %v", obs.Row(0))
	}
}

// fakePool answers each step with the action in observation[0] and can
// mark handles lost or crashed.
type fakePool struct {
	shape   core.Shape
	initial []core.StepResult
	episode map[core.HandleKey]uint64
	lost    map[core.HandleKey]bool
	crashed map[core.HandleKey]bool
	acked   bool
	cmds    []core.ActionCommand
}

func newFakePool(n int) *fakePool {
	p := &fakePool{
		shape:   countdownShape,
		episode: make(map[core.HandleKey]uint64),
		lost:    make(map[core.HandleKey]bool),
		crashed: make(map[core.HandleKey]bool),
	}
	for w := 0; w < n; w++ {
		h := core.Handle{WorkerID: w, EpisodeID: 1}
		p.episode[h.Key()] = 1
		p.initial = append(p.initial, core.StepResult{
			Handle: h, Observation: []float32{0, 0}, Reward: []float32{0}, Info: core.Info{Reset: true},
		})
	}
	return p
}

func (p *fakePool) Initial() core.StepResultBatch { return core.StepResultBatch{Results: p.initial} }
func (p *fakePool) Shape() core.Shape             { return p.shape }

func (p *fakePool) Dispatch(ctx context.Context, cmd core.ActionCommand) (core.StepResultBatch, error) {
	p.cmds = append(p.cmds, copyCommand(cmd))
	batch := core.StepResultBatch{Tick: cmd.Tick}
	for _, a := range cmd.Actions {
		key := a.Handle.Key()
		r := core.StepResult{Handle: a.Handle, Observation: []float32{0, 0}, Reward: []float32{1}}
		switch {
		case p.lost[key]:
			r.Terminated = true
			r.Info.Lost = true
		case p.crashed[key]:
			r.Truncated = true
			r.Info.Crashed = true
		case a.Reset:
			p.episode[key]++
			r.Handle.EpisodeID = p.episode[key]
			r.Reward[0] = 0
			r.Info.Reset = true
		default:
			r.Observation[0] = a.Action[0]
		}
		batch.Results = append(batch.Results, r)
	}
	return batch, nil
}

// copyCommand detaches cmd from the synchronizer's reused storage.
func copyCommand(cmd core.ActionCommand) core.ActionCommand {
	out := core.ActionCommand{Tick: cmd.Tick, Actions: make([]core.SlotAction, len(cmd.Actions))}
	for i, a := range cmd.Actions {
		a.Action = append([]float32(nil), a.Action...)
		out.Actions[i] = a
	}
	return out
}

func (p *fakePool) Lost() []core.Handle {
	if p.acked {
		return nil
	}
	var out []core.Handle
	for _, r := range p.initial {
		if p.lost[r.Handle.Key()] {
			out = append(out, r.Handle)
		}
	}
	return out
}

func (p *fakePool) AcknowledgeLost() []core.Handle {
	lost := p.Lost()
	p.acked = true
	return lost
}

func TestSynchronizer_ResetFollowsDone(t *testing.T) {
	p := newFakePool(1)
	l := &scriptedLearner{}
	s := newSync(t, p, l, 8, Config{})

	runTicks(t, s, 1)
	s.done[0] = true
	runTicks(t, s, 1)
	if !p.cmds[1].Actions[0].Reset {
		t.Error("a handle whose episode ended should be reset")
	}
	if p.cmds[0].Actions[0].Reset {
		t.Error("a running episode should not be reset")
	}
	if s.Handles()[0].EpisodeID != 2 {
		t.Errorf("expected episode 2 after reset, got %v", s.Handles()[0])
	}
}

func TestSynchronizer_TickStepsExcludePadding(t *testing.T) {
	p := newFakePool(3)
	l := &scriptedLearner{}
	rec := &core.RecordingReporter{}
	s := newSync(t, p, l, 8, Config{}, WithReporter(rec))

	p.crashed[core.HandleKey{WorkerID: 0}] = true
	runTicks(t, s, 1)

	var steps []int
	for _, e := range rec.Events() {
		if e.Kind == "tick" {
			steps = append(steps, e.Steps)
		}
	}
	if len(steps) != 1 || steps[0] != 2 {
		t.Errorf("expected one tick covering 2 steps, got %v", steps)
	}
}

func TestSynchronizer_ActionCountMismatch(t *testing.T) {
	p := newFakePool(2)
	l := &scriptedLearner{width: 2}
	s := newSync(t, p, l, 8, Config{})

	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected error for a wrong action count")
	}
	if len(p.cmds) != 0 {
		t.Error("nothing should be dispatched after a bad learner answer")
	}
}

func TestSynchronizer_AcknowledgeLostShrinksBatches(t *testing.T) {
	p := newFakePool(3)
	l := &scriptedLearner{}
	s := newSync(t, p, l, 8, Config{})

	runTicks(t, s, 2)
	p.lost[core.HandleKey{WorkerID: 1}] = true
	runTicks(t, s, 1)
	if !s.Lost() {
		t.Fatal("expected pending lost handles")
	}

	lost := s.AcknowledgeLost()
	if len(lost) != 1 || lost[0].WorkerID != 1 {
		t.Fatalf("unexpected lost handles %v", lost)
	}
	runTicks(t, s, 1)
	last := l.requests[len(l.requests)-1]
	if len(last.Handles) != 2 || last.Handles[0].WorkerID != 0 || last.Handles[1].WorkerID != 2 {
		t.Errorf("learner should only see live handles, got %v", last.Handles)
	}
	if len(last.Observations) != 2*countdownShape.Observation {
		t.Errorf("observation batch not re-laid out: %d elements", len(last.Observations))
	}
	if n := len(p.cmds[len(p.cmds)-1].Actions); n != 2 {
		t.Errorf("expected 2 actions after acknowledge, got %d", n)
	}

	// the lost handle's two pending steps were delivered once, marked lost
	var lostSegs int
	for _, b := range l.batches() {
		for _, seg := range b {
			if seg.lost {
				lostSegs++
				if seg.handle.WorkerID != 1 || seg.length != 2 {
					t.Errorf("unexpected lost segment %+v", seg)
				}
			}
		}
	}
	if lostSegs != 1 {
		t.Errorf("expected exactly one lost segment, got %d", lostSegs)
	}
}

// blockingLearner holds every delivered rollout until release is closed.
type blockingLearner struct {
	requests atomic.Int32
	entered  chan struct{}
	release  chan struct{}
}

func (l *blockingLearner) RequestActions(ctx context.Context, obs core.ObservationBatch) (core.ActionBatch, error) {
	l.requests.Add(1)
	return core.ActionBatch{Actions: make([]float32, len(obs.Handles)*obs.Shape.Action)}, nil
}

func (l *blockingLearner) ConsumeRollout(ctx context.Context, b *core.RolloutBatch) error {
	l.entered <- struct{}{}
	<-l.release
	return nil
}

func TestSynchronizer_TickWaitsForConsumer(t *testing.T) {
	p := newFakePool(2)
	l := &blockingLearner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newSync(t, p, l, 1, Config{})

	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background()) }()

	select {
	case <-l.entered:
	case <-time.After(time.Second):
		t.Fatal("rollout was never delivered")
	}
	select {
	case err := <-done:
		t.Fatalf("tick returned while the learner still held the rollout: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := l.requests.Load(); n != 1 {
		t.Errorf("expected 1 action request while blocked, got %d", n)
	}
	if len(p.cmds) != 1 {
		t.Errorf("expected 1 dispatch while blocked, got %d", len(p.cmds))
	}

	close(l.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.Ticks() != 1 {
		t.Errorf("expected 1 completed tick, got %d", s.Ticks())
	}
}
