package envs

import (
	"errors"
	"testing"

	"ensemble/internal/core"
)

func TestRegistry_UnknownKind(t *testing.T) {
	r := Builtin()
	if _, err := r.Create(core.EnvConfig{Kind: "pendulum"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "cartpole" || kinds[1] != "countdown" {
		t.Errorf("unexpected kinds %v", kinds)
	}
}

func TestRegistry_FactoryErrorIsWrapped(t *testing.T) {
	r := Builtin()
	_, err := r.Create(core.EnvConfig{Kind: "countdown", Params: map[string]any{"episode_length": 0}})
	if err == nil {
		t.Fatal("expected error for zero episode length")
	}
}

func TestParams_AcceptsJSONNumbers(t *testing.T) {
	p := Params{"a": float64(3), "b": 2, "c": 1.5, "d": true}

	if v, err := p.Int("a", 0); err != nil || v != 3 {
		t.Errorf("Int(a) = %d, %v", v, err)
	}
	if v, err := p.Int("b", 0); err != nil || v != 2 {
		t.Errorf("Int(b) = %d, %v", v, err)
	}
	if _, err := p.Int("c", 0); err == nil {
		t.Error("expected error for fractional int")
	}
	if v, err := p.Float("missing", 0.25); err != nil || v != 0.25 {
		t.Errorf("Float default = %v, %v", v, err)
	}
	if v, err := p.Bool("d", false); err != nil || !v {
		t.Errorf("Bool(d) = %v, %v", v, err)
	}
	if _, err := p.Bool("a", false); err == nil {
		t.Error("expected error for non-bool")
	}
}

func TestCountdown_TerminatesAfterLength(t *testing.T) {
	env, err := NewCountdown(core.EnvConfig{Params: map[string]any{"episode_length": 3}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Reset(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		out, err := env.Step([]float32{0.7})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if out.Observation[0] != float32(i) || out.Observation[1] != 0.7 {
			t.Errorf("step %d: observation %v", i, out.Observation)
		}
		if out.Terminated != (i == 3) {
			t.Errorf("step %d: terminated = %v", i, out.Terminated)
		}
	}
	obs, _ := env.Reset()
	if obs[0] != 0 {
		t.Errorf("reset should clear the counter, got %v", obs)
	}
}

func TestCountdown_FaultOnlyOnTargetWorker(t *testing.T) {
	params := map[string]any{"fault_worker": 2, "fault_step": 2}

	healthy, _ := NewCountdown(core.EnvConfig{WorkerID: 1, Params: params})
	faulty, _ := NewCountdown(core.EnvConfig{WorkerID: 2, Params: params})
	healthy.Reset()
	faulty.Reset()

	for i := 0; i < 3; i++ {
		if _, err := healthy.Step([]float32{0}); err != nil {
			t.Fatalf("healthy worker failed at step %d: %v", i+1, err)
		}
	}
	if _, err := faulty.Step([]float32{0}); err != nil {
		t.Fatalf("first step should succeed: %v", err)
	}
	_, err := faulty.Step([]float32{0})
	if err == nil {
		t.Fatal("expected injected fault at step 2")
	}
	if errors.Is(err, core.ErrFatal) {
		t.Error("non-fatal fault should not wrap ErrFatal")
	}
}

func TestCountdown_FatalFault(t *testing.T) {
	env, _ := NewCountdown(core.EnvConfig{Params: map[string]any{
		"fault_worker": 0, "fault_step": 1, "fault_fatal": true,
	}})
	env.Reset()
	if _, err := env.Step([]float32{0}); !errors.Is(err, core.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestCountdown_CustomShape(t *testing.T) {
	env, err := NewCountdown(core.EnvConfig{Params: map[string]any{
		"observation_size": 5, "action_size": 3, "reward_size": 2,
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := core.Shape{Observation: 5, Action: 3, Reward: 2}
	if env.Shape() != want {
		t.Errorf("shape = %+v, want %+v", env.Shape(), want)
	}
	env.Reset()
	out, _ := env.Step([]float32{1, 2, 3})
	if len(out.Observation) != 5 || len(out.Reward) != 2 || out.Reward[1] != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestCartPole_SeededResetIsDeterministic(t *testing.T) {
	cfg := core.EnvConfig{Seed: 7, WorkerID: 1, Slot: 2}
	a, _ := NewCartPole(cfg)
	b, _ := NewCartPole(cfg)

	oa, _ := a.Reset()
	ob, _ := b.Reset()
	for i := range oa {
		if oa[i] != ob[i] {
			t.Fatalf("same seed gave different initial states: %v vs %v", oa, ob)
		}
		if oa[i] < -0.05 || oa[i] > 0.05 {
			t.Errorf("initial state %v out of range", oa)
		}
	}
}

func TestCartPole_FallsWhenPushedOneWay(t *testing.T) {
	env, _ := NewCartPole(core.EnvConfig{Seed: 1})
	env.Reset()

	for i := 0; i < 200; i++ {
		out, err := env.Step([]float32{1})
		if err != nil {
			t.Fatal(err)
		}
		if out.Terminated {
			if out.Reward[0] != 0 {
				t.Errorf("terminal reward = %v, want 0", out.Reward[0])
			}
			return
		}
		if out.Reward[0] != 1 {
			t.Fatalf("reward = %v, want 1", out.Reward[0])
		}
	}
	t.Fatal("pole never fell under a constant push")
}

func TestCartPole_TruncatesAtMaxSteps(t *testing.T) {
	env, _ := NewCartPole(core.EnvConfig{Params: map[string]any{"max_steps": 3}})
	env.Reset()

	var out core.Outcome
	for i := 0; i < 3; i++ {
		out, _ = env.Step([]float32{float32(i % 2)})
	}
	if !out.Truncated || out.Terminated {
		t.Errorf("expected truncation after 3 steps, got %+v", out)
	}
}
