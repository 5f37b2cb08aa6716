// Package core defines the fundamental interfaces and types shared by the
// worker pool, the step synchronizer and the rollout aggregator.
package core

import (
	"context"
	"time"
)

// Event represents a single measurement reported by a pool component.
type Event struct {
	Kind      string // "tick", "dispatch", "flush", "episode", "fault", "timeout", "crash", "respawn", "lost"
	WorkerID  int
	Tick      uint64
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	Steps     int     // environment steps covered by the event
	Return    float64 // undiscounted episode return, "episode" events only
}

// Reporter is the interface components use to send events to the Collector.
type Reporter interface {
	Report(Event)
}

// NullReporter discards all events (used during warmup).
var NullReporter Reporter = nullReporter{}

type nullReporter struct{}

func (nullReporter) Report(Event) {}

// Outcome is what an environment returns from a single step.
type Outcome struct {
	Observation []float32
	Reward      []float32
	Terminated  bool
	Truncated   bool
	Info        string
}

// Environment is one simulated system being controlled.
// Implementations are confined to a single worker and need not be thread-safe.
// An Environment may also implement io.Closer.
type Environment interface {
	Shape() Shape
	Reset() ([]float32, error)
	Step(action []float32) (Outcome, error)
}

// EnvConfig carries the construction parameters of one environment instance.
type EnvConfig struct {
	Kind     string         `json:"kind"`
	WorkerID int            `json:"worker_id"`
	Slot     int            `json:"slot"`
	Seed     int64          `json:"seed"`
	Params   map[string]any `json:"params,omitempty"`
}

// EnvFactory builds an environment instance.
type EnvFactory func(cfg EnvConfig) (Environment, error)

// ActionSource selects one action per handle for every tick.
type ActionSource interface {
	RequestActions(ctx context.Context, obs ObservationBatch) (ActionBatch, error)
}

// RolloutConsumer takes ownership of flushed segments. The segments are
// recycled as soon as ConsumeRollout returns; implementations must copy out
// whatever they keep.
type RolloutConsumer interface {
	ConsumeRollout(ctx context.Context, batch *RolloutBatch) error
}

// Learner is the collaborator on the other side of the rollout engine.
type Learner interface {
	ActionSource
	RolloutConsumer
}
