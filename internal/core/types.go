package core

import "fmt"

// Shape is the fixed per-instance layout of numeric payloads, in float32
// elements. It is agreed once when the pool spawns.
type Shape struct {
	Observation int `yaml:"observation" json:"observation"`
	Action      int `yaml:"action" json:"action"`
	Reward      int `yaml:"reward" json:"reward"`
}

// Validate reports whether every dimension is usable.
func (s Shape) Validate() error {
	if s.Observation <= 0 || s.Action <= 0 || s.Reward <= 0 {
		return fmt.Errorf("invalid shape %+v: all dimensions must be > 0", s)
	}
	return nil
}

// HandleKey is the episode-independent identity of an environment instance.
type HandleKey struct {
	WorkerID int
	Slot     int
}

// Handle identifies one environment instance and its current episode.
type Handle struct {
	WorkerID  int
	Slot      int
	EpisodeID uint64
}

// Key drops the episode component.
func (h Handle) Key() HandleKey {
	return HandleKey{WorkerID: h.WorkerID, Slot: h.Slot}
}

func (h Handle) String() string {
	return fmt.Sprintf("w%d/s%d#%d", h.WorkerID, h.Slot, h.EpisodeID)
}

// SlotAction is the action payload for one handle.
// Reset asks the worker to start a new episode instead of stepping.
type SlotAction struct {
	Handle Handle
	Action []float32
	Reset  bool
}

// ActionCommand is one tick worth of actions for the pool.
type ActionCommand struct {
	Tick    uint64
	Actions []SlotAction
}

// Info is the small side channel attached to every StepResult.
type Info struct {
	Reset     bool   `json:"reset,omitempty"`
	Fault     bool   `json:"fault,omitempty"`
	Lost      bool   `json:"lost,omitempty"`
	Crashed   bool   `json:"crashed,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StepResult is produced for every live handle on every tick.
type StepResult struct {
	Handle      Handle
	Observation []float32
	Reward      []float32
	Terminated  bool
	Truncated   bool
	Info        Info
}

// Done reports whether the episode ended with this result.
func (r StepResult) Done() bool {
	return r.Terminated || r.Truncated
}

// Stepped reports whether the result comes from an environment step, as
// opposed to a reset or padding for a crashed, cancelled or lost worker.
func (r StepResult) Stepped() bool {
	return !r.Info.Reset && !r.Info.Lost && !r.Info.Crashed && !r.Info.Cancelled
}

// StepResultBatch holds one result per handle, in command order.
type StepResultBatch struct {
	Tick    uint64
	Results []StepResult
}

// ObservationBatch is the handle-indexed input to the learner.
// Observations is flat: row i spans [i*Shape.Observation, (i+1)*Shape.Observation).
type ObservationBatch struct {
	Tick         uint64
	Handles      []Handle
	Observations []float32
	Shape        Shape
}

// Row returns the observation of handle i.
func (b ObservationBatch) Row(i int) []float32 {
	n := b.Shape.Observation
	return b.Observations[i*n : (i+1)*n]
}

// ActionBatch is the learner's answer, indexed like the ObservationBatch.
type ActionBatch struct {
	Actions []float32
}

// WorkerState is the lifecycle of one environment worker.
type WorkerState int32

const (
	WorkerSpawning WorkerState = iota
	WorkerReady
	WorkerStepping
	WorkerDraining
	WorkerCrashed
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerSpawning:
		return "spawning"
	case WorkerReady:
		return "ready"
	case WorkerStepping:
		return "stepping"
	case WorkerDraining:
		return "draining"
	case WorkerCrashed:
		return "crashed"
	case WorkerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}
