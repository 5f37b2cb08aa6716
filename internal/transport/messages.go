package transport

import (
	"encoding/json"
	"fmt"

	"ensemble/internal/core"
)

// Hello is the first frame a worker receives. It carries everything the
// worker needs to build its environments.
type Hello struct {
	WorkerID int            `json:"worker_id"`
	Slots    int            `json:"slots"`
	Shape    core.Shape     `json:"shape"`
	Env      core.EnvConfig `json:"env"`
	// EpisodeBase holds, per slot, the last episode id issued for that slot
	// so that ids keep increasing across respawns.
	EpisodeBase []uint64 `json:"episode_base"`
	// DeferReset skips the initial reset; every slot starts done and is reset
	// by the first Step command.
	DeferReset bool `json:"defer_reset,omitempty"`
}

// Layout derives the frame layout the worker will use.
func (h Hello) Layout() Layout {
	return Layout{Shape: h.Shape, Slots: h.Slots}
}

// Ready acknowledges a Hello. Shape is the shape reported by the worker's
// environments, checked against the configured shape by the pool.
type Ready struct {
	WorkerID int        `json:"worker_id"`
	PID      int        `json:"pid"`
	Shape    core.Shape `json:"shape"`
}

// Failure reports a worker-level error. Fatal failures end the worker.
type Failure struct {
	WorkerID int    `json:"worker_id"`
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal"`
}

func decodeJSON(kind Kind, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding %s frame: %w", kind, err)
	}
	return nil
}

func encodeJSON(kind Kind, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", kind, err)
	}
	return b, nil
}
