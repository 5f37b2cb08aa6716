package policy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"ensemble/internal/buffer"
	"ensemble/internal/core"
)

// Agent is a core.Learner that acts with a Policy and collects every
// delivered rollout into a Buffer. When the policy is a Trainer, a full
// buffer is trained on in shuffled mini-batches and then cleared.
type Agent struct {
	mu        sync.Mutex
	policy    Policy
	buf       *buffer.Buffer
	rng       *rand.Rand
	batchSize int
	seed      int64

	stats AgentStats
}

// AgentStats summarizes what an Agent has seen.
type AgentStats struct {
	Requests int
	Segments int
	Steps    int
	Updates  int
	LastLoss float64
}

func NewAgent(p Policy, buf *buffer.Buffer, batchSize int, seed int64) *Agent {
	return &Agent{
		policy:    p,
		buf:       buf,
		rng:       rand.New(rand.NewSource(seed)),
		batchSize: batchSize,
		seed:      seed,
	}
}

func (a *Agent) RequestActions(ctx context.Context, obs core.ObservationBatch) (core.ActionBatch, error) {
	if err := ctx.Err(); err != nil {
		return core.ActionBatch{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	width := obs.Shape.Action
	actions := make([]float32, len(obs.Handles)*width)
	for i := range obs.Handles {
		a.policy.Act(obs.Row(i), actions[i*width:(i+1)*width], a.rng)
	}
	a.stats.Requests++
	return core.ActionBatch{Actions: actions}, nil
}

func (a *Agent) ConsumeRollout(ctx context.Context, batch *core.RolloutBatch) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Segments += len(batch.Segments)
	a.stats.Steps += a.buf.Submit(batch)

	trainer, ok := a.policy.(Trainer)
	if !ok || a.buf.Len() < a.buf.MaxSize() {
		return nil
	}
	batches := a.buf.Shuffled(a.batchSize, a.seed+int64(a.stats.Updates))
	if len(batches) == 0 {
		return fmt.Errorf("buffer of %d holds no batch of %d", a.buf.Len(), a.batchSize)
	}
	var loss float64
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		loss += trainer.Train(b)
	}
	a.stats.Updates++
	a.stats.LastLoss = loss / float64(len(batches))
	a.buf.Clear()
	return nil
}

// Stats returns a snapshot of the agent's counters.
func (a *Agent) Stats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
