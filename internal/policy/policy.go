// Package policy provides simple action selection for smoke runs: a uniform
// random policy and a linear softmax policy with a linear value head.
package policy

import (
	"fmt"
	"math"
	"math/rand"

	"ensemble/internal/buffer"
)

// Policy fills action with the action for obs.
type Policy interface {
	Act(obs, action []float32, rng *rand.Rand)
}

// Trainer is a policy that can learn from buffered transitions. Train
// returns the mean loss over the batch.
type Trainer interface {
	Policy
	Train(batch []buffer.Transition) float64
}

// Random draws every action element uniformly from [0, 1).
type Random struct{}

func (Random) Act(obs, action []float32, rng *rand.Rand) {
	for i := range action {
		action[i] = rng.Float32()
	}
}

// Weights of a linear policy over Choices discrete actions.
type Weights struct {
	W  [][]float64 `json:"w"`  // [choices][observation]
	B  []float64   `json:"b"`  // [choices]
	VW []float64   `json:"vw"` // [observation]
	VB float64     `json:"vb"`
}

// DefaultWeights returns small symmetric weights for two choices.
func DefaultWeights(observation int) Weights {
	w := Weights{
		W:  [][]float64{make([]float64, observation), make([]float64, observation)},
		B:  []float64{0, 0},
		VW: make([]float64, observation),
	}
	for j := 0; j < observation; j++ {
		w.W[0][j] = 0.01
		w.W[1][j] = -0.01
	}
	return w
}

// Linear picks one of len(W) discrete actions from a softmax over linear
// logits and writes the choice index to action[0].
type Linear struct {
	Weights      Weights
	LearningRate float64
	Gamma        float64
}

func NewLinear(weights Weights, learningRate float64) (*Linear, error) {
	if len(weights.W) == 0 || len(weights.B) != len(weights.W) {
		return nil, fmt.Errorf("linear policy needs one bias per choice, got %d rows and %d biases", len(weights.W), len(weights.B))
	}
	for i, row := range weights.W {
		if len(row) != len(weights.VW) {
			return nil, fmt.Errorf("weight row %d has %d inputs, value head has %d", i, len(row), len(weights.VW))
		}
	}
	return &Linear{Weights: weights, LearningRate: learningRate, Gamma: 0.99}, nil
}

func (p *Linear) Act(obs, action []float32, rng *rand.Rand) {
	choice, _, _ := p.Decide(obs, rng)
	action[0] = float32(choice)
	for i := 1; i < len(action); i++ {
		action[i] = 0
	}
}

// Decide returns the chosen action, its log-probability and the value
// estimate of obs.
func (p *Linear) Decide(obs []float32, rng *rand.Rand) (int, float64, float64) {
	logits := make([]float64, len(p.Weights.W))
	for i := range logits {
		logits[i] = p.Weights.B[i]
		for j, x := range obs {
			logits[i] += p.Weights.W[i][j] * float64(x)
		}
	}
	probs := softmax(logits)
	choice := sampleCategorical(probs, rng)
	return choice, math.Log(probs[choice] + 1e-8), p.Value(obs)
}

// Value is the linear value estimate of obs.
func (p *Linear) Value(obs []float32) float64 {
	v := p.Weights.VB
	for j, x := range obs {
		v += p.Weights.VW[j] * float64(x)
	}
	return v
}

// Train runs one SGD pass of the value head toward the one-step TD target
// r + gamma*V(next) and returns the mean squared error before the update.
func (p *Linear) Train(batch []buffer.Transition) float64 {
	if len(batch) == 0 {
		return 0
	}
	var loss float64
	gradW := make([]float64, len(p.Weights.VW))
	var gradB float64
	for _, t := range batch {
		target := sum(t.Reward)
		if !t.Terminated {
			target += p.Gamma * p.Value(t.Next)
		}
		diff := p.Value(t.Observation) - target
		loss += diff * diff
		for j, x := range t.Observation {
			gradW[j] += diff * float64(x)
		}
		gradB += diff
	}
	n := float64(len(batch))
	for j := range gradW {
		p.Weights.VW[j] -= p.LearningRate * gradW[j] / n
	}
	p.Weights.VB -= p.LearningRate * gradB / n
	return loss / n
}

func sum(xs []float32) float64 {
	var s float64
	for _, x := range xs {
		s += float64(x)
	}
	return s
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	values := make([]float64, len(logits))
	var total float64
	for i, v := range logits {
		values[i] = math.Exp(v - maxLogit)
		total += values[i]
	}
	for i := range values {
		values[i] /= total
	}
	return values
}

func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	var cumulative float64
	for i, prob := range probs {
		cumulative += prob
		if threshold <= cumulative {
			return i
		}
	}
	return len(probs) - 1
}
