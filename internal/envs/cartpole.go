package envs

import (
	"math"
	"math/rand"

	"ensemble/internal/core"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleLength     = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleLength
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
)

// CartPoleShape is the fixed shape of the cartpole environment: four state
// variables, one action element (>= 0.5 pushes right) and a scalar reward.
var CartPoleShape = core.Shape{Observation: 4, Action: 1, Reward: 1}

// CartPole is the classic pole balancing task.
type CartPole struct {
	x, xDot, theta, thetaDot float64

	steps    int
	maxSteps int
	rng      *rand.Rand
	obs      []float32
	reward   []float32
}

// NewCartPole builds a cartpole. Params: max_steps (default 500), after which
// the episode is truncated.
func NewCartPole(cfg core.EnvConfig) (core.Environment, error) {
	maxSteps, err := Params(cfg.Params).Int("max_steps", 500)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed + int64(cfg.WorkerID)*1000 + int64(cfg.Slot)
	return &CartPole{
		maxSteps: maxSteps,
		rng:      rand.New(rand.NewSource(seed)),
		obs:      make([]float32, 4),
		reward:   make([]float32, 1),
	}, nil
}

func (e *CartPole) Shape() core.Shape { return CartPoleShape }

func (e *CartPole) Reset() ([]float32, error) {
	e.x = e.rng.Float64()*0.1 - 0.05
	e.xDot = e.rng.Float64()*0.1 - 0.05
	e.theta = e.rng.Float64()*0.1 - 0.05
	e.thetaDot = e.rng.Float64()*0.1 - 0.05
	e.steps = 0
	return e.observe(), nil
}

func (e *CartPole) Step(action []float32) (core.Outcome, error) {
	force := forceMax
	if action[0] < 0.5 {
		force = -forceMax
	}

	cosTheta := math.Cos(e.theta)
	sinTheta := math.Sin(e.theta)
	temp := (force + poleMassLength*e.thetaDot*e.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	e.x += tau * e.xDot
	e.xDot += tau * xAcc
	e.theta += tau * e.thetaDot
	e.thetaDot += tau * thetaAcc
	e.steps++

	fell := e.x < -xThreshold || e.x > xThreshold || e.theta < -thetaThreshold || e.theta > thetaThreshold
	e.reward[0] = 1
	if fell {
		e.reward[0] = 0
	}
	return core.Outcome{
		Observation: e.observe(),
		Reward:      e.reward,
		Terminated:  fell,
		Truncated:   !fell && e.steps >= e.maxSteps,
	}, nil
}

func (e *CartPole) observe() []float32 {
	e.obs[0] = float32(e.x)
	e.obs[1] = float32(e.xDot)
	e.obs[2] = float32(e.theta)
	e.obs[3] = float32(e.thetaDot)
	return e.obs
}
