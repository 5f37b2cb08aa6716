package envs

import (
	"fmt"
	"time"

	"ensemble/internal/core"
)

// Countdown runs fixed-length episodes. It is deterministic, which makes it
// the workhorse of pool tests and smoke runs.
//
// Observation: [steps taken this episode, first element of the last action,
// zero padding...]. Reward: 1 per step in every component.
//
// Params:
//
//	episode_length    steps until termination (default 5)
//	observation_size  observation width, >= 2 (default 2)
//	action_size       action width (default 1)
//	reward_size       reward width (default 1)
//	fault_worker      worker whose instances fail (default -1, none)
//	fault_step        lifetime step number that fails (default 0, never)
//	fault_fatal       the failure is process-fatal
//	fault_panic       panic instead of returning an error
//	step_delay_ms     sleep before every step
type Countdown struct {
	shape      core.Shape
	length     int
	steps      int
	lifetime   int
	faultStep  int
	faultFatal bool
	faultPanic bool
	delay      time.Duration

	obs    []float32
	reward []float32
}

func NewCountdown(cfg core.EnvConfig) (core.Environment, error) {
	p := Params(cfg.Params)
	c := &Countdown{}
	var err error
	read := func(key string, def int) int {
		if err != nil {
			return def
		}
		var v int
		v, err = p.Int(key, def)
		return v
	}
	c.length = read("episode_length", 5)
	c.shape.Observation = read("observation_size", 2)
	c.shape.Action = read("action_size", 1)
	c.shape.Reward = read("reward_size", 1)
	faultWorker := read("fault_worker", -1)
	faultStep := read("fault_step", 0)
	delay := read("step_delay_ms", 0)
	if err != nil {
		return nil, err
	}
	if c.faultFatal, err = p.Bool("fault_fatal", false); err != nil {
		return nil, err
	}
	if c.faultPanic, err = p.Bool("fault_panic", false); err != nil {
		return nil, err
	}
	if c.length <= 0 {
		return nil, fmt.Errorf("episode_length must be > 0, got %d", c.length)
	}
	if c.shape.Observation < 2 {
		return nil, fmt.Errorf("observation_size must be >= 2, got %d", c.shape.Observation)
	}
	if faultWorker == cfg.WorkerID {
		c.faultStep = faultStep
	}
	c.delay = time.Duration(delay) * time.Millisecond
	c.obs = make([]float32, c.shape.Observation)
	c.reward = make([]float32, c.shape.Reward)
	return c, nil
}

func (c *Countdown) Shape() core.Shape { return c.shape }

func (c *Countdown) Reset() ([]float32, error) {
	c.steps = 0
	for i := range c.obs {
		c.obs[i] = 0
	}
	return c.obs, nil
}

func (c *Countdown) Step(action []float32) (core.Outcome, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.lifetime++
	if c.faultStep > 0 && c.lifetime == c.faultStep {
		if c.faultPanic {
			panic(fmt.Sprintf("countdown: injected panic at step %d", c.lifetime))
		}
		if c.faultFatal {
			return core.Outcome{}, fmt.Errorf("countdown: injected failure at step %d: %w", c.lifetime, core.ErrFatal)
		}
		return core.Outcome{}, fmt.Errorf("countdown: injected failure at step %d", c.lifetime)
	}
	c.steps++
	c.obs[0] = float32(c.steps)
	if len(action) > 0 {
		c.obs[1] = action[0]
	}
	for i := range c.reward {
		c.reward[i] = 1
	}
	return core.Outcome{
		Observation: c.obs,
		Reward:      c.reward,
		Terminated:  c.steps >= c.length,
	}, nil
}
