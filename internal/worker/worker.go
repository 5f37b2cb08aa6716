// Package worker hosts a group of environment instances behind one
// transport channel. A worker is driven entirely by its pool: it
// answers every Step frame with exactly one Results frame and never acts on
// its own.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"ensemble/internal/core"
	"ensemble/internal/envs"
	"ensemble/internal/transport"
)

// Worker serves one channel. Its environments live from the Hello frame
// until Stop, end of input or a fatal failure.
type Worker struct {
	registry *envs.Registry
	logger   *log.Logger

	id      int
	shape   core.Shape
	envs    []core.Environment
	episode []uint64
	done    []bool
	results []core.StepResult
	skip    []bool
}

// New returns a worker that builds environments from registry. A nil logger
// discards diagnostics.
func New(registry *envs.Registry, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Worker{registry: registry, logger: logger}
}

// Serve runs the worker protocol over r and w. It returns nil after a Stop
// frame or a clean end of input. When ctx is cancelled and r can be closed,
// the pending read is interrupted and ctx.Err() is returned.
func (w *Worker) Serve(ctx context.Context, r io.Reader, wr io.Writer) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}
	defer w.closeEnvs()

	ep := transport.NewEndpoint(r, wr)
	hello, err := ep.ReadHello()
	if err != nil {
		return w.exitErr(ctx, err)
	}
	w.id = hello.WorkerID
	w.logger.SetPrefix(fmt.Sprintf("worker %d: ", w.id))

	if err := w.build(hello); err != nil {
		w.logger.Printf("startup failed: %v", err)
		_ = ep.WriteFailure(transport.Failure{WorkerID: w.id, Message: err.Error(), Fatal: true})
		return err
	}
	ep.Configure(hello.Layout())
	if err := ep.WriteReady(transport.Ready{WorkerID: w.id, PID: os.Getpid(), Shape: w.shape}); err != nil {
		return w.exitErr(ctx, err)
	}
	if w.shape != hello.Shape {
		// the pool rejects the mismatch and tears the channel down
		return nil
	}

	if hello.DeferReset {
		for i := range w.done {
			w.done[i] = true
		}
	} else {
		for i := range w.envs {
			w.reset(i)
		}
		if err := ep.WriteResults(0, w.results, nil); err != nil {
			return w.exitErr(ctx, err)
		}
	}

	for {
		kind, seq, cmds, err := ep.Next()
		if err != nil {
			return w.exitErr(ctx, err)
		}
		if kind == transport.KindStop {
			w.logger.Printf("stop requested")
			return nil
		}
		if err := w.step(cmds); err != nil {
			w.logger.Printf("fatal: %v", err)
			_ = ep.WriteFailure(transport.Failure{WorkerID: w.id, Message: err.Error(), Fatal: true})
			return err
		}
		if err := ep.WriteResults(seq, w.results, w.skip); err != nil {
			return w.exitErr(ctx, err)
		}
	}
}

func (w *Worker) build(hello transport.Hello) error {
	n := hello.Slots
	w.envs = make([]core.Environment, 0, n)
	for slot := 0; slot < n; slot++ {
		cfg := hello.Env
		cfg.WorkerID = hello.WorkerID
		cfg.Slot = slot
		env, err := w.registry.Create(cfg)
		if err != nil {
			return err
		}
		w.envs = append(w.envs, env)
		if slot == 0 {
			w.shape = env.Shape()
		} else if env.Shape() != w.shape {
			return fmt.Errorf("slot %d reports shape %+v, slot 0 reports %+v", slot, env.Shape(), w.shape)
		}
	}

	w.episode = make([]uint64, n)
	if len(hello.EpisodeBase) == n {
		copy(w.episode, hello.EpisodeBase)
	}
	w.done = make([]bool, n)
	w.skip = make([]bool, n)
	w.results = make([]core.StepResult, n)
	for i := range w.results {
		w.results[i].Handle = core.Handle{WorkerID: hello.WorkerID, Slot: i}
		w.results[i].Observation = make([]float32, w.shape.Observation)
		w.results[i].Reward = make([]float32, w.shape.Reward)
	}
	return nil
}

func (w *Worker) step(cmds []transport.SlotCommand) error {
	for i, c := range cmds {
		w.skip[i] = c.Skip
		if c.Skip {
			continue
		}
		if c.Reset || w.done[i] || c.EpisodeID != w.episode[i] {
			w.reset(i)
			continue
		}
		out, err := safeStep(w.envs[i], c.Action)
		if err == nil {
			err = w.check(out)
		}
		if err != nil {
			if errors.Is(err, core.ErrFatal) {
				return fmt.Errorf("slot %d: %w", i, err)
			}
			w.fault(i, err)
			continue
		}
		res := &w.results[i]
		copy(res.Observation, out.Observation)
		copy(res.Reward, out.Reward)
		res.Terminated = out.Terminated
		res.Truncated = out.Truncated
		res.Info = core.Info{Message: out.Info}
		w.done[i] = res.Done()
	}
	return nil
}

// reset starts a new episode in slot i. A failing reset is reported as a
// fault and retried on the next command.
func (w *Worker) reset(i int) {
	obs, err := safeReset(w.envs[i])
	if err == nil && len(obs) != w.shape.Observation {
		err = fmt.Errorf("reset returned %d observation elements, want %d", len(obs), w.shape.Observation)
	}
	w.episode[i]++
	res := &w.results[i]
	res.Handle.EpisodeID = w.episode[i]
	if err != nil {
		w.fault(i, err)
		res.Info.Reset = true
		return
	}
	copy(res.Observation, obs)
	clear(res.Reward)
	res.Terminated = false
	res.Truncated = false
	res.Info = core.Info{Reset: true}
	w.done[i] = false
}

// fault ends the episode in slot i. The observation keeps its last value.
func (w *Worker) fault(i int, err error) {
	w.logger.Printf("slot %d episode %d: %v", i, w.episode[i], err)
	res := &w.results[i]
	clear(res.Reward)
	res.Terminated = true
	res.Truncated = false
	res.Info = core.Info{Fault: true, Message: err.Error()}
	w.done[i] = true
}

func (w *Worker) check(out core.Outcome) error {
	if len(out.Observation) != w.shape.Observation {
		return fmt.Errorf("step returned %d observation elements, want %d", len(out.Observation), w.shape.Observation)
	}
	if len(out.Reward) != w.shape.Reward {
		return fmt.Errorf("step returned %d reward elements, want %d", len(out.Reward), w.shape.Reward)
	}
	return nil
}

func (w *Worker) closeEnvs() {
	for _, env := range w.envs {
		if c, ok := env.(io.Closer); ok {
			if err := c.Close(); err != nil {
				w.logger.Printf("closing environment: %v", err)
			}
		}
	}
}

func (w *Worker) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func safeStep(env core.Environment, action []float32) (out core.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return env.Step(action)
}

func safeReset(env core.Environment) (obs []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return env.Reset()
}

// ServeProcess serves the channel on stdin and stdout. Diagnostics go to
// stderr, which the pool process shares.
func ServeProcess(ctx context.Context, registry *envs.Registry) error {
	logger := log.New(os.Stderr, "worker: ", log.LstdFlags)
	in := struct {
		io.Reader
		io.Closer
	}{bufio.NewReaderSize(os.Stdin, 64<<10), os.Stdin}
	return New(registry, logger).Serve(ctx, in, os.Stdout)
}
