package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"ensemble/internal/envs"
	"ensemble/internal/worker"
)

var errKilled = errors.New("worker killed")

// Proc is a running worker: the two ends of its channel plus lifecycle
// controls. Kill and Wait may be called more than once.
type Proc struct {
	Commands io.WriteCloser
	Results  io.ReadCloser
	PID      int

	kill     func() error
	wait     func() error
	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// NewProc wraps a started worker. wait blocks until the worker has exited.
func NewProc(commands io.WriteCloser, results io.ReadCloser, pid int, kill, wait func() error) *Proc {
	return &Proc{
		Commands: commands,
		Results:  results,
		PID:      pid,
		kill:     kill,
		wait:     wait,
		exited:   make(chan struct{}),
	}
}

func (p *Proc) Kill() error {
	return p.kill()
}

// Wait blocks until the worker exits and returns its exit error.
func (p *Proc) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.wait()
		close(p.exited)
	})
	<-p.exited
	return p.waitErr
}

// Exited is closed once Wait has observed the exit.
func (p *Proc) Exited() <-chan struct{} {
	return p.exited
}

// Launcher starts one worker. The worker must be ready to read a Hello
// frame from Commands when Launch returns.
type Launcher interface {
	Launch(ctx context.Context, workerID int) (*Proc, error)
}

// ExecLauncher runs each worker as a separate OS process by re-executing a
// binary that serves the worker protocol on stdin and stdout.
type ExecLauncher struct {
	// Path defaults to the running executable.
	Path string
	// Args default to the hidden "worker" subcommand.
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// Stderr receives worker diagnostics; defaults to os.Stderr.
	Stderr io.Writer
}

func (l ExecLauncher) Launch(ctx context.Context, workerID int) (*Proc, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if args == nil {
		args = []string{"worker"}
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("ENSEMBLE_WORKER_ID=%d", workerID))
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", workerID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", workerID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %d: %w", workerID, err)
	}

	kill := func() error {
		err := cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return NewProc(stdin, stdout, cmd.Process.Pid, kill, cmd.Wait), nil
}

// InProcLauncher runs each worker as a goroutine connected through
// in-memory pipes. The wire format is the same as ExecLauncher's.
type InProcLauncher struct {
	Registry *envs.Registry
	// Logger receives worker diagnostics; nil discards them.
	Logger *log.Logger
}

func (l InProcLauncher) Launch(ctx context.Context, workerID int) (*Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()
	wctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		err := worker.New(l.Registry, l.Logger).Serve(wctx, cmdR, resW)
		if err != nil {
			resW.CloseWithError(err)
		} else {
			resW.Close()
		}
		done <- err
	}()

	wait := func() error { return <-done }
	kill := func() error {
		cancel()
		cmdR.CloseWithError(errKilled)
		resW.CloseWithError(errKilled)
		return nil
	}
	return NewProc(cmdW, resR, os.Getpid(), kill, wait), nil
}
