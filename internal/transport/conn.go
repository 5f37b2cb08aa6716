package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"ensemble/internal/core"
)

var errClosed = errors.New("connection closed")

// Conn is the pool end of one worker channel. It is strictly
// request/response: one Step frame out, exactly one Results frame back,
// before the next Step may be sent.
//
// A background reader owns the receive side and hands filled frames over a
// channel; the frame returns through the free list once decoded. A background
// writer owns the send buffer while a write is in progress. A Conn is not
// safe for concurrent use.
type Conn struct {
	workerID int
	r        io.Reader
	w        io.Writer

	layout  Layout
	out     []byte
	results []core.StepResult
	skip    []bool

	frames    chan *frame
	free      chan *frame
	sendq     chan []byte
	sent      chan error
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error

	seq      uint64
	inflight bool
	broken   bool
}

// NewConn starts the reader and writer goroutines over r and w. Both stop
// when Close is called and the underlying streams are closed.
func NewConn(workerID int, r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		workerID: workerID,
		r:        r,
		w:        w,
		frames:   make(chan *frame, 1),
		free:     make(chan *frame, 2),
		sendq:    make(chan []byte),
		sent:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
	c.free <- newFrame(4096)
	c.free <- newFrame(4096)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		var f *frame
		select {
		case f = <-c.free:
		case <-c.closed:
			return
		}
		if err := f.read(c.r); err != nil {
			c.readErr = err
			return
		}
		select {
		case c.frames <- f:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case b := <-c.sendq:
			_, err := c.w.Write(b)
			c.sent <- err
		case <-c.closed:
			return
		}
	}
}

// Layout returns the negotiated layout; zero before Handshake.
func (c *Conn) Layout() Layout { return c.layout }

// Inflight reports whether a Step was sent without its Results being read.
func (c *Conn) Inflight() bool { return c.inflight }

// Broken reports whether an earlier failure left the channel unusable.
func (c *Conn) Broken() bool { return c.broken }

// Handshake sends hello and waits for Ready. Unless hello.DeferReset is set
// it also waits for the tick-0 results carrying every slot's first
// observation. The returned results alias Conn storage.
func (c *Conn) Handshake(ctx context.Context, hello Hello) (Ready, []core.StepResult, error) {
	var ready Ready
	payload, err := encodeJSON(KindHello, hello)
	if err != nil {
		return ready, nil, err
	}
	b := make([]byte, HeaderSize+len(payload))
	putHeader(b, KindHello, 0, len(payload))
	copy(b[HeaderSize:], payload)
	if err := c.write(ctx, b); err != nil {
		return ready, nil, err
	}

	f, err := c.next(ctx, 0)
	if err != nil {
		return ready, nil, err
	}
	switch f.kind {
	case KindReady:
		err = decodeJSON(f.kind, f.payload, &ready)
	case KindFailure:
		err = c.failure(f)
	default:
		err = c.protocol("expected ready frame, got %s", f.kind)
	}
	c.free <- f
	if err != nil {
		return ready, nil, err
	}
	if ready.Shape != hello.Shape {
		return ready, nil, c.protocol("worker reports shape %+v, pool expects %+v", ready.Shape, hello.Shape)
	}

	c.layout = hello.Layout()
	c.out = make([]byte, HeaderSize+c.layout.StepPayload())
	c.results = make([]core.StepResult, hello.Slots)
	c.skip = make([]bool, hello.Slots)
	for i := range c.results {
		c.results[i].Handle = core.Handle{WorkerID: hello.WorkerID, Slot: i}
	}
	c.seq = 0
	if hello.DeferReset {
		return ready, nil, nil
	}
	c.inflight = true
	results, _, err := c.Await(ctx, 0)
	return ready, results, err
}

// Send writes one Step frame tagged with seq.
func (c *Conn) Send(ctx context.Context, seq uint64, cmds []SlotCommand) error {
	if c.broken {
		return core.NewError(core.KindWorkerCrashed, c.workerID, "channel broken by an earlier failure", nil)
	}
	if c.inflight {
		return c.protocol("step %d sent while step %d is unanswered", seq, c.seq)
	}
	n, err := c.layout.EncodeStep(c.out, seq, cmds)
	if err != nil {
		return c.protocol("%v", err)
	}
	if err := c.write(ctx, c.out[:n]); err != nil {
		return err
	}
	c.seq = seq
	c.inflight = true
	return nil
}

// Await blocks for the Results frame answering the last Send. A zero timeout
// waits on ctx alone. The returned slices alias Conn storage and stay valid
// until the next Await.
func (c *Conn) Await(ctx context.Context, timeout time.Duration) ([]core.StepResult, []bool, error) {
	f, err := c.next(ctx, timeout)
	if err != nil {
		return nil, nil, err
	}
	defer func() { c.free <- f }()

	switch f.kind {
	case KindResults:
	case KindFailure:
		c.broken = true
		return nil, nil, c.failure(f)
	default:
		c.broken = true
		return nil, nil, c.protocol("expected results frame, got %s", f.kind)
	}
	if f.seq != c.seq {
		c.broken = true
		return nil, nil, c.protocol("results for step %d while waiting for step %d", f.seq, c.seq)
	}
	if err := c.layout.DecodeResults(f.payload, c.results, c.skip); err != nil {
		c.broken = true
		return nil, nil, c.protocol("%v", err)
	}
	c.inflight = false
	return c.results, c.skip, nil
}

// Drain discards the response to an abandoned Step, if any. The peer is not
// asked to acknowledge anything.
func (c *Conn) Drain(timeout time.Duration) error {
	if c.broken {
		return core.NewError(core.KindWorkerCrashed, c.workerID, "channel broken by an earlier failure", nil)
	}
	if !c.inflight {
		return nil
	}
	f, err := c.next(context.Background(), timeout)
	if err != nil {
		return err
	}
	c.free <- f
	c.inflight = false
	return nil
}

// Stop asks the worker to exit. Errors are returned but the worker may be
// gone already, which callers usually ignore.
func (c *Conn) Stop(ctx context.Context) error {
	if c.broken {
		return core.NewError(core.KindWorkerCrashed, c.workerID, "channel broken by an earlier failure", nil)
	}
	b := make([]byte, HeaderSize)
	putHeader(b, KindStop, c.seq+1, 0)
	return c.write(ctx, b)
}

// Close stops the background goroutines. A reader blocked on the stream
// exits once the stream itself is closed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) next(ctx context.Context, timeout time.Duration) (*frame, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.broken = true
			cause := c.readErr
			if cause == nil {
				cause = errClosed
			}
			return nil, core.NewError(core.KindWorkerCrashed, c.workerID, "channel closed", cause)
		}
		return f, nil
	case <-expire:
		return nil, core.NewError(core.KindWorkerTimeout, c.workerID, fmt.Sprintf("no response within %v", timeout), nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	select {
	case c.sendq <- b:
	case <-c.closed:
		return core.NewError(core.KindWorkerCrashed, c.workerID, "send", errClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.sent:
		if err != nil {
			c.broken = true
			return core.NewError(core.KindWorkerCrashed, c.workerID, "send", err)
		}
		return nil
	case <-ctx.Done():
		// the writer still owns b
		c.broken = true
		return ctx.Err()
	}
}

func (c *Conn) failure(f *frame) error {
	var fl Failure
	if err := decodeJSON(f.kind, f.payload, &fl); err != nil {
		return c.protocol("%v", err)
	}
	return core.NewError(core.KindWorkerCrashed, c.workerID, fl.Message, nil)
}

func (c *Conn) protocol(format string, args ...any) error {
	return core.NewError(core.KindProtocol, c.workerID, fmt.Sprintf(format, args...), nil)
}
