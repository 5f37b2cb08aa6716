package transport

import (
	"fmt"
	"io"

	"ensemble/internal/core"
)

// Endpoint is the worker end of a channel. It reads commands from r and
// writes results to w using buffers sized once by Configure.
type Endpoint struct {
	r io.Reader
	w io.Writer

	in     *frame
	layout Layout
	out    []byte
	cmds   []SlotCommand
}

func NewEndpoint(r io.Reader, w io.Writer) *Endpoint {
	return &Endpoint{r: r, w: w, in: newFrame(4096)}
}

// ReadHello reads the handshake frame.
func (e *Endpoint) ReadHello() (Hello, error) {
	var h Hello
	if err := e.in.read(e.r); err != nil {
		return h, fmt.Errorf("reading hello: %w", err)
	}
	if e.in.kind != KindHello {
		return h, fmt.Errorf("expected hello frame, got %s", e.in.kind)
	}
	if err := decodeJSON(KindHello, e.in.payload, &h); err != nil {
		return h, err
	}
	if h.Slots <= 0 {
		return h, fmt.Errorf("hello asks for %d slots", h.Slots)
	}
	if err := h.Shape.Validate(); err != nil {
		return h, err
	}
	return h, nil
}

// Configure fixes the layout for every later Step and Results frame.
func (e *Endpoint) Configure(l Layout) {
	e.layout = l
	e.out = make([]byte, HeaderSize+l.ResultsPayload())
	if need := HeaderSize + l.StepPayload(); need > cap(e.in.buf) {
		e.in.buf = make([]byte, need)
	}
	e.cmds = make([]SlotCommand, l.Slots)
	for i := range e.cmds {
		e.cmds[i].Action = make([]float32, 0, l.Shape.Action)
	}
}

func (e *Endpoint) WriteReady(r Ready) error {
	payload, err := encodeJSON(KindReady, r)
	if err != nil {
		return err
	}
	return writeFrame(e.w, KindReady, 0, payload)
}

func (e *Endpoint) WriteFailure(f Failure) error {
	payload, err := encodeJSON(KindFailure, f)
	if err != nil {
		return err
	}
	return writeFrame(e.w, KindFailure, 0, payload)
}

// Next blocks for the next command. For KindStep the returned slice holds
// one entry per slot and is reused by the following call. KindStop carries
// no commands.
func (e *Endpoint) Next() (Kind, uint64, []SlotCommand, error) {
	if err := e.in.read(e.r); err != nil {
		return 0, 0, nil, err
	}
	switch e.in.kind {
	case KindStep:
		if err := e.layout.DecodeStep(e.in.payload, e.cmds); err != nil {
			return 0, 0, nil, err
		}
		return KindStep, e.in.seq, e.cmds, nil
	case KindStop:
		return KindStop, e.in.seq, nil, nil
	default:
		return 0, 0, nil, fmt.Errorf("unexpected %s frame", e.in.kind)
	}
}

// WriteResults answers the Step tagged seq.
func (e *Endpoint) WriteResults(seq uint64, results []core.StepResult, skip []bool) error {
	n, err := e.layout.EncodeResults(e.out, seq, results, skip)
	if err != nil {
		return err
	}
	_, err = e.w.Write(e.out[:n])
	return err
}
