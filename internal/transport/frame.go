// Package transport moves commands and step results between the pool and a
// worker over a pair of byte streams.
//
// Every message is a frame: a fixed 20-byte header followed by a payload.
// Step and Results payloads use a fixed binary layout computed once from the
// pool shape; handshake payloads are JSON since they are exchanged once.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind identifies the payload of a frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindReady
	KindStep
	KindResults
	KindStop
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindReady:
		return "ready"
	case KindStep:
		return "step"
	case KindResults:
		return "results"
	case KindStop:
		return "stop"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	frameMagic uint32 = 0x454e5342
	HeaderSize        = 20

	// maxPayload bounds handshake payloads read from a misbehaving peer.
	maxPayload = 64 << 20
)

// frame is a reusable receive buffer. Exactly one goroutine owns a frame at
// a time; ownership moves through channels.
type frame struct {
	kind    Kind
	seq     uint64
	payload []byte
	hdr     [HeaderSize]byte
	buf     []byte
}

func newFrame(capacity int) *frame {
	return &frame{buf: make([]byte, capacity)}
}

// read fills f with the next frame from r. The buffer only grows for
// payloads larger than any seen before, which happens for handshake frames.
func (f *frame) read(r io.Reader) error {
	if _, err := io.ReadFull(r, f.hdr[:]); err != nil {
		return err
	}
	if m := binary.LittleEndian.Uint32(f.hdr[0:4]); m != frameMagic {
		return fmt.Errorf("bad frame magic %#x", m)
	}
	f.kind = Kind(f.hdr[4])
	f.seq = binary.LittleEndian.Uint64(f.hdr[8:16])
	n := binary.LittleEndian.Uint32(f.hdr[16:20])
	if n > maxPayload {
		return fmt.Errorf("frame payload of %d bytes exceeds limit", n)
	}
	if int(n) > cap(f.buf) {
		f.buf = make([]byte, n)
	}
	f.payload = f.buf[:n]
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return err
	}
	return nil
}

// putHeader writes a frame header into the first HeaderSize bytes of b.
func putHeader(b []byte, kind Kind, seq uint64, length int) {
	binary.LittleEndian.PutUint32(b[0:4], frameMagic)
	b[4] = byte(kind)
	b[5], b[6], b[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(b[8:16], seq)
	binary.LittleEndian.PutUint32(b[16:20], uint32(length))
}

// writeFrame writes a header and payload using a scratch header buffer.
func writeFrame(w io.Writer, kind Kind, seq uint64, payload []byte) error {
	b := make([]byte, HeaderSize+len(payload))
	putHeader(b, kind, seq, len(payload))
	copy(b[HeaderSize:], payload)
	_, err := w.Write(b)
	return err
}
