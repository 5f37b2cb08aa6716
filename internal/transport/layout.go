package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"ensemble/internal/core"
)

// InfoSize is the fixed number of message bytes carried per result.
const InfoSize = 64

const (
	stepReset uint8 = 1 << iota
	stepSkip
)

const (
	resultTerminated uint8 = 1 << iota
	resultTruncated
	resultFault
	resultReset
	resultSkip
)

// SlotCommand is one slot's entry in a Step frame.
// Skip leaves the slot untouched for this tick.
type SlotCommand struct {
	EpisodeID uint64
	Action    []float32
	Reset     bool
	Skip      bool
}

// Layout fixes the byte layout of Step and Results frames for a worker with
// the given number of slots. It is derived once at spawn time.
type Layout struct {
	Shape core.Shape
	Slots int
}

func (l Layout) stepRecord() int   { return 8 + 1 + 4*l.Shape.Action }
func (l Layout) resultRecord() int { return 8 + 1 + 1 + InfoSize + 4*l.Shape.Reward + 4*l.Shape.Observation }

// StepPayload is the exact payload size of a Step frame.
func (l Layout) StepPayload() int { return l.Slots * l.stepRecord() }

// ResultsPayload is the exact payload size of a Results frame.
func (l Layout) ResultsPayload() int { return l.Slots * l.resultRecord() }

// EncodeStep writes a complete Step frame into buf, which must hold
// HeaderSize+StepPayload bytes, and returns the frame length.
func (l Layout) EncodeStep(buf []byte, seq uint64, cmds []SlotCommand) (int, error) {
	if len(cmds) != l.Slots {
		return 0, fmt.Errorf("step frame needs %d slots, got %d", l.Slots, len(cmds))
	}
	n := HeaderSize + l.StepPayload()
	putHeader(buf, KindStep, seq, l.StepPayload())
	off := HeaderSize
	for i, c := range cmds {
		var flags uint8
		if c.Reset {
			flags |= stepReset
		}
		if c.Skip {
			flags |= stepSkip
		}
		if !c.Skip && !c.Reset && len(c.Action) != l.Shape.Action {
			return 0, fmt.Errorf("slot %d: action has %d elements, shape wants %d", i, len(c.Action), l.Shape.Action)
		}
		binary.LittleEndian.PutUint64(buf[off:], c.EpisodeID)
		buf[off+8] = flags
		off += 9
		for j := 0; j < l.Shape.Action; j++ {
			var v float32
			if j < len(c.Action) {
				v = c.Action[j]
			}
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	return n, nil
}

// DecodeStep fills cmds (len Slots) from a Step payload. Action slices are
// reused when they already have capacity.
func (l Layout) DecodeStep(payload []byte, cmds []SlotCommand) error {
	if len(payload) != l.StepPayload() {
		return fmt.Errorf("step payload is %d bytes, layout wants %d", len(payload), l.StepPayload())
	}
	off := 0
	for i := range cmds {
		c := &cmds[i]
		c.EpisodeID = binary.LittleEndian.Uint64(payload[off:])
		flags := payload[off+8]
		c.Reset = flags&stepReset != 0
		c.Skip = flags&stepSkip != 0
		off += 9
		c.Action = c.Action[:0]
		for j := 0; j < l.Shape.Action; j++ {
			c.Action = append(c.Action, math.Float32frombits(binary.LittleEndian.Uint32(payload[off:])))
			off += 4
		}
	}
	return nil
}

// EncodeResults writes a complete Results frame into buf and returns its length.
// skip marks slots that were not part of the command.
func (l Layout) EncodeResults(buf []byte, seq uint64, results []core.StepResult, skip []bool) (int, error) {
	if len(results) != l.Slots {
		return 0, fmt.Errorf("results frame needs %d slots, got %d", l.Slots, len(results))
	}
	n := HeaderSize + l.ResultsPayload()
	putHeader(buf, KindResults, seq, l.ResultsPayload())
	off := HeaderSize
	for i := range results {
		r := &results[i]
		var flags uint8
		if r.Terminated {
			flags |= resultTerminated
		}
		if r.Truncated {
			flags |= resultTruncated
		}
		if r.Info.Fault {
			flags |= resultFault
		}
		if r.Info.Reset {
			flags |= resultReset
		}
		if skip != nil && skip[i] {
			flags |= resultSkip
		}
		binary.LittleEndian.PutUint64(buf[off:], r.Handle.EpisodeID)
		buf[off+8] = flags
		msg := TruncateMessage(r.Info.Message)
		buf[off+9] = byte(len(msg))
		copy(buf[off+10:off+10+InfoSize], msg)
		off += 10 + InfoSize
		off = putFloats(buf, off, r.Reward, l.Shape.Reward)
		off = putFloats(buf, off, r.Observation, l.Shape.Observation)
	}
	return n, nil
}

// DecodeResults fills results (len Slots) from a Results payload, reusing the
// Observation and Reward slices. Handle worker and slot fields are left as
// the caller set them. It reports which slots were skipped.
func (l Layout) DecodeResults(payload []byte, results []core.StepResult, skip []bool) error {
	if len(payload) != l.ResultsPayload() {
		return fmt.Errorf("results payload is %d bytes, layout wants %d", len(payload), l.ResultsPayload())
	}
	off := 0
	for i := range results {
		r := &results[i]
		r.Handle.EpisodeID = binary.LittleEndian.Uint64(payload[off:])
		flags := payload[off+8]
		r.Terminated = flags&resultTerminated != 0
		r.Truncated = flags&resultTruncated != 0
		r.Info = core.Info{
			Fault: flags&resultFault != 0,
			Reset: flags&resultReset != 0,
		}
		if skip != nil {
			skip[i] = flags&resultSkip != 0
		}
		if m := int(payload[off+9]); m > 0 {
			r.Info.Message = string(payload[off+10 : off+10+m])
		}
		off += 10 + InfoSize
		r.Reward, off = getFloats(payload, off, r.Reward, l.Shape.Reward)
		r.Observation, off = getFloats(payload, off, r.Observation, l.Shape.Observation)
	}
	return nil
}

func putFloats(buf []byte, off int, src []float32, n int) int {
	for j := 0; j < n; j++ {
		var v float32
		if j < len(src) {
			v = src[j]
		}
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	return off
}

func getFloats(payload []byte, off int, dst []float32, n int) ([]float32, int) {
	dst = dst[:0]
	for j := 0; j < n; j++ {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(payload[off:])))
		off += 4
	}
	return dst, off
}

// TruncateMessage cuts msg to at most InfoSize bytes without splitting a
// UTF-8 sequence.
func TruncateMessage(msg string) string {
	if len(msg) <= InfoSize {
		return msg
	}
	n := InfoSize
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
