package core

import (
	"errors"
	"fmt"
)

// Kind classifies pool errors.
type Kind string

const (
	KindSpawn                Kind = "spawn"
	KindWorkerFault          Kind = "worker_fault"
	KindWorkerTimeout        Kind = "worker_timeout"
	KindWorkerCrashed        Kind = "worker_crashed"
	KindWorkerLost           Kind = "worker_lost"
	KindSynchronizationStall Kind = "synchronization_stall"
	KindProtocol             Kind = "protocol"
)

// Error is the error type returned across component boundaries.
// Match it with errors.Is against the Err* sentinels below.
type Error struct {
	Kind     Kind
	WorkerID int // -1 when not tied to a worker
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.WorkerID >= 0 {
		msg += fmt.Sprintf(" (worker %d)", e.WorkerID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, workerID int, message string, cause error) *Error {
	return &Error{Kind: kind, WorkerID: workerID, Message: message, Err: cause}
}

var (
	ErrSpawn                = &Error{Kind: KindSpawn, WorkerID: -1}
	ErrWorkerFault          = &Error{Kind: KindWorkerFault, WorkerID: -1}
	ErrWorkerTimeout        = &Error{Kind: KindWorkerTimeout, WorkerID: -1}
	ErrWorkerCrashed        = &Error{Kind: KindWorkerCrashed, WorkerID: -1}
	ErrWorkerLost           = &Error{Kind: KindWorkerLost, WorkerID: -1}
	ErrSynchronizationStall = &Error{Kind: KindSynchronizationStall, WorkerID: -1}
	ErrProtocol             = &Error{Kind: KindProtocol, WorkerID: -1}
)

// ErrFatal is wrapped by environments whose failure leaves the whole worker
// process unusable. The worker stops serving every slot it owns.
var ErrFatal = errors.New("fatal environment failure")

// ErrMaxTicksReached indicates the runner hit its tick limit.
var ErrMaxTicksReached = errors.New("max ticks reached")
