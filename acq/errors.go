package acq

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRunStart indicates that the hardware did not confirm the start of a run.
	ErrRunStart = errors.New("run start not confirmed")

	// ErrKilled is returned by Run after a kill command ended the loop.
	ErrKilled = errors.New("acquisition killed")
)

// Condition classifies a fatal acquisition error.
type Condition uint8

const (
	// Corruption is a structural record error: offsets past it cannot be trusted.
	Corruption Condition = iota + 1
	// ReadFailure is a failed FIFO read; the buffer state is unknown afterwards.
	ReadFailure
	// StorageFailure is a failed storage write; acquired data would be lost silently.
	StorageFailure
	// StartFailure means the run could not be started.
	StartFailure
)

func (c Condition) String() string {
	switch c {
	case Corruption:
		return "record corruption"
	case ReadFailure:
		return "FIFO read failure"
	case StorageFailure:
		return "storage failure"
	case StartFailure:
		return "run start failure"
	default:
		return "unknown"
	}
}

// FatalError is a condition that aborted the run.
type FatalError struct {
	Condition Condition
	// Module is the module index involved, -1 when the condition is not tied to a module.
	Module int
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Module < 0 {
		return fmt.Sprintf("%s: %v", e.Condition, e.Cause)
	}

	return fmt.Sprintf("module %d: %s: %v", e.Module, e.Condition, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// AlarmFunc is invoked once for every fatal condition, after the run was aborted.
type AlarmFunc func(ctx context.Context, err *FatalError)
