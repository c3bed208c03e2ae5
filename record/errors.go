package record

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt indicates a structural corruption: offsets past this point cannot be trusted.
	ErrCorrupt = errors.New("corrupted record stream")

	// ErrShortBuffer indicates that a buffer does not even hold a header word.
	ErrShortBuffer = errors.New("buffer too short for a record header")
)

// Reason classifies a structural corruption.
type Reason uint8

const (
	// ZeroLength means a header declared a record length of zero.
	ZeroLength Reason = iota + 1
	// SlotMismatch means a header carried a slot different from the module's slot.
	SlotMismatch
	// LengthMismatch means header length plus trace words differ from the record length.
	LengthMismatch
)

func (r Reason) String() string {
	switch r {
	case ZeroLength:
		return "zero record length"
	case SlotMismatch:
		return "slot mismatch"
	case LengthMismatch:
		return "record length mismatch"
	default:
		return "unknown"
	}
}

// CorruptionError describes where and why a buffer failed validation.
type CorruptionError struct {
	Module       int
	Offset       int
	BufferWords  int
	ExpectedSlot uint32
	Header       Header
	Reason       Reason
	// Words holds up to the first three words of the offending header.
	Words []uint32
}

func (e *CorruptionError) Error() string {
	switch e.Reason {
	case SlotMismatch:
		return fmt.Sprintf("%s in module %d at word %d of %d: slot read %d, expected %d (header %#x)",
			e.Reason, e.Module, e.Offset, e.BufferWords, e.Header.Slot, e.ExpectedSlot, e.Words)
	default:
		return fmt.Sprintf("%s in module %d at word %d of %d: %s (header %#x)",
			e.Reason, e.Module, e.Offset, e.BufferWords, e.Header, e.Words)
	}
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupt }
