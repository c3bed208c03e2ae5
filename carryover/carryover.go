// Package carryover owns the partial records left at the end of module reads.
//
// A record whose declared length runs past the words read is either completed in place by
// waiting (bounded) for the missing words, deferred to the next read of the same module, or
// dropped and counted as lost when the module FIFO was full at read time. Each module holds
// at most one deferred partial record.
package carryover

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hribf/spillacq/hardware"
	"github.com/hribf/spillacq/internal/retry"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/module"
	"github.com/hribf/spillacq/record"
)

// MinWaitWords is the smallest word count awaited before reading the missing part of a
// record. The wait never settles for fewer words even when only one is missing, because
// single-word reads are unreliable.
const MinWaitWords = hardware.MinReadWords

// ErrPendingExists indicates an attempt to defer a second partial record for a module.
var ErrPendingExists = errors.New("partial record already pending")

// Kind is the outcome of resolving a partial record.
type Kind uint8

const (
	// None means the buffer ended on a record boundary.
	None Kind = iota
	// Completed means the missing words were read and the record is now whole.
	Completed
	// Deferred means the partial record was moved to carryover storage.
	Deferred
	// Dropped means the partial record was discarded and counted as lost.
	Dropped
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Completed:
		return "completed"
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Resolution describes what happened to the trailing partial record of a buffer.
type Resolution struct {
	Kind Kind
	// Record is the completed record when Kind is Completed.
	Record *record.Span
	// Words is the number of partial words present before resolution.
	Words int
	// Deficit is the number of words that were missing.
	Deficit int
	// Attempts is the number of word count queries spent waiting.
	Attempts int
}

// Counters holds the cumulative outcome counts of a Manager.
type Counters struct {
	Completed uint64
	Deferred  uint64
	Lost      uint64
}

// Manager keeps the per-module carryover slots. It is driven by a single acquisition
// worker; the counters are safe to read concurrently.
type Manager struct {
	fifo       hardware.FIFO
	validators []record.Validator
	policy     retry.Policy
	logger     logger.Logger

	pending [][]uint32

	completed atomic.Uint64
	deferred  atomic.Uint64
	lost      atomic.Uint64
}

// New creates a Manager for the modules of registry. policy bounds the wait for missing words.
func New(fifo hardware.FIFO, registry *module.Registry, policy retry.Policy, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	validators := make([]record.Validator, registry.Len())
	for i, m := range registry.All() {
		validators[i] = record.Validator{Module: m.Index, Slot: m.Slot}
	}

	return &Manager{
		fifo:       fifo,
		validators: validators,
		policy:     policy,
		logger:     l,
		pending:    make([][]uint32, registry.Len()),
	}
}

// Pending returns the number of carried-over words waiting for the module.
func (m *Manager) Pending(mod int) int {
	return len(m.pending[mod])
}

// Take removes and returns the module's carried-over words, nil when none.
// The words must be placed in front of the next read from that module.
func (m *Manager) Take(mod int) []uint32 {
	words := m.pending[mod]
	m.pending[mod] = nil

	return words
}

// Resolve settles the trailing partial record that scan found in buf.
//
// fullFIFO reports whether the module FIFO was at capacity when buf was read; the rest
// of the record is then unrecoverable. stopping disables waiting: the partial record is
// dropped because no later read will complete it. The returned slice is buf shrunk to
// exclude an unresolved partial record, or extended with the missing words.
//
// Errors are fatal to the run: a failed read of the missing words, or a completed record
// that fails validation.
func (m *Manager) Resolve(ctx context.Context, mod int, buf []uint32, scan record.ScanResult, fullFIFO bool, stopping bool) ([]uint32, Resolution, error) {
	if scan.Complete() {
		return buf, Resolution{Kind: None}, nil
	}

	partial := *scan.Partial
	res := Resolution{Words: scan.PartialWords(), Deficit: scan.Deficit}

	if fullFIFO || stopping {
		m.lost.Add(1)
		res.Kind = Dropped
		m.logger.Warn("partial record dropped",
			"module", mod, "words", res.Words, "deficit", res.Deficit,
			"fifoFull", fullFIFO, "stopping", stopping)

		return buf[:partial.Offset], res, nil
	}

	want := max(scan.Deficit, MinWaitWords)
	ok, attempts, err := m.policy.Poll(ctx, func() (bool, error) {
		n, err := m.fifo.AvailableWords(mod)
		if err != nil {
			m.logger.Warn("FIFO word count query failed while waiting for partial record", "module", mod, "error", err)
			return false, nil
		}

		return n >= want, nil
	})
	res.Attempts = attempts
	if err != nil {
		m.logger.Debug("wait for partial record interrupted", "module", mod, "error", err)
	}

	if ok {
		start := len(buf)
		buf = append(buf, make([]uint32, scan.Deficit)...)
		if err := m.fifo.ReadWords(buf[start:], mod); err != nil {
			return buf[:start], res, fmt.Errorf("read %d missing words of module %d: %w", scan.Deficit, mod, err)
		}

		tail, err := m.validators[mod].Scan(buf[partial.Offset:])
		if err != nil {
			var ce *record.CorruptionError
			if errors.As(err, &ce) {
				ce.Offset += partial.Offset
				ce.BufferWords = len(buf)
			}

			return buf, res, err
		}
		if !tail.Complete() || len(tail.Records) != 1 {
			return buf, res, fmt.Errorf("module %d: record still incomplete after reading %d words", mod, scan.Deficit)
		}

		span := tail.Records[0]
		span.Offset += partial.Offset
		res.Kind = Completed
		res.Record = &span
		m.completed.Add(1)
		m.logger.Debug("partial record completed", "module", mod, "deficit", scan.Deficit, "attempts", attempts)

		return buf, res, nil
	}

	if m.pending[mod] != nil {
		return buf, res, fmt.Errorf("module %d: %w", mod, ErrPendingExists)
	}

	m.pending[mod] = append([]uint32(nil), buf[partial.Offset:]...)
	m.deferred.Add(1)
	res.Kind = Deferred
	m.logger.Debug("partial record deferred", "module", mod, "words", res.Words, "deficit", res.Deficit)

	return buf[:partial.Offset], res, nil
}

// DropAll discards every pending partial record, counting each as lost, and returns how
// many were dropped. It is called when a run ends.
func (m *Manager) DropAll() int {
	dropped := 0
	for mod, words := range m.pending {
		if words == nil {
			continue
		}

		m.logger.Warn("pending partial record dropped at end of run", "module", mod, "words", len(words))
		m.pending[mod] = nil
		m.lost.Add(1)
		dropped++
	}

	return dropped
}

// Counters returns the cumulative outcome counts.
func (m *Manager) Counters() Counters {
	return Counters{
		Completed: m.completed.Load(),
		Deferred:  m.deferred.Load(),
		Lost:      m.lost.Load(),
	}
}

// ResetCounters zeroes the outcome counts at the start of a run.
func (m *Manager) ResetCounters() {
	m.completed.Store(0)
	m.deferred.Store(0)
	m.lost.Store(0)
}
