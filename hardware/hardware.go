// Package hardware defines the boundary between the acquisition engine and a crate of
// digitizer modules. The register-level protocol lives behind these interfaces; the
// engine only counts, reads, and controls runs.
package hardware

import "errors"

// StatWords is the number of raw statistics words a module reports.
const StatWords = 448

// MinReadWords is the smallest FIFO read that returns reliable data. Single-word reads
// can return stale words on some module interfaces.
const MinReadWords = 2

var (
	// ErrNoSuchModule indicates an out-of-range module index.
	ErrNoSuchModule = errors.New("no such module")

	// ErrShortRead indicates that a module returned fewer words than requested.
	ErrShortRead = errors.New("short FIFO read")
)

// FIFO is the per-module list-mode readout interface.
type FIFO interface {
	// AvailableWords returns the number of words waiting in the module's external FIFO.
	AvailableWords(mod int) (int, error)
	// ReadWords fills dst with exactly len(dst) words from the module's FIFO.
	// A read that cannot be satisfied fails; partial reads are never returned.
	ReadWords(dst []uint32, mod int) error
}

// Controller starts, stops, and inspects list-mode runs.
type Controller interface {
	// StartRun starts a new list-mode run in every module.
	StartRun() error
	// EndRun requests the end of the list-mode run in every module.
	EndRun() error
	// RunActive reports whether the list-mode run is still active in the module.
	RunActive(mod int) (bool, error)
	// Boot re-initializes the crate.
	Boot() error
	// SyncClocks resynchronizes the module clocks before a run.
	SyncClocks() error
	// Statistics returns the module's raw statistics words.
	Statistics(mod int) ([]uint32, error)
}

// Crate is a complete hardware backend.
type Crate interface {
	FIFO
	Controller
}
