package acq

import "sync/atomic"

// Metrics contains atomic per-run counters of the acquisition loop.
// The counters may be read from any goroutine while the loop runs.
type Metrics struct {
	// SpillCount is the number of spills dispatched.
	SpillCount atomic.Uint64
	// EmptyCycleCount is the number of cycles that found no data and dispatched nothing.
	EmptyCycleCount atomic.Uint64
	// WordCount is the number of module payload words dispatched.
	WordCount atomic.Uint64
	// RecordCount is the number of complete records dispatched.
	RecordCount atomic.Uint64

	// ThresholdCycleCount is the number of cycles that read because a FIFO crossed the threshold.
	ThresholdCycleCount atomic.Uint64
	// WaitCycleCount is the number of cycles that exhausted the poll bound before reading.
	WaitCycleCount atomic.Uint64
	// ForcedCycleCount is the number of cycles forced by a flush command.
	ForcedCycleCount atomic.Uint64

	// NearFullCount is the number of reads from a FIFO above the near-full ratio.
	NearFullCount atomic.Uint64
	// FullFIFOCount is the number of reads from a full FIFO.
	FullFIFOCount atomic.Uint64
	// FatalCount is the number of fatal conditions.
	FatalCount atomic.Uint64
}

func (m *Metrics) reset() {
	m.SpillCount.Store(0)
	m.EmptyCycleCount.Store(0)
	m.WordCount.Store(0)
	m.RecordCount.Store(0)
	m.ThresholdCycleCount.Store(0)
	m.WaitCycleCount.Store(0)
	m.ForcedCycleCount.Store(0)
	m.NearFullCount.Store(0)
	m.FullFIFOCount.Store(0)
	m.FatalCount.Store(0)
}
