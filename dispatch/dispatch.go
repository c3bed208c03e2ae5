// Package dispatch hands assembled spills to the storage sink and the network broadcast.
//
// Storage receives every spill unmodified and its failures abort the run. The broadcast
// cuts each spill into bounded packets followed by a done marker; it is best effort, so
// send failures are counted and logged but never returned.
package dispatch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hribf/spillacq/logger"
)

var (
	// ErrStorage wraps every storage sink failure.
	ErrStorage = errors.New("storage write failed")

	// ErrInvalidPacket indicates a datagram that is not a broadcast packet.
	ErrInvalidPacket = errors.New("invalid broadcast packet")

	// ErrDuplicatePacket indicates a chunk that was already received.
	ErrDuplicatePacket = errors.New("duplicate broadcast packet")

	// ErrChunkMismatch indicates a chunk whose total disagrees with earlier chunks of the same spill.
	ErrChunkMismatch = errors.New("chunk count mismatch")

	// ErrBadFile indicates a spill file that does not follow the buffer layout.
	ErrBadFile = errors.New("bad spill file")

	// ErrChecksum indicates a spill file buffer whose payload checksum does not match.
	ErrChecksum = errors.New("spill file checksum mismatch")

	// ErrNotOpen indicates a write to a storage sink without an open run.
	ErrNotOpen = errors.New("storage not open")
)

// Storage is the persistent spill sink.
type Storage interface {
	// Open prepares the sink for a run.
	Open(run int) error
	// Write persists one spill and returns the number of buffers written.
	Write(words []uint32) (int, error)
	// Close flushes and closes the run's output.
	Close() error
}

// Transport sends one broadcast datagram.
type Transport interface {
	Send(packet []byte) error
}

// Result is the outcome of dispatching one spill.
type Result struct {
	// Buffers is the number of storage buffers written.
	Buffers int
	// Packets is the number of broadcast packets sent successfully.
	Packets int
	// Failures is the number of broadcast packets that could not be sent.
	Failures int
}

// Counters holds the cumulative dispatch counts.
type Counters struct {
	Spills   uint64
	Buffers  uint64
	Packets  uint64
	Failures uint64
}

// Dispatcher writes spills to storage and broadcasts them. Either sink may be nil.
// Dispatch is called by a single worker; counters may be read concurrently.
type Dispatcher struct {
	storage   Storage
	transport Transport
	maxWords  int
	logger    logger.Logger

	seq    uint32
	packet []byte

	spills   atomic.Uint64
	buffers  atomic.Uint64
	packets  atomic.Uint64
	failures atomic.Uint64
}

// New creates a Dispatcher. maxWords is the broadcast payload limit per packet.
func New(storage Storage, transport Transport, maxWords int, l logger.Logger) *Dispatcher {
	if l == nil {
		l = logger.GetLogger()
	}
	if maxWords < 1 {
		maxWords = DefaultMaxPayloadWords
	}

	return &Dispatcher{
		storage:   storage,
		transport: transport,
		maxWords:  maxWords,
		logger:    l,
		packet:    make([]byte, 0, PacketHeaderBytes+4*maxWords),
	}
}

// Open opens the storage sink for a run.
func (d *Dispatcher) Open(run int) error {
	if d.storage == nil {
		return nil
	}
	if err := d.storage.Open(run); err != nil {
		return fmt.Errorf("%w: open run %d: %w", ErrStorage, run, err)
	}

	return nil
}

// Close closes the storage sink.
func (d *Dispatcher) Close() error {
	if d.storage == nil {
		return nil
	}
	if err := d.storage.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrStorage, err)
	}

	return nil
}

// Dispatch stores and broadcasts one spill. Only storage failures are returned.
func (d *Dispatcher) Dispatch(words []uint32) (Result, error) {
	var res Result

	if d.storage != nil {
		n, err := d.storage.Write(words)
		res.Buffers = n
		d.buffers.Add(uint64(n)) //nolint:gosec
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}

	if d.transport != nil {
		d.broadcast(words, &res)
	}

	d.spills.Add(1)

	return res, nil
}

func (d *Dispatcher) broadcast(words []uint32, res *Result) {
	packets := Split(words, d.seq, d.maxWords)
	d.seq += uint32(len(packets)) //nolint:gosec

	for _, p := range packets {
		d.packet = p.AppendBinary(d.packet[:0])
		if err := d.transport.Send(d.packet); err != nil {
			res.Failures++
			d.logger.Debug("broadcast packet dropped", "sequence", p.Sequence, "chunk", p.ChunkIndex, "error", err)
			continue
		}
		res.Packets++
	}

	d.packets.Add(uint64(res.Packets))   //nolint:gosec
	d.failures.Add(uint64(res.Failures)) //nolint:gosec
	if res.Failures > 0 {
		d.logger.Warn("broadcast incomplete", "failed", res.Failures, "packets", len(packets))
	}
}

// Sequence returns the sequence number of the next broadcast packet.
func (d *Dispatcher) Sequence() uint32 { return d.seq }

// Counters returns the cumulative dispatch counts.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		Spills:   d.spills.Load(),
		Buffers:  d.buffers.Load(),
		Packets:  d.packets.Load(),
		Failures: d.failures.Load(),
	}
}

// ResetCounters zeroes the cumulative counts. The packet sequence keeps increasing.
func (d *Dispatcher) ResetCounters() {
	d.spills.Store(0)
	d.buffers.Store(0)
	d.packets.Store(0)
	d.failures.Store(0)
}
