package dispatch

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hribf/spillacq/logger"
)

// DefaultMaxOpen is the number of partially received spills a Reassembler keeps.
const DefaultMaxOpen = 8

// Received is a spill collected by a Reassembler.
type Received struct {
	// Sequence is the sequence number of the spill's first packet.
	Sequence uint32
	// Words is the concatenated payload of the received chunks, in chunk order.
	Words []uint32
	// Chunks is the number of data chunks the spill was cut into.
	Chunks int
	// Missing lists the indices of data chunks that never arrived.
	Missing []int
}

// Complete reports whether every data chunk arrived.
func (r Received) Complete() bool { return len(r.Missing) == 0 }

type openSpill struct {
	key    uint32
	total  uint32
	chunks map[uint32][]uint32
}

// Reassembler collects broadcast packets back into spills on the listener side.
//
// A spill is delivered when its done marker arrives, complete or not; chunks arriving
// after the marker start a new spill and are eventually evicted. All methods are safe
// for concurrent use.
type Reassembler struct {
	maxOpen int
	logger  logger.Logger

	mu   sync.Mutex
	open map[uint32]*openSpill
	// order holds open spill keys, oldest first.
	order []uint32
}

// NewReassembler creates a Reassembler keeping at most maxOpen partially received spills.
func NewReassembler(maxOpen int, l logger.Logger) *Reassembler {
	if maxOpen < 1 {
		maxOpen = DefaultMaxOpen
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Reassembler{
		maxOpen: maxOpen,
		logger:  l,
		open:    make(map[uint32]*openSpill),
	}
}

// Add processes one packet. It returns the spill closed by p when p is a done marker,
// nil otherwise.
func (r *Reassembler) Add(p Packet) (*Received, error) {
	if p.TotalChunks == 0 || p.ChunkIndex >= p.TotalChunks {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrInvalidPacket, p.ChunkIndex, p.TotalChunks)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.SpillKey()
	sp, ok := r.open[key]
	if !ok {
		sp = &openSpill{key: key, total: p.TotalChunks, chunks: make(map[uint32][]uint32)}
		r.open[key] = sp
		r.order = append(r.order, key)
		r.evict()
	}

	if sp.total != p.TotalChunks {
		return nil, fmt.Errorf("%w: spill %d has %d chunks, packet says %d", ErrChunkMismatch, key, sp.total, p.TotalChunks)
	}

	if p.IsDone() {
		r.remove(key)
		return sp.collect(), nil
	}

	if _, dup := sp.chunks[p.ChunkIndex]; dup {
		return nil, fmt.Errorf("%w: spill %d chunk %d", ErrDuplicatePacket, key, p.ChunkIndex)
	}
	sp.chunks[p.ChunkIndex] = p.Payload

	return nil, nil
}

// Open returns the number of partially received spills.
func (r *Reassembler) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.open)
}

// evict drops the oldest spills beyond maxOpen. Caller must hold r.mu.
func (r *Reassembler) evict() {
	for len(r.order) > r.maxOpen {
		key := r.order[0]
		r.order = r.order[1:]
		if sp, ok := r.open[key]; ok {
			r.logger.Warn("reassembler: dropping spill without done marker",
				"sequence", key, "received", len(sp.chunks), "chunks", sp.total-1)
			delete(r.open, key)
		}
	}
}

// remove forgets an open spill. Caller must hold r.mu.
func (r *Reassembler) remove(key uint32) {
	delete(r.open, key)
	if i := slices.Index(r.order, key); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func (sp *openSpill) collect() *Received {
	data := int(sp.total) - 1
	out := &Received{Sequence: sp.key, Chunks: data}

	size := 0
	for _, c := range sp.chunks {
		size += len(c)
	}
	out.Words = make([]uint32, 0, size)

	for i := 0; i < data; i++ {
		c, ok := sp.chunks[uint32(i)] //nolint:gosec
		if !ok {
			out.Missing = append(out.Missing, i)
			continue
		}
		out.Words = append(out.Words, c...)
	}

	return out
}
