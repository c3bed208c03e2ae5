package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/hribf/spillacq/record"
)

// Source produces synthetic channel events into a Crate while the crate run is active.
type Source struct {
	crate       *Crate
	slots       []uint32
	perTick     int
	tick        time.Duration
	traceLength int
	rng         *rand.Rand
	clock       uint64
}

// NewSource creates a Source pushing perTick events per module every tick.
// slots[i] is the slot number written into the records of module i.
func NewSource(crate *Crate, slots []uint32, perTick int, tick time.Duration, traceLength int) *Source {
	return &Source{
		crate:       crate,
		slots:       append([]uint32(nil), slots...),
		perTick:     perTick,
		tick:        tick,
		traceLength: traceLength,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

// Run pushes events until ctx is done.
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step pushes one tick worth of events into every active module.
func (s *Source) Step() {
	for mod, slot := range s.slots {
		if active, err := s.crate.RunActive(mod); err != nil || !active {
			continue
		}
		for i := 0; i < s.perTick; i++ {
			s.crate.Push(mod, s.Event(slot, uint32(s.rng.Intn(16)))...) //nolint:gosec
		}
	}
}

// Event encodes one synthetic event for the given slot and channel.
func (s *Source) Event(slot, channel uint32) []uint32 {
	s.clock += uint64(1 + s.rng.Intn(1000)) //nolint:gosec

	h := record.NewHeader(0, slot, channel, 4, s.traceLength)
	h.Timestamp = s.clock
	h.Energy = uint16(s.rng.Intn(0x7FFF)) //nolint:gosec

	trace := make([]uint16, s.traceLength)
	for i := range trace {
		trace[i] = uint16(400 + s.rng.Intn(20)) //nolint:gosec
	}

	return record.Encode(h, trace)
}
