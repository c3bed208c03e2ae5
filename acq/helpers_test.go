package acq

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hribf/spillacq/hardware"
	"github.com/hribf/spillacq/hardware/sim"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/module"
	"github.com/hribf/spillacq/record"
	"github.com/hribf/spillacq/runctl"
	"github.com/hribf/spillacq/spill"
)

const firstSlot = 2

// twelveWordRecord encodes a 4-word header event with a 16-sample trace.
func twelveWordRecord(slot, channel uint32) []uint32 {
	h := record.NewHeader(0, slot, channel, 4, 16)
	h.Timestamp = uint64(channel)*1000 + 7
	trace := make([]uint16, 16)
	for i := range trace {
		trace[i] = uint16(100 + i)
	}

	return record.Encode(h, trace)
}

func records(slot uint32, n int) []uint32 {
	var out []uint32
	for i := 0; i < n; i++ {
		out = append(out, twelveWordRecord(slot, uint32(i%16))...)
	}

	return out
}

type memStorage struct {
	mu      sync.Mutex
	opened  []int
	spills  [][]uint32
	closed  int
	failErr error
}

func (m *memStorage) Open(run int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, run)

	return nil
}

func (m *memStorage) Write(words []uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	m.spills = append(m.spills, append([]uint32(nil), words...))

	return 1, nil
}

func (m *memStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++

	return nil
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.spills)
}

func (m *memStorage) spill(t *testing.T, i int) spill.Spill {
	t.Helper()

	m.mu.Lock()
	words := m.spills[i]
	m.mu.Unlock()

	s, err := spill.Parse(words, spill.DefaultClockID)
	require.NoError(t, err)

	return s
}

type memTransport struct {
	mu      sync.Mutex
	packets [][]byte
}

func (m *memTransport) Send(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, append([]byte(nil), packet...))

	return nil
}

type fixture struct {
	crate  *sim.Crate
	store  *memStorage
	eng    *Engine
	alarms []*FatalError
}

func quietLogger() logger.Logger {
	return logger.NewSlogWithWriter(io.Discard, logger.DebugLevel, false)
}

func newFixture(t *testing.T, n int, opts ...Option) *fixture {
	t.Helper()

	return newWrappedFixture(t, n, nil, opts...)
}

// newWrappedFixture builds the engine over wrap(simulated crate) when wrap is not nil.
func newWrappedFixture(t *testing.T, n int, wrap func(*sim.Crate) hardware.Crate, opts ...Option) *fixture {
	t.Helper()

	caps := make([]int, n)
	for i := range caps {
		caps[i] = 100
	}

	f := &fixture{crate: sim.NewCrate(caps...), store: &memStorage{}}

	reg, err := module.NewUniformRegistry(n, firstSlot, 100)
	require.NoError(t, err)

	base := []Option{
		WithLogger(quietLogger()),
		WithPollPolicy(3, time.Microsecond),
		WithWaitPolicy(3, time.Microsecond),
		WithIdleInterval(5 * time.Millisecond),
		WithStorage(f.store),
		WithAlarm(func(_ context.Context, err *FatalError) { f.alarms = append(f.alarms, err) }),
	}

	var crate hardware.Crate = f.crate
	if wrap != nil {
		crate = wrap(f.crate)
	}

	f.eng, err = NewEngine(crate, reg, append(base, opts...)...)
	require.NoError(t, err)

	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	f.eng.startRun(context.Background())
	require.Equal(t, runctl.Running, f.eng.State())
}

// moduleFrame returns the whole frame of module mod in stored spill i.
func (f *fixture) moduleFrame(t *testing.T, i int, mod int) []uint32 {
	t.Helper()

	s := f.store.spill(t, i)
	fr, ok := s.ModuleFrame(mod)
	require.True(t, ok)

	return s.Words[fr.Offset : fr.Offset+fr.Length]
}

// finishingCrate keeps module 0 active for one more query after EndRun and flushes its
// last record at that moment, like a module emptying its buffers while the run ends.
type finishingCrate struct {
	*sim.Crate
	tail     []uint32
	ended    bool
	finished bool
}

func (c *finishingCrate) EndRun() error {
	c.ended = true

	return c.Crate.EndRun()
}

func (c *finishingCrate) RunActive(mod int) (bool, error) {
	if c.ended && !c.finished && mod == 0 {
		c.finished = true
		c.Crate.Push(0, c.tail...)

		return true, nil
	}

	return c.Crate.RunActive(mod)
}
