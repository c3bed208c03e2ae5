// Package stats accumulates per-channel event counts and per-module data volumes observed
// while spills are validated, and reports them as rates at a fixed interval of acquisition time.
package stats

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Key identifies one channel of one module.
type Key struct {
	Module  int
	Channel uint32
}

type counter struct {
	interval *xsync.Counter
	total    *xsync.Counter
}

func newCounter() *counter {
	return &counter{interval: xsync.NewCounter(), total: xsync.NewCounter()}
}

func (c *counter) add(n int64) {
	c.interval.Add(n)
	c.total.Add(n)
}

// CountRates are the trigger and event rates a module reports for one channel, in counts
// per second.
type CountRates struct {
	Input  float64
	Output float64
}

// ChannelStats is the event count of one channel.
type ChannelStats struct {
	Key
	// Rate is the number of events per second since the rates were last cleared.
	Rate  float64
	Total int64
	// Input and Output are the last count rates the module reported for the channel.
	Input  float64
	Output float64
}

// ModuleStats is the data volume of one module.
type ModuleStats struct {
	Module int
	// Rate is the data rate in bytes per second since the rates were last cleared.
	Rate  float64
	Bytes int64
}

// Snapshot is a consistent-enough copy of the accumulated values.
type Snapshot struct {
	// Interval is the acquisition time since the rates were last cleared.
	Interval time.Duration
	// Total is the acquisition time since the totals were last cleared.
	Total    time.Duration
	Channels []ChannelStats
	Modules  []ModuleStats
}

// DataRate returns the summed data rate of all modules in bytes per second.
func (s Snapshot) DataRate() float64 {
	var r float64
	for _, m := range s.Modules {
		r += m.Rate
	}

	return r
}

// Accumulator is safe for concurrent use: the acquisition worker adds while status readers
// take snapshots.
type Accumulator struct {
	dumpInterval time.Duration

	events *xsync.MapOf[Key, *counter]
	bytes  *xsync.MapOf[int, *counter]
	rates  *xsync.MapOf[Key, CountRates]

	mu        sync.Mutex
	interval  time.Duration
	total     time.Duration
	sinceDump time.Duration
}

// New creates an Accumulator. dumpInterval is the acquisition time between two dumps;
// zero disables the periodic dump.
func New(dumpInterval time.Duration) *Accumulator {
	return &Accumulator{
		dumpInterval: dumpInterval,
		events:       xsync.NewMapOf[Key, *counter](),
		bytes:        xsync.NewMapOf[int, *counter](),
		rates:        xsync.NewMapOf[Key, CountRates](),
	}
}

// AddEvent counts one record of the given size.
func (a *Accumulator) AddEvent(mod int, channel uint32, bytes int) {
	c, _ := a.events.LoadOrCompute(Key{Module: mod, Channel: channel}, newCounter)
	c.add(1)

	b, _ := a.bytes.LoadOrCompute(mod, newCounter)
	b.add(int64(bytes))
}

// SetCountRates replaces the count rates of module mod; rates is indexed by channel.
// Channels whose rates are both zero are forgotten.
func (a *Accumulator) SetCountRates(mod int, rates []CountRates) {
	for ch, r := range rates {
		k := Key{Module: mod, Channel: uint32(ch)} //nolint:gosec
		if r == (CountRates{}) {
			a.rates.Delete(k)
			continue
		}
		a.rates.Store(k, r)
	}
}

// AddTime accounts acquisition time and reports whether the dump interval has elapsed
// since the last dump. The caller dumps and then calls ClearRates.
func (a *Accumulator) AddTime(d time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.interval += d
	a.total += d
	a.sinceDump += d

	if a.dumpInterval <= 0 || a.sinceDump < a.dumpInterval {
		return false
	}
	a.sinceDump = 0

	return true
}

// Snapshot returns the current counts and rates, sorted by module and channel.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	s := Snapshot{Interval: a.interval, Total: a.total}
	a.mu.Unlock()

	secs := s.Interval.Seconds()
	rate := func(n int64) float64 {
		if secs <= 0 {
			return 0
		}

		return float64(n) / secs
	}

	a.events.Range(func(k Key, c *counter) bool {
		cs := ChannelStats{Key: k, Rate: rate(c.interval.Value()), Total: c.total.Value()}
		if r, ok := a.rates.Load(k); ok {
			cs.Input, cs.Output = r.Input, r.Output
		}
		s.Channels = append(s.Channels, cs)
		return true
	})
	a.rates.Range(func(k Key, r CountRates) bool {
		if _, ok := a.events.Load(k); !ok {
			s.Channels = append(s.Channels, ChannelStats{Key: k, Input: r.Input, Output: r.Output})
		}
		return true
	})
	a.bytes.Range(func(mod int, c *counter) bool {
		s.Modules = append(s.Modules, ModuleStats{Module: mod, Rate: rate(c.interval.Value()), Bytes: c.total.Value()})
		return true
	})

	slices.SortFunc(s.Channels, func(x, y ChannelStats) int {
		if x.Module != y.Module {
			return x.Module - y.Module
		}

		return int(x.Channel) - int(y.Channel)
	})
	slices.SortFunc(s.Modules, func(x, y ModuleStats) int { return x.Module - y.Module })

	return s
}

// Dump writes the per-channel table followed by the per-module data rates.
func (a *Accumulator) Dump(w io.Writer) error {
	s := a.Snapshot()

	if _, err := fmt.Fprintf(w, "%-4s %-3s %12s %12s %12s %12s\n", "mod", "ch", "rate", "total", "icr", "ocr"); err != nil {
		return err
	}
	for _, c := range s.Channels {
		if _, err := fmt.Fprintf(w, "%-4d %-3d %12.1f %12d %12.1f %12.1f\n",
			c.Module, c.Channel, c.Rate, c.Total, c.Input, c.Output); err != nil {
			return err
		}
	}
	for _, m := range s.Modules {
		if _, err := fmt.Fprintf(w, "mod %d data rate %.1f kB/s, %d bytes\n", m.Module, m.Rate/1000, m.Bytes); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "elapsed %s, interval %s\n", s.Total.Round(time.Millisecond), s.Interval.Round(time.Millisecond))

	return err
}

// ClearRates restarts the rate interval.
func (a *Accumulator) ClearRates() {
	a.mu.Lock()
	a.interval = 0
	a.mu.Unlock()

	a.events.Range(func(_ Key, c *counter) bool {
		c.interval.Reset()
		return true
	})
	a.bytes.Range(func(_ int, c *counter) bool {
		c.interval.Reset()
		return true
	})
}

// ClearTotals forgets everything, as at the start of a run.
func (a *Accumulator) ClearTotals() {
	a.mu.Lock()
	a.interval = 0
	a.total = 0
	a.sinceDump = 0
	a.mu.Unlock()

	a.events.Clear()
	a.bytes.Clear()
	a.rates.Clear()
}
