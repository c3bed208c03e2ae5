// Package sim provides an in-memory crate that behaves like a set of module FIFOs.
// It is used by the tests of every acquisition package and by the spillacq binary
// when no hardware backend is available.
package sim

import (
	"fmt"
	"sync"

	"github.com/hribf/spillacq/hardware"
)

type delivery struct {
	polls int
	words []uint32
}

type moduleState struct {
	capacity  int
	fifo      []uint32
	scheduled []delivery
	active    bool
	reads     int
	queries   int
	readErr   error
	countErr  error
	dropped   int
	stats     []uint32
}

// Crate is a simulated crate of modules. All methods are safe for concurrent use.
type Crate struct {
	mu       sync.Mutex
	modules  []*moduleState
	boots    int
	syncs    int
	startErr error
	endErr   error
}

var _ hardware.Crate = (*Crate)(nil)

// NewCrate creates a crate whose modules have the given FIFO capacities.
func NewCrate(capacities ...int) *Crate {
	c := &Crate{}
	for _, capacity := range capacities {
		c.modules = append(c.modules, &moduleState{
			capacity: capacity,
			stats:    make([]uint32, hardware.StatWords),
		})
	}

	return c
}

func (c *Crate) module(mod int) (*moduleState, error) {
	if mod < 0 || mod >= len(c.modules) {
		return nil, fmt.Errorf("%w: %d", hardware.ErrNoSuchModule, mod)
	}

	return c.modules[mod], nil
}

// Push appends words to the module FIFO. Words beyond the capacity are dropped and counted.
func (c *Crate) Push(mod int, words ...uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.module(mod)
	if err != nil {
		return 0
	}

	return m.push(words)
}

func (m *moduleState) push(words []uint32) int {
	room := m.capacity - len(m.fifo)
	if room < len(words) {
		m.dropped += len(words) - max(room, 0)
		words = words[:max(room, 0)]
	}
	m.fifo = append(m.fifo, words...)

	return len(words)
}

// PushAfter schedules words to arrive in the module FIFO after the given number of
// further AvailableWords queries on that module.
func (c *Crate) PushAfter(mod int, polls int, words ...uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.module(mod)
	if err != nil {
		return
	}
	m.scheduled = append(m.scheduled, delivery{polls: polls, words: append([]uint32(nil), words...)})
}

// FailReads makes every subsequent read of the module fail with err (nil clears it).
func (c *Crate) FailReads(mod int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, e := c.module(mod); e == nil {
		m.readErr = err
	}
}

// FailCounts makes every subsequent word count query of the module fail with err (nil clears it).
func (c *Crate) FailCounts(mod int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, e := c.module(mod); e == nil {
		m.countErr = err
	}
}

// FailStart makes StartRun fail with err (nil clears it).
func (c *Crate) FailStart(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// SetRunActive overrides the run status of one module.
func (c *Crate) SetRunActive(mod int, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, err := c.module(mod); err == nil {
		m.active = active
	}
}

// SetStatistics replaces the raw statistics words reported by the module.
func (c *Crate) SetStatistics(mod int, stats []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, err := c.module(mod); err == nil {
		m.stats = append([]uint32(nil), stats...)
	}
}

// Reads returns the number of successful or failed reads issued to the module.
func (c *Crate) Reads(mod int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, err := c.module(mod); err == nil {
		return m.reads
	}

	return 0
}

// Queries returns the number of word count queries issued to the module.
func (c *Crate) Queries(mod int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, err := c.module(mod); err == nil {
		return m.queries
	}

	return 0
}

// Pending returns the number of words currently in the module FIFO.
func (c *Crate) Pending(mod int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, err := c.module(mod); err == nil {
		return len(m.fifo)
	}

	return 0
}

// Dropped returns the number of words pushed while the module FIFO was full.
func (c *Crate) Dropped(mod int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, err := c.module(mod); err == nil {
		return m.dropped
	}

	return 0
}

// Boots returns the number of Boot calls.
func (c *Crate) Boots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boots
}

// Syncs returns the number of SyncClocks calls.
func (c *Crate) Syncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs
}

// AvailableWords implements hardware.FIFO.
func (c *Crate) AvailableWords(mod int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.module(mod)
	if err != nil {
		return 0, err
	}
	m.queries++

	if m.countErr != nil {
		return 0, m.countErr
	}

	remaining := m.scheduled[:0]
	for _, d := range m.scheduled {
		if d.polls <= 0 {
			m.push(d.words)
			continue
		}
		d.polls--
		remaining = append(remaining, d)
	}
	m.scheduled = remaining

	return len(m.fifo), nil
}

// ReadWords implements hardware.FIFO.
func (c *Crate) ReadWords(dst []uint32, mod int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.module(mod)
	if err != nil {
		return err
	}
	m.reads++

	if m.readErr != nil {
		return m.readErr
	}
	if len(dst) > len(m.fifo) {
		return fmt.Errorf("%w: module %d requested %d words, %d available", hardware.ErrShortRead, mod, len(dst), len(m.fifo))
	}

	copy(dst, m.fifo)
	m.fifo = m.fifo[len(dst):]

	return nil
}

// StartRun implements hardware.Controller.
func (c *Crate) StartRun() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startErr != nil {
		return c.startErr
	}
	for _, m := range c.modules {
		m.active = true
	}

	return nil
}

// EndRun implements hardware.Controller.
func (c *Crate) EndRun() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.endErr != nil {
		return c.endErr
	}
	for _, m := range c.modules {
		m.active = false
	}

	return nil
}

// RunActive implements hardware.Controller.
func (c *Crate) RunActive(mod int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.module(mod)
	if err != nil {
		return false, err
	}

	return m.active, nil
}

// Boot implements hardware.Controller.
func (c *Crate) Boot() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.boots++
	for _, m := range c.modules {
		m.active = false
		m.fifo = nil
		m.scheduled = nil
	}

	return nil
}

// SyncClocks implements hardware.Controller.
func (c *Crate) SyncClocks() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncs++

	return nil
}

// Statistics implements hardware.Controller.
func (c *Crate) Statistics(mod int) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.module(mod)
	if err != nil {
		return nil, err
	}

	return append([]uint32(nil), m.stats...), nil
}
