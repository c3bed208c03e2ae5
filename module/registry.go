// Package module holds the static, per-run facts about the hardware modules of a crate:
// their index in readout order, the capacity of their external FIFO, and the slot they occupy.
package module

import (
	"errors"
	"fmt"
)

// DefaultFIFOCapacity is the external FIFO depth of a Pixie-16 module, in words.
const DefaultFIFOCapacity = 131072

// MaxSlot is the largest slot number representable in a record header (4 bits).
const MaxSlot = 0xF

var (
	// ErrNoModules indicates that a registry was created without modules.
	ErrNoModules = errors.New("no modules configured")

	// ErrInvalidModule indicates an inconsistent module definition.
	ErrInvalidModule = errors.New("invalid module definition")

	// ErrUnknownModule indicates a lookup of an index outside the registry.
	ErrUnknownModule = errors.New("unknown module index")
)

// Module describes one hardware module.
type Module struct {
	// Index is the position of the module in readout order, starting at 0.
	Index int
	// Slot is the crate slot the module reports in every record header.
	Slot uint32
	// FIFOCapacity is the external FIFO depth in words.
	FIFOCapacity int
}

// IsFull reports whether a FIFO word count means the FIFO is at capacity.
func (m Module) IsFull(words int) bool {
	return words >= m.FIFOCapacity
}

// NearFull reports whether words exceeds ratio of the FIFO capacity.
func (m Module) NearFull(words int, ratio float64) bool {
	return float64(words) > float64(m.FIFOCapacity)*ratio
}

// Registry is the immutable list of modules for a run.
type Registry struct {
	modules []Module
}

// NewRegistry validates the modules and returns a registry ordered by index.
//
// Indices must be unique and form the contiguous range [0, n). Slots must be unique,
// fit in 4 bits, and every FIFO capacity must be positive.
func NewRegistry(modules ...Module) (*Registry, error) {
	if len(modules) == 0 {
		return nil, ErrNoModules
	}

	ordered := make([]Module, len(modules))
	filled := make([]bool, len(modules))
	slots := make(map[uint32]int, len(modules))

	for _, m := range modules {
		if m.Index < 0 || m.Index >= len(modules) {
			return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidModule, m.Index, len(modules))
		}
		if filled[m.Index] {
			return nil, fmt.Errorf("%w: duplicated index %d", ErrInvalidModule, m.Index)
		}
		if m.Slot > MaxSlot {
			return nil, fmt.Errorf("%w: module %d slot %d exceeds %d", ErrInvalidModule, m.Index, m.Slot, MaxSlot)
		}
		if other, ok := slots[m.Slot]; ok {
			return nil, fmt.Errorf("%w: modules %d and %d share slot %d", ErrInvalidModule, other, m.Index, m.Slot)
		}
		if m.FIFOCapacity <= 0 {
			return nil, fmt.Errorf("%w: module %d FIFO capacity %d", ErrInvalidModule, m.Index, m.FIFOCapacity)
		}

		ordered[m.Index] = m
		filled[m.Index] = true
		slots[m.Slot] = m.Index
	}

	return &Registry{modules: ordered}, nil
}

// NewUniformRegistry creates n modules of equal capacity occupying consecutive slots from firstSlot.
func NewUniformRegistry(n int, firstSlot uint32, capacity int) (*Registry, error) {
	mods := make([]Module, 0, n)
	for i := 0; i < n; i++ {
		mods = append(mods, Module{Index: i, Slot: firstSlot + uint32(i), FIFOCapacity: capacity}) //nolint:gosec
	}

	return NewRegistry(mods...)
}

// Len returns the number of modules.
func (r *Registry) Len() int { return len(r.modules) }

// Get returns the module with the given index.
func (r *Registry) Get(index int) (Module, error) {
	if index < 0 || index >= len(r.modules) {
		return Module{}, fmt.Errorf("%w: %d", ErrUnknownModule, index)
	}

	return r.modules[index], nil
}

// At returns the module with the given index and panics when it is out of range.
func (r *Registry) At(index int) Module {
	return r.modules[index]
}

// All returns a copy of the modules in index order.
func (r *Registry) All() []Module {
	out := make([]Module, len(r.modules))
	copy(out, r.modules)

	return out
}

// MaxCapacity returns the largest FIFO capacity in the registry.
func (r *Registry) MaxCapacity() int {
	maxCap := 0
	for _, m := range r.modules {
		maxCap = max(maxCap, m.FIFOCapacity)
	}

	return maxCap
}

// ThresholdWords converts a fill percentage of the smallest FIFO into a word count.
func (r *Registry) ThresholdWords(percent float64) int {
	minCap := r.modules[0].FIFOCapacity
	for _, m := range r.modules[1:] {
		minCap = min(minCap, m.FIFOCapacity)
	}

	return int(float64(minCap) * percent / 100)
}
