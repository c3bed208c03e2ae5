package module

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	require := require.New(t)

	reg, err := NewRegistry(
		Module{Index: 1, Slot: 3, FIFOCapacity: 100},
		Module{Index: 0, Slot: 2, FIFOCapacity: 200},
	)
	require.NoError(err)
	require.Equal(2, reg.Len())
	require.Equal(uint32(2), reg.At(0).Slot)
	require.Equal(uint32(3), reg.At(1).Slot)
	require.Equal(200, reg.MaxCapacity())
	require.Equal(50, reg.ThresholdWords(50))

	_, err = reg.Get(2)
	require.ErrorIs(err, ErrUnknownModule)

	all := reg.All()
	all[0].Slot = 9
	require.Equal(uint32(2), reg.At(0).Slot, "All must return a copy")
}

func TestNewRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modules []Module
	}{
		{"index gap", []Module{{Index: 0, Slot: 2, FIFOCapacity: 1}, {Index: 2, Slot: 3, FIFOCapacity: 1}}},
		{"duplicated index", []Module{{Index: 0, Slot: 2, FIFOCapacity: 1}, {Index: 0, Slot: 3, FIFOCapacity: 1}}},
		{"slot overflow", []Module{{Index: 0, Slot: 16, FIFOCapacity: 1}}},
		{"shared slot", []Module{{Index: 0, Slot: 2, FIFOCapacity: 1}, {Index: 1, Slot: 2, FIFOCapacity: 1}}},
		{"zero capacity", []Module{{Index: 0, Slot: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.modules...)
			require.ErrorIs(t, err, ErrInvalidModule)
		})
	}

	_, err := NewRegistry()
	require.ErrorIs(t, err, ErrNoModules)
}

func TestModule_Fill(t *testing.T) {
	require := require.New(t)

	m := Module{FIFOCapacity: 100}
	require.True(m.IsFull(100))
	require.False(m.IsFull(99))
	require.True(m.NearFull(91, 0.9))
	require.False(m.NearFull(90, 0.9))

	reg, err := NewUniformRegistry(4, 2, DefaultFIFOCapacity)
	require.NoError(err)
	require.Equal(uint32(5), reg.At(3).Slot)
}
