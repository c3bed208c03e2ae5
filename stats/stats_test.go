package stats

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulator_Counts(t *testing.T) {
	require := require.New(t)

	a := New(0)
	a.AddEvent(1, 3, 40)
	a.AddEvent(0, 2, 48)
	a.AddEvent(0, 2, 48)
	a.AddEvent(0, 0, 16)
	require.False(a.AddTime(2 * time.Second))

	s := a.Snapshot()
	require.Equal(2*time.Second, s.Interval)
	require.Len(s.Channels, 3)
	require.Equal(Key{Module: 0, Channel: 0}, s.Channels[0].Key)
	require.Equal(Key{Module: 0, Channel: 2}, s.Channels[1].Key)
	require.Equal(int64(2), s.Channels[1].Total)
	require.InDelta(1.0, s.Channels[1].Rate, 1e-9)

	require.Len(s.Modules, 2)
	require.Equal(int64(112), s.Modules[0].Bytes)
	require.InDelta(56.0, s.Modules[0].Rate, 1e-9)
	require.InDelta(76.0, s.DataRate(), 1e-9)
}

func TestAccumulator_IntervalAndClear(t *testing.T) {
	require := require.New(t)

	a := New(time.Second)
	a.AddEvent(0, 1, 8)
	require.False(a.AddTime(600 * time.Millisecond))
	require.True(a.AddTime(600 * time.Millisecond))
	require.False(a.AddTime(100 * time.Millisecond))

	a.ClearRates()
	s := a.Snapshot()
	require.Zero(s.Interval)
	require.Equal(1300*time.Millisecond, s.Total)
	require.Equal(int64(1), s.Channels[0].Total)
	require.Zero(s.Channels[0].Rate)

	a.ClearTotals()
	s = a.Snapshot()
	require.Empty(s.Channels)
	require.Empty(s.Modules)
	require.Zero(s.Total)
}

func TestAccumulator_Dump(t *testing.T) {
	require := require.New(t)

	a := New(0)
	a.AddEvent(2, 5, 100)
	a.AddTime(time.Second)

	var buf bytes.Buffer
	require.NoError(a.Dump(&buf))
	out := buf.String()
	require.Contains(out, "mod  ch")
	require.Contains(out, "2    5            1.0            1")
	require.Contains(out, "mod 2 data rate 0.1 kB/s, 100 bytes")
}

func TestAccumulator_CountRates(t *testing.T) {
	require := require.New(t)

	a := New(0)
	a.AddEvent(1, 0, 16)
	a.AddTime(time.Second)

	rates := make([]CountRates, 3)
	rates[0] = CountRates{Input: 1200, Output: 1000}
	rates[2] = CountRates{Input: 50}
	a.SetCountRates(1, rates)

	s := a.Snapshot()
	require.Len(s.Channels, 2, "channels without rates or events are not listed")
	require.Equal(Key{Module: 1, Channel: 0}, s.Channels[0].Key)
	require.Equal(int64(1), s.Channels[0].Total)
	require.InDelta(1200.0, s.Channels[0].Input, 1e-9)
	require.InDelta(1000.0, s.Channels[0].Output, 1e-9)
	require.Equal(Key{Module: 1, Channel: 2}, s.Channels[1].Key)
	require.Zero(s.Channels[1].Total)
	require.InDelta(50.0, s.Channels[1].Input, 1e-9)

	var buf bytes.Buffer
	require.NoError(a.Dump(&buf))
	require.Contains(buf.String(), "icr")
	require.Contains(buf.String(), "1    0            1.0            1       1200.0       1000.0")

	a.SetCountRates(1, []CountRates{{}, {}, {}})
	require.Len(a.Snapshot().Channels, 1)

	a.SetCountRates(1, rates)
	a.ClearTotals()
	require.Empty(a.Snapshot().Channels)
}

func TestAccumulator_Concurrent(t *testing.T) {
	a := New(0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				a.AddEvent(0, uint32(i%4), 4)
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	var total int64
	for _, c := range s.Channels {
		total += c.Total
	}
	require.Equal(t, int64(8000), total)
	require.Equal(t, int64(32000), s.Modules[0].Bytes)
}
