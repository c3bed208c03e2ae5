package hardware

import (
	"fmt"
	"time"
)

// Channels is the number of channels of a module.
const Channels = 16

// StatTick is the unit of the real-time and live-time counters.
const StatTick = 10 * time.Nanosecond

// Offsets of the counters within the raw statistics words. Every counter is 64 bits wide,
// stored as a low word followed by a high word; per-channel counters are arrays of
// Channels counters.
const (
	statRealTime      = 0
	statLiveTime      = 32
	statFastPeaks     = statLiveTime + 2*Channels
	statChannelEvents = statFastPeaks + 2*Channels
	statUsedWords     = statChannelEvents + 2*Channels
)

// Statistics is the decoded form of a module's raw statistics words.
type Statistics struct {
	RealTime time.Duration
	// LiveTime is the time each channel was able to accept a trigger.
	LiveTime [Channels]time.Duration
	// FastPeaks counts the triggers seen by each channel.
	FastPeaks [Channels]uint64
	// ChannelEvents counts the events each channel accepted.
	ChannelEvents [Channels]uint64
}

// DecodeStatistics decodes the raw statistics words returned by Controller.Statistics.
func DecodeStatistics(words []uint32) (Statistics, error) {
	var s Statistics
	if len(words) < statUsedWords {
		return s, fmt.Errorf("statistics block of %d words, need %d", len(words), statUsedWords)
	}

	s.RealTime = ticks(words, statRealTime)
	for ch := 0; ch < Channels; ch++ {
		s.LiveTime[ch] = ticks(words, statLiveTime+2*ch)
		s.FastPeaks[ch] = counter(words, statFastPeaks+2*ch)
		s.ChannelEvents[ch] = counter(words, statChannelEvents+2*ch)
	}

	return s, nil
}

// Words encodes s into a raw statistics block of StatWords words.
func (s Statistics) Words() []uint32 {
	out := make([]uint32, StatWords)

	put := func(off int, v uint64) {
		out[off] = uint32(v)
		out[off+1] = uint32(v >> 32)
	}

	put(statRealTime, uint64(s.RealTime/StatTick)) //nolint:gosec
	for ch := 0; ch < Channels; ch++ {
		put(statLiveTime+2*ch, uint64(s.LiveTime[ch]/StatTick)) //nolint:gosec
		put(statFastPeaks+2*ch, s.FastPeaks[ch])
		put(statChannelEvents+2*ch, s.ChannelEvents[ch])
	}

	return out
}

// InputRate returns the trigger rate of channel ch per second of live time.
func (s Statistics) InputRate(ch int) float64 {
	if s.LiveTime[ch] <= 0 {
		return 0
	}

	return float64(s.FastPeaks[ch]) / s.LiveTime[ch].Seconds()
}

// OutputRate returns the accepted event rate of channel ch per second of real time.
func (s Statistics) OutputRate(ch int) float64 {
	if s.RealTime <= 0 {
		return 0
	}

	return float64(s.ChannelEvents[ch]) / s.RealTime.Seconds()
}

func counter(words []uint32, off int) uint64 {
	return uint64(words[off]) | uint64(words[off+1])<<32
}

func ticks(words []uint32, off int) time.Duration {
	return time.Duration(counter(words, off)) * StatTick //nolint:gosec
}
