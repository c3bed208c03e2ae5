// Package spill assembles the per-module buffers of one acquisition cycle into a spill.
//
// A spill is a sequence of length-prefixed frames:
//
//	module frame      [payloadWords+2, moduleIndex, payload...]
//	statistics block  [statWords+3, moduleIndex, packedHeader, stats...]
//	wall clock        [2+ClockWords, clockID, seconds low, seconds high]
//
// Module frames always come first, in ascending module order, one per module of the
// registry; statistics blocks follow, and the wall clock closes the spill.
package spill

import (
	"errors"
	"fmt"
	"time"

	"github.com/hribf/spillacq/record"
)

const (
	// FrameHeaderWords is the size of the [length, id] prefix of every frame.
	FrameHeaderWords = 2
	// ClockWords is the number of time words carried by the wall-clock frame.
	ClockWords = 2
	// DefaultClockID identifies the wall-clock frame layout.
	DefaultClockID = 1000
)

var (
	// ErrModuleRange indicates a module index outside the assembler's module count.
	ErrModuleRange = errors.New("module index out of range")

	// ErrMalformed indicates a spill whose frame lengths do not add up.
	ErrMalformed = errors.New("malformed spill")
)

// FrameKind tells the frames of a spill apart.
type FrameKind uint8

const (
	ModuleFrame FrameKind = iota + 1
	StatsFrame
	ClockFrame
)

func (k FrameKind) String() string {
	switch k {
	case ModuleFrame:
		return "module"
	case StatsFrame:
		return "stats"
	case ClockFrame:
		return "clock"
	default:
		return "unknown"
	}
}

// Frame locates one frame inside the words of a spill.
type Frame struct {
	Kind FrameKind
	// ID is the module index, or the clock id for a clock frame.
	ID int
	// Offset is the position of the length word.
	Offset int
	// Length is the declared length, frame header included.
	Length int
}

// Payload returns the frame payload within words.
func (f Frame) Payload(words []uint32) []uint32 {
	return words[f.Offset+FrameHeaderWords : f.Offset+f.Length]
}

// Spill is one assembled batch of acquisition data.
type Spill struct {
	Words  []uint32
	Frames []Frame
	// Empty reports whether no module contributed any payload.
	Empty bool
}

// Len returns the total number of words.
func (s Spill) Len() int { return len(s.Words) }

// Bytes returns the total size in bytes.
func (s Spill) Bytes() int { return len(s.Words) * 4 }

// ModuleFrame returns the frame of module mod.
func (s Spill) ModuleFrame(mod int) (Frame, bool) {
	for _, f := range s.Frames {
		if f.Kind == ModuleFrame && f.ID == mod {
			return f, true
		}
	}

	return Frame{}, false
}

type statsBlock struct {
	mod  int
	slot uint32
	data []uint32
}

// Assembler collects the finalized buffers of one cycle. It is not safe for concurrent use.
type Assembler struct {
	clockID  uint32
	payloads [][]uint32
	stats    []statsBlock
	clock    *time.Time
}

// NewAssembler creates an assembler for modules module frames.
func NewAssembler(modules int, clockID uint32) *Assembler {
	return &Assembler{
		clockID:  clockID,
		payloads: make([][]uint32, modules),
	}
}

// Modules returns the number of module frames of every spill.
func (a *Assembler) Modules() int { return len(a.payloads) }

// SetModule sets the validated payload of module mod. The assembler keeps the slice until Build.
func (a *Assembler) SetModule(mod int, payload []uint32) error {
	if mod < 0 || mod >= len(a.payloads) {
		return fmt.Errorf("%w: %d", ErrModuleRange, mod)
	}
	a.payloads[mod] = payload

	return nil
}

// AddStats queues the statistics block of module mod.
func (a *Assembler) AddStats(mod int, slot uint32, stats []uint32) error {
	if mod < 0 || mod >= len(a.payloads) {
		return fmt.Errorf("%w: %d", ErrModuleRange, mod)
	}
	a.stats = append(a.stats, statsBlock{mod: mod, slot: slot, data: stats})

	return nil
}

// SetWallClock adds the wall-clock frame.
func (a *Assembler) SetWallClock(t time.Time) {
	a.clock = &t
}

// Size returns the word count the next Build will produce.
func (a *Assembler) Size() int {
	n := 0
	for _, p := range a.payloads {
		n += FrameHeaderWords + len(p)
	}
	for _, s := range a.stats {
		n += FrameHeaderWords + 1 + len(s.data)
	}
	if a.clock != nil {
		n += FrameHeaderWords + ClockWords
	}

	return n
}

// Build assembles the spill and resets the assembler for the next cycle.
func (a *Assembler) Build() Spill {
	out := Spill{
		Words:  make([]uint32, 0, a.Size()),
		Frames: make([]Frame, 0, len(a.payloads)+len(a.stats)+1),
		Empty:  true,
	}

	for mod, p := range a.payloads {
		out.add(ModuleFrame, mod, uint32(mod), p) //nolint:gosec
		if len(p) > 0 {
			out.Empty = false
		}
	}

	for _, s := range a.stats {
		f := Frame{Kind: StatsFrame, ID: s.mod, Offset: len(out.Words), Length: FrameHeaderWords + 1 + len(s.data)}
		out.Words = append(out.Words, uint32(f.Length), uint32(s.mod), record.StatsBlockWord(s.slot, len(s.data))) //nolint:gosec
		out.Words = append(out.Words, s.data...)
		out.Frames = append(out.Frames, f)
	}

	if a.clock != nil {
		sec := uint64(a.clock.Unix()) //nolint:gosec
		out.add(ClockFrame, int(a.clockID), a.clockID, []uint32{uint32(sec), uint32(sec >> 32)})
	}

	a.Reset()

	return out
}

// Reset discards everything collected since the last Build.
func (a *Assembler) Reset() {
	clear(a.payloads)
	a.stats = a.stats[:0]
	a.clock = nil
}

func (s *Spill) add(kind FrameKind, id int, idWord uint32, payload []uint32) {
	f := Frame{Kind: kind, ID: id, Offset: len(s.Words), Length: FrameHeaderWords + len(payload)}
	s.Words = append(s.Words, uint32(f.Length), idWord) //nolint:gosec
	s.Words = append(s.Words, payload...)
	s.Frames = append(s.Frames, f)
}

// Parse splits the words of a spill back into frames.
//
// Frames whose id equals clockID are clock frames. Module frames come first with
// ascending ids; the first frame whose id does not exceed the previous module id starts
// the statistics blocks, each of which must carry a statistics header sized to its frame.
func Parse(words []uint32, clockID uint32) (Spill, error) {
	out := Spill{Words: words, Empty: true}

	lastModule := -1
	inModules := true
	pos := 0
	for pos < len(words) {
		if len(words)-pos < FrameHeaderWords {
			return out, fmt.Errorf("%w: truncated frame header at word %d", ErrMalformed, pos)
		}

		length := int(words[pos])
		if length < FrameHeaderWords || pos+length > len(words) {
			return out, fmt.Errorf("%w: frame at word %d declares %d words, %d left", ErrMalformed, pos, length, len(words)-pos)
		}

		id := words[pos+1]
		f := Frame{Kind: ModuleFrame, ID: int(id), Offset: pos, Length: length}
		switch {
		case id == clockID:
			f.Kind = ClockFrame
		case inModules && f.ID > lastModule:
			lastModule = f.ID
			if length > FrameHeaderWords {
				out.Empty = false
			}
		default:
			inModules = false
			if length <= FrameHeaderWords || !isStatsHeader(words[pos+2], length) {
				return out, fmt.Errorf("%w: frame at word %d for module %d is neither a module frame nor a statistics block",
					ErrMalformed, pos, id)
			}
			f.Kind = StatsFrame
		}

		out.Frames = append(out.Frames, f)
		pos += length
	}

	return out, nil
}

func isStatsHeader(w uint32, frameLength int) bool {
	h := record.DecodeWordZero(w)

	return h.IsStatsBlock() && h.RecordLength == frameLength-FrameHeaderWords
}

// ClockTime decodes the time carried by a clock frame.
func ClockTime(words []uint32, f Frame) (time.Time, error) {
	if f.Kind != ClockFrame || f.Length != FrameHeaderWords+ClockWords {
		return time.Time{}, fmt.Errorf("%w: not a clock frame", ErrMalformed)
	}

	p := f.Payload(words)
	sec := uint64(p[0]) | uint64(p[1])<<32

	return time.Unix(int64(sec), 0), nil //nolint:gosec
}
