package record

import "fmt"

const (
	channelMask      = 0x0000000F
	slotMask         = 0x000000F0
	slotShift        = 4
	crateMask        = 0x00000F00
	crateShift       = 8
	headerLenMask    = 0x0001F000
	headerLenShift   = 12
	recordLenMask    = 0x3FFE0000
	recordLenShift   = 17
	virtualFlag      = 0x40000000
	pileupFlag       = 0x80000000
	timeHighMask     = 0x0000FFFF
	cfdMask          = 0xFFFF0000
	cfdShift         = 16
	energyMask       = 0x00007FFF
	saturatedFlag    = 0x00008000
	traceLenMask     = 0xFFFF0000
	traceLenShift    = 16
	maxHeaderLength  = headerLenMask >> headerLenShift
	maxRecordLength  = recordLenMask >> recordLenShift
	extendedMinWords = 4
)

// MaxRecordLength is the largest record length encodable in a header, in words.
const MaxRecordLength = maxRecordLength

// StatsHeaderLength is the header length that tags an injected statistics block.
const StatsHeaderLength = 1

// Header is the decoded form of a record header.
type Header struct {
	Channel      uint32
	Slot         uint32
	Crate        uint32
	HeaderLength int
	RecordLength int
	Virtual      bool
	Pileup       bool

	// Extended reports whether words 1-3 were available and decoded.
	Extended    bool
	Timestamp   uint64
	CFDFraction uint16
	Energy      uint16
	Saturated   bool
	TraceLength int
}

// DecodeWordZero decodes the identity and size fields of header word 0.
func DecodeWordZero(w uint32) Header {
	return Header{
		Channel:      w & channelMask,
		Slot:         (w & slotMask) >> slotShift,
		Crate:        (w & crateMask) >> crateShift,
		HeaderLength: int((w & headerLenMask) >> headerLenShift),
		RecordLength: int((w & recordLenMask) >> recordLenShift),
		Virtual:      w&virtualFlag != 0,
		Pileup:       w&pileupFlag != 0,
	}
}

// DecodeHeader decodes the header at the start of words.
// Words 1-3 are decoded only when the header length is at least 4 and they are present.
func DecodeHeader(words []uint32) (Header, error) {
	if len(words) == 0 {
		return Header{}, ErrShortBuffer
	}

	h := DecodeWordZero(words[0])
	if h.HeaderLength >= extendedMinWords && len(words) >= extendedMinWords {
		h.decodeExtended(words[1], words[2], words[3])
	}

	return h, nil
}

func (h *Header) decodeExtended(w1, w2, w3 uint32) {
	h.Extended = true
	h.Timestamp = uint64(w2&timeHighMask)<<32 | uint64(w1)
	h.CFDFraction = uint16((w2 & cfdMask) >> cfdShift)
	h.Energy = uint16(w3 & energyMask)
	h.Saturated = w3&saturatedFlag != 0
	h.TraceLength = int((w3 & traceLenMask) >> traceLenShift)
}

// TraceWords returns the number of words occupied by the trace samples.
func (h Header) TraceWords() int {
	return (h.TraceLength + 1) / 2
}

// Consistent reports whether the header length plus the trace words equal the record length.
// Headers without decoded extended words are always consistent.
func (h Header) Consistent() bool {
	if !h.Extended {
		return true
	}

	return h.HeaderLength+h.TraceWords() == h.RecordLength
}

// IsStatsBlock reports whether the header tags an injected statistics block.
func (h Header) IsStatsBlock() bool {
	return h.HeaderLength == StatsHeaderLength
}

// Bytes returns the record size in bytes.
func (h Header) Bytes() int {
	return h.RecordLength * 4
}

func (h Header) String() string {
	return fmt.Sprintf("crate=%d slot=%d chan=%d hdr=%d len=%d trace=%d virtual=%t pileup=%t",
		h.Crate, h.Slot, h.Channel, h.HeaderLength, h.RecordLength, h.TraceLength, h.Virtual, h.Pileup)
}

// EncodeWordZero packs the identity and size fields into header word 0.
func (h Header) EncodeWordZero() uint32 {
	w := h.Channel&channelMask |
		(h.Slot<<slotShift)&slotMask |
		(h.Crate<<crateShift)&crateMask |
		(uint32(h.HeaderLength)<<headerLenShift)&headerLenMask | //nolint:gosec
		(uint32(h.RecordLength)<<recordLenShift)&recordLenMask //nolint:gosec
	if h.Virtual {
		w |= virtualFlag
	}
	if h.Pileup {
		w |= pileupFlag
	}

	return w
}

// Encode serializes a record: header words followed by the trace samples packed two per word.
//
// Header words beyond the fourth are zero. The header fields are written as given; use
// NewHeader to obtain a consistent header.
func Encode(h Header, trace []uint16) []uint32 {
	hdrLen := max(h.HeaderLength, 1)
	out := make([]uint32, hdrLen, hdrLen+(len(trace)+1)/2)
	out[0] = h.EncodeWordZero()

	if hdrLen >= extendedMinWords {
		out[1] = uint32(h.Timestamp)
		out[2] = uint32(h.Timestamp>>32)&timeHighMask | uint32(h.CFDFraction)<<cfdShift
		out[3] = uint32(h.Energy)&energyMask | (uint32(h.TraceLength)<<traceLenShift)&traceLenMask //nolint:gosec
		if h.Saturated {
			out[3] |= saturatedFlag
		}
	}

	for i := 0; i < len(trace); i += 2 {
		w := uint32(trace[i])
		if i+1 < len(trace) {
			w |= uint32(trace[i+1]) << 16
		}
		out = append(out, w)
	}

	return out
}

// NewHeader returns a consistent header for a channel event with the given trace length.
func NewHeader(crate, slot, channel uint32, headerLength, traceLength int) Header {
	h := Header{
		Channel:      channel,
		Slot:         slot,
		Crate:        crate,
		HeaderLength: headerLength,
		TraceLength:  traceLength,
		Extended:     headerLength >= extendedMinWords,
	}
	h.RecordLength = headerLength + h.TraceWords()

	return h
}

// StatsBlockWord returns the packed header word of a statistics block carrying statWords raw words.
func StatsBlockWord(slot uint32, statWords int) uint32 {
	return Header{
		Slot:         slot,
		HeaderLength: StatsHeaderLength,
		RecordLength: statWords + 1,
	}.EncodeWordZero()
}
