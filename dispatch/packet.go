package dispatch

import (
	"encoding/binary"
	"fmt"
)

const (
	// PacketHeaderBytes is the size of the {sequence, totalChunks, chunkIndex} header.
	PacketHeaderBytes = 12
	// DefaultMaxPayloadWords keeps a broadcast packet below common datagram limits.
	DefaultMaxPayloadWords = 4050
)

// DonePayload is the payload of the marker packet that closes every spill broadcast.
var DonePayload = []uint32{2, 9999}

// Packet is one broadcast datagram.
//
// All packets of a spill share TotalChunks, which counts the data chunks plus the done
// marker; ChunkIndex runs from 0 to TotalChunks-1 and the marker is always last. Sequence
// increases by one per packet across spills, so Sequence-ChunkIndex identifies the spill.
type Packet struct {
	Sequence    uint32
	TotalChunks uint32
	ChunkIndex  uint32
	Payload     []uint32
}

// SpillKey returns the sequence number of the first packet of the packet's spill.
func (p Packet) SpillKey() uint32 {
	return p.Sequence - p.ChunkIndex
}

// IsDone reports whether p is the marker packet closing a spill.
func (p Packet) IsDone() bool {
	return p.TotalChunks > 0 && p.ChunkIndex == p.TotalChunks-1 &&
		len(p.Payload) == len(DonePayload) &&
		p.Payload[0] == DonePayload[0] && p.Payload[1] == DonePayload[1]
}

// Size returns the encoded size in bytes.
func (p Packet) Size() int {
	return PacketHeaderBytes + 4*len(p.Payload)
}

// AppendBinary appends the little-endian encoding of p to b.
func (p Packet) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, p.Sequence)
	b = binary.LittleEndian.AppendUint32(b, p.TotalChunks)
	b = binary.LittleEndian.AppendUint32(b, p.ChunkIndex)
	for _, w := range p.Payload {
		b = binary.LittleEndian.AppendUint32(b, w)
	}

	return b
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Packet) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, p.Size())), nil
}

// ParsePacket decodes a datagram.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < PacketHeaderBytes {
		return Packet{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrInvalidPacket, len(b), PacketHeaderBytes)
	}
	if (len(b)-PacketHeaderBytes)%4 != 0 {
		return Packet{}, fmt.Errorf("%w: payload of %d bytes is not word aligned", ErrInvalidPacket, len(b)-PacketHeaderBytes)
	}

	p := Packet{
		Sequence:    binary.LittleEndian.Uint32(b[0:]),
		TotalChunks: binary.LittleEndian.Uint32(b[4:]),
		ChunkIndex:  binary.LittleEndian.Uint32(b[8:]),
	}
	if p.TotalChunks == 0 || p.ChunkIndex >= p.TotalChunks {
		return Packet{}, fmt.Errorf("%w: chunk %d of %d", ErrInvalidPacket, p.ChunkIndex, p.TotalChunks)
	}

	body := b[PacketHeaderBytes:]
	p.Payload = make([]uint32, len(body)/4)
	for i := range p.Payload {
		p.Payload[i] = binary.LittleEndian.Uint32(body[4*i:])
	}

	return p, nil
}

// Split cuts the words of one spill into packets of at most maxWords payload words and
// appends the done marker. Packets are numbered from firstSeq.
func Split(words []uint32, firstSeq uint32, maxWords int) []Packet {
	if maxWords < 1 {
		maxWords = DefaultMaxPayloadWords
	}

	chunks := (len(words) + maxWords - 1) / maxWords
	total := uint32(chunks + 1) //nolint:gosec

	packets := make([]Packet, 0, chunks+1)
	for i := 0; i < chunks; i++ {
		end := min((i+1)*maxWords, len(words))
		packets = append(packets, Packet{
			Sequence:    firstSeq + uint32(i), //nolint:gosec
			TotalChunks: total,
			ChunkIndex:  uint32(i), //nolint:gosec
			Payload:     words[i*maxWords : end],
		})
	}

	packets = append(packets, Packet{
		Sequence:    firstSeq + total - 1,
		TotalChunks: total,
		ChunkIndex:  total - 1,
		Payload:     DonePayload,
	})

	return packets
}
