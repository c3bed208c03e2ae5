package record

// Span locates one record inside a buffer.
type Span struct {
	Offset int
	Header Header
}

// End returns the offset one past the last word of the record.
func (s Span) End() int { return s.Offset + s.Header.RecordLength }

// ScanResult is the outcome of a validation pass over one module buffer.
type ScanResult struct {
	// Records are the complete records, in buffer order.
	Records []Span
	// Partial is the trailing record whose declared length runs past the buffer end.
	Partial *Span
	// Deficit is the number of words still needed to complete Partial.
	Deficit int
}

// Complete reports whether the buffer was consumed exactly.
func (r ScanResult) Complete() bool { return r.Partial == nil }

// CompleteWords returns the number of leading words covered by complete records.
func (r ScanResult) CompleteWords() int {
	if len(r.Records) == 0 {
		return 0
	}

	return r.Records[len(r.Records)-1].End()
}

// PartialWords returns the number of words of the partial record present in the buffer.
func (r ScanResult) PartialWords() int {
	if r.Partial == nil {
		return 0
	}

	return r.Partial.Header.RecordLength - r.Deficit
}

// Validator walks module buffers and checks the framing of every record.
type Validator struct {
	// Module is the module index reported in corruption errors.
	Module int
	// Slot is the slot every record header must carry.
	Slot uint32
}

// Scan decodes buf record by record.
//
// A zero record length, a slot different from v.Slot, or a complete record whose header and
// trace sizes disagree with its record length is a structural corruption and returns a
// *CorruptionError; the records found before the corruption are still returned.
func (v Validator) Scan(buf []uint32) (ScanResult, error) {
	var res ScanResult

	pos := 0
	for pos < len(buf) {
		h, _ := DecodeHeader(buf[pos:])

		if h.RecordLength == 0 {
			return res, v.corruption(buf, pos, h, ZeroLength)
		}
		if h.Slot != v.Slot {
			return res, v.corruption(buf, pos, h, SlotMismatch)
		}

		end := pos + h.RecordLength
		if end > len(buf) {
			res.Partial = &Span{Offset: pos, Header: h}
			res.Deficit = end - len(buf)

			return res, nil
		}

		if !h.Consistent() {
			return res, v.corruption(buf, pos, h, LengthMismatch)
		}

		res.Records = append(res.Records, Span{Offset: pos, Header: h})
		pos = end
	}

	return res, nil
}

func (v Validator) corruption(buf []uint32, pos int, h Header, reason Reason) *CorruptionError {
	n := min(3, len(buf)-pos)
	words := make([]uint32, n)
	copy(words, buf[pos:pos+n])

	return &CorruptionError{
		Module:       v.Module,
		Offset:       pos,
		BufferWords:  len(buf),
		ExpectedSlot: v.Slot,
		Header:       h,
		Reason:       reason,
		Words:        words,
	}
}
