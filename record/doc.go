// Package record decodes and validates the self-describing list-mode records that hardware
// modules push into their external FIFOs.
//
// A record starts with a bit-packed header. Word 0 carries the identity and the sizes:
//
//	bits  0-3   channel
//	bits  4-7   slot
//	bits  8-11  crate
//	bits 12-16  header length (words)
//	bits 17-29  record length (words)
//	bit  30     virtual channel
//	bit  31     pileup (finish code)
//
// When the header length is at least 4, words 1-3 carry the 48-bit timestamp, the CFD
// fraction, the energy, the out-of-range (saturated) flag and the trace length in 16-bit
// samples. Trace samples follow the header, two per word, low half first.
//
// The header is decoded once into a Header value by this package; no other package reads
// raw header bits. Scan walks a buffer record by record and reports the complete records,
// plus the trailing partial record when the last declared length runs past the buffer end.
package record
