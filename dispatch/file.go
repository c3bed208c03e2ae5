package dispatch

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/hribf/spillacq/logger"
)

const (
	// FileMagic starts every buffer of a spill file ("SPIL").
	FileMagic uint32 = 0x5350494C
	// BufferHeaderWords is the size of a spill file buffer header:
	// magic, spill sequence, chunk index, chunk count, payload words, checksum low, checksum high.
	BufferHeaderWords = 7
	// DefaultBufferWords is the default spill file buffer size.
	DefaultBufferWords = 8192
	// DefaultMaxFileBytes is the default size at which a run file is rotated.
	DefaultMaxFileBytes = 1 << 30

	padWord uint32 = 0xFFFFFFFF
)

// FileSink writes spills into per-run files made of fixed-size buffers.
//
// A spill is cut into as many buffers as needed; each buffer carries its share of the
// spill words, an xxhash64 checksum of them, and padding up to the buffer size. A run
// starts in run_NNNN.spl and rotates to run_NNNN-K.spl before a spill would push the
// current file over the size limit.
type FileSink struct {
	dir          string
	bufferWords  int
	maxFileBytes int64
	logger       logger.Logger

	run     int
	part    int
	f       *os.File
	w       *bufio.Writer
	size    int64
	seq     uint32
	scratch []byte
}

var _ Storage = (*FileSink)(nil)

// NewFileSink creates a sink writing into dir.
func NewFileSink(dir string, bufferWords int, maxFileBytes int64, l logger.Logger) *FileSink {
	if bufferWords <= BufferHeaderWords {
		bufferWords = DefaultBufferWords
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &FileSink{
		dir:          dir,
		bufferWords:  bufferWords,
		maxFileBytes: maxFileBytes,
		logger:       l,
		scratch:      make([]byte, 4*bufferWords),
	}
}

// FileName returns the name of part part of run run.
func FileName(run, part int) string {
	if part == 0 {
		return fmt.Sprintf("run_%04d.spl", run)
	}

	return fmt.Sprintf("run_%04d-%d.spl", run, part)
}

// Path returns the path of the file currently written, empty when closed.
func (s *FileSink) Path() string {
	if s.f == nil {
		return ""
	}

	return s.f.Name()
}

// Open implements Storage. An existing file for the run is never overwritten.
func (s *FileSink) Open(run int) error {
	if s.f != nil {
		if err := s.Close(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	s.run = run
	s.part = 0
	s.seq = 0

	return s.openPart()
}

func (s *FileSink) openPart() error {
	path := filepath.Join(s.dir, FileName(s.run, s.part))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	s.f = f
	s.w = bufio.NewWriterSize(f, len(s.scratch))
	s.size = 0
	s.logger.Info("spill file opened", "path", path)

	return nil
}

// BuffersFor returns the number of buffers a spill of n words occupies.
func (s *FileSink) BuffersFor(n int) int {
	capacity := s.bufferWords - BufferHeaderWords
	if n == 0 {
		return 1
	}

	return (n + capacity - 1) / capacity
}

// Write implements Storage.
func (s *FileSink) Write(words []uint32) (int, error) {
	if s.f == nil {
		return 0, ErrNotOpen
	}

	count := s.BuffersFor(len(words))
	spillBytes := int64(count) * int64(len(s.scratch))
	if s.size > 0 && s.size+spillBytes > s.maxFileBytes {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}

	capacity := s.bufferWords - BufferHeaderWords
	for i := 0; i < count; i++ {
		chunk := words[min(i*capacity, len(words)):min((i+1)*capacity, len(words))]
		s.encodeBuffer(chunk, i, count)

		if _, err := s.w.Write(s.scratch); err != nil {
			return i, err
		}
		s.size += int64(len(s.scratch))
	}

	if err := s.w.Flush(); err != nil {
		return count, err
	}
	s.seq++

	return count, nil
}

func (s *FileSink) encodeBuffer(chunk []uint32, index, count int) {
	b := s.scratch
	le := binary.LittleEndian

	payload := b[4*BufferHeaderWords:]
	for i, w := range chunk {
		le.PutUint32(payload[4*i:], w)
	}
	for i := len(chunk); i < len(payload)/4; i++ {
		le.PutUint32(payload[4*i:], padWord)
	}

	sum := xxhash.Sum64(payload[:4*len(chunk)])

	le.PutUint32(b[0:], FileMagic)
	le.PutUint32(b[4:], s.seq)
	le.PutUint32(b[8:], uint32(index))       //nolint:gosec
	le.PutUint32(b[12:], uint32(count))      //nolint:gosec
	le.PutUint32(b[16:], uint32(len(chunk))) //nolint:gosec
	le.PutUint32(b[20:], uint32(sum))
	le.PutUint32(b[24:], uint32(sum>>32))
}

func (s *FileSink) rotate() error {
	if err := s.closeFile(); err != nil {
		return err
	}
	s.part++
	s.logger.Info("rotating spill file", "run", s.run, "part", s.part)

	return s.openPart()
}

// Close implements Storage.
func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}

	return s.closeFile()
}

func (s *FileSink) closeFile() error {
	flushErr := s.w.Flush()
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	s.f, s.w = nil, nil

	return errors.Join(flushErr, syncErr, closeErr)
}

// FileReader reads the spills of one spill file back.
type FileReader struct {
	r           *bufio.Reader
	bufferWords int
	buf         []byte
}

// NewFileReader reads spills written with the given buffer size from r.
func NewFileReader(r io.Reader, bufferWords int) *FileReader {
	if bufferWords <= BufferHeaderWords {
		bufferWords = DefaultBufferWords
	}

	return &FileReader{
		r:           bufio.NewReaderSize(r, 4*bufferWords),
		bufferWords: bufferWords,
		buf:         make([]byte, 4*bufferWords),
	}
}

// Next returns the next spill and its sequence number within the run, or io.EOF.
func (fr *FileReader) Next() ([]uint32, uint32, error) {
	var words []uint32
	var seq, count uint32

	for index := uint32(0); ; index++ {
		if _, err := io.ReadFull(fr.r, fr.buf); err != nil {
			if index == 0 && errors.Is(err, io.EOF) {
				return nil, 0, io.EOF
			}

			return nil, 0, fmt.Errorf("%w: truncated buffer: %w", ErrBadFile, err)
		}

		h, err := fr.header()
		if err != nil {
			return nil, 0, err
		}

		if index == 0 {
			seq, count = h.seq, h.count
		}
		if h.seq != seq || h.index != index || h.count != count {
			return nil, 0, fmt.Errorf("%w: spill %d chunk %d/%d out of place, want spill %d chunk %d/%d",
				ErrBadFile, h.seq, h.index, h.count, seq, index, count)
		}

		payload := fr.buf[4*BufferHeaderWords : 4*BufferHeaderWords+4*int(h.words)]
		if sum := xxhash.Sum64(payload); sum != h.sum {
			return nil, 0, fmt.Errorf("%w: spill %d chunk %d", ErrChecksum, seq, index)
		}

		for i := 0; i < int(h.words); i++ {
			words = append(words, binary.LittleEndian.Uint32(payload[4*i:]))
		}

		if index+1 == count {
			return words, seq, nil
		}
	}
}

type bufferHeader struct {
	seq, index, count, words uint32
	sum                      uint64
}

func (fr *FileReader) header() (bufferHeader, error) {
	le := binary.LittleEndian
	b := fr.buf

	if magic := le.Uint32(b[0:]); magic != FileMagic {
		return bufferHeader{}, fmt.Errorf("%w: magic 0x%08X", ErrBadFile, magic)
	}

	h := bufferHeader{
		seq:   le.Uint32(b[4:]),
		index: le.Uint32(b[8:]),
		count: le.Uint32(b[12:]),
		words: le.Uint32(b[16:]),
		sum:   uint64(le.Uint32(b[20:])) | uint64(le.Uint32(b[24:]))<<32,
	}
	if h.count == 0 || int(h.words) > fr.bufferWords-BufferHeaderWords {
		return bufferHeader{}, fmt.Errorf("%w: buffer declares %d words in %d chunks", ErrBadFile, h.words, h.count)
	}

	return h, nil
}
