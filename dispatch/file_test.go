package dispatch

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSink_RoundTrip(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	sink := NewFileSink(dir, 16, 0, nil)

	require.NoError(sink.Open(3))
	require.Equal(filepath.Join(dir, "run_0003.spl"), sink.Path())

	spills := [][]uint32{words(20), words(9), nil, words(5)}
	for _, s := range spills {
		n, err := sink.Write(s)
		require.NoError(err)
		require.Equal(sink.BuffersFor(len(s)), n)
	}
	require.Equal(3, sink.BuffersFor(20))
	require.Equal(1, sink.BuffersFor(0))
	require.NoError(sink.Close())
	require.Empty(sink.Path())

	info, err := os.Stat(filepath.Join(dir, "run_0003.spl"))
	require.NoError(err)
	require.Equal(int64((3+1+1+1)*16*4), info.Size())

	f, err := os.Open(filepath.Join(dir, "run_0003.spl"))
	require.NoError(err)
	defer f.Close()

	r := NewFileReader(f, 16)
	for i, want := range spills {
		got, seq, err := r.Next()
		require.NoError(err)
		require.Equal(uint32(i), seq)
		require.Len(got, len(want))
		if len(want) > 0 {
			require.Equal(want, got)
		}
	}
	_, _, err = r.Next()
	require.ErrorIs(err, io.EOF)
}

func TestFileSink_Rotation(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	// two 16-word buffers per file
	sink := NewFileSink(dir, 16, 2*16*4, nil)
	require.NoError(sink.Open(1))

	for i := 0; i < 3; i++ {
		_, err := sink.Write(words(9))
		require.NoError(err)
	}
	require.Equal(filepath.Join(dir, "run_0001-1.spl"), sink.Path())
	require.NoError(sink.Close())

	require.FileExists(filepath.Join(dir, "run_0001.spl"))
	require.FileExists(filepath.Join(dir, "run_0001-1.spl"))

	// an existing run is never overwritten
	require.Error(sink.Open(1))
}

func TestFileSink_NotOpen(t *testing.T) {
	sink := NewFileSink(t.TempDir(), 16, 0, nil)
	_, err := sink.Write(words(3))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestFileReader_Corruption(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	sink := NewFileSink(dir, 16, 0, nil)
	require.NoError(sink.Open(2))
	_, err := sink.Write(words(20))
	require.NoError(err)
	require.NoError(sink.Close())

	path := filepath.Join(dir, FileName(2, 0))
	data, err := os.ReadFile(path)
	require.NoError(err)

	// flip one payload byte of the second buffer
	flipped := append([]byte(nil), data...)
	flipped[16*4+BufferHeaderWords*4] ^= 0xFF
	_, _, err = NewFileReader(bytesReader(flipped), 16).Next()
	require.ErrorIs(err, ErrChecksum)

	// break the magic of the first buffer
	broken := append([]byte(nil), data...)
	broken[0] = 0
	_, _, err = NewFileReader(bytesReader(broken), 16).Next()
	require.ErrorIs(err, ErrBadFile)

	// cut the file in the middle of a spill
	_, _, err = NewFileReader(bytesReader(data[:16*4]), 16).Next()
	require.ErrorIs(err, ErrBadFile)
}
