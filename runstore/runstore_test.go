package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func TestStore_NextRunAndFinish(t *testing.T) {
	require := require.New(t)

	s, _ := openStore(t)

	_, ok, err := s.Last()
	require.NoError(err)
	require.False(ok)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r1, err := s.NextRun(start)
	require.NoError(err)
	require.Equal(1, r1.Number)
	_, err = uuid.Parse(r1.ID)
	require.NoError(err)

	r2, err := s.NextRun(start.Add(time.Hour))
	require.NoError(err)
	require.Equal(2, r2.Number)
	require.NotEqual(r1.ID, r2.ID)

	sum := Summary{Spills: 10, Words: 4096, LostRecords: 1, Error: "module 0: corrupt"}
	end := start.Add(2 * time.Hour)
	require.NoError(s.Finish(2, end, sum))
	require.ErrorIs(s.Finish(2, end, sum), ErrRunFinished)
	require.ErrorIs(s.Finish(9, end, sum), ErrRunNotFound)

	got, err := s.Get(2)
	require.NoError(err)
	require.True(got.Finished())
	require.Equal(sum, *got.Summary)
	require.True(end.Equal(*got.Ended))

	last, ok, err := s.Last()
	require.NoError(err)
	require.True(ok)
	require.Equal(2, last.Number)

	runs, err := s.List()
	require.NoError(err)
	require.Len(runs, 2)
	require.False(runs[0].Finished())

	_, err = s.Get(3)
	require.ErrorIs(err, ErrRunNotFound)
}

func TestStore_NumbersSurviveReopen(t *testing.T) {
	require := require.New(t)

	s, path := openStore(t)
	_, err := s.NextRun(time.Now())
	require.NoError(err)
	require.NoError(s.Close())

	s2, err := Open(path)
	require.NoError(err)
	defer s2.Close()

	r, err := s2.NextRun(time.Now())
	require.NoError(err)
	require.Equal(2, r.Number)
}
