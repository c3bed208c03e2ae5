// Package runstore keeps the registry of acquisition runs: run numbers, run ids, and the
// counters recorded when a run ends.
package runstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

var (
	// ErrRunNotFound indicates an unknown run number.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished indicates a second Finish of the same run.
	ErrRunFinished = errors.New("run already finished")
)

// Summary holds the end-of-run counters.
type Summary struct {
	Spills            uint64 `json:"spills"`
	EmptySpills       uint64 `json:"empty_spills"`
	Words             uint64 `json:"words"`
	Buffers           uint64 `json:"buffers"`
	CompletedRecords  uint64 `json:"completed_records"`
	DeferredRecords   uint64 `json:"deferred_records"`
	LostRecords       uint64 `json:"lost_records"`
	BroadcastPackets  uint64 `json:"broadcast_packets"`
	BroadcastFailures uint64 `json:"broadcast_failures"`
	// Error is the fatal condition that aborted the run, empty for a clean stop.
	Error  string `json:"error,omitempty"`
	Killed bool   `json:"killed,omitempty"`
}

// Run is one registered run.
type Run struct {
	Number  int        `json:"number"`
	ID      string     `json:"id"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	Summary *Summary   `json:"summary,omitempty"`
}

// Finished reports whether the run was closed with Finish.
func (r Run) Finished() bool { return r.Ended != nil }

// Store is a bbolt-backed run registry. It is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the registry file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the registry file.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(number int) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(number)) //nolint:gosec

	return key[:]
}

// NextRun allocates the next run number and registers the run as started at now.
// Run numbers start at 1 and are never reused.
func (s *Store) NextRun(now time.Time) (Run, error) {
	var run Run

	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)

		seq, err := runs.NextSequence()
		if err != nil {
			return err
		}

		run = Run{Number: int(seq), ID: uuid.NewString(), Started: now} //nolint:gosec
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}

		return runs.Put(runKey(run.Number), data)
	})
	if err != nil {
		return Run{}, fmt.Errorf("allocate run: %w", err)
	}

	return run, nil
}

// Finish records the end of a run.
func (s *Store) Finish(number int, ended time.Time, summary Summary) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)

		run, err := getRun(runs, number)
		if err != nil {
			return err
		}
		if run.Finished() {
			return fmt.Errorf("%w: %d", ErrRunFinished, number)
		}

		run.Ended = &ended
		run.Summary = &summary
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}

		return runs.Put(runKey(number), data)
	})
}

// Get returns run number.
func (s *Store) Get(number int) (Run, error) {
	var run Run

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		run, err = getRun(tx.Bucket(bucketRuns), number)

		return err
	})

	return run, err
}

// List returns every run in run number order.
func (s *Store) List() ([]Run, error) {
	var out []Run

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			out = append(out, run)

			return nil
		})
	})

	return out, err
}

// Last returns the most recent run; ok is false when no run was registered yet.
func (s *Store) Last() (run Run, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketRuns).Cursor().Last()
		if v == nil {
			return nil
		}
		ok = true

		return json.Unmarshal(v, &run)
	})

	return run, ok, err
}

func getRun(runs *bolt.Bucket, number int) (Run, error) {
	var run Run

	data := runs.Get(runKey(number))
	if data == nil {
		return run, fmt.Errorf("%w: %d", ErrRunNotFound, number)
	}
	if err := json.Unmarshal(data, &run); err != nil {
		return run, fmt.Errorf("unmarshal run %d: %w", number, err)
	}

	return run, nil
}
