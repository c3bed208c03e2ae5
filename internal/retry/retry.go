// Package retry provides the bounded poll-with-timeout primitive shared by the FIFO poller
// and the carryover manager, so both loops follow the same "check, sleep, repeat" semantics.
package retry

import (
	"context"
	"sync"
	"time"
)

// Condition reports whether the awaited condition holds.
// A non-nil error aborts polling immediately.
type Condition func() (bool, error)

// Policy bounds a polling loop.
type Policy struct {
	// Tries is the maximum number of condition evaluations. Values below 1 mean a single attempt.
	Tries int
	// Interval is the pause between two evaluations.
	Interval time.Duration
}

// Once is the policy of a single evaluation without any pause.
var Once = Policy{Tries: 1}

// Poll evaluates cond until it returns true, the tries are exhausted, or ctx is done.
//
// It returns whether the condition was met and the number of evaluations performed.
// Exhausting the tries is not an error: ok is false and err is nil.
func (p Policy) Poll(ctx context.Context, cond Condition) (ok bool, attempts int, err error) {
	tries := p.Tries
	if tries < 1 {
		tries = 1
	}

	for attempts < tries {
		attempts++

		ok, err = cond()
		if err != nil || ok {
			return ok, attempts, err
		}

		if attempts == tries {
			break
		}

		if err := sleep(ctx, p.Interval); err != nil {
			return false, attempts, err
		}
	}

	return false, attempts, nil
}

// Timeout returns the worst-case time spent sleeping by the policy.
func (p Policy) Timeout() time.Duration {
	if p.Tries <= 1 {
		return 0
	}

	return time.Duration(p.Tries-1) * p.Interval
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := getTimer(d)
	defer putTimer(t)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var timerPool sync.Pool

// getTimer returns a timer for the given duration d from the pool.
func getTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer)
		if t.Reset(d) {
			// Timer was active, drain the channel to prevent potential leaks
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}
	return time.NewTimer(d)
}

// putTimer returns timer to the pool; t cannot be accessed afterwards.
func putTimer(t *time.Timer) {
	if !t.Stop() {
		// Drain t.C if it wasn't obtained by the caller yet.
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
