package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Poll(t *testing.T) {
	ctx := context.Background()

	t.Run("Met On Third Try", func(t *testing.T) {
		require := require.New(t)

		calls := 0
		p := Policy{Tries: 5, Interval: time.Millisecond}
		ok, attempts, err := p.Poll(ctx, func() (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(err)
		require.True(ok)
		require.Equal(3, attempts)
	})

	t.Run("Exhausted", func(t *testing.T) {
		require := require.New(t)

		p := Policy{Tries: 4, Interval: time.Microsecond}
		ok, attempts, err := p.Poll(ctx, func() (bool, error) { return false, nil })
		require.NoError(err)
		require.False(ok)
		require.Equal(4, attempts)
	})

	t.Run("Single Attempt", func(t *testing.T) {
		require := require.New(t)

		ok, attempts, err := Once.Poll(ctx, func() (bool, error) { return false, nil })
		require.NoError(err)
		require.False(ok)
		require.Equal(1, attempts)

		_, attempts, _ = Policy{Tries: 0, Interval: time.Hour}.Poll(ctx, func() (bool, error) { return false, nil })
		require.Equal(1, attempts)
	})

	t.Run("Condition Error", func(t *testing.T) {
		require := require.New(t)

		errBoom := errors.New("boom")
		p := Policy{Tries: 10, Interval: time.Microsecond}
		ok, attempts, err := p.Poll(ctx, func() (bool, error) { return false, errBoom })
		require.ErrorIs(err, errBoom)
		require.False(ok)
		require.Equal(1, attempts)
	})

	t.Run("Context Cancelled", func(t *testing.T) {
		require := require.New(t)

		cctx, cancel := context.WithCancel(ctx)
		p := Policy{Tries: 100, Interval: time.Hour}
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		ok, attempts, err := p.Poll(cctx, func() (bool, error) { return false, nil })
		require.ErrorIs(err, context.Canceled)
		require.False(ok)
		require.Equal(1, attempts)
	})
}

func TestPolicy_Timeout(t *testing.T) {
	assert := assert.New(t)

	assert.Zero(Once.Timeout())
	assert.Equal(99*time.Millisecond, Policy{Tries: 100, Interval: time.Millisecond}.Timeout())
}

func TestTimerPool_Concurrency(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sleep(context.Background(), time.Millisecond))
		}()
	}
	wg.Wait()
}
