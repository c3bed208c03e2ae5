package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFree(t *testing.T) {
	assert := assert.New(t)

	t.Run("Empty Queue", func(t *testing.T) {
		q := NewLockFree[int]()

		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())
		v, ok := q.Dequeue()
		assert.False(ok)
		assert.Zero(v)
	})

	t.Run("FIFO Order", func(t *testing.T) {
		q := NewLockFree[string]()
		q.Enqueue("start")
		q.Enqueue("flush")
		q.Enqueue("stop")
		assert.Equal(3, q.Length())

		var got []string
		n := q.Drain(func(s string) { got = append(got, s) })
		assert.Equal(3, n)
		assert.Equal([]string{"start", "flush", "stop"}, got)
		assert.True(q.IsEmpty())
	})
}

func TestLockFree_ConcurrentProducers(t *testing.T) {
	require := require.New(t)

	const producers = 8
	const perProducer = 1000

	q := NewLockFree[int]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(base*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool, producers*perProducer)
	lastPerProducer := make(map[int]int)
	q.Drain(func(v int) {
		seen[v] = true
		p := v / perProducer
		if last, ok := lastPerProducer[p]; ok {
			require.Greater(v, last, "per-producer order must be preserved")
		}
		lastPerProducer[p] = v
	})
	require.Len(seen, producers*perProducer)
	require.True(q.IsEmpty())
}
