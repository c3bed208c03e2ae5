// Package queue provides the lock-free FIFO used to hand run-control commands from any
// number of producers (terminal, socket, signal handlers) to the single acquisition worker.
package queue

import (
	"sync/atomic"
	"unsafe"
)

// itemNode represents a node in the lock free queue.
type itemNode[T any] struct {
	value T
	next  unsafe.Pointer
}

// LockFree is a lock-free, concurrent queue implementation (Michael-Scott).
// Enqueue and Dequeue are safe for concurrent use.
type LockFree[T any] struct {
	head   unsafe.Pointer
	tail   unsafe.Pointer
	length atomic.Int32
}

// NewLockFree creates an empty LockFree queue.
func NewLockFree[T any]() *LockFree[T] {
	n := unsafe.Pointer(&itemNode[T]{})
	return &LockFree[T]{head: n, tail: n}
}

// Enqueue adds an item to the tail of the queue.
func (q *LockFree[T]) Enqueue(item T) {
	n := &itemNode[T]{value: item}
retry:
	tail := load[T](&q.tail)
	next := load[T](&tail.next)
	// Are tail and next consistent?
	if tail == load[T](&q.tail) {
		if next == nil {
			// Try to link node at the end of the linked list.
			if cas(&tail.next, next, n) { // enqueue is done.
				// Try to swing tail to the inserted node.
				cas(&q.tail, tail, n)
				q.length.Add(1)
				return
			}
		} else { // tail was not pointing to the last node
			// Try to swing tail to the next node.
			cas(&q.tail, tail, next)
		}
	}

	goto retry
}

// Dequeue removes and returns the item at the head of the queue.
// ok is false if the queue is empty.
func (q *LockFree[T]) Dequeue() (item T, ok bool) {
retry:
	head := load[T](&q.head)
	tail := load[T](&q.tail)
	next := load[T](&head.next)

	// Are head, tail, and next consistent?
	if head == load[T](&q.head) {
		// Is queue empty or tail falling behind?
		if head == tail {
			// Is queue empty?
			if next == nil {
				return item, false
			}
			cas(&q.tail, tail, next) // tail is falling behind, try to advance it.
		} else {
			// Read value before CAS, otherwise another dequeue might free the next node.
			data := next.value
			if cas(&q.head, head, next) { // dequeue is done, return value.
				q.length.Add(-1)
				return data, true
			}
		}
	}

	goto retry
}

// Drain dequeues every item currently in the queue and passes it to fn in FIFO order.
// It returns the number of items drained.
func (q *LockFree[T]) Drain(fn func(T)) int {
	n := 0
	for {
		item, ok := q.Dequeue()
		if !ok {
			return n
		}
		fn(item)
		n++
	}
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *LockFree[T]) IsEmpty() bool {
	return q.length.Load() == 0
}

// Length returns the number of items in the queue.
func (q *LockFree[T]) Length() int {
	return int(q.length.Load())
}

func load[T any](p *unsafe.Pointer) *itemNode[T] {
	return (*itemNode[T])(atomic.LoadPointer(p))
}

func cas[T any](p *unsafe.Pointer, oldItem, newItem *itemNode[T]) bool {
	return atomic.CompareAndSwapPointer(p, unsafe.Pointer(oldItem), unsafe.Pointer(newItem))
}
