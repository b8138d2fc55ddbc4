// Package mailbox provides an unbounded FIFO with a wake-up channel.
//
// Producers never block on Push. A single consumer selects on Ready and then
// drains everything queued so far with Drain. It backs the bridge inbox and
// the worker completion queue, where blocking a producer could deadlock two
// goroutines that feed each other.
package mailbox

import "sync"

// Queue is an unbounded multi-producer, single-consumer FIFO.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v and wakes the consumer. It reports false once the queue
// has been closed; the item is dropped in that case.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default: // a wake-up is already pending
	}
	return true
}

// Ready fires at least once after every Push.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Drain removes and returns all queued items in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Items already queued stay drainable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
