package engine

// Batch is a write-behind Writer: it holds submitted writes until size of
// them are pending, or Flush is called, and then forwards them to next in
// submission order. Completions still arrive through next, one per write.
//
// Batch is owned by the same goroutine as the engine it serves.
type Batch[K comparable, V any] struct {
	next Writer[K, V]
	size int
	buf  []pendingWrite[K, V]
}

type pendingWrite[K comparable, V any] struct {
	w    Write[K, V]
	done func(error)
}

// NewBatch wraps next with a write-behind buffer of the given bulk size.
// A size below 1 forwards every write immediately.
func NewBatch[K comparable, V any](next Writer[K, V], size int) *Batch[K, V] {
	if size < 1 {
		size = 1
	}
	return &Batch[K, V]{next: next, size: size, buf: make([]pendingWrite[K, V], 0, size)}
}

// Submit buffers w and flushes once the bulk size is reached.
func (b *Batch[K, V]) Submit(w Write[K, V], done func(error)) {
	b.buf = append(b.buf, pendingWrite[K, V]{w: w, done: done})
	if len(b.buf) >= b.size {
		b.Flush()
	}
}

// Flush forwards every buffered write and returns how many were sent.
func (b *Batch[K, V]) Flush() int {
	if len(b.buf) == 0 {
		return 0
	}
	pending := b.buf
	b.buf = make([]pendingWrite[K, V], 0, b.size)
	for _, p := range pending {
		b.next.Submit(p.w, p.done)
	}
	return len(pending)
}

// Pending returns the number of buffered writes.
func (b *Batch[K, V]) Pending() int { return len(b.buf) }
