package engine

// entry is a resident key/value pair. It sits on two intrusive lists: the
// insertion list (first..last, never reordered) and, for the bounded
// variants, the recency list (head = LRU, tail = MRU).
type entry[K comparable, V any] struct {
	key K
	val V

	insPrev *entry[K, V]
	insNext *entry[K, V]

	prev *entry[K, V]
	next *entry[K, V]

	// touched is the UnixNano of the last Get hit or Put.
	touched int64
}

// Key implements policy.Node.
func (n *entry[K, V]) Key() K { return n.key }

// Value implements policy.Node. Only the engine owner may use the pointer.
func (n *entry[K, V]) Value() *V { return &n.val }
