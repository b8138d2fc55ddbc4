// Package engine implements the single-owner key/value store that backs each
// cache shard.
//
// Three variants share one implementation:
//
//   - NewUnbounded: insertion-ordered map, never evicts.
//   - NewLRU: capacity-bounded; a recency list (head = least recently used,
//     tail = most recently used) picks the victim when a new key would exceed
//     capacity.
//   - NewTimedLRU: NewLRU plus Evict(maxAge), a bulk expiry by last touch.
//
// Every variant keeps two independent orders. Keys reports resident keys in
// the order they were first inserted; overwrites do not move a key there.
// Recency reports access order and is what LRU eviction consumes.
//
// Engines are not safe for concurrent use. They are meant to be owned by one
// goroutine (a shard worker), and the optional Loader and Writer hooks must
// hand their completions back to that goroutine before calling done.
package engine

import (
	"time"

	"github.com/IvanBrykalov/workercache/policy"
)

// EvictReason explains why an entry left the engine.
type EvictReason int

const (
	// EvictCapacity means a new key pushed the engine past its capacity.
	EvictCapacity EvictReason = iota
	// EvictPolicy means the recency policy proposed the victim (2Q probation).
	EvictPolicy
	// EvictExpired means Evict(maxAge) found the entry untouched for too long.
	EvictExpired
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictPolicy:
		return "policy"
	case EvictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Clock provides time in UnixNano; tests swap in a fake.
type Clock interface{ NowUnixNano() int64 }

// Loader fetches a missing key without blocking the caller. The engine calls
// Load at most once per key until done has been called. done must run on the
// engine owner's goroutine.
type Loader[K comparable, V any] interface {
	Load(k K, meta any, done func(v V, found bool, err error))
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[K comparable, V any] func(k K, meta any, done func(v V, found bool, err error))

// Load calls f.
func (f LoaderFunc[K, V]) Load(k K, meta any, done func(v V, found bool, err error)) {
	f(k, meta, done)
}

// Write is one write-through operation. Meta carries whatever the caller
// passed to PutWith/RemoveWith (a shard worker passes the originating request).
type Write[K comparable, V any] struct {
	Key    K
	Value  V
	Delete bool
	Meta   any
}

// Writer accepts write-through operations. done must run on the engine
// owner's goroutine and reports the durable outcome.
type Writer[K comparable, V any] interface {
	Submit(w Write[K, V], done func(error))
}

// WriterFunc adapts a function to Writer.
type WriterFunc[K comparable, V any] func(w Write[K, V], done func(error))

// Submit calls f.
func (f WriterFunc[K, V]) Submit(w Write[K, V], done func(error)) { f(w, done) }

// Options configures an engine. Zero values are valid: no loader, no writer,
// wall clock, LRU policy for the bounded variants.
type Options[K comparable, V any] struct {
	// Capacity is the entry limit of the bounded variants (must be > 0).
	// NewUnbounded ignores it.
	Capacity int

	// Policy orders the recency list; nil selects LRU.
	Policy policy.Policy[K, V]

	// Clock overrides time.Now for last-touch stamps.
	Clock Clock

	// OnEvict is called for every eviction (not for Remove, Invalidate or Clear).
	OnEvict func(k K, v V, reason EvictReason)

	// Loader enables asynchronous read-through on miss.
	Loader Loader[K, V]
	// OnLoad observes every completed load. v/found describe the resident
	// value after the load was applied.
	OnLoad func(k K, v V, found bool, err error)

	// Writer enables write-through for Put/PutWith/Remove/RemoveWith.
	Writer Writer[K, V]
	// OnFlush observes every completed write; err is the writer's error.
	OnFlush func(w Write[K, V], err error)
}

// Engine is the single-owner store shared by all variants.
type Engine[K comparable, V any] interface {
	// Get returns the value for k; a hit counts as a use.
	Get(k K) (V, bool)
	// GetWith is Get with meta forwarded to the Loader on a miss.
	GetWith(k K, meta any) (V, bool)

	// Put inserts or overwrites k and writes it through if a Writer is set.
	Put(k K, v V)
	// PutWith is Put with meta attached to the write-through operation.
	PutWith(k K, v V, meta any)

	// Remove deletes k, writes the delete through, and reports residency.
	Remove(k K) bool
	// RemoveWith is Remove with meta attached to the write-through operation.
	RemoveWith(k K, meta any) bool
	// Invalidate drops k locally without touching the writer.
	Invalidate(k K) bool
	// Clear drops every entry locally; backing storage is untouched.
	Clear()

	// Len returns the number of resident entries.
	Len() int
	// Keys returns resident keys in first-insertion order.
	Keys() []K
	// Recency returns resident keys from least to most recently used.
	// The unbounded variant keeps no recency list and returns nil.
	Recency() []K
	// Range visits entries in first-insertion order until fn returns false.
	Range(fn func(k K, v V) bool)

	// Dirty reports whether k has write-through operations in flight.
	Dirty(k K) bool
	// Loading reports whether a read-through load for k is in flight.
	Loading(k K) bool
}

// Expirer is implemented by the time-aware variant.
type Expirer interface {
	// Evict removes entries whose last touch is older than maxAge and
	// returns how many were removed.
	Evict(maxAge time.Duration) int
}

// Timed is the engine returned by NewTimedLRU.
type Timed[K comparable, V any] interface {
	Engine[K, V]
	Expirer
}

// NewUnbounded returns an insertion-ordered engine that never evicts.
func NewUnbounded[K comparable, V any](opt Options[K, V]) Engine[K, V] {
	return newLocal(opt, false)
}

// NewLRU returns a capacity-bounded engine. It panics if opt.Capacity <= 0.
func NewLRU[K comparable, V any](opt Options[K, V]) Engine[K, V] {
	return newLocal(opt, true)
}

// NewTimedLRU returns a capacity-bounded engine with bulk time-based expiry.
// It panics if opt.Capacity <= 0.
func NewTimedLRU[K comparable, V any](opt Options[K, V]) Timed[K, V] {
	return &timed[K, V]{local: newLocal(opt, true)}
}

type timed[K comparable, V any] struct {
	*local[K, V]
}

func (t *timed[K, V]) Evict(maxAge time.Duration) int {
	if maxAge < 0 {
		maxAge = 0
	}
	cutoff := t.now() - int64(maxAge)

	var stale []*entry[K, V]
	for n := t.head; n != nil; n = n.next {
		if n.touched < cutoff {
			stale = append(stale, n)
		}
	}
	for _, n := range stale {
		t.evict(n, EvictExpired)
	}
	return len(stale)
}
