package engine

import (
	"time"

	"github.com/IvanBrykalov/workercache/policy"
	"github.com/IvanBrykalov/workercache/policy/lru"
)

// local is the shared implementation behind every variant. bounded engines
// carry a policy and a recency list; the unbounded one leaves both nil.
type local[K comparable, V any] struct {
	m map[K]*entry[K, V]

	// insertion order
	first *entry[K, V]
	last  *entry[K, V]

	// recency order (bounded only)
	head *entry[K, V] // LRU
	tail *entry[K, V] // MRU
	rlen int

	cap int
	pol policy.EnginePolicy[K, V]
	opt Options[K, V]

	// loading maps a key to whether its in-flight load may still be applied.
	loading map[K]bool
	// dirty counts write-through operations in flight per key.
	dirty map[K]int
}

func newLocal[K comparable, V any](opt Options[K, V], bounded bool) *local[K, V] {
	e := &local[K, V]{
		m:       make(map[K]*entry[K, V]),
		opt:     opt,
		loading: make(map[K]bool),
		dirty:   make(map[K]int),
	}
	if !bounded {
		return e
	}
	if opt.Capacity <= 0 {
		panic("engine: Capacity must be > 0")
	}
	if e.opt.Policy == nil {
		e.opt.Policy = lru.New[K, V]()
	}
	e.cap = opt.Capacity
	e.m = make(map[K]*entry[K, V], opt.Capacity)
	e.pol = e.opt.Policy.New(hooks[K, V]{e: e})
	return e
}

func (e *local[K, V]) Get(k K) (V, bool) { return e.GetWith(k, nil) }

func (e *local[K, V]) GetWith(k K, meta any) (V, bool) {
	if n, ok := e.m[k]; ok {
		n.touched = e.now()
		if e.pol != nil {
			e.pol.OnGet(n)
		}
		return n.val, true
	}
	if e.opt.Loader != nil {
		e.load(k, meta)
	}
	var zero V
	return zero, false
}

func (e *local[K, V]) Put(k K, v V) { e.PutWith(k, v, nil) }

func (e *local[K, V]) PutWith(k K, v V, meta any) {
	e.set(k, v)
	e.staleLoad(k)
	if e.opt.Writer != nil {
		e.submit(Write[K, V]{Key: k, Value: v, Meta: meta})
	}
}

func (e *local[K, V]) Remove(k K) bool { return e.RemoveWith(k, nil) }

// RemoveWith writes the delete through even when k is not resident, since
// the backing store may still hold it.
func (e *local[K, V]) RemoveWith(k K, meta any) bool {
	ok := e.Invalidate(k)
	if e.opt.Writer != nil {
		e.submit(Write[K, V]{Key: k, Delete: true, Meta: meta})
	}
	return ok
}

func (e *local[K, V]) Invalidate(k K) bool {
	e.staleLoad(k)
	n, ok := e.m[k]
	if !ok {
		return false
	}
	e.unlink(n)
	return true
}

func (e *local[K, V]) Clear() {
	clear(e.m)
	e.first, e.last = nil, nil
	e.head, e.tail, e.rlen = nil, nil, 0
	for k := range e.loading {
		e.loading[k] = false
	}
	if e.pol != nil {
		e.pol = e.opt.Policy.New(hooks[K, V]{e: e})
	}
}

func (e *local[K, V]) Len() int { return len(e.m) }

func (e *local[K, V]) Keys() []K {
	keys := make([]K, 0, len(e.m))
	for n := e.first; n != nil; n = n.insNext {
		keys = append(keys, n.key)
	}
	return keys
}

func (e *local[K, V]) Recency() []K {
	if e.pol == nil {
		return nil
	}
	keys := make([]K, 0, e.rlen)
	for n := e.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

func (e *local[K, V]) Range(fn func(k K, v V) bool) {
	for n := e.first; n != nil; {
		next := n.insNext
		if !fn(n.key, n.val) {
			return
		}
		n = next
	}
}

func (e *local[K, V]) Dirty(k K) bool { return e.dirty[k] > 0 }

func (e *local[K, V]) Loading(k K) bool {
	_, ok := e.loading[k]
	return ok
}

// -------------------- internals --------------------

// set inserts or overwrites without any write-through.
func (e *local[K, V]) set(k K, v V) {
	now := e.now()
	if n, ok := e.m[k]; ok {
		n.val = v
		n.touched = now
		if e.pol != nil {
			e.pol.OnUpdate(n)
		}
		return
	}

	n := &entry[K, V]{key: k, val: v, touched: now}
	e.m[k] = n
	e.appendInsertion(n)
	if e.pol == nil {
		return
	}

	if victim := e.pol.OnAdd(n); victim != nil {
		if vn := victim.(*entry[K, V]); vn != n {
			e.evict(vn, EvictPolicy)
		}
	}
	for e.rlen > e.cap && e.head != nil {
		e.evict(e.head, EvictCapacity)
	}
}

func (e *local[K, V]) load(k K, meta any) {
	if _, pending := e.loading[k]; pending {
		return
	}
	e.loading[k] = true
	e.opt.Loader.Load(k, meta, func(v V, found bool, err error) {
		e.loaded(k, v, found, err)
	})
}

// loaded applies a finished load. A load made stale by a later write or
// removal is discarded in favour of whatever is resident now.
func (e *local[K, V]) loaded(k K, v V, found bool, err error) {
	valid := e.loading[k]
	delete(e.loading, k)

	if err == nil {
		if _, resident := e.m[k]; valid && found && !resident {
			e.set(k, v)
		}
		if !valid {
			if n, ok := e.m[k]; ok {
				v, found = n.val, true
			}
		}
	}
	if e.opt.OnLoad != nil {
		e.opt.OnLoad(k, v, found, err)
	}
}

func (e *local[K, V]) staleLoad(k K) {
	if _, ok := e.loading[k]; ok {
		e.loading[k] = false
	}
}

func (e *local[K, V]) submit(w Write[K, V]) {
	e.dirty[w.Key]++
	e.opt.Writer.Submit(w, func(err error) { e.flushed(w, err) })
}

func (e *local[K, V]) flushed(w Write[K, V], err error) {
	if e.dirty[w.Key] <= 1 {
		delete(e.dirty, w.Key)
	} else {
		e.dirty[w.Key]--
	}
	if e.opt.OnFlush != nil {
		e.opt.OnFlush(w, err)
	}
}

func (e *local[K, V]) now() int64 {
	if e.opt.Clock != nil {
		return e.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// evict removes n and reports it to OnEvict.
func (e *local[K, V]) evict(n *entry[K, V], reason EvictReason) {
	e.unlink(n)
	if cb := e.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

// unlink removes n from the map and both lists.
func (e *local[K, V]) unlink(n *entry[K, V]) {
	if e.pol != nil {
		e.pol.OnRemove(n)
		e.removeRecency(n)
	}
	e.removeInsertion(n)
	delete(e.m, n.key)
}

func (e *local[K, V]) appendInsertion(n *entry[K, V]) {
	n.insPrev = e.last
	n.insNext = nil
	if e.last != nil {
		e.last.insNext = n
	}
	e.last = n
	if e.first == nil {
		e.first = n
	}
}

func (e *local[K, V]) removeInsertion(n *entry[K, V]) {
	if n.insPrev != nil {
		n.insPrev.insNext = n.insNext
	} else {
		e.first = n.insNext
	}
	if n.insNext != nil {
		n.insNext.insPrev = n.insPrev
	} else {
		e.last = n.insPrev
	}
	n.insPrev, n.insNext = nil, nil
}

// pushTail links n as most recently used in O(1).
func (e *local[K, V]) pushTail(n *entry[K, V]) {
	n.next = nil
	n.prev = e.tail
	if e.tail != nil {
		e.tail.next = n
	}
	e.tail = n
	if e.head == nil {
		e.head = n
	}
	e.rlen++
}

// moveToTail promotes a linked node to most recently used in O(1).
func (e *local[K, V]) moveToTail(n *entry[K, V]) {
	if n == e.tail {
		return
	}
	e.removeRecency(n)
	e.pushTail(n)
}

// removeRecency unlinks n from the recency list. Unlinked nodes are ignored.
func (e *local[K, V]) removeRecency(n *entry[K, V]) {
	if n.prev == nil && n.next == nil && e.head != n {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		e.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		e.tail = n.prev
	}
	n.prev, n.next = nil, nil
	e.rlen--
}

// -------------------- policy hooks --------------------

// hooks adapts the engine's recency list to policy.Hooks.
type hooks[K comparable, V any] struct{ e *local[K, V] }

func (h hooks[K, V]) MoveToTail(x policy.Node[K, V]) { h.e.moveToTail(x.(*entry[K, V])) }
func (h hooks[K, V]) PushTail(x policy.Node[K, V])   { h.e.pushTail(x.(*entry[K, V])) }
func (h hooks[K, V]) Remove(x policy.Node[K, V])     { h.e.removeRecency(x.(*entry[K, V])) }
func (h hooks[K, V]) Len() int                       { return h.e.rlen }

func (h hooks[K, V]) Head() policy.Node[K, V] {
	if h.e.head == nil {
		return nil
	}
	return h.e.head
}
