package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/IvanBrykalov/workercache/policy/twoq"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func keysEqual(t *testing.T, what string, want, got []string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("%s mismatch (-want +got):\n%s", what, diff)
	}
}

func TestLRU_CapacityEvictsEarliestInserted(t *testing.T) {
	t.Parallel()

	var evicted []string
	e := NewLRU[string, int](Options[string, int]{
		Capacity: 3,
		OnEvict: func(k string, _ int, r EvictReason) {
			if r != EvictCapacity {
				t.Errorf("reason = %v, want capacity", r)
			}
			evicted = append(evicted, k)
		},
	})

	for i, k := range []string{"a", "b", "c", "d", "e"} {
		e.Put(k, i)
	}
	keysEqual(t, "evicted", []string{"a", "b"}, evicted)
	keysEqual(t, "keys", []string{"c", "d", "e"}, e.Keys())
	if e.Len() != 3 {
		t.Fatalf("Len = %d, want 3", e.Len())
	}
}

func TestLRU_GetMovesToTail(t *testing.T) {
	t.Parallel()

	e := NewLRU[string, int](Options[string, int]{Capacity: 5})
	for i, k := range []string{"A", "B", "C", "D", "E"} {
		e.Put(k, i)
	}
	e.Get("A")
	e.Get("B")
	keysEqual(t, "recency", []string{"C", "D", "E", "A", "B"}, e.Recency())
	keysEqual(t, "keys", []string{"A", "B", "C", "D", "E"}, e.Keys())

	// A miss leaves the list alone.
	if _, ok := e.Get("Z"); ok {
		t.Fatal("Z must miss")
	}
	keysEqual(t, "recency after miss", []string{"C", "D", "E", "A", "B"}, e.Recency())
}

// Reference scenario: capacity 5, A..E inserted and read in order, F and G
// evict A and B, then F and E are touched.
func TestLRU_ReferenceScenario(t *testing.T) {
	t.Parallel()

	e := NewLRU[string, string](Options[string, string]{Capacity: 5})
	for _, k := range []string{"A", "B", "C", "D", "E"} {
		e.Put(k, "v"+k)
	}
	for _, k := range []string{"A", "B", "C", "D", "E"} {
		if _, ok := e.Get(k); !ok {
			t.Fatalf("%s must hit", k)
		}
	}
	keysEqual(t, "recency after reads", []string{"A", "B", "C", "D", "E"}, e.Recency())

	e.Put("F", "vF")
	if _, ok := e.Get("A"); ok {
		t.Fatal("A must be evicted by F")
	}
	e.Put("G", "vG")
	if _, ok := e.Get("B"); ok {
		t.Fatal("B must be evicted by G")
	}
	keysEqual(t, "keys", []string{"C", "D", "E", "F", "G"}, e.Keys())

	e.Get("F")
	e.Get("E")
	keysEqual(t, "recency", []string{"C", "D", "G", "F", "E"}, e.Recency())
}

func TestLRU_OverwriteKeepsInsertionPosition(t *testing.T) {
	t.Parallel()

	e := NewLRU[string, int](Options[string, int]{Capacity: 3})
	e.Put("a", 1)
	e.Put("b", 2)
	e.Put("c", 3)
	e.Put("a", 10)

	keysEqual(t, "keys", []string{"a", "b", "c"}, e.Keys())
	keysEqual(t, "recency", []string{"b", "c", "a"}, e.Recency())

	// b is now least recent, so d evicts it rather than a.
	e.Put("d", 4)
	keysEqual(t, "keys after d", []string{"a", "c", "d"}, e.Keys())
	if v, _ := e.Get("a"); v != 10 {
		t.Fatalf("a = %d, want 10", v)
	}
}

func TestLRU_InsertionOrderUnaffectedByReads(t *testing.T) {
	t.Parallel()

	e := NewLRU[string, int](Options[string, int]{Capacity: 4})
	for i, k := range []string{"a", "b", "c", "d"} {
		e.Put(k, i)
	}
	e.Get("a")
	e.Get("c")
	e.Put("e", 5) // evicts b, the least recent
	e.Remove("d")
	e.Put("f", 6)

	keysEqual(t, "keys", []string{"a", "c", "e", "f"}, e.Keys())

	var ranged []string
	e.Range(func(k string, _ int) bool {
		ranged = append(ranged, k)
		return true
	})
	keysEqual(t, "range", e.Keys(), ranged)
}

func TestUnbounded_NeverEvicts(t *testing.T) {
	t.Parallel()

	e := NewUnbounded[int, int](Options[int, int]{
		OnEvict: func(int, int, EvictReason) { t.Error("unbounded engine evicted") },
	})
	const n = 10_000
	for i := 0; i < n; i++ {
		e.Put(i, i)
	}
	e.Get(0)
	e.Put(1, 100)

	keys := e.Keys()
	if len(keys) != n {
		t.Fatalf("Len = %d, want %d", len(keys), n)
	}
	for i, k := range keys {
		if k != i {
			t.Fatalf("position %d holds %d", i, k)
		}
	}
	if e.Recency() != nil {
		t.Fatal("unbounded engine keeps no recency list")
	}
}

func TestLRU_ZeroCapacityPanics(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("capacity %d must panic", capacity)
				}
			}()
			NewLRU[string, int](Options[string, int]{Capacity: capacity})
		}()
	}
}

func TestLRU_ClearResetsBothOrders(t *testing.T) {
	t.Parallel()

	e := NewLRU[string, int](Options[string, int]{Capacity: 2})
	e.Put("a", 1)
	e.Put("b", 2)
	e.Clear()

	if e.Len() != 0 || len(e.Keys()) != 0 || len(e.Recency()) != 0 {
		t.Fatal("Clear must empty the engine")
	}
	e.Put("c", 3)
	e.Put("d", 4)
	e.Put("e", 5)
	keysEqual(t, "keys after clear", []string{"d", "e"}, e.Keys())
}

func TestTimedLRU_EvictByAge(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var expired []string
	e := NewTimedLRU[string, int](Options[string, int]{
		Capacity: 10,
		Clock:    clk,
		OnEvict: func(k string, _ int, r EvictReason) {
			if r == EvictExpired {
				expired = append(expired, k)
			}
		},
	})

	e.Put("a", 1)
	e.Put("b", 2)
	clk.add(50 * time.Millisecond)
	e.Put("c", 3)
	e.Get("a") // refreshes a
	clk.add(60 * time.Millisecond)

	if n := e.Evict(100 * time.Millisecond); n != 1 {
		t.Fatalf("Evict removed %d, want 1", n)
	}
	keysEqual(t, "expired", []string{"b"}, expired)
	keysEqual(t, "keys", []string{"a", "c"}, e.Keys())

	clk.add(time.Second)
	if n := e.Evict(100 * time.Millisecond); n != 2 {
		t.Fatalf("second Evict removed %d, want 2", n)
	}
	if e.Len() != 0 {
		t.Fatal("everything must have expired")
	}
}

func TestTimedLRU_CapacityAndAgeAreIndependent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	e := NewTimedLRU[string, int](Options[string, int]{Capacity: 2, Clock: clk})
	e.Put("a", 1)
	e.Put("b", 2)
	e.Put("c", 3) // capacity evicts a
	if n := e.Evict(time.Hour); n != 0 {
		t.Fatalf("nothing is old yet, removed %d", n)
	}
	keysEqual(t, "keys", []string{"b", "c"}, e.Keys())

	if _, ok := Engine[string, int](NewLRU[string, int](Options[string, int]{Capacity: 1})).(Expirer); ok {
		t.Fatal("plain LRU must not offer time-based eviction")
	}
}

func TestLRU_TwoQPolicyProposesVictim(t *testing.T) {
	t.Parallel()

	var reasons []EvictReason
	e := NewLRU[string, int](Options[string, int]{
		Capacity: 10,
		Policy:   twoq.New[string, int](2, 4),
		OnEvict:  func(_ string, _ int, r EvictReason) { reasons = append(reasons, r) },
	})
	e.Put("hot", 0)
	e.Get("hot") // promoted out of probation
	e.Put("s1", 1)
	e.Put("s2", 2)
	e.Put("s3", 3) // probation overflows, s1 goes

	if _, ok := e.Get("s1"); ok {
		t.Fatal("s1 must be evicted from probation")
	}
	if _, ok := e.Get("hot"); !ok {
		t.Fatal("promoted entry must survive the scan")
	}
	if len(reasons) != 1 || reasons[0] != EvictPolicy {
		t.Fatalf("reasons = %v, want [policy]", reasons)
	}
}

// ---- read-through / write-through ----

// queue collects completions so the test decides when they are delivered,
// the way a shard worker drains its completion queue.
type queue struct{ fns []func() }

func (q *queue) post(fn func()) { q.fns = append(q.fns, fn) }
func (q *queue) drain() {
	fns := q.fns
	q.fns = nil
	for _, fn := range fns {
		fn()
	}
}

func TestReadThrough_MissThenAsyncFill(t *testing.T) {
	t.Parallel()

	backend := map[string]string{"k": "loaded"}
	calls := 0
	q := &queue{}
	var loads []string

	e := NewLRU[string, string](Options[string, string]{
		Capacity: 4,
		Loader: LoaderFunc[string, string](func(k string, _ any, done func(string, bool, error)) {
			calls++
			v, ok := backend[k]
			q.post(func() { done(v, ok, nil) })
		}),
		OnLoad: func(k, v string, found bool, err error) {
			if err != nil || !found {
				t.Errorf("load of %s: found=%v err=%v", k, found, err)
			}
			loads = append(loads, k+"="+v)
		},
	})

	if _, ok := e.Get("k"); ok {
		t.Fatal("cold key must miss")
	}
	if !e.Loading("k") {
		t.Fatal("miss must start a load")
	}
	if _, ok := e.Get("k"); ok {
		t.Fatal("second get before completion must still miss")
	}
	if calls != 1 {
		t.Fatalf("pending load must be shared, loader ran %d times", calls)
	}

	q.drain()
	if v, ok := e.Get("k"); !ok || v != "loaded" {
		t.Fatalf("after load: %q ok=%v", v, ok)
	}
	if calls != 1 {
		t.Fatalf("hit must not reach the loader, ran %d times", calls)
	}
	keysEqual(t, "loads", []string{"k=loaded"}, loads)
}

func TestReadThrough_StaleLoadDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	q := &queue{}
	var reported string
	e := NewLRU[string, string](Options[string, string]{
		Capacity: 4,
		Loader: LoaderFunc[string, string](func(k string, _ any, done func(string, bool, error)) {
			q.post(func() { done("old", true, nil) })
		}),
		OnLoad: func(_, v string, _ bool, _ error) { reported = v },
	})

	e.Get("k")
	e.Put("k", "new")
	q.drain()

	if v, _ := e.Get("k"); v != "new" {
		t.Fatalf("stale load overwrote a newer write: %q", v)
	}
	if reported != "new" {
		t.Fatalf("OnLoad must report the resident value, got %q", reported)
	}
}

func TestReadThrough_ErrorLeavesKeyAbsent(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend down")
	var got error
	e := NewUnbounded[string, int](Options[string, int]{
		Loader: LoaderFunc[string, int](func(_ string, _ any, done func(int, bool, error)) {
			done(0, false, boom)
		}),
		OnLoad: func(_ string, _ int, _ bool, err error) { got = err },
	})

	e.Get("k")
	if !errors.Is(got, boom) {
		t.Fatalf("OnLoad err = %v", got)
	}
	if e.Loading("k") || e.Len() != 0 {
		t.Fatal("failed load must leave nothing behind")
	}
}

func TestWriteThrough_DirtyUntilFlushed(t *testing.T) {
	t.Parallel()

	q := &queue{}
	backend := map[string]int{}
	boom := errors.New("write failed")
	var flushErrs []error

	e := NewLRU[string, int](Options[string, int]{
		Capacity: 4,
		Writer: WriterFunc[string, int](func(w Write[string, int], done func(error)) {
			q.post(func() {
				if w.Key == "bad" {
					done(boom)
					return
				}
				if w.Delete {
					delete(backend, w.Key)
				} else {
					backend[w.Key] = w.Value
				}
				done(nil)
			})
		}),
		OnFlush: func(_ Write[string, int], err error) { flushErrs = append(flushErrs, err) },
	})

	e.PutWith("a", 1, "meta")
	e.Put("bad", 2)
	if !e.Dirty("a") || !e.Dirty("bad") {
		t.Fatal("writes in flight must mark keys dirty")
	}
	if _, ok := backend["a"]; ok {
		t.Fatal("write-through is asynchronous")
	}

	q.drain()
	if e.Dirty("a") || e.Dirty("bad") {
		t.Fatal("completion must clear the dirty marker")
	}
	if backend["a"] != 1 {
		t.Fatal("a must reach the backend")
	}
	if len(flushErrs) != 2 || flushErrs[0] != nil || !errors.Is(flushErrs[1], boom) {
		t.Fatalf("flush results = %v", flushErrs)
	}
	if v, ok := e.Get("bad"); !ok || v != 2 {
		t.Fatal("a failed write must not undo the local put")
	}

	e.Remove("a")
	e.Remove("never-cached")
	q.drain()
	if _, ok := backend["a"]; ok {
		t.Fatal("remove must be written through")
	}
}

func TestWriteBehind_BatchesUntilBulkSizeOrFlush(t *testing.T) {
	t.Parallel()

	backend := map[string]int{}
	direct := WriterFunc[string, int](func(w Write[string, int], done func(error)) {
		backend[w.Key] = w.Value
		done(nil)
	})
	b := NewBatch[string, int](direct, 3)
	e := NewLRU[string, int](Options[string, int]{Capacity: 10, Writer: b})

	e.Put("a", 1)
	e.Put("b", 2)
	if len(backend) != 0 {
		t.Fatalf("below bulk size nothing is written, backend=%v", backend)
	}
	if v, ok := e.Get("a"); !ok || v != 1 {
		t.Fatal("cache reads are unaffected by buffering")
	}
	if b.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", b.Pending())
	}

	e.Put("c", 3)
	if len(backend) != 3 || b.Pending() != 0 {
		t.Fatalf("reaching bulk size flushes all, backend=%v", backend)
	}

	e.Put("d", 4)
	if _, ok := backend["d"]; ok {
		t.Fatal("d must still be buffered")
	}
	if n := b.Flush(); n != 1 || backend["d"] != 4 {
		t.Fatalf("explicit flush sent %d writes, backend=%v", n, backend)
	}
	if e.Dirty("d") {
		t.Fatal("flushed write must clear dirty marker")
	}
}
