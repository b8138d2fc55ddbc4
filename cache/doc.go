// Package cache provides a sharded, generic in-process cache in which every
// shard is owned by a single worker goroutine, with an optional persistent
// mode backed by a store.Store behind a circuit breaker.
//
// Design
//
//   - Concurrency: keys are partitioned over a fixed table of workers
//     (FNV-1a of the key modulo the shard count, or Options.Hash). Each
//     worker drains a bounded inbox one request at a time and is the only
//     goroutine touching its engine, so engines carry no locks. Requests for
//     one key are applied in arrival order; there is no ordering across
//     shards.
//
//   - Storage: each shard runs an engine from package engine: Unbounded
//     (insertion-ordered map), LRU (bounded, recency list) or TimedLRU (LRU
//     plus bulk expiry of idle entries). Recency policies are pluggable via
//     package policy; 2Q is provided.
//
//   - Persistent mode: with Options.Store set, a GET miss parks the request
//     and starts one asynchronous read-through per key; SET and DEL update
//     the engine and are written through (or, with WriteBehind, buffered).
//     Store calls run on a per-shard store.Bridge goroutine and their
//     outcomes come back through the worker's completion queue, so storage
//     latency never blocks a worker. AckMode picks whether writes are
//     acknowledged after the local update or after the store confirmed them.
//
//   - Failure handling: each bridge owns a circuit breaker. While it is
//     open, store-bound requests fail fast with ErrUnavailable. Malformed
//     requests fail with ErrUnhandled and change nothing.
//
//   - Protocol: Request and Reply are plain values. Protocol builds requests
//     for a namespace and reply channel; Client adds a correlation table so
//     callers get synchronous methods. DEL_ALL, CLEAR, EVICT and FLUSH are
//     broadcast to every shard without cross-shard atomicity.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size/StoreCall/Breaker
//     signals. NoopMetrics is the default; see metrics/prom for Prometheus.
//
// Basic usage
//
//	c, err := cache.New(cache.Options[string, []byte]{Capacity: 10_000})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	_ = c.Set(ctx, "a", []byte("1"))
//	v, ok, err := c.Get(ctx, "a")
//
// Persistent mode
//
//	mem := store.NewMemory[string, string]()
//	c, err := cache.New(cache.Options[string, string]{
//	    Capacity:     1024,
//	    Store:        mem,
//	    Namespace:    "users",
//	    AckMode:      cache.AckStore,
//	    MaxFailures:  5,
//	    ResetTimeout: 10 * time.Second,
//	})
//
// Raw requests
//
//	replies := make(chan cache.Reply[string, string], 16)
//	p := cache.Protocol[string, string]{Namespace: "users", ReplyTo: replies}
//	_ = c.Router().Send(ctx, p.Get(1, "a"))
//	_, v, found, err := p.Extract(<-replies)
package cache
