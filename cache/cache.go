package cache

import (
	"context"
	"sync"

	"github.com/IvanBrykalov/workercache/breaker"
	"github.com/IvanBrykalov/workercache/internal/singleflight"
	"github.com/IvanBrykalov/workercache/internal/util"
)

// Cache bundles the shard workers, their Router and a default Client.
// The Client methods (Get, Set, Delete, ...) are promoted; Cache adds
// GetOrLoad, Stats and lifecycle. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	*Client[K, V]

	router  *Router[K, V]
	workers []*worker[K, V]
	opt     Options[K, V]

	// singleflight group for coalescing concurrent loads in GetOrLoad.
	sf singleflight.Group[K, V]

	// clients made by NewClient and not closed yet
	mu      sync.Mutex
	clients map[*Client[K, V]]struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Stats is a point-in-time snapshot. Counters are updated by the shard
// goroutines, so a snapshot taken under load is approximate.
type Stats struct {
	Shards    int
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	// Breakers holds each shard's breaker state (all Closed in volatile mode).
	Breakers []breaker.State
}

// New validates opt, starts one worker goroutine per shard and returns the
// running cache. Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Logger   -> discard
//   - nil Hash     -> util.HashKey (FNV-1a)
//   - Shards == 0  -> util.DefaultShards()
func New[K comparable, V any](opt Options[K, V]) (*Cache[K, V], error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	opt.Logger = util.LoggerOr(opt.Logger)
	if opt.Hash == nil {
		opt.Hash = util.HashKey[K]
	}
	if opt.Shards == 0 {
		opt.Shards = util.DefaultShards()
	}
	if opt.MailboxSize == 0 {
		opt.MailboxSize = defaultMailboxSize
	}

	c := &Cache[K, V]{opt: opt, clients: make(map[*Client[K, V]]struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.workers = make([]*worker[K, V], opt.Shards)
	for i := range c.workers {
		c.workers[i] = newWorker(i, &c.opt)
	}
	for _, w := range c.workers {
		go w.run(ctx)
	}
	c.router = newRouter(c.workers, &c.opt)
	c.Client = NewClient[K, V](c.router, opt.Namespace, opt.RequestTimeout)

	c.opt.Logger.Info("cache started",
		"shards", opt.Shards,
		"capacity_per_shard", opt.Capacity,
		"eviction", opt.Eviction.String(),
		"persistent", opt.Store != nil,
		"ack", opt.AckMode.String())
	return c, nil
}

// Router returns the partition router; use it to send raw requests.
func (c *Cache[K, V]) Router() *Router[K, V] { return c.router }

// NewClient returns an additional client with its own reply channel.
// Close closes it along with the cache.
func (c *Cache[K, V]) NewClient() *Client[K, V] {
	cl := NewClient[K, V](c.router, c.opt.Namespace, c.opt.RequestTimeout)
	cl.onClose = func() {
		c.mu.Lock()
		delete(c.clients, cl)
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.clients[cl] = struct{}{}
	c.mu.Unlock()
	return cl
}

// Len returns the total number of resident entries across all shards as
// last published by the workers.
func (c *Cache[K, V]) Len() int {
	total := 0
	for _, w := range c.workers {
		total += int(w.size.Load())
	}
	return total
}

// Stats returns a snapshot of per-shard counters.
func (c *Cache[K, V]) Stats() Stats {
	s := Stats{Shards: len(c.workers), Breakers: make([]breaker.State, len(c.workers))}
	for i, w := range c.workers {
		s.Entries += int(w.size.Load())
		s.Hits += w.hits.Load()
		s.Misses += w.misses.Load()
		s.Evictions += w.evictions.Load()
		s.Breakers[i] = w.breakerState()
	}
	return s
}

// GetOrLoad returns the value for k; on miss it loads via Options.Loader,
// coalescing concurrent loads for the same key (singleflight), and stores
// the result. If no Loader is configured, returns ErrNoLoader.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	// fast path
	if v, ok, err := c.Get(ctx, k); err != nil || ok {
		return v, err
	}
	if c.opt.Loader == nil {
		var zero V
		return zero, ErrNoLoader
	}

	v, _, err := c.sf.Do(ctx, k, func() (V, error) {
		// double-check after flight join
		if v, ok, err := c.Get(ctx, k); err != nil || ok {
			return v, err
		}
		v, err := c.opt.Loader(ctx, k)
		if err != nil {
			return v, err
		}
		return v, c.Set(ctx, k, v)
	})
	return v, err
}

// Close stops the router, lets every worker finish its in-flight store
// traffic and exit, then closes the default client and those made by
// NewClient. Requests still queued in an inbox are answered with ErrClosed.
// Close is idempotent.
func (c *Cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.router.close()
		c.cancel()
		for _, w := range c.workers {
			<-w.done
		}
		_ = c.Client.Close()

		c.mu.Lock()
		extra := make([]*Client[K, V], 0, len(c.clients))
		for cl := range c.clients {
			extra = append(extra, cl)
		}
		c.mu.Unlock()
		for _, cl := range extra {
			_ = cl.Close()
		}
		c.opt.Logger.Info("cache closed")
	})
	return nil
}
