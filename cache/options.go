package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/workercache/breaker"
	"github.com/IvanBrykalov/workercache/engine"
	"github.com/IvanBrykalov/workercache/policy"
	"github.com/IvanBrykalov/workercache/store"
)

// Eviction selects the engine variant each shard runs.
type Eviction int

const (
	// LRU bounds every shard at Capacity and evicts the least recently used entry.
	LRU Eviction = iota
	// Unbounded never evicts; entries stay in insertion order.
	Unbounded
	// TimedLRU is LRU plus bulk expiry through EVICT requests or EvictInterval.
	TimedLRU
)

func (e Eviction) String() string {
	switch e {
	case LRU:
		return "lru"
	case Unbounded:
		return "unbounded"
	case TimedLRU:
		return "timed-lru"
	default:
		return fmt.Sprintf("Eviction(%d)", int(e))
	}
}

// AckMode controls when a persistent-mode write is acknowledged.
type AckMode int

const (
	// AckNone acknowledges SET/DEL/UPDATE/DEL_ALL once the shard's engine
	// has been updated; store failures are reported through OnWriteError.
	AckNone AckMode = iota
	// AckStore acknowledges only after the store confirmed the write, and
	// reports store failures as Failure replies.
	AckStore
)

func (a AckMode) String() string {
	if a == AckStore {
		return "store"
	}
	return "none"
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a cache. Everything is fixed at New; there is no
// runtime reconfiguration. Zero values are safe where noted:
//   - Shards == 0     => util.DefaultShards()
//   - nil Policy      => LRU ordering
//   - nil Hash        => FNV-1a of the key
//   - nil Metrics     => NoopMetrics
//   - nil Logger      => logging disabled
//   - MailboxSize 0   => 1024
type Options[K comparable, V any] struct {
	// Shards is the number of workers (partition table size).
	Shards int
	// Capacity is the per-shard entry limit for LRU and TimedLRU.
	Capacity int
	// Eviction picks the engine variant.
	Eviction Eviction
	// Policy orders each shard's recency list (e.g. twoq.New); nil => LRU.
	Policy policy.Policy[K, V]
	// Hash maps keys to shards; the result is reduced modulo Shards.
	Hash func(K) uint64

	// Store enables persistent mode (read-through and write-through).
	// Several caches may share one Store.
	Store store.Store[K, V]
	// Namespace is the collection/table the cache reads and writes.
	Namespace string
	// AckMode decides when writes are acknowledged in persistent mode.
	AckMode AckMode
	// MaxFailures and ResetTimeout configure each shard's circuit breaker.
	MaxFailures  int
	ResetTimeout time.Duration
	// StoreTimeout bounds each backend call (0 = no bound).
	StoreTimeout time.Duration
	// WriteBehind buffers that many writes per shard before sending them to
	// the store (0 or 1 = write-through). FLUSH requests, FlushInterval and
	// Close drain the buffer.
	WriteBehind   int
	FlushInterval time.Duration
	// OnWriteError receives store failures of single-key writes that were
	// already acknowledged (AckNone). A failed DEL_ALL is only logged.
	// Called on the shard goroutine; keep it short.
	OnWriteError func(k K, err error)

	// EvictInterval makes every TimedLRU shard drop entries idle for longer
	// than EvictMaxAge on a ticker.
	EvictInterval time.Duration
	EvictMaxAge   time.Duration

	// MailboxSize bounds each shard's inbox; senders block when it is full.
	MailboxSize int
	// AwaitBroadcast makes DEL_ALL/CLEAR/FLUSH wait for every shard before
	// the router acknowledges them.
	AwaitBroadcast bool
	// RequestTimeout applies to client calls whose ctx carries no deadline.
	RequestTimeout time.Duration

	// Loader fills misses for GetOrLoad (cache-aside, volatile mode).
	Loader func(ctx context.Context, k K) (V, error)

	// Observability
	Metrics Metrics
	Logger  *slog.Logger

	// Clock overrides time.Now for the engines and breakers (tests).
	Clock Clock
}

const defaultMailboxSize = 1024

// validate reports configuration errors. They are fatal: New refuses to
// build a cache from them.
func (o *Options[K, V]) validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch o.Eviction {
	case LRU, TimedLRU:
		if o.Capacity <= 0 {
			return bad("capacity must be > 0 for %s eviction, got %d", o.Eviction, o.Capacity)
		}
	case Unbounded:
	default:
		return bad("unknown eviction %d", int(o.Eviction))
	}
	if o.Shards < 0 {
		return bad("shards must be >= 0, got %d", o.Shards)
	}
	if o.MailboxSize < 0 {
		return bad("mailbox size must be >= 0, got %d", o.MailboxSize)
	}
	if o.Store == nil {
		if o.AckMode != AckNone {
			return bad("ack mode %s needs a Store", o.AckMode)
		}
		if o.WriteBehind > 1 {
			return bad("write-behind needs a Store")
		}
	}
	if o.AckMode == AckStore && o.WriteBehind > 1 && o.FlushInterval <= 0 {
		// Buffered writes would wait for the next FLUSH to be acknowledged.
		return bad("ack mode %s with write-behind needs FlushInterval > 0", o.AckMode)
	}
	if o.AckMode != AckNone && o.AckMode != AckStore {
		return bad("unknown ack mode %d", int(o.AckMode))
	}
	if o.MaxFailures < 0 || o.ResetTimeout < 0 {
		return bad("breaker settings must not be negative")
	}
	if o.EvictInterval > 0 {
		if o.Eviction != TimedLRU {
			return bad("EvictInterval requires TimedLRU eviction")
		}
		if o.EvictMaxAge <= 0 {
			return bad("EvictInterval requires EvictMaxAge > 0")
		}
	}
	return nil
}

// breakerConfig and engineOptions pass Options.Clock to packages that
// declare their own Clock interface with the same method.
func (o *Options[K, V]) breakerConfig(onChange func(from, to breaker.State)) breaker.Config {
	cfg := breaker.Config{
		MaxFailures:   o.MaxFailures,
		ResetTimeout:  o.ResetTimeout,
		OnStateChange: onChange,
	}
	if o.Clock != nil {
		cfg.Clock = o.Clock
	}
	return cfg
}

func (o *Options[K, V]) engineOptions() engine.Options[K, V] {
	eo := engine.Options[K, V]{
		Capacity: o.Capacity,
		Policy:   o.Policy,
	}
	if o.Clock != nil {
		eo.Clock = o.Clock
	}
	return eo
}
