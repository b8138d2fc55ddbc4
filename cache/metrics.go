package cache

import (
	"github.com/IvanBrykalov/workercache/breaker"
	"github.com/IvanBrykalov/workercache/engine"
)

// Metrics exposes cache-level observability hooks. Methods are called from
// shard and bridge goroutines concurrently, so implementations must be
// goroutine-safe. NoopMetrics is used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason engine.EvictReason)
	// Size reports the resident entry count of one shard.
	Size(shard int, entries int)
	// StoreCall reports one backing-store call and its error (nil on success).
	StoreCall(op string, err error)
	// Breaker reports a circuit breaker transition on one shard.
	Breaker(shard int, state breaker.State)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                       {}
func (NoopMetrics) Miss()                      {}
func (NoopMetrics) Evict(engine.EvictReason)   {}
func (NoopMetrics) Size(int, int)              {}
func (NoopMetrics) StoreCall(string, error)    {}
func (NoopMetrics) Breaker(int, breaker.State) {}

var _ Metrics = NoopMetrics{}
