// Package prom exports cache.Metrics through Prometheus.
package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/workercache/breaker"
	"github.com/IvanBrykalov/workercache/cache"
	"github.com/IvanBrykalov/workercache/engine"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evicts     *prometheus.CounterVec
	size       *prometheus.GaugeVec
	storeCalls *prometheus.CounterVec
	breaker    *prometheus.GaugeVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		size: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "size_entries",
				Help:        "Number of resident entries per shard",
				ConstLabels: constLabels,
			},
			[]string{"shard"},
		),
		storeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "store_calls_total",
				Help:        "Backing store calls by operation and result",
				ConstLabels: constLabels,
			},
			[]string{"op", "result"},
		),
		breaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "breaker_state",
				Help:        "Circuit breaker state per shard (0 closed, 1 open, 2 half-open)",
				ConstLabels: constLabels,
			},
			[]string{"shard"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.size, a.storeCalls, a.breaker)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r engine.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size sets the entry gauge of one shard.
func (a *Adapter) Size(shard int, entries int) {
	a.size.WithLabelValues(strconv.Itoa(shard)).Set(float64(entries))
}

// StoreCall counts one store call; result is "ok" or "error".
func (a *Adapter) StoreCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.storeCalls.WithLabelValues(op, result).Inc()
}

// Breaker records the state a shard's breaker moved to.
func (a *Adapter) Breaker(shard int, state breaker.State) {
	a.breaker.WithLabelValues(strconv.Itoa(shard)).Set(float64(state))
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
