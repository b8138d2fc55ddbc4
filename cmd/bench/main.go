// Command bench runs a synthetic workload against the cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/workercache/cache"
	pmet "github.com/IvanBrykalov/workercache/metrics/prom"
	"github.com/IvanBrykalov/workercache/policy/twoq"
	"github.com/IvanBrykalov/workercache/store"
)

func main() {
	// ---- Flags ----
	var (
		capacity   = flag.Int("cap", 10_000, "per-shard capacity (entries)")
		shards     = flag.Int("shards", 0, "number of shards (0=auto)")
		policy     = flag.String("policy", "lru", "eviction policy: lru | 2q")
		persistent = flag.Bool("persistent", false, "back the cache with an in-memory store")
		ackStore   = flag.Bool("ack-store", false, "acknowledge writes after the store (needs -persistent)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of client goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = cap/2 per shard)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			logger.Info("pprof: serving", "addr", *pprofAddr)
			logger.Error("pprof server stopped", "err", http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "workercache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("metrics: serving", "addr", *metricsAddr)
		logger.Error("metrics server stopped", "err", http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build cache ----
	opt := cache.Options[string, string]{
		Capacity: *capacity,
		Shards:   *shards,
		Metrics:  metrics,
		Logger:   logger,
	}
	switch *policy {
	case "lru":
		// nil => LRU by default
	case "2q":
		// Capacity is per shard, so are the 2Q queues.
		opt.Policy = twoq.New[string, string](*capacity/4, *capacity/2)
	default:
		logger.Error("unknown policy (use lru or 2q)", "policy", *policy)
		os.Exit(2)
	}
	if *persistent {
		opt.Store = store.NewMemory[string, string]()
		opt.Namespace = "bench"
		if *ackStore {
			opt.AckMode = cache.AckStore
		}
	}
	c, err := cache.New(opt)
	if err != nil {
		logger.Error("build cache", "err", err)
		os.Exit(2)
	}
	defer func() { _ = c.Close() }()

	// ---- Preload to get a realistic hit-rate ----
	bg := context.Background()
	pl := *preload
	if pl == 0 {
		pl = *capacity / 2 * c.Router().Shards()
	}
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		_ = c.Set(bg, k, "v"+strconv.Itoa(i))
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, failures atomic.Uint64
	ctx, cancel := context.WithTimeout(bg, *duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workersN; w++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(w)*9973))
			localZipf := rand.NewZipf(localR, *zipfS, *zipfV, keysMax)
			key := func() string { return "k:" + strconv.FormatUint(localZipf.Uint64(), 10) }

			for ctx.Err() == nil {
				if int(localR.Int31n(100)) < readPctVal {
					reads.Add(1)
					_, ok, err := c.Get(bg, key())
					switch {
					case err != nil:
						failures.Add(1)
					case ok:
						hits.Add(1)
					default:
						misses.Add(1)
					}
				} else {
					writes.Add(1)
					if err := c.Set(bg, key(), "v"+strconv.Itoa(localR.Int())); err != nil {
						failures.Add(1)
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	readsN, writesN := reads.Load(), writes.Load()
	ops := readsN + writesN
	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hits.Load()) / float64(readsN) * 100
	}
	st := c.Stats()

	fmt.Printf("policy=%s cap/shard=%d shards=%d persistent=%v workers=%d keys=%d dur=%v seed=%d\n",
		*policy, *capacity, st.Shards, *persistent, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN, failures.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%  evictions=%d\n", hits.Load(), misses.Load(), hitRate, st.Evictions)
	fmt.Printf("Len()=%d\n", c.Len())
}
