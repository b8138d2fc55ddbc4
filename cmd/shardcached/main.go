// Command shardcached serves a string -> bytes cache over ZeroMQ REQ/REP and
// exposes Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/workercache/cache"
	pmet "github.com/IvanBrykalov/workercache/metrics/prom"
	"github.com/IvanBrykalov/workercache/policy/twoq"
	"github.com/IvanBrykalov/workercache/store"
	"github.com/IvanBrykalov/workercache/transport/zmqrpc"
)

type config struct {
	zmqAddr     string
	metricsAddr string
	logLevel    string

	shards   int
	capacity int
	eviction string
	policy   string

	persistent    bool
	namespace     string
	ack           string
	maxFailures   int
	resetTimeout  time.Duration
	storeTimeout  time.Duration
	writeBehind   int
	flushInterval time.Duration

	evictInterval  time.Duration
	evictMaxAge    time.Duration
	mailbox        int
	awaitBroadcast bool
	requestTimeout time.Duration
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.zmqAddr, "zmq", "tcp://127.0.0.1:5555", "ZeroMQ REP endpoint")
	flag.StringVar(&c.metricsAddr, "http", ":9090", "serve Prometheus metrics at addr (empty = disabled)")
	flag.StringVar(&c.logLevel, "log-level", "info", "debug | info | warn | error")

	flag.IntVar(&c.shards, "shards", 0, "number of shards (0=auto)")
	flag.IntVar(&c.capacity, "cap", 10_000, "per-shard capacity (entries)")
	flag.StringVar(&c.eviction, "eviction", "lru", "lru | timed-lru | unbounded")
	flag.StringVar(&c.policy, "policy", "lru", "recency policy: lru | 2q")

	flag.BoolVar(&c.persistent, "persistent", false, "back the cache with an in-memory store")
	flag.StringVar(&c.namespace, "ns", "default", "store namespace")
	flag.StringVar(&c.ack, "ack", "none", "write acknowledgement: none | store")
	flag.IntVar(&c.maxFailures, "max-failures", 5, "breaker: consecutive failures before opening")
	flag.DurationVar(&c.resetTimeout, "reset-timeout", 10*time.Second, "breaker: open duration before a trial call")
	flag.DurationVar(&c.storeTimeout, "store-timeout", 0, "per-call store timeout (0 = none)")
	flag.IntVar(&c.writeBehind, "write-behind", 0, "buffer this many writes per shard (0 = write-through)")
	flag.DurationVar(&c.flushInterval, "flush-interval", time.Second, "flush write-behind buffers this often")

	flag.DurationVar(&c.evictInterval, "evict-interval", 0, "expire idle entries this often (timed-lru)")
	flag.DurationVar(&c.evictMaxAge, "evict-max-age", 0, "idle age for periodic expiry")
	flag.IntVar(&c.mailbox, "mailbox", 0, "per-shard inbox size (0 = default)")
	flag.BoolVar(&c.awaitBroadcast, "await-broadcast", false, "ack broadcasts only after every shard ran them")
	flag.DurationVar(&c.requestTimeout, "request-timeout", 5*time.Second, "per-request timeout")
	flag.Parse()
	return c
}

func (c config) options(logger *slog.Logger) (cache.Options[string, []byte], error) {
	opt := cache.Options[string, []byte]{
		Shards:         c.shards,
		Capacity:       c.capacity,
		Namespace:      c.namespace,
		MaxFailures:    c.maxFailures,
		ResetTimeout:   c.resetTimeout,
		StoreTimeout:   c.storeTimeout,
		WriteBehind:    c.writeBehind,
		FlushInterval:  c.flushInterval,
		EvictInterval:  c.evictInterval,
		EvictMaxAge:    c.evictMaxAge,
		MailboxSize:    c.mailbox,
		AwaitBroadcast: c.awaitBroadcast,
		RequestTimeout: c.requestTimeout,
		Logger:         logger,
	}
	switch c.eviction {
	case "lru":
		opt.Eviction = cache.LRU
	case "timed-lru":
		opt.Eviction = cache.TimedLRU
	case "unbounded":
		opt.Eviction = cache.Unbounded
	default:
		return opt, fmt.Errorf("unknown eviction %q", c.eviction)
	}
	switch c.policy {
	case "lru":
	case "2q":
		opt.Policy = twoq.New[string, []byte](c.capacity/4, c.capacity/2)
	default:
		return opt, fmt.Errorf("unknown policy %q", c.policy)
	}
	switch c.ack {
	case "none":
	case "store":
		opt.AckMode = cache.AckStore
	default:
		return opt, fmt.Errorf("unknown ack mode %q", c.ack)
	}
	if c.persistent {
		opt.Store = store.NewMemory[string, []byte]()
	} else {
		opt.WriteBehind = 0
	}
	opt.OnWriteError = func(k string, err error) {
		logger.Warn("store write failed after ack", "key", k, "err", err)
	}
	return opt, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shardcached:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()
	level, err := parseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opt, err := cfg.options(logger)
	if err != nil {
		return err
	}
	opt.Metrics = pmet.New(nil, "workercache", "", nil)

	c, err := cache.New(opt)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := zmqrpc.NewServer(&zmqrpc.Handler{Sender: c.Router(), Timeout: cfg.requestTimeout}, logger)
	if err := srv.Listen(cfg.zmqAddr); err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	var hs *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		hs = &http.Server{Addr: cfg.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics: serving", "addr", cfg.metricsAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if hs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}
	return nil
}
