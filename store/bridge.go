package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/workercache/breaker"
	"github.com/IvanBrykalov/workercache/internal/mailbox"
	"github.com/IvanBrykalov/workercache/internal/util"
)

var (
	// ErrUnavailable wraps breaker.ErrOpen when a call is rejected without
	// reaching the backend.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrClosed is reported for calls submitted after Close.
	ErrClosed = errors.New("store: bridge closed")
)

// Op names a bridge operation.
type Op int

const (
	OpFindOne Op = iota
	OpHasOne
	OpInsertOne
	OpReplaceOne
	OpUpdateOne
	OpDeleteOne
	// OpUpsert is HasOne followed by ReplaceOne or InsertOne, guarded as one call.
	OpUpsert
	OpDeleteAll
)

func (o Op) String() string {
	switch o {
	case OpFindOne:
		return "findOne"
	case OpHasOne:
		return "hasOne"
	case OpInsertOne:
		return "insertOne"
	case OpReplaceOne:
		return "replaceOne"
	case OpUpdateOne:
		return "updateOne"
	case OpDeleteOne:
		return "deleteOne"
	case OpUpsert:
		return "upsert"
	case OpDeleteAll:
		return "deleteAll"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Call is one bridge request. Tag is returned untouched in the Outcome so
// the submitter can find the request that caused it.
type Call[K comparable, V any] struct {
	Op        Op
	Namespace string
	Key       K
	Filter    Filter
	Value     V
	Update    Update
	Tag       any
}

// Outcome is the typed result of a Call. Found is set by FindOne and HasOne,
// and by Upsert when an existing record was replaced.
type Outcome[K comparable, V any] struct {
	Call  Call[K, V]
	Value V
	Found bool
	Err   error
}

// Config configures a Bridge.
type Config struct {
	// Breaker configures the circuit breaker around every call.
	Breaker breaker.Config
	// CallTimeout bounds each backend call; 0 means no timeout.
	CallTimeout time.Duration
	// Logger receives breaker transitions and backend failures.
	Logger *slog.Logger
	// OnCall observes every completed call, including rejected ones.
	OnCall func(op Op, err error)
}

// Bridge runs store calls for one shard on a dedicated goroutine.
//
// Submit never blocks: calls queue without bound and run in submission
// order. The breaker is touched only by the bridge goroutine.
type Bridge[K comparable, V any] struct {
	store Store[K, V]
	brk   *breaker.Breaker
	cfg   Config
	log   *slog.Logger

	inbox *mailbox.Queue[job[K, V]]
	state atomic.Int32 // breaker.State snapshot for other goroutines

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type job[K comparable, V any] struct {
	call Call[K, V]
	done func(Outcome[K, V])
}

// NewBridge wraps s and starts the bridge goroutine. Call Close to stop it.
func NewBridge[K comparable, V any](s Store[K, V], cfg Config) *Bridge[K, V] {
	b := &Bridge[K, V]{
		store: s,
		cfg:   cfg,
		log:   util.LoggerOr(cfg.Logger),
		inbox: mailbox.New[job[K, V]](),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	bc := cfg.Breaker
	userCB := bc.OnStateChange
	bc.OnStateChange = func(from, to breaker.State) {
		b.state.Store(int32(to))
		level := slog.LevelWarn
		if to == breaker.Closed {
			level = slog.LevelInfo
		}
		b.log.Log(context.Background(), level, "store circuit breaker transition",
			"from", from.String(), "to", to.String())
		if userCB != nil {
			userCB(from, to)
		}
	}
	b.brk = breaker.New(bc)

	go b.run()
	return b
}

// Submit queues c. done runs on the bridge goroutine once the call has
// finished; submitters that need the result elsewhere hand it over from
// done. Submit reports false, and never calls done, after Close.
func (b *Bridge[K, V]) Submit(c Call[K, V], done func(Outcome[K, V])) bool {
	return b.inbox.Push(job[K, V]{call: c, done: done})
}

// State returns the breaker state as last observed by the bridge goroutine.
func (b *Bridge[K, V]) State() breaker.State { return breaker.State(b.state.Load()) }

// Pending returns the number of queued calls.
func (b *Bridge[K, V]) Pending() int { return b.inbox.Len() }

// Close stops accepting calls, runs the ones already queued, and waits for
// the bridge goroutine to exit.
func (b *Bridge[K, V]) Close() {
	b.closeOnce.Do(func() {
		b.inbox.Close()
		close(b.stop)
	})
	<-b.done
}

func (b *Bridge[K, V]) run() {
	defer close(b.done)
	for {
		select {
		case <-b.inbox.Ready():
			b.runAll()
		case <-b.stop:
			b.runAll()
			return
		}
	}
}

func (b *Bridge[K, V]) runAll() {
	for _, j := range b.inbox.Drain() {
		out := b.exec(j.call)
		if j.done != nil {
			j.done(out)
		}
	}
}

// exec runs one call through the breaker. Logical outcomes (no match,
// duplicate key, unsupported payload) are returned to the caller but do not
// count as backend failures.
func (b *Bridge[K, V]) exec(c Call[K, V]) Outcome[K, V] {
	ctx := context.Background()
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	out := Outcome[K, V]{Call: c}
	var logical error
	err := b.brk.Do(func() error {
		v, found, err := b.call(ctx, c)
		if err != nil && isLogical(err) {
			logical = err
			return nil
		}
		out.Value, out.Found = v, found
		return err
	})

	switch {
	case errors.Is(err, breaker.ErrOpen):
		out.Err = fmt.Errorf("%s %s: %w: %w", c.Op, c.Namespace, ErrUnavailable, err)
	case err != nil:
		out.Err = fmt.Errorf("%s %s: %w", c.Op, c.Namespace, err)
		b.log.Debug("store call failed", "op", c.Op.String(), "ns", c.Namespace,
			"failures", b.brk.Failures(), "err", err)
	case logical != nil:
		out.Err = logical
	}
	if b.cfg.OnCall != nil {
		b.cfg.OnCall(c.Op, out.Err)
	}
	return out
}

func (b *Bridge[K, V]) call(ctx context.Context, c Call[K, V]) (v V, found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()

	s := b.store
	switch c.Op {
	case OpFindOne:
		return s.FindOne(ctx, c.Namespace, c.Key, c.Filter)
	case OpHasOne:
		found, err = s.HasOne(ctx, c.Namespace, c.Key, c.Filter)
	case OpInsertOne:
		err = s.InsertOne(ctx, c.Namespace, c.Key, c.Value)
	case OpReplaceOne:
		err = s.ReplaceOne(ctx, c.Namespace, c.Key, c.Filter, c.Value)
	case OpUpdateOne:
		err = s.UpdateOne(ctx, c.Namespace, c.Key, c.Filter, c.Update)
	case OpDeleteOne:
		err = s.DeleteOne(ctx, c.Namespace, c.Key, c.Filter)
	case OpUpsert:
		found, err = s.HasOne(ctx, c.Namespace, c.Key, nil)
		if err != nil {
			return v, false, err
		}
		if found {
			err = s.ReplaceOne(ctx, c.Namespace, c.Key, nil, c.Value)
		} else {
			err = s.InsertOne(ctx, c.Namespace, c.Key, c.Value)
		}
	case OpDeleteAll:
		err = s.DeleteAll(ctx, c.Namespace)
	default:
		err = fmt.Errorf("%w: op %v", ErrUnsupported, c.Op)
	}
	return v, found, err
}

func isLogical(err error) bool {
	return errors.Is(err, ErrNoMatch) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrUnsupported)
}
