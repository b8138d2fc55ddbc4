package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/workercache/breaker"
	"github.com/IvanBrykalov/workercache/engine"
	"github.com/IvanBrykalov/workercache/internal/mailbox"
	"github.com/IvanBrykalov/workercache/internal/util"
	"github.com/IvanBrykalov/workercache/store"
)

// worker owns one shard: its engine, its write-behind buffer and, in
// persistent mode, its bridge. Everything except the inbox, the completion
// queue and the padded counters is touched only by the run goroutine.
type worker[K comparable, V any] struct {
	id  int
	opt *Options[K, V]
	log *slog.Logger

	inbox       chan Request[K, V]
	completions *mailbox.Queue[func()]

	eng    engine.Engine[K, V]
	bridge *store.Bridge[K, V] // nil in volatile mode
	batch  *engine.Batch[K, V] // nil unless WriteBehind > 1

	// GET requests parked on an in-flight read-through, by key.
	waiting map[K]*parked[K, V]

	size      util.PaddedAtomicInt64
	hits      util.PaddedAtomicUint64
	misses    util.PaddedAtomicUint64
	evictions util.PaddedAtomicUint64

	done chan struct{}
}

// parked holds the GETs waiting on one read-through. Once a write to the key
// arrives, the load can no longer answer later GETs: they go to after and
// are looked up again when the load completes.
type parked[K comparable, V any] struct {
	before []Request[K, V]
	after  []Request[K, V]
	stale  bool
}

func newWorker[K comparable, V any](id int, opt *Options[K, V]) *worker[K, V] {
	w := &worker[K, V]{
		id:          id,
		opt:         opt,
		log:         opt.Logger.With("shard", id),
		inbox:       make(chan Request[K, V], opt.MailboxSize),
		completions: mailbox.New[func()](),
		waiting:     make(map[K]*parked[K, V]),
		done:        make(chan struct{}),
	}

	eo := opt.engineOptions()
	eo.OnEvict = func(_ K, _ V, reason engine.EvictReason) {
		w.evictions.Add(1)
		opt.Metrics.Evict(reason)
	}

	if opt.Store != nil {
		w.bridge = store.NewBridge(opt.Store, store.Config{
			Breaker: opt.breakerConfig(func(_, to breaker.State) {
				opt.Metrics.Breaker(id, to)
			}),
			CallTimeout: opt.StoreTimeout,
			Logger:      w.log,
			OnCall: func(op store.Op, err error) {
				opt.Metrics.StoreCall(op.String(), err)
			},
		})
		eo.Loader = engine.LoaderFunc[K, V](w.load)
		eo.OnLoad = w.loaded
		var wr engine.Writer[K, V] = engine.WriterFunc[K, V](w.write)
		if opt.WriteBehind > 1 {
			w.batch = engine.NewBatch(wr, opt.WriteBehind)
			wr = w.batch
		}
		eo.Writer = wr
		eo.OnFlush = w.flushed
	}

	switch opt.Eviction {
	case Unbounded:
		w.eng = engine.NewUnbounded(eo)
	case TimedLRU:
		w.eng = engine.NewTimedLRU(eo)
	default:
		w.eng = engine.NewLRU(eo)
	}
	return w
}

// run is the shard loop. It exits when ctx is cancelled, after draining the
// store traffic it already started.
func (w *worker[K, V]) run(ctx context.Context) {
	defer close(w.done)

	var evictC, flushC <-chan time.Time
	if w.opt.EvictInterval > 0 {
		t := time.NewTicker(w.opt.EvictInterval)
		defer t.Stop()
		evictC = t.C
	}
	if w.batch != nil && w.opt.FlushInterval > 0 {
		t := time.NewTicker(w.opt.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case req := <-w.inbox:
			w.handle(req)
		case <-w.completions.Ready():
			w.runCompletions()
		case <-evictC:
			w.expire(w.opt.EvictMaxAge)
		case <-flushC:
			w.batch.Flush()
		}
		w.publishSize()
	}
}

func (w *worker[K, V]) handle(req Request[K, V]) {
	if req.Namespace != "" && req.Namespace != w.opt.Namespace {
		w.log.Debug("request for foreign namespace", "op", req.Op.String(), "ns", req.Namespace)
		w.fail(req, fmt.Errorf("%w: namespace %q", ErrUnhandled, req.Namespace))
		return
	}

	switch req.Op {
	case OpGet:
		w.get(req)

	case OpSet:
		w.staleWaiters(req.Key)
		w.eng.PutWith(req.Key, req.Value, req)
		w.ackLocal(req)

	case OpDel:
		w.staleWaiters(req.Key)
		w.eng.RemoveWith(req.Key, req)
		w.ackLocal(req)

	case OpUpdate:
		w.update(req)

	case OpDelAll:
		for _, p := range w.waiting {
			p.stale = true
		}
		w.eng.Clear()
		if w.bridge == nil {
			w.succeed(req)
			return
		}
		w.flushBatch()
		w.submit(store.Call[K, V]{Op: store.OpDeleteAll, Namespace: w.opt.Namespace}, req, func(o store.Outcome[K, V]) {
			w.storeDone(req, o.Err)
		})
		w.ackLocal(req)

	case OpClear:
		w.eng.Clear()
		w.succeed(req)

	case OpEvict:
		w.expire(req.MaxAge)
		w.succeed(req)

	case OpFlush:
		w.flushBatch()
		w.succeed(req)

	default:
		w.log.Debug("unhandled request", "op", req.Op.String(), "id", req.ID)
		w.fail(req, fmt.Errorf("%w: op %s", ErrUnhandled, req.Op))
	}
}

func (w *worker[K, V]) get(req Request[K, V]) {
	if w.lookup(req) {
		w.hits.Add(1)
		w.opt.Metrics.Hit()
		return
	}
	w.misses.Add(1)
	w.opt.Metrics.Miss()
}

// lookup answers req from memory, or parks it on a read-through. It reports
// whether req was a hit.
func (w *worker[K, V]) lookup(req Request[K, V]) bool {
	v, ok := w.eng.GetWith(req.Key, req)
	if ok {
		w.reply(req, Reply[K, V]{Status: StatusValue, Value: v, Found: true})
		return true
	}
	if w.bridge == nil {
		w.reply(req, Reply[K, V]{Status: StatusValue})
		return false
	}
	// The engine started a load, or one is already running for this key.
	// Either way loaded answers every parked request.
	p := w.waiting[req.Key]
	if p == nil {
		p = &parked[K, V]{}
		w.waiting[req.Key] = p
	}
	if p.stale {
		p.after = append(p.after, req)
	} else {
		p.before = append(p.before, req)
	}
	return false
}

// staleWaiters marks the read-through parked on k as older than the write
// about to be applied.
func (w *worker[K, V]) staleWaiters(k K) {
	if p := w.waiting[k]; p != nil {
		p.stale = true
	}
}

func (w *worker[K, V]) update(req Request[K, V]) {
	if w.bridge == nil {
		w.fail(req, fmt.Errorf("%w: UPDATE needs a store", ErrUnhandled))
		return
	}
	// Buffered writes for this shard must reach the store first.
	w.flushBatch()
	w.staleWaiters(req.Key)
	w.eng.Invalidate(req.Key)
	call := store.Call[K, V]{
		Op:        store.OpUpdateOne,
		Namespace: w.opt.Namespace,
		Key:       req.Key,
		Filter:    req.Filter,
		Update:    req.Update,
	}
	// Loads already in flight are now stale; later ones queue behind the
	// update on the bridge.
	w.submit(call, req, func(o store.Outcome[K, V]) { w.storeDone(req, o.Err) })
	w.ackLocal(req)
}

// load is the engine's read-through Loader.
func (w *worker[K, V]) load(k K, meta any, done func(V, bool, error)) {
	req, _ := meta.(Request[K, V])
	if w.eng.Dirty(k) {
		// Buffered writes to k must reach the store before the read.
		w.flushBatch()
	}
	call := store.Call[K, V]{Op: store.OpFindOne, Namespace: w.opt.Namespace, Key: k, Filter: req.Filter}
	w.submit(call, req, func(o store.Outcome[K, V]) { done(o.Value, o.Found, o.Err) })
}

// loaded answers the GETs parked on k. GETs that arrived after a write to k
// are looked up again; a fresh load queues behind that write on the bridge.
func (w *worker[K, V]) loaded(k K, v V, found bool, err error) {
	p := w.waiting[k]
	delete(w.waiting, k)
	if p == nil {
		return
	}
	if err != nil {
		w.log.Debug("read-through failed", "key", k, "err", err)
	}
	for _, req := range p.before {
		if err != nil {
			w.fail(req, err)
			continue
		}
		w.reply(req, Reply[K, V]{Status: StatusValue, Value: v, Found: found})
	}
	for _, req := range p.after {
		w.lookup(req)
	}
}

// write is the engine's write-through Writer.
func (w *worker[K, V]) write(wr engine.Write[K, V], done func(error)) {
	req, _ := wr.Meta.(Request[K, V])
	call := store.Call[K, V]{Namespace: w.opt.Namespace, Key: wr.Key, Filter: req.Filter, Value: wr.Value}
	switch {
	case wr.Delete:
		call.Op = store.OpDeleteOne
	case req.Filter != nil:
		call.Op = store.OpReplaceOne
	default:
		call.Op = store.OpUpsert
	}
	w.submit(call, req, func(o store.Outcome[K, V]) { done(o.Err) })
}

// flushed observes completed write-through operations.
func (w *worker[K, V]) flushed(wr engine.Write[K, V], err error) {
	if err != nil && !w.eng.Dirty(wr.Key) {
		// The store refused the write: forget the local copy so the next
		// read goes to the store. A newer write still in flight wins.
		w.eng.Invalidate(wr.Key)
	}
	req, ok := wr.Meta.(Request[K, V])
	if !ok {
		return
	}
	w.storeDone(req, err)
}

// storeDone finishes a write whose store outcome is known.
func (w *worker[K, V]) storeDone(req Request[K, V], err error) {
	if w.opt.AckMode == AckStore {
		if err != nil {
			w.fail(req, err)
		} else {
			w.succeed(req)
		}
		return
	}
	if err == nil {
		return
	}
	if req.Op.Broadcast() {
		// No single key to report.
		w.log.Warn("store write failed", "op", req.Op.String(), "ns", w.opt.Namespace, "err", err)
		return
	}
	w.log.Debug("store write failed", "op", req.Op.String(), "key", req.Key, "err", err)
	if w.opt.OnWriteError != nil {
		w.opt.OnWriteError(req.Key, err)
	}
}

// ackLocal acknowledges a write once the engine has applied it, unless
// acknowledgement waits for the store.
func (w *worker[K, V]) ackLocal(req Request[K, V]) {
	if w.bridge == nil || w.opt.AckMode == AckNone {
		w.succeed(req)
	}
}

// submit hands c to the bridge. then runs on the worker goroutine.
func (w *worker[K, V]) submit(c store.Call[K, V], req Request[K, V], then func(store.Outcome[K, V])) {
	c.Tag = req.ID
	ok := w.bridge.Submit(c, func(o store.Outcome[K, V]) {
		w.completions.Push(func() { then(o) })
	})
	if !ok {
		// Never complete synchronously: callers park requests after submit.
		w.completions.Push(func() { then(store.Outcome[K, V]{Call: c, Err: store.ErrClosed}) })
	}
}

func (w *worker[K, V]) runCompletions() {
	for _, fn := range w.completions.Drain() {
		fn()
	}
}

func (w *worker[K, V]) expire(maxAge time.Duration) {
	ex, ok := w.eng.(engine.Expirer)
	if !ok {
		return
	}
	if n := ex.Evict(maxAge); n > 0 {
		w.log.Debug("expired idle entries", "count", n, "max_age", maxAge)
	}
}

func (w *worker[K, V]) flushBatch() {
	if w.batch != nil {
		w.batch.Flush()
	}
}

// shutdown flushes buffered writes, lets the bridge finish queued calls and
// delivers their completions. Requests still in the inbox get ErrClosed.
func (w *worker[K, V]) shutdown() {
	if w.bridge != nil {
		w.flushBatch()
		w.bridge.Close()
		w.runCompletions()
	}
	for _, p := range w.waiting {
		for _, req := range append(p.before, p.after...) {
			w.fail(req, ErrClosed)
		}
	}
	clear(w.waiting)
	for {
		select {
		case req := <-w.inbox:
			w.fail(req, ErrClosed)
		default:
			w.publishSize()
			return
		}
	}
}

func (w *worker[K, V]) publishSize() {
	n := w.eng.Len()
	if int64(n) != w.size.Load() {
		w.size.Store(int64(n))
		w.opt.Metrics.Size(w.id, n)
	}
}

// breakerState returns the last breaker state seen by the bridge.
func (w *worker[K, V]) breakerState() breaker.State {
	if w.bridge == nil {
		return breaker.Closed
	}
	return w.bridge.State()
}

func (w *worker[K, V]) succeed(req Request[K, V]) {
	w.reply(req, Reply[K, V]{Status: StatusSuccess})
}

func (w *worker[K, V]) fail(req Request[K, V], err error) {
	w.reply(req, Reply[K, V]{Status: StatusFailure, Err: err})
}

func (w *worker[K, V]) reply(req Request[K, V], r Reply[K, V]) {
	if req.ReplyTo == nil {
		return
	}
	r.ID, r.Op, r.Key = req.ID, req.Op, req.Key
	req.ReplyTo <- r
}
