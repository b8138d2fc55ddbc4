package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/workercache/internal/util"
)

// Router maps keys to shard workers. The partition table is fixed at New,
// so Shard is a pure function of the key. Router is safe for concurrent use.
type Router[K comparable, V any] struct {
	table []*worker[K, V]
	hash  func(K) uint64
	await bool
	log   *slog.Logger

	// mu is held for reading by every Send, so close waits for sends in
	// progress and nothing reaches an inbox afterwards.
	mu     sync.RWMutex
	closed chan struct{}
}

func newRouter[K comparable, V any](table []*worker[K, V], opt *Options[K, V]) *Router[K, V] {
	return &Router[K, V]{
		table:  table,
		hash:   opt.Hash,
		await:  opt.AwaitBroadcast,
		log:    opt.Logger,
		closed: make(chan struct{}),
	}
}

// Shards returns the partition table size.
func (r *Router[K, V]) Shards() int { return len(r.table) }

// Shard returns the index of the worker that owns k.
func (r *Router[K, V]) Shard(k K) int {
	return util.ShardIndex(r.hash(k), len(r.table))
}

// Send forwards req to the worker owning req.Key, or to every worker for
// broadcast ops. Broadcasts are acknowledged by the router once enqueued
// everywhere; with AwaitBroadcast the ack waits for every shard and carries
// the first shard failure.
func (r *Router[K, V]) Send(ctx context.Context, req Request[K, V]) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	if !req.Op.Broadcast() {
		return r.enqueue(ctx, r.table[r.Shard(req.Key)], req)
	}
	if r.await {
		return r.broadcastAwait(ctx, req)
	}

	shardReq := req
	shardReq.ReplyTo = nil
	for _, w := range r.table {
		if err := r.enqueue(ctx, w, shardReq); err != nil {
			return err
		}
	}
	ack(req, nil)
	return nil
}

func (r *Router[K, V]) broadcastAwait(ctx context.Context, req Request[K, V]) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range r.table {
		g.Go(func() error {
			replies := make(chan Reply[K, V], 1)
			shardReq := req
			shardReq.ReplyTo = replies
			if err := r.enqueue(gctx, w, shardReq); err != nil {
				return err
			}
			select {
			case rep := <-replies:
				if rep.Status == StatusFailure {
					return fmt.Errorf("shard %d: %w", i, rep.Err)
				}
				return nil
			case <-gctx.Done():
				return gctx.Err()
			case <-w.done:
				return ErrClosed
			}
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.log.Debug("broadcast failed", "op", req.Op.String(), "id", req.ID, "err", err)
	}
	ack(req, err)
	return nil
}

func (r *Router[K, V]) enqueue(ctx context.Context, w *worker[K, V], req Request[K, V]) error {
	select {
	case w.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return ErrClosed
	}
}

// close rejects further sends. Workers must still be running: a send blocked
// on a full inbox is waited for.
func (r *Router[K, V]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.closed)
}

// ack answers a broadcast on behalf of all shards.
func ack[K comparable, V any](req Request[K, V], err error) {
	if req.ReplyTo == nil {
		return
	}
	rep := Reply[K, V]{ID: req.ID, Op: req.Op, Status: StatusSuccess}
	if err != nil {
		rep.Status, rep.Err = StatusFailure, err
	}
	req.ReplyTo <- rep
}
