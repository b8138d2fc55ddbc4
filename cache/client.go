package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/workercache/store"
)

// Client is a synchronous front for a Sender. It owns one reply channel and
// a correlation table: each call registers a fresh id, and a dispatcher
// goroutine hands every reply to the caller waiting on that id. Entries are
// removed when the reply arrives or the caller gives up.
//
// Client is safe for concurrent use.
type Client[K comparable, V any] struct {
	sender  Sender[K, V]
	proto   Protocol[K, V]
	replies chan Reply[K, V]
	timeout time.Duration

	mu       sync.Mutex
	pending  map[uint64]chan Reply[K, V]
	inflight int // sent requests whose reply has not arrived yet
	closed   bool

	nextID atomic.Uint64
	wake   chan struct{}
	idle   chan struct{}

	onClose func() // set by Cache.NewClient
}

const clientReplyBuffer = 64

// NewClient starts a client for sender in namespace ns. timeout applies to
// calls whose context has no deadline; 0 disables it.
func NewClient[K comparable, V any](sender Sender[K, V], ns string, timeout time.Duration) *Client[K, V] {
	c := &Client[K, V]{
		sender:  sender,
		replies: make(chan Reply[K, V], clientReplyBuffer),
		timeout: timeout,
		pending: make(map[uint64]chan Reply[K, V]),
		wake:    make(chan struct{}, 1),
		idle:    make(chan struct{}),
	}
	c.proto = Protocol[K, V]{Namespace: ns, ReplyTo: c.replies}
	go c.dispatch()
	return c
}

// Get returns the value cached (or read through) for k.
func (c *Client[K, V]) Get(ctx context.Context, k K) (V, bool, error) {
	rep, err := c.do(ctx, func(id uint64) Request[K, V] { return c.proto.Get(id, k) })
	if err != nil {
		var zero V
		return zero, false, err
	}
	_, v, found, err := c.proto.Extract(rep)
	return v, found, err
}

// Set stores k=v.
func (c *Client[K, V]) Set(ctx context.Context, k K, v V) error {
	return c.call(ctx, func(id uint64) Request[K, V] { return c.proto.Set(id, k, v, nil) })
}

// SetIf replaces the stored record of k matching filter.
func (c *Client[K, V]) SetIf(ctx context.Context, k K, v V, filter store.Filter) error {
	return c.call(ctx, func(id uint64) Request[K, V] { return c.proto.Set(id, k, v, filter) })
}

// Delete removes k.
func (c *Client[K, V]) Delete(ctx context.Context, k K) error {
	return c.call(ctx, func(id uint64) Request[K, V] { return c.proto.Del(id, k, nil) })
}

// Update sends u to the store for the record of k matching filter.
func (c *Client[K, V]) Update(ctx context.Context, k K, u store.Update, filter store.Filter) error {
	return c.call(ctx, func(id uint64) Request[K, V] { return c.proto.Update(id, k, u, filter) })
}

// DeleteAll clears every shard and deletes the namespace in the store.
func (c *Client[K, V]) DeleteAll(ctx context.Context) error {
	return c.call(ctx, c.proto.DelAll)
}

// Clear clears every shard and keeps stored records.
func (c *Client[K, V]) Clear(ctx context.Context) error {
	return c.call(ctx, c.proto.Clear)
}

// Flush drains write-behind buffers.
func (c *Client[K, V]) Flush(ctx context.Context) error {
	return c.call(ctx, c.proto.Flush)
}

// Evict asks every shard to drop entries idle for longer than maxAge and
// returns without waiting.
func (c *Client[K, V]) Evict(ctx context.Context, maxAge time.Duration) error {
	return c.sender.Send(ctx, c.proto.Evict(maxAge))
}

// Pending returns the number of calls waiting for a reply.
func (c *Client[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails waiting calls with ErrClosed and rejects new ones. The
// dispatcher keeps consuming replies still owed to this client, then exits.
func (c *Client[K, V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- Reply[K, V]{ID: id, Status: StatusFailure, Err: ErrClosed}
		delete(c.pending, id)
	}
	onClose := c.onClose
	c.mu.Unlock()
	c.poke()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (c *Client[K, V]) call(ctx context.Context, build func(id uint64) Request[K, V]) error {
	rep, err := c.do(ctx, build)
	if err != nil {
		return err
	}
	_, _, _, err = c.proto.Extract(rep)
	return err
}

func (c *Client[K, V]) do(ctx context.Context, build func(id uint64) Request[K, V]) (Reply[K, V], error) {
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	id := c.nextID.Add(1)
	ch := make(chan Reply[K, V], 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reply[K, V]{}, ErrClosed
	}
	c.pending[id] = ch
	c.inflight++
	c.mu.Unlock()

	if err := c.sender.Send(ctx, build(id)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.inflight--
		c.mu.Unlock()
		c.poke()
		return Reply[K, V]{}, err
	}

	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		c.forget(id)
		return Reply[K, V]{}, ctx.Err()
	}
}

// forget drops id from the table; its reply, if it still comes, is discarded.
func (c *Client[K, V]) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client[K, V]) dispatch() {
	defer close(c.idle)
	for {
		select {
		case rep := <-c.replies:
			c.deliver(rep)
		case <-c.wake:
		}
		c.mu.Lock()
		done := c.closed && c.inflight == 0
		c.mu.Unlock()
		if done {
			return
		}
	}
}

func (c *Client[K, V]) deliver(rep Reply[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if ch, ok := c.pending[rep.ID]; ok {
		delete(c.pending, rep.ID)
		ch <- rep
	}
}

func (c *Client[K, V]) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
