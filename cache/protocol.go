package cache

import (
	"time"

	"github.com/IvanBrykalov/workercache/store"
)

// Protocol builds requests for one namespace and reply channel. It is a
// plain value: copy it freely, share it across goroutines.
type Protocol[K comparable, V any] struct {
	Namespace string
	ReplyTo   chan<- Reply[K, V]
}

func (p Protocol[K, V]) request(id uint64, op Op, k K) Request[K, V] {
	return Request[K, V]{ID: id, Op: op, Key: k, Namespace: p.Namespace, ReplyTo: p.ReplyTo}
}

// Get asks for k.
func (p Protocol[K, V]) Get(id uint64, k K) Request[K, V] {
	return p.request(id, OpGet, k)
}

// Set stores k=v. A non-nil filter makes the store replace the matching
// record instead of upserting by key.
func (p Protocol[K, V]) Set(id uint64, k K, v V, filter store.Filter) Request[K, V] {
	r := p.request(id, OpSet, k)
	r.Value = v
	r.Filter = filter
	return r
}

// Del removes k.
func (p Protocol[K, V]) Del(id uint64, k K, filter store.Filter) Request[K, V] {
	r := p.request(id, OpDel, k)
	r.Filter = filter
	return r
}

// Update applies u to the stored record of k and drops the cached copy.
func (p Protocol[K, V]) Update(id uint64, k K, u store.Update, filter store.Filter) Request[K, V] {
	r := p.request(id, OpUpdate, k)
	r.Update = u
	r.Filter = filter
	return r
}

// DelAll clears every shard and the namespace in the store.
func (p Protocol[K, V]) DelAll(id uint64) Request[K, V] {
	var zero K
	return p.request(id, OpDelAll, zero)
}

// Clear clears every shard; stored records survive.
func (p Protocol[K, V]) Clear(id uint64) Request[K, V] {
	var zero K
	return p.request(id, OpClear, zero)
}

// Flush drains write-behind buffers on every shard.
func (p Protocol[K, V]) Flush(id uint64) Request[K, V] {
	var zero K
	return p.request(id, OpFlush, zero)
}

// Evict drops entries idle for longer than maxAge. It is fire-and-forget.
func (p Protocol[K, V]) Evict(maxAge time.Duration) Request[K, V] {
	return Request[K, V]{Op: OpEvict, Namespace: p.Namespace, MaxAge: maxAge}
}

// Extract unpacks a reply. found is only meaningful for GET; err is set
// exactly when the reply is a Failure.
func (Protocol[K, V]) Extract(r Reply[K, V]) (k K, v V, found bool, err error) {
	if r.Status == StatusFailure {
		err = r.Err
		if err == nil {
			err = ErrUnhandled
		}
		return r.Key, v, false, err
	}
	return r.Key, r.Value, r.Found, nil
}
