// Package lru implements the least-recently-used recency policy.
package lru

import "github.com/IvanBrykalov/workercache/policy"

// lru appends new and touched entries at the tail, so the head is always
// the least recently used entry and the engine's capacity check evicts it.
type lru[K comparable, V any] struct {
	h policy.Hooks[K, V]
}

type lruPolicy[K comparable, V any] struct{}

// New returns the LRU policy factory.
func New[K comparable, V any]() policy.Policy[K, V] { return lruPolicy[K, V]{} }

func (lruPolicy[K, V]) New(h policy.Hooks[K, V]) policy.EnginePolicy[K, V] {
	return &lru[K, V]{h: h}
}

// OnAdd links the entry as most recently used. LRU never proposes a victim;
// capacity eviction is the engine's job.
func (p *lru[K, V]) OnAdd(n policy.Node[K, V]) (evict policy.Node[K, V]) {
	p.h.PushTail(n)
	return nil
}

func (p *lru[K, V]) OnGet(n policy.Node[K, V]) { p.h.MoveToTail(n) }

// OnUpdate counts an overwrite as a use.
func (p *lru[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToTail(n) }

func (p *lru[K, V]) OnRemove(_ policy.Node[K, V]) {}
