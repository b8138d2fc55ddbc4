// Package policy defines how a bounded engine orders its recency list.
//
// The engine keeps one intrusive list per instance: the head is the least
// recently used entry, the tail the most recently used. A policy decides how
// entries move along that list; the engine owns the key map and performs the
// actual removal of victims.
package policy

// Node is the minimal contract a cache entry must satisfy for a policy.
type Node[K comparable, V any] interface {
	Key() K
	Value() *V
}

// Hooks expose O(1) recency-list operations to a policy.
// All calls happen on the goroutine that owns the engine.
type Hooks[K comparable, V any] interface {
	// MoveToTail marks the node most recently used.
	MoveToTail(Node[K, V])
	// PushTail links a newly admitted node as most recently used.
	PushTail(Node[K, V])
	// Remove unlinks the node from the recency list only.
	Remove(Node[K, V])
	// Head returns the least recently used node, or nil when empty.
	Head() Node[K, V]
	// Len returns the number of linked nodes.
	Len() int
}

// EnginePolicy is a policy instance bound to one engine's hooks.
//
//   - OnAdd links the node and may return a victim; the engine evicts it
//     and then calls OnRemove for it.
//   - OnGet/OnUpdate usually promote the node.
//   - OnRemove lets the policy drop its own bookkeeping.
type EnginePolicy[K comparable, V any] interface {
	OnAdd(Node[K, V]) (evict Node[K, V])
	OnGet(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
}

// Policy builds engine-local policy instances.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) EnginePolicy[K, V]
}
