// Package twoq implements the 2Q recency policy, which resists scan
// pollution by holding first-time entries in a small probation queue.
package twoq

import (
	"container/list"

	"github.com/IvanBrykalov/workercache/policy"
)

// twoQ keeps two resident classes on the engine's single recency list:
//
//   - A1in (probation): first-time entries, tracked in probation (oldest at Front).
//   - Am (main): entries that were hit again or re-admitted from ghosts.
//
// A1out (ghosts) remembers keys recently dropped from A1in so a returning
// key skips probation. Not safe for concurrent use; the owning engine
// serializes all calls.
type twoQ[K comparable, V any] struct {
	h policy.Hooks[K, V]

	capIn    int
	capGhost int

	probation *list.List // element.Value is policy.Node
	inIdx     map[policy.Node[K, V]]*list.Element

	ghosts   *list.List // element.Value is K, oldest at Front
	ghostIdx map[K]*list.Element
}

type twoQPolicy[K comparable, V any] struct {
	capIn    int
	capGhost int
}

// New returns a 2Q factory. capIn bounds the probation queue and capGhost
// the ghost list, both per engine. Values below 1 are raised to 1.
func New[K comparable, V any](capIn, capGhost int) policy.Policy[K, V] {
	if capIn < 1 {
		capIn = 1
	}
	if capGhost < 1 {
		capGhost = 1
	}
	return twoQPolicy[K, V]{capIn: capIn, capGhost: capGhost}
}

func (p twoQPolicy[K, V]) New(h policy.Hooks[K, V]) policy.EnginePolicy[K, V] {
	return &twoQ[K, V]{
		h:         h,
		capIn:     p.capIn,
		capGhost:  p.capGhost,
		probation: list.New(),
		inIdx:     make(map[policy.Node[K, V]]*list.Element),
		ghosts:    list.New(),
		ghostIdx:  make(map[K]*list.Element),
	}
}

// OnAdd admits a ghost straight into Am; anything else goes on probation.
// An overfull probation queue proposes its oldest member as the victim.
func (q *twoQ[K, V]) OnAdd(n policy.Node[K, V]) (evict policy.Node[K, V]) {
	k := n.Key()
	q.h.PushTail(n)
	if ge, ok := q.ghostIdx[k]; ok {
		q.ghosts.Remove(ge)
		delete(q.ghostIdx, k)
		return nil
	}

	q.inIdx[n] = q.probation.PushBack(n)
	if q.probation.Len() > q.capIn {
		return q.probation.Front().Value.(policy.Node[K, V])
	}
	return nil
}

// OnGet promotes a probation entry into Am and marks it most recently used.
func (q *twoQ[K, V]) OnGet(n policy.Node[K, V]) {
	if el, ok := q.inIdx[n]; ok {
		q.probation.Remove(el)
		delete(q.inIdx, n)
	}
	q.h.MoveToTail(n)
}

func (q *twoQ[K, V]) OnUpdate(n policy.Node[K, V]) { q.OnGet(n) }

// OnRemove turns a dropped probation entry into a ghost. Removals from Am
// leave no ghost behind.
func (q *twoQ[K, V]) OnRemove(n policy.Node[K, V]) {
	el, ok := q.inIdx[n]
	if !ok {
		return
	}
	q.probation.Remove(el)
	delete(q.inIdx, n)

	k := n.Key()
	if old := q.ghostIdx[k]; old != nil {
		q.ghosts.Remove(old)
	}
	q.ghostIdx[k] = q.ghosts.PushBack(k)

	for q.ghosts.Len() > q.capGhost {
		oldest := q.ghosts.Front()
		delete(q.ghostIdx, oldest.Value.(K))
		q.ghosts.Remove(oldest)
	}
}
