package twoq

import (
	"testing"

	"github.com/IvanBrykalov/workercache/policy"
)

type testNode[K comparable, V any] struct {
	k K
	v V
}

func (n *testNode[K, V]) Key() K    { return n.k }
func (n *testNode[K, V]) Value() *V { return &n.v }

type mockHooks[K comparable, V any] struct {
	pushTailCnt   int
	moveToTailCnt int
}

func (h *mockHooks[K, V]) MoveToTail(policy.Node[K, V]) { h.moveToTailCnt++ }
func (h *mockHooks[K, V]) PushTail(policy.Node[K, V])   { h.pushTailCnt++ }
func (h *mockHooks[K, V]) Remove(policy.Node[K, V])     {}
func (h *mockHooks[K, V]) Head() policy.Node[K, V]      { return nil }
func (h *mockHooks[K, V]) Len() int                     { return 0 }

func newTwoQ(capIn, capGhost int) (*twoQ[string, int], *mockHooks[string, int]) {
	h := &mockHooks[string, int]{}
	return New[string, int](capIn, capGhost).New(h).(*twoQ[string, int]), h
}

func TestTwoQ_FirstAdmissionGoesOnProbation(t *testing.T) {
	t.Parallel()

	p, h := newTwoQ(2, 4)
	n1 := &testNode[string, int]{k: "a", v: 1}

	if ev := p.OnAdd(n1); ev != nil {
		t.Fatalf("no victim expected yet, got %v", ev)
	}
	if p.probation.Len() != 1 {
		t.Fatalf("probation must hold 1 entry, got %d", p.probation.Len())
	}
	if h.pushTailCnt != 1 {
		t.Fatal("admission must link the node at the tail")
	}
}

// The oldest probation entry is proposed once the queue overflows.
func TestTwoQ_OverflowProposesOldestProbation(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(2, 4)
	n1 := &testNode[string, int]{k: "a", v: 1}
	n2 := &testNode[string, int]{k: "b", v: 2}
	n3 := &testNode[string, int]{k: "c", v: 3}

	p.OnAdd(n1)
	p.OnAdd(n2)
	if ev := p.OnAdd(n3); ev != n1 {
		t.Fatalf("expected victim a, got %v", ev)
	}
}

func TestTwoQ_RemovedProbationBecomesGhost(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(2, 2)
	n1 := &testNode[string, int]{k: "a", v: 1}
	p.OnAdd(n1)
	p.OnRemove(n1)

	if _, ok := p.inIdx[n1]; ok {
		t.Fatal("a must leave probation")
	}
	if _, ok := p.ghostIdx["a"]; !ok {
		t.Fatal("a must be remembered as a ghost")
	}
}

func TestTwoQ_GhostReadmissionSkipsProbation(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(1, 2)
	n1 := &testNode[string, int]{k: "a", v: 1}
	p.OnAdd(n1)
	p.OnRemove(n1)

	n2 := &testNode[string, int]{k: "a", v: 2}
	if ev := p.OnAdd(n2); ev != nil {
		t.Fatalf("ghost readmission must not propose a victim, got %v", ev)
	}
	if _, ok := p.inIdx[n2]; ok {
		t.Fatal("readmitted ghost must go straight to the main queue")
	}
	if _, ok := p.ghostIdx["a"]; ok {
		t.Fatal("ghost entry must be consumed on readmission")
	}
}

func TestTwoQ_GetPromotesOutOfProbation(t *testing.T) {
	t.Parallel()

	p, h := newTwoQ(2, 2)
	n1 := &testNode[string, int]{k: "a", v: 1}
	p.OnAdd(n1)
	p.OnGet(n1)

	if _, ok := p.inIdx[n1]; ok {
		t.Fatal("a hit must promote out of probation")
	}
	if h.moveToTailCnt != 1 {
		t.Fatal("OnGet must call MoveToTail once")
	}
}

func TestTwoQ_GhostListIsBounded(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(4, 2)
	for _, k := range []string{"a", "b", "c"} {
		n := &testNode[string, int]{k: k}
		p.OnAdd(n)
		p.OnRemove(n)
	}
	if p.ghosts.Len() != 2 {
		t.Fatalf("ghost list must be capped at 2, got %d", p.ghosts.Len())
	}
	if _, ok := p.ghostIdx["a"]; ok {
		t.Fatal("oldest ghost must be dropped first")
	}
}
