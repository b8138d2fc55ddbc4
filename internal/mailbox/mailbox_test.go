package mailbox

import (
	"sync"
	"testing"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	<-q.Ready()
	got := q.Drain()
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d: got %d", i, v)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue must be empty after Drain, len=%d", q.Len())
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := New[int]()
	const producers, per = 8, 500

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()

	if n := len(q.Drain()); n != producers*per {
		t.Fatalf("drained %d items, want %d", n, producers*per)
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	t.Parallel()

	q := New[string]()
	q.Push("a")
	q.Close()
	if q.Push("b") {
		t.Fatal("Push after Close must report false")
	}
	if got := q.Drain(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("queued items must survive Close, got %v", got)
	}
}
