package singleflight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestGroup_CoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	var calls atomic.Int32
	release := make(chan struct{})

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			v, _, err := g.Do(context.Background(), "k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				return err
			}
			if v != 42 {
				return errors.New("wrong value")
			}
			return nil
		})
	}

	// Give followers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fn must run once, ran %d times", got)
	}
	if g.InFlight() != 0 {
		t.Fatal("no call should remain in flight")
	}
}

func TestGroup_PanicBecomesError(t *testing.T) {
	t.Parallel()

	var g Group[int, int]
	_, _, err := g.Do(context.Background(), 1, func() (int, error) { panic("boom") })
	if err == nil {
		t.Fatal("expected error from panicking fn")
	}
}

func TestGroup_FollowerHonoursContext(t *testing.T) {
	t.Parallel()

	var g Group[string, string]
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = g.Do(context.Background(), "k", func() (string, error) {
			close(started)
			<-release
			return "v", nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, shared, err := g.Do(ctx, "k", func() (string, error) { return "other", nil }); !errors.Is(err, context.DeadlineExceeded) || !shared {
		t.Fatalf("follower must time out as shared, got shared=%v err=%v", shared, err)
	}
}
