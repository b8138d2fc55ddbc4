package cache

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/IvanBrykalov/workercache/store"
)

// benchmarkMix exercises a read/write mix against a warm cache through the
// default client. Every operation is a round trip to a shard goroutine.
func benchmarkMix(b *testing.B, readsPct int, st store.Store[string, string]) {
	c, err := New(Options[string, string]{Capacity: 100_000, Store: st})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	for i := 0; i < 50_000; i++ {
		_ = c.Set(ctx, "k:"+strconv.Itoa(i), "v")
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				_, _, _ = c.Get(ctx, k)
			} else {
				_ = c.Set(ctx, k, "v")
			}
			i++
		}
	})
}

func BenchmarkCache_90r10w(b *testing.B) { benchmarkMix(b, 90, nil) }
func BenchmarkCache_50r50w(b *testing.B) { benchmarkMix(b, 50, nil) }

func BenchmarkCache_Persistent_90r10w(b *testing.B) {
	benchmarkMix(b, 90, store.NewMemory[string, string]())
}
