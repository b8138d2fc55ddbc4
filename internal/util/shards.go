package util

import "runtime"

// DefaultShards picks a shard count when the caller leaves it at zero.
// Heuristic: GOMAXPROCS rounded up to a power of two, clamped to [1..64].
// Every shard owns a goroutine, so this stays smaller than a lock-striped
// cache would choose.
func DefaultShards() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p)))
	if n > 64 {
		n = 64
	}
	return n
}

// ShardIndex maps a 64-bit hash to an index in [0, shards).
// Power-of-two counts take the mask path; any other count uses modulo.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
