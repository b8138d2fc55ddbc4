package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IvanBrykalov/workercache/store"
)

var (
	// ErrUnhandled is the Failure error for requests a shard cannot act on:
	// unknown operations, a foreign namespace, or UPDATE without a store.
	ErrUnhandled = errors.New("cache: unhandled request")
	// ErrUnavailable is reported when a shard's circuit breaker is open.
	ErrUnavailable = store.ErrUnavailable
	// ErrClosed is returned for requests sent after Close.
	ErrClosed = errors.New("cache: closed")
	// ErrInvalidConfig wraps every configuration error returned by New.
	ErrInvalidConfig = errors.New("cache: invalid config")
	// ErrNoLoader is returned by GetOrLoad when no Loader was configured in Options.
	ErrNoLoader = errors.New("cache: no Loader provided")
)

// Op is a request tag.
type Op uint8

const (
	OpGet Op = iota + 1
	OpSet
	OpDel
	// OpDelAll clears every shard and deletes the namespace in the store.
	OpDelAll
	// OpClear clears every shard; the store is untouched.
	OpClear
	// OpEvict drops entries idle for longer than Request.MaxAge (TimedLRU).
	OpEvict
	// OpUpdate sends an opaque update to the store and invalidates the key.
	OpUpdate
	// OpFlush drains write-behind buffers.
	OpFlush
)

var opNames = [...]string{
	OpGet:    "GET",
	OpSet:    "SET",
	OpDel:    "DEL",
	OpDelAll: "DEL_ALL",
	OpClear:  "CLEAR",
	OpEvict:  "EVICT",
	OpUpdate: "UPDATE",
	OpFlush:  "FLUSH",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// ParseOp maps a wire name such as "DEL_ALL" back to its Op.
func ParseOp(s string) (Op, bool) {
	for i, name := range opNames {
		if name != "" && name == s {
			return Op(i), true
		}
	}
	return 0, false
}

// Broadcast reports whether the router fans o out to every shard.
func (o Op) Broadcast() bool {
	switch o {
	case OpDelAll, OpClear, OpEvict, OpFlush:
		return true
	}
	return false
}

// Status classifies a reply.
type Status uint8

const (
	// StatusValue answers GET; Found tells whether Value is meaningful.
	StatusValue Status = iota + 1
	// StatusSuccess acknowledges a write or broadcast.
	StatusSuccess
	// StatusFailure carries Err.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusValue:
		return "value"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Request is one message to the cache. Which fields matter depends on Op:
//
//	GET     Key                  -> Value reply
//	SET     Key, Value, Filter   -> Success/Failure
//	DEL     Key, Filter          -> Success/Failure
//	UPDATE  Key, Update, Filter  -> Success/Failure
//	DEL_ALL, CLEAR, FLUSH        -> Success/Failure (broadcast)
//	EVICT   MaxAge               -> no reply unless ReplyTo is set (broadcast)
//
// ReplyTo must be buffered or drained promptly: shards block on it.
// A nil ReplyTo makes the request fire-and-forget.
type Request[K comparable, V any] struct {
	ID        uint64
	Op        Op
	Key       K
	Value     V
	Filter    store.Filter
	Update    store.Update
	Namespace string
	MaxAge    time.Duration
	ReplyTo   chan<- Reply[K, V]
}

// Reply answers the Request with the same ID.
type Reply[K comparable, V any] struct {
	ID     uint64
	Op     Op
	Status Status
	Key    K
	Value  V
	Found  bool
	Err    error
}

// Sender is anything that accepts requests: the Router, or a frontend
// forwarding to one. All implementations are safe for concurrent use.
type Sender[K comparable, V any] interface {
	// Send hands req to the cache. It blocks only while the target inbox is
	// full and returns ctx.Err() or ErrClosed when it gives up.
	Send(ctx context.Context, req Request[K, V]) error
}
