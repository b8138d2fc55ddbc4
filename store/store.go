// Package store bridges shard workers to an external key/value store.
//
// Store is the closed capability set a backend has to offer; the payloads it
// receives as Filter and Update are opaque here and interpreted only by the
// backend. Bridge owns one Store reference and one circuit breaker and runs
// every call on its own goroutine, so a slow or failing backend never
// blocks the worker that issued the call.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNoMatch is returned by ReplaceOne/UpdateOne when no record matches.
	ErrNoMatch = errors.New("store: no matching record")
	// ErrDuplicate is returned by InsertOne when the key already exists.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrUnsupported is returned when a backend cannot interpret a payload.
	ErrUnsupported = errors.New("store: unsupported filter or update")
)

// Filter is an opaque selection payload; nil matches any record.
type Filter = any

// Update is an opaque modification payload.
type Update = any

// Store is implemented by backing stores. Each call addresses one logical
// record in namespace ns (a collection or table name). Implementations must
// be safe for concurrent use: several bridges may share one Store.
type Store[K comparable, V any] interface {
	FindOne(ctx context.Context, ns string, k K, f Filter) (V, bool, error)
	HasOne(ctx context.Context, ns string, k K, f Filter) (bool, error)
	InsertOne(ctx context.Context, ns string, k K, v V) error
	ReplaceOne(ctx context.Context, ns string, k K, f Filter, v V) error
	UpdateOne(ctx context.Context, ns string, k K, f Filter, u Update) error
	DeleteOne(ctx context.Context, ns string, k K, f Filter) error
	// DeleteAll removes every record in ns.
	DeleteAll(ctx context.Context, ns string) error
}
