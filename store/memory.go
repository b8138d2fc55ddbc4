package store

import (
	"context"
	"fmt"
	"sync"
)

// Match is the Filter type understood by Memory: a predicate on the stored value.
type Match[V any] func(V) bool

// Mutate is the Update type understood by Memory: it derives the new value.
type Mutate[V any] func(V) (V, error)

// Memory is an in-memory table backend: namespace -> key -> value, with one
// mutex serializing all access. It is useful for tests and single-process
// deployments that want the persistent-mode code path.
type Memory[K comparable, V any] struct {
	mu     sync.RWMutex
	tables map[string]map[K]V
}

// NewMemory returns an empty table store.
func NewMemory[K comparable, V any]() *Memory[K, V] {
	return &Memory[K, V]{tables: make(map[string]map[K]V)}
}

func (m *Memory[K, V]) FindOne(ctx context.Context, ns string, k K, f Filter) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.tables[ns][k]
	if !ok {
		return zero, false, nil
	}
	match, err := matches(f, v)
	if err != nil || !match {
		return zero, false, err
	}
	return v, true, nil
}

func (m *Memory[K, V]) HasOne(ctx context.Context, ns string, k K, f Filter) (bool, error) {
	_, ok, err := m.FindOne(ctx, ns, k, f)
	return ok, err
}

func (m *Memory[K, V]) InsertOne(ctx context.Context, ns string, k K, v V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(ns)
	if _, exists := t[k]; exists {
		return fmt.Errorf("insert %v into %s: %w", k, ns, ErrDuplicate)
	}
	t[k] = v
	return nil
}

func (m *Memory[K, V]) ReplaceOne(ctx context.Context, ns string, k K, f Filter, v V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(ns)
	cur, ok := t[k]
	if !ok {
		return fmt.Errorf("replace %v in %s: %w", k, ns, ErrNoMatch)
	}
	match, err := matches(f, cur)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("replace %v in %s: %w", k, ns, ErrNoMatch)
	}
	t[k] = v
	return nil
}

func (m *Memory[K, V]) UpdateOne(ctx context.Context, ns string, k K, f Filter, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mutate, ok := u.(Mutate[V])
	if !ok {
		if fn, isFunc := u.(func(V) (V, error)); isFunc {
			mutate = fn
		} else {
			return fmt.Errorf("update %v in %s: %w (%T)", k, ns, ErrUnsupported, u)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(ns)
	cur, exists := t[k]
	if !exists {
		return fmt.Errorf("update %v in %s: %w", k, ns, ErrNoMatch)
	}
	match, err := matches(f, cur)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("update %v in %s: %w", k, ns, ErrNoMatch)
	}
	next, err := mutate(cur)
	if err != nil {
		return fmt.Errorf("update %v in %s: %w", k, ns, err)
	}
	t[k] = next
	return nil
}

// DeleteOne removes k when it matches f. Deleting a missing key is not an error.
func (m *Memory[K, V]) DeleteOne(ctx context.Context, ns string, k K, f Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tables[ns]
	cur, ok := t[k]
	if !ok {
		return nil
	}
	match, err := matches(f, cur)
	if err != nil || !match {
		return err
	}
	delete(t, k)
	return nil
}

func (m *Memory[K, V]) DeleteAll(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.tables, ns)
	m.mu.Unlock()
	return nil
}

// Len returns the number of records in ns.
func (m *Memory[K, V]) Len(ns string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[ns])
}

// table returns ns, creating it. Caller holds mu for writing.
func (m *Memory[K, V]) table(ns string) map[K]V {
	t, ok := m.tables[ns]
	if !ok {
		t = make(map[K]V)
		m.tables[ns] = t
	}
	return t
}

func matches[V any](f Filter, v V) (bool, error) {
	switch p := f.(type) {
	case nil:
		return true, nil
	case Match[V]:
		return p(v), nil
	case func(V) bool:
		return p(v), nil
	default:
		return false, fmt.Errorf("%w: filter %T", ErrUnsupported, f)
	}
}

var _ Store[string, []byte] = (*Memory[string, []byte])(nil)
