package cache

import (
	"errors"
	"slices"
	"sync"
)

// Registry names caches that share one process, e.g. one per namespace on
// top of the same Store. It is an explicit object; there is no global one.
type Registry[K comparable, V any] struct {
	mu     sync.Mutex
	caches map[string]*Cache[K, V]
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{caches: make(map[string]*Cache[K, V])}
}

// GetOrCreate returns the cache registered under name, creating it from opt
// if absent. Creation happens under the registry lock, so concurrent callers
// get the same instance. opt is ignored when the cache already exists.
func (r *Registry[K, V]) GetOrCreate(name string, opt Options[K, V]) (*Cache[K, V], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[name]; ok {
		return c, nil
	}
	c, err := New(opt)
	if err != nil {
		return nil, err
	}
	r.caches[name] = c
	return c, nil
}

// Get returns the cache registered under name.
func (r *Registry[K, V]) Get(name string) (*Cache[K, V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry[K, V]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.caches))
	for n := range r.caches {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Remove closes and unregisters name. It reports whether it was present.
func (r *Registry[K, V]) Remove(name string) bool {
	r.mu.Lock()
	c, ok := r.caches[name]
	delete(r.caches, name)
	r.mu.Unlock()
	if ok {
		_ = c.Close()
	}
	return ok
}

// Close closes every registered cache and empties the registry.
func (r *Registry[K, V]) Close() error {
	r.mu.Lock()
	caches := r.caches
	r.caches = make(map[string]*Cache[K, V])
	r.mu.Unlock()

	var errs []error
	for _, c := range caches {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
