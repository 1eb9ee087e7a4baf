// Package registry provides an injectable, concurrency-safe key-value map
// used for in-memory lookup tables shared between trigger and request
// goroutines.
package registry

import (
	"sort"
	"sync"
)

// Map is a concurrency-safe map. The zero value is not usable; call New.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// Get returns the value for key and whether it was present.
func (r *Map[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[key]
	return v, ok
}

// Set stores value under key.
func (r *Map[K, V]) Set(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = value
}

// Delete removes key and returns the previous value, if any.
func (r *Map[K, V]) Delete(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[key]
	delete(r.m, key)
	return v, ok
}

// Update atomically replaces the value for key with fn(old, present).
func (r *Map[K, V]) Update(key K, fn func(old V, present bool) V) V {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.m[key]
	v := fn(old, ok)
	r.m[key] = v
	return v
}

// Swap stores value and returns the previous value, if any.
func (r *Map[K, V]) Swap(key K, value V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.m[key]
	r.m[key] = value
	return old, ok
}

// CompareAndDelete removes key only if match reports true for its current value.
func (r *Map[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[key]
	if !ok || !match(v) {
		return false
	}
	delete(r.m, key)
	return true
}

// Len returns the number of entries.
func (r *Map[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Snapshot returns a copy of the contents.
func (r *Map[K, V]) Snapshot() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[K]V, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}

// Keys returns the keys in ascending order.
func Keys[V any](r *Map[string, V]) []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
