// Package registry provides the bounded in-memory maps that back the
// realtime core: connection entries, streaming sessions, user room state,
// rate buckets and in-flight load keys. Every registry has a hard capacity
// so a connection flood cannot grow process memory without bound.
package registry

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Bounded is a concurrency-safe map capped at a fixed size. When a new key
// is inserted at capacity, the least-recently-inserted key is evicted.
// Insertion order is what counts; reading an entry does not refresh it.
// Hit and miss counters are kept for observability.
type Bounded[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[K]*list.Element
	order   *list.List // front = oldest insertion

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type boundedEntry[K comparable, V any] struct {
	key K
	val V
}

// NewBounded creates a registry holding at most maxSize entries.
// A maxSize of zero or less defaults to 1024.
func NewBounded[K comparable, V any](maxSize int) *Bounded[K, V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Bounded[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element),
		order:   list.New(),
	}
}

// Get returns the value for key. Access does not refresh insertion order.
func (b *Bounded[K, V]) Get(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[key]
	if !ok {
		b.misses.Add(1)
		var zero V
		return zero, false
	}
	b.hits.Add(1)
	return el.Value.(*boundedEntry[K, V]).val, true
}

// Set inserts or replaces the value for key. Replacing an existing key keeps
// its original insertion position. Inserting a new key at capacity evicts
// the oldest entry first.
func (b *Bounded[K, V]) Set(key K, val V) {
	b.SetWithEvict(key, val)
}

// SetWithEvict inserts like Set and additionally returns the entry that was
// evicted to make room, if any. Callers owning resources behind their values
// use this to release the evicted one.
func (b *Bounded[K, V]) SetWithEvict(key K, val V) (K, V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evictedKey K
	var evictedVal V
	evicted := false

	if el, ok := b.items[key]; ok {
		el.Value.(*boundedEntry[K, V]).val = val
		return evictedKey, evictedVal, false
	}

	if b.order.Len() >= b.maxSize {
		oldest := b.order.Front()
		if oldest != nil {
			ent := oldest.Value.(*boundedEntry[K, V])
			delete(b.items, ent.key)
			b.order.Remove(oldest)
			b.evictions.Add(1)
			evictedKey, evictedVal, evicted = ent.key, ent.val, true
		}
	}

	b.items[key] = b.order.PushBack(&boundedEntry[K, V]{key: key, val: val})
	return evictedKey, evictedVal, evicted
}

// Delete removes key if present and reports whether it existed.
func (b *Bounded[K, V]) Delete(key K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[key]
	if !ok {
		return false
	}
	delete(b.items, key)
	b.order.Remove(el)
	return true
}

// Range calls fn for each entry in insertion order until fn returns false.
// The snapshot is taken under the lock; fn runs without it, so callers may
// Delete from within fn.
func (b *Bounded[K, V]) Range(fn func(key K, val V) bool) {
	b.mu.Lock()
	snapshot := make([]*boundedEntry[K, V], 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, el.Value.(*boundedEntry[K, V]))
	}
	b.mu.Unlock()

	for _, ent := range snapshot {
		if !fn(ent.key, ent.val) {
			return
		}
	}
}

// Len returns the current number of entries.
func (b *Bounded[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Cap returns the configured maximum size.
func (b *Bounded[K, V]) Cap() int {
	return b.maxSize
}

// Clear drops every entry. Used by the janitor under memory pressure.
func (b *Bounded[K, V]) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.order.Len()
	b.items = make(map[K]*list.Element)
	b.order.Init()
	return n
}

// Stats returns the cumulative hit, miss and eviction counts.
func (b *Bounded[K, V]) Stats() (hits, misses, evictions int64) {
	return b.hits.Load(), b.misses.Load(), b.evictions.Load()
}
