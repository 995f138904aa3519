package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache used when no external cache is
// configured and as the default for tests. Expiry is lazy; a bounded entry
// count keeps memory deterministic.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	maxSize int
	clock   Clock
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxSize entries.
func NewMemoryCache(maxSize int, clock Clock) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		clock:   clock,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.clock.Now().After(ent.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return ent.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictIfFullLocked(key)
	c.entries[key] = memoryEntry{value: value, expiresAt: c.clock.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	ent, ok := c.entries[key]
	if !ok || now.After(ent.expiresAt) {
		c.evictIfFullLocked(key)
		c.entries[key] = memoryEntry{value: "1", expiresAt: now.Add(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(ent.value, 10, 64)
	if err != nil {
		// Non-numeric payload under a counter key; reset rather than fail.
		n = 0
	}
	n++
	ent.value = strconv.FormatInt(n, 10)
	c.entries[key] = ent
	return n, nil
}

// Size returns the current entry count.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictIfFullLocked drops expired entries first, then an arbitrary entry if
// still at capacity. Callers hold c.mu.
func (c *MemoryCache) evictIfFullLocked(incoming string) {
	if len(c.entries) < c.maxSize {
		return
	}
	if _, exists := c.entries[incoming]; exists {
		return
	}

	now := c.clock.Now()
	for k, ent := range c.entries {
		if now.After(ent.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}
