package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry represents a cached item with expiration
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache with TTL support
type MemoryCache[V any] struct {
	cache *lru.Cache[string, *cacheEntry[V]]
	ttl   time.Duration
	mu    sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache[V any](size int, ttl time.Duration) (*MemoryCache[V], error) {
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	cache, err := lru.New[string, *cacheEntry[V]](size)
	if err != nil {
		return nil, err
	}

	mc := &MemoryCache[V]{
		cache: cache,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	go mc.cleanupLoop()

	return mc, nil
}

// Get retrieves a value from the cache
func (mc *MemoryCache[V]) Get(key string) (V, bool) {
	mc.mu.RLock()
	entry, ok := mc.cache.Get(key)
	mc.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}

	if time.Now().After(entry.expiresAt) {
		mc.mu.Lock()
		mc.cache.Remove(key)
		mc.mu.Unlock()
		return zero, false
	}

	return entry.value, true
}

// Set stores a value in the cache
func (mc *MemoryCache[V]) Set(key string, value V) {
	entry := &cacheEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(mc.ttl),
	}

	mc.mu.Lock()
	mc.cache.Add(key, entry)
	mc.mu.Unlock()
}

// Len returns the number of entries, expired ones included until swept
func (mc *MemoryCache[V]) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.cache.Len()
}

// Close stops the cleanup goroutine
func (mc *MemoryCache[V]) Close() {
	mc.stopOnce.Do(func() { close(mc.stop) })
}

// cleanupLoop periodically removes expired entries
func (mc *MemoryCache[V]) cleanupLoop() {
	interval := mc.ttl / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *MemoryCache[V]) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && now.After(entry.expiresAt) {
			mc.cache.Remove(key)
		}
	}
}

// NoopCache is a cache that does nothing (used when caching is disabled)
type NoopCache[V any] struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache[V any]() *NoopCache[V] {
	return &NoopCache[V]{}
}

// Get always returns not found
func (nc *NoopCache[V]) Get(key string) (V, bool) {
	var zero V
	return zero, false
}

// Set does nothing
func (nc *NoopCache[V]) Set(key string, value V) {}

// Len is always zero
func (nc *NoopCache[V]) Len() int { return 0 }

// Close does nothing
func (nc *NoopCache[V]) Close() {}
