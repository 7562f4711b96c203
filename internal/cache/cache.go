package cache

import (
	"sync"
	"time"

	"github.com/drallgood/course-progress-sync/internal/logger"
)

// Cache stores values with an optional TTL
type Cache[K comparable, V any] interface {
	// Set stores a value; a non-positive ttl never expires
	Set(key K, value V, ttl time.Duration)
	// Get returns a live value
	Get(key K) (V, bool)
	// Delete removes a value
	Delete(key K)
	// Clear removes every value
	Clear()
	// Len returns the number of stored entries, expired or not
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type memoryCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	now   func() time.Time
	log   *logger.Logger
}

// NewMemoryCache creates an in-memory cache
func NewMemoryCache[K comparable, V any](log *logger.Logger) Cache[K, V] {
	if log == nil {
		log = logger.Get()
	}
	return &memoryCache[K, V]{
		items: make(map[K]entry[V]),
		now:   time.Now,
		log:   log.Component("cache"),
	}
}

func (c *memoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
}

func (c *memoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !found {
		return zero, false
	}
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.mu.Lock()
		if current, ok := c.items[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		c.log.Debug("Cache item expired", map[string]interface{}{"key": key})
		return zero, false
	}
	return item.value, true
}

func (c *memoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *memoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]entry[V])
}

func (c *memoryCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// WithTTL returns a wrapper that applies ttl to every Set
func WithTTL[K comparable, V any](c Cache[K, V], ttl time.Duration) Cache[K, V] {
	return &ttlWrapper[K, V]{cache: c, ttl: ttl}
}

type ttlWrapper[K comparable, V any] struct {
	cache Cache[K, V]
	ttl   time.Duration
}

func (w *ttlWrapper[K, V]) Set(key K, value V, _ time.Duration) { w.cache.Set(key, value, w.ttl) }
func (w *ttlWrapper[K, V]) Get(key K) (V, bool)                 { return w.cache.Get(key) }
func (w *ttlWrapper[K, V]) Delete(key K)                        { w.cache.Delete(key) }
func (w *ttlWrapper[K, V]) Clear()                              { w.cache.Clear() }
func (w *ttlWrapper[K, V]) Len() int                            { return w.cache.Len() }
