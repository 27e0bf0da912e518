package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/c360/reef/errors"
)

// EvictCallback is called when an entry is evicted from the cache.
// It receives the key and value of the evicted entry.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Cache is a bounded cache with per-entry expiry. The zero value is not
// usable; call New.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is newest

	now     func() time.Time
	evictFn EvictCallback[V]
	stats   *Statistics
	metrics *cacheMetrics
}

// New creates a cache holding at most maxSize live entries.
func New[V any](maxSize int, opts ...Option[V]) (*Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.Invalidf("cache", "New", "max size must be positive, got %d", maxSize)
	}
	o := applyOptions(opts...)

	c := &Cache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		now:     o.now,
		evictFn: o.evictCallback,
		stats:   NewStatistics(),
	}
	if o.metricsReg != nil {
		m, err := newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.Invalidf("cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// Get returns the value of a live entry.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok && el.Value.(*entry[V]).expired(c.now()) {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		var zero V
		return zero, false
	}
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return el.Value.(*entry[V]).value, true
}

// Set stores value under key until expiresAt, replacing any entry. It
// reports whether the key was new or only held an expired entry.
func (c *Cache[V]) Set(key string, value V, expiresAt time.Time) (bool, error) {
	return c.set(key, value, expiresAt, true)
}

// SetIfAbsent stores value only when key has no live entry and reports
// whether it did.
func (c *Cache[V]) SetIfAbsent(key string, value V, expiresAt time.Time) (bool, error) {
	return c.set(key, value, expiresAt, false)
}

func (c *Cache[V]) set(key string, value V, expiresAt time.Time, replace bool) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted []*entry[V]
	c.mu.Lock()
	now := c.now()
	fresh := true
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		if !e.expired(now) {
			if !replace {
				c.mu.Unlock()
				c.stats.Hit()
				if c.metrics != nil {
					c.metrics.recordHit()
				}
				return false, nil
			}
			fresh = false
		}
		c.order.Remove(el)
		delete(c.items, key)
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	if len(c.items) > c.maxSize {
		evicted = c.removeExpiredLocked(now)
		for len(c.items) > c.maxSize {
			evicted = append(evicted, c.removeLocked(c.order.Back()))
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	c.evicted(evicted)
	return fresh, nil
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	var e *entry[V]
	if ok {
		e = c.removeLocked(el)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	if c.evictFn != nil {
		c.evictFn(e.key, e.value)
	}
	return true
}

// Sweep removes expired entries and returns how many it removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	removed := c.removeExpiredLocked(c.now())
	size := len(c.items)
	c.mu.Unlock()

	if len(removed) > 0 {
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.updateSize(size)
		}
	}
	c.evicted(removed)
	return len(removed)
}

// Len returns the number of entries, expired ones not yet swept included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the statistics tracker.
func (c *Cache[V]) Stats() *Statistics {
	return c.stats
}

func (c *Cache[V]) removeLocked(el *list.Element) *entry[V] {
	e := c.order.Remove(el).(*entry[V])
	delete(c.items, e.key)
	return e
}

func (c *Cache[V]) removeExpiredLocked(now time.Time) []*entry[V] {
	var removed []*entry[V]
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*entry[V]).expired(now) {
			removed = append(removed, c.removeLocked(el))
		}
		el = prev
	}
	return removed
}

// evicted records evictions and runs the callback outside the lock.
func (c *Cache[V]) evicted(entries []*entry[V]) {
	for _, e := range entries {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
	}
}
