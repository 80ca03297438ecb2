package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options bound entry lifetime and cache size.
type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration // 0 disables caching of misses
	MaxEntries  int           // 0 means unbounded
}

// MetricsHooks are optional callbacks labelled with the cache name.
type MetricsHooks struct {
	OnHit   func()
	OnMiss  func()
	OnError func()
}

// Loader fetches a value. ok=false with a nil error is a negative result.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type entry[V any] struct {
	value     V
	err       error
	negative  bool
	expiresAt time.Time
}

// Cache is a TTL cache with singleflight loading and FIFO eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
	now     func() time.Time
}

type loadResult[V any] struct {
	val V
	ok  bool
	err error
}

// New creates a cache.
func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		opts:    opts,
		metrics: hooks,
		now:     time.Now,
	}
}

// Get returns the cached value or loads it. Concurrent misses for one key share a single load.
func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		if c.metrics.OnHit != nil {
			c.metrics.OnHit()
		}
		if e.negative {
			var zero V
			return zero, false, e.err
		}
		return e.value, true, nil
	}

	if c.metrics.OnMiss != nil {
		c.metrics.OnMiss()
	}
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult[V]{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult[V])
	if !res.ok {
		var zero V
		return zero, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache[V]) store(key string, val V, ok bool, err error) {
	e := &entry[V]{}
	now := c.now()
	switch {
	case ok:
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
	case err != nil || c.opts.NegativeTTL <= 0:
		// errors are never cached
		if err != nil && c.metrics.OnError != nil {
			c.metrics.OnError()
		}
		c.Delete(key)
		return
	default:
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
}

// Set stores a value with an explicit TTL.
func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	c.mu.Lock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry[V]{value: val, expiresAt: c.now().Add(ttl)}
	c.evictIfNeeded()
	c.mu.Unlock()
}

// Delete drops a key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	if _, ok := c.items[key]; ok {
		delete(c.items, key)
		c.removeFromOrder(key)
	}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[V]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}
