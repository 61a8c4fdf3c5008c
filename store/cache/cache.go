// Package cache provides a small in-process TTL cache used by the store
// facade to avoid re-reading hot rows.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config configures a Cache.
type Config struct {
	OnEviction      func(key string, value any)
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxItems        int
}

type entry struct {
	value     any
	expiresAt time.Time
	element   *list.Element
	key       string
}

// Cache is a thread-safe LRU cache with per-item TTL.
type Cache struct {
	cfg     Config
	items   map[string]*entry
	order   *list.List
	done    chan struct{}
	mu      sync.Mutex
	closeMu sync.Once
}

// New creates a cache and starts its background cleanup goroutine.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 1000
	}

	c := &Cache{
		cfg:   cfg,
		items: make(map[string]*entry),
		order: list.New(),
		done:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value. Expired values count as missing.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.cfg.DefaultTTL)
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	e := &entry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	e.element = c.order.PushFront(e)
	c.items[key] = e

	for len(c.items) > c.cfg.MaxItems {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
	}
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	c.closeMu.Do(func() { close(c.done) })
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.items, e.key)
	c.order.Remove(e.element)
	if c.cfg.OnEviction != nil {
		c.cfg.OnEviction(e.key, e.value)
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for _, e := range c.items {
				if now.After(e.expiresAt) {
					c.removeLocked(e)
				}
			}
			c.mu.Unlock()
		}
	}
}
