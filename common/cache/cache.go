// Package cache holds resolved object-store URLs in process memory so hot reads skip signing.
package cache

import (
	"sync"
	"time"

	"github.com/lyzr/mediacache/common/logger"
)

// URLCache is an expiring string map. The zero TTL means "do not cache".
type URLCache struct {
	data map[string]cacheEntry
	mu   sync.RWMutex
	log  *logger.Logger
	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewURLCache creates a cache and starts its sweeper
func NewURLCache(log *logger.Logger) *URLCache {
	c := &URLCache{
		data: make(map[string]cacheEntry),
		log:  log,
		now:  time.Now,
		done: make(chan struct{}),
	}

	go c.cleanup(time.Minute)

	return c
}

// Get returns a live entry
func (c *URLCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists || !c.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

// Set stores value for ttl
func (c *URLCache) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		return
	}
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

// Delete removes entries
func (c *URLCache) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		delete(c.data, k)
	}
}

// Len returns the number of stored entries, expired ones included
func (c *URLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the sweeper and drops all entries
func (c *URLCache) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.data = nil
		c.mu.Unlock()
		c.log.Info("url cache closed")
	})
	return nil
}

func (c *URLCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *URLCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, key)
		}
	}
}
