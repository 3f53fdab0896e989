package license

import (
	"sync"
	"time"

	"sentineld/pkg/contracts/domain"
)

// cacheEntry is one cached management read.
type cacheEntry struct {
	license   domain.License
	cachedAt  time.Time
	expiresAt time.Time
}

// Cache is a small TTL cache in front of management reads. Mutations
// invalidate synchronously before they return, so a GET that follows a
// PATCH response always sees the new values. The verification engine
// never reads through this cache; it works on row-locked snapshots.
type Cache struct {
	entries map[string]cacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	maxSize int

	hitCount  int64
	missCount int64
}

// NewCache creates a cache bounded by maxSize entries. A non-positive
// ttl or maxSize disables caching entirely.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns a copy of the cached license, if fresh.
func (c *Cache) Get(id string) (*domain.License, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[id]
	if !exists || time.Now().After(entry.expiresAt) {
		c.missCount++
		return nil, false
	}
	c.hitCount++

	lic := entry.license
	return &lic, true
}

// Set stores a copy of the license.
func (c *Cache) Set(lic *domain.License) {
	if lic == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 || c.ttl <= 0 {
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := time.Now()
	c.entries[lic.ID] = cacheEntry{
		license:   *lic,
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
}

// Invalidate drops the entry for one license.
func (c *Cache) Invalidate(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, id)
}

// Stats returns cache counters for diagnostics.
func (c *Cache) Stats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}
	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   ratio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
