// Package cache provides a bounded LRU+TTL cache for decoded remote records.
// It avoids re-fetching and re-decrypting remote data the engine has
// already seen.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/kimhsiao/relaynotes/internal/models"
)

// entry is a single cached record with its bookkeeping.
type entry struct {
	key            string
	value          *models.RemoteRecord
	firstSeenAt    time.Time
	lastAccessedAt time.Time
	accessCount    int
	element        *list.Element
}

// EventCache is a fixed-capacity cache with least-recently-accessed
// eviction and lazy TTL expiry. Safe for concurrent use.
type EventCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*entry
	order    *list.List // front = most recently accessed

	// injectable clock for tests
	now func() time.Time
}

// GetManyResult reports the outcome of a batch lookup so callers can
// fetch only the misses.
type GetManyResult struct {
	Found  map[string]*models.RemoteRecord
	Missed []string
	Hits   int
	Misses int
}

// New creates an EventCache with the given capacity and TTL.
func New(capacity int, ttl time.Duration) *EventCache {
	return &EventCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*entry, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached record for key, or nil if absent or expired.
// A hit refreshes the entry's access order; an expired entry is evicted
// immediately.
func (c *EventCache) Get(key string) *models.RemoteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

func (c *EventCache) get(key string) *models.RemoteRecord {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}

	now := c.now()
	if now.Sub(e.firstSeenAt) > c.ttl {
		// lazy expiry
		c.remove(e)
		return nil
	}

	e.lastAccessedAt = now
	e.accessCount++
	c.order.MoveToFront(e.element)
	return e.value
}

// Set stores a record under key, evicting the least-recently-accessed
// entry when at capacity.
func (c *EventCache) Set(key string, value *models.RemoteRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.firstSeenAt = now
		e.lastAccessedAt = now
		c.order.MoveToFront(e.element)
		return
	}

	if len(c.entries) >= c.capacity {
		if victim := c.order.Back(); victim != nil {
			c.remove(victim.Value.(*entry))
		}
	}

	e := &entry{
		key:            key,
		value:          value,
		firstSeenAt:    now,
		lastAccessedAt: now,
	}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// GetMany looks up a batch of keys and reports hits and misses.
func (c *EventCache) GetMany(keys []string) GetManyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := GetManyResult{
		Found: make(map[string]*models.RemoteRecord),
	}

	for _, key := range keys {
		if value := c.get(key); value != nil {
			result.Found[key] = value
			result.Hits++
		} else {
			result.Missed = append(result.Missed, key)
			result.Misses++
		}
	}

	return result
}

// Len returns the number of live entries.
func (c *EventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops all entries.
func (c *EventCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry, c.capacity)
	c.order.Init()
}

// remove deletes an entry. Caller must hold the lock.
func (c *EventCache) remove(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
