// Package cache memoizes per-state crossing results between runs.
//
// A result depends only on the state's rule and its slice of the ledger,
// so entries are never invalidated; they age out by TTL or recency.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCapacity = 10000

// entryKey scopes a key to its client.
type entryKey struct {
	client string
	key    string
}

type entry struct {
	id        entryKey
	value     []byte
	expiresAt time.Time // zero never expires
}

// Stats reports occupancy and effectiveness of an in-process cache.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// LRUCache bounds memoized results by count, dropping the least recently
// read first. It is the "memory" cache and the first tier of TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[entryKey]*list.Element
	recency  *list.List // front is most recently used
	stats    Stats
	now      func() time.Time
}

// NewLRUCache creates a cache holding at most capacity results.
// capacity <= 0 uses 10000.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[entryKey]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

func (c *LRUCache) Get(_ context.Context, clientID string, key string) ([]byte, error) {
	if clientID == "" {
		return nil, ErrClientRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[entryKey{clientID, key}]
	if !ok {
		c.stats.Misses++
		return nil, nil
	}
	e := el.Value.(*entry)
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.drop(el)
		c.stats.Misses++
		return nil, nil
	}

	c.recency.MoveToFront(el)
	c.stats.Hits++
	return e.value, nil
}

// Set stores value for ttl. A non-positive ttl keeps it until evicted.
func (c *LRUCache) Set(_ context.Context, clientID string, key string, value []byte, ttl time.Duration) error {
	if clientID == "" {
		return ErrClientRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	id := entryKey{clientID, key}
	if el, ok := c.entries[id]; ok {
		e := el.Value.(*entry)
		e.value, e.expiresAt = value, expiresAt
		c.recency.MoveToFront(el)
		return nil
	}

	c.entries[id] = c.recency.PushFront(&entry{id: id, value: value, expiresAt: expiresAt})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
		c.stats.Evictions++
	}
	return nil
}

func (c *LRUCache) Delete(_ context.Context, clientID string, key string) error {
	if clientID == "" {
		return ErrClientRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[entryKey{clientID, key}]; ok {
		c.drop(el)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[entryKey]*list.Element)
	c.recency.Init()
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.recency.Len()
	s.Capacity = c.capacity
	return s
}

func (c *LRUCache) drop(el *list.Element) {
	c.recency.Remove(el)
	delete(c.entries, el.Value.(*entry).id)
}
