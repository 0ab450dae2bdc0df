package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidCapacity is returned by New when the requested capacity is not positive.
var ErrInvalidCapacity = errors.New("cache capacity must be positive")

// Stats is a point-in-time view of an LRU's counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 when nothing was looked up yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type lruItem[V any] struct {
	key   string
	value V
}

// LRU is a bounded, thread-safe least-recently-used map from string keys to V.
// Both Get and Put count as a use. Size never exceeds Capacity: an insert that
// would overflow evicts the least recently used entry inside the same critical section.
type LRU[V any] struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List // front = most recently used
	items     map[string]*list.Element
	hits      uint64
	misses    uint64
	evictions uint64
	onEvict   func(key string, value V)
}

// New creates an LRU holding at most capacity entries.
func New[V any](capacity int) (*LRU[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &LRU[V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}, nil
}

// OnEvict registers a callback invoked (under the cache lock) for every capacity eviction.
// The callback must not call back into the cache.
func (c *LRU[V]) OnEvict(fn func(key string, value V)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*lruItem[V]).value, true
}

// Peek returns the value for key without touching recency or hit counters.
func (c *LRU[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		return el.Value.(*lruItem[V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or replaces the value for key and marks it most recently used.
// It reports whether an older entry was evicted to make room.
func (c *LRU[V]) Put(key string, value V) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, value)
}

func (c *LRU[V]) putLocked(key string, value V) bool {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem[V]).value = value
		c.order.MoveToFront(el)
		return false
	}

	evicted := false
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			item := c.order.Remove(oldest).(*lruItem[V])
			delete(c.items, item.key)
			c.evictions++
			evicted = true
			if c.onEvict != nil {
				c.onEvict(item.key, item.value)
			}
		}
	}
	c.items[key] = c.order.PushFront(&lruItem[V]{key: key, value: value})
	return evicted
}

// Remove deletes key. Explicit removal is not counted as an eviction.
func (c *LRU[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

// Len returns the current number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the fixed maximum number of entries.
func (c *LRU[V]) Capacity() int { return c.capacity }

// Keys returns the keys ordered from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruItem[V]).key)
	}
	return keys
}

// Purge drops every entry. Counters are kept.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Stats returns a snapshot of the cache counters.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// snapshot returns entries from least to most recently used, the order in
// which they must be re-inserted to reproduce the same recency.
func (c *LRU[V]) snapshot() []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry[V], 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		item := el.Value.(*lruItem[V])
		out = append(out, Entry[V]{Key: item.key, Value: item.value})
	}
	return out
}
