package contentgate

import "sync"

// Cache memoises per-frame flag decisions keyed by content hash.
type Cache interface {
	Get(key string) (flagged bool, ok bool)
	Put(key string, flagged bool)
}

// DefaultCacheCapacity bounds the shared frame cache.
const DefaultCacheCapacity = 500

// FIFOCache evicts the oldest inserted entry once full. Lookups do not
// refresh an entry's position.
type FIFOCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]bool
	order    []string
}

// NewFIFOCache returns a cache holding at most capacity entries.
func NewFIFOCache(capacity int) *FIFOCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &FIFOCache{
		capacity: capacity,
		entries:  make(map[string]bool, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *FIFOCache) Get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flagged, ok := c.entries[key]
	return flagged, ok
}

func (c *FIFOCache) Put(key string, flagged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = flagged
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = flagged
	c.order = append(c.order, key)
}

// Len reports the number of cached entries.
func (c *FIFOCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
