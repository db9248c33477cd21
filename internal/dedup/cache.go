// Package dedup holds the bounded recency cache of identifiers that have
// already been downloaded.
package dedup

import (
	"sync"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// DefaultCapacity is the number of recent identifiers kept.
const DefaultCapacity = 100

// Cache is a fixed-capacity ordered set of recent identifiers. Load replaces
// the whole content; there is no incremental insert. Safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	order    []harvest.Identifier
	members  map[harvest.Identifier]struct{}
}

// New creates an empty cache. A non-positive capacity uses DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		members:  make(map[harvest.Identifier]struct{}),
	}
}

// Load clears the cache and repopulates it with the last capacity elements
// of ids, preserving their relative order.
func (c *Cache) Load(ids []harvest.Identifier) {
	tail := Tail(ids, c.capacity)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order[:0], tail...)
	c.members = make(map[harvest.Identifier]struct{}, len(tail))
	for _, id := range tail {
		c.members[id] = struct{}{}
	}
}

// Contains reports whether id is cached.
func (c *Cache) Contains(id harvest.Identifier) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[id]
	return ok
}

// Len returns the number of cached elements.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Capacity returns the configured bound.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Snapshot returns the cached identifiers oldest first.
func (c *Cache) Snapshot() []harvest.Identifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]harvest.Identifier(nil), c.order...)
}

// Merge returns existing followed by additions with duplicates removed
// (first occurrence wins) and trimmed to the last limit elements. It is the
// input a caller hands to Load after a successful page.
func Merge(existing, additions []harvest.Identifier, limit int) []harvest.Identifier {
	seen := make(map[harvest.Identifier]struct{}, len(existing)+len(additions))
	out := make([]harvest.Identifier, 0, len(existing)+len(additions))
	for _, list := range [][]harvest.Identifier{existing, additions} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return Tail(out, limit)
}

// Tail returns a copy of the last n elements of ids.
func Tail(ids []harvest.Identifier, n int) []harvest.Identifier {
	if n < 0 {
		n = 0
	}
	if len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	return append([]harvest.Identifier(nil), ids...)
}
