package ingest

import "container/list"

// SequenceCache is a bounded LRU set of recently admitted sequence numbers
// used to reject re-delivered fixes. Membership and eviction are O(1).
type SequenceCache struct {
	capacity int
	entries  map[int64]*list.Element
	order    *list.List // front = most recently seen
}

// NewSequenceCache creates a cache with the given capacity (minimum 512)
func NewSequenceCache(capacity int) *SequenceCache {
	if capacity < 512 {
		capacity = 512
	}
	return &SequenceCache{
		capacity: capacity,
		entries:  make(map[int64]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether the sequence was recently admitted
func (c *SequenceCache) Contains(seq int64) bool {
	_, ok := c.entries[seq]
	return ok
}

// Record marks the sequence as admitted, evicting the least recently seen
// entry when the cache is full
func (c *SequenceCache) Record(seq int64) {
	if el, ok := c.entries[seq]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.entries[seq] = c.order.PushFront(seq)
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(int64))
	}
}

// Len returns the number of cached sequences
func (c *SequenceCache) Len() int {
	return c.order.Len()
}
