package reconcile

import "container/list"

// seenCache remembers recently handled notification keys so redelivered
// notifications are skipped instead of reprocessed. Bounded LRU: the oldest
// key is evicted once capacity is reached. Not safe for concurrent use; it
// is confined to the event-handling goroutine.
type seenCache struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &seenCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (c *seenCache) Contains(key string) bool {
	el, ok := c.index[key]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

func (c *seenCache) Add(key string) {
	if el, ok := c.index[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	c.index[key] = c.order.PushFront(key)
}

func (c *seenCache) Len() int {
	return c.order.Len()
}
