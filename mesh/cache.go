package mesh

import (
	"container/list"
	"sync"
)

// idCache is a capacity-bounded FIFO set of message ids: oldest inserted id
// is evicted first once the cache is full. It backs both the seen-id cache
// (shared between the receive callback and the Processor, hence the mutex)
// and the pending-confirm cache (Processor-private, where the mutex is
// never contended).
type idCache struct {
	mu       sync.Mutex
	order    *list.List
	index    map[uint32]*list.Element
	capacity int
}

func newIDCache(capacity int) *idCache {
	return &idCache{
		order:    list.New(),
		index:    make(map[uint32]*list.Element, capacity),
		capacity: capacity,
	}
}

// Contains reports whether id is currently in the cache.
func (c *idCache) Contains(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// Insert adds id to the cache, evicting the oldest entry if this insertion
// would exceed capacity. Re-inserting an id already present is a no-op: it
// does not refresh its position.
func (c *idCache) Insert(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return
	}
	el := c.order.PushBack(id)
	c.index[id] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(uint32))
	}
}

// ContainsAndInsert is the atomic check-then-remember the receive path needs:
// it reports whether id was already present, and if not, inserts it.
func (c *idCache) ContainsAndInsert(id uint32) (alreadySeen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return true
	}
	el := c.order.PushBack(id)
	c.index[id] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(uint32))
	}
	return false
}

// Remove drops id from the cache if present. Used by the pending-confirm
// cache once a WaitResponse poll matches an arrived confirmation.
func (c *idCache) Remove(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[id]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.index, id)
	return true
}

func (c *idCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// routeEntry is one learned path: a frame bound for Target should next be
// handed to NextHop.
type routeEntry struct {
	Target  HWID
	NextHop HWID
}

// routeCache is the Processor-private routing table: original_target ->
// next_hop, bounded FIFO, with a learn operation that evicts any prior entry
// for the same target before installing the fresh one, so the newest
// discovered path wins, not the oldest.
type routeCache struct {
	order    *list.List
	index    map[HWID]*list.Element
	capacity int
}

func newRouteCache(capacity int) *routeCache {
	return &routeCache{
		order:    list.New(),
		index:    make(map[HWID]*list.Element, capacity),
		capacity: capacity,
	}
}

// Lookup returns the next hop for target, if a route is known.
func (c *routeCache) Lookup(target HWID) (HWID, bool) {
	el, ok := c.index[target]
	if !ok {
		return HWID{}, false
	}
	return el.Value.(routeEntry).NextHop, true
}

// Learn installs or replaces the route to target via nextHop, evicting the
// oldest entry if the cache is now over capacity.
func (c *routeCache) Learn(target, nextHop HWID) {
	if el, ok := c.index[target]; ok {
		c.order.Remove(el)
		delete(c.index, target)
	}
	el := c.order.PushBack(routeEntry{Target: target, NextHop: nextHop})
	c.index[target] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(routeEntry).Target)
	}
}

// Forget drops any route to target, used when a forward over a learned route
// fails and the route must be rediscovered.
func (c *routeCache) Forget(target HWID) {
	if el, ok := c.index[target]; ok {
		c.order.Remove(el)
		delete(c.index, target)
	}
}

func (c *routeCache) Len() int {
	return c.order.Len()
}
