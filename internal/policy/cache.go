package policy

import (
	"container/list"
	"sync"
	"time"
)

// decisionCache is a small LRU with per-entry TTL. Entries carry the policy
// set generation they were computed against; a generation mismatch is a miss,
// which invalidates the whole cache wholesale after any policy mutation.
type decisionCache struct {
	max int
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key     string
	gen     uint64
	dec     Decision
	expires time.Time
}

func newDecisionCache(max int, ttl time.Duration) *decisionCache {
	if max <= 0 {
		max = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &decisionCache{
		max:   max,
		ttl:   ttl,
		now:   time.Now,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *decisionCache) get(gen uint64, key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Decision{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if entry.gen != gen || c.now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.items, key)
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return entry.dec, true
}

func (c *decisionCache) put(gen uint64, key string, dec Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.gen = gen
		entry.dec = dec
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&cacheEntry{
		key:     key,
		gen:     gen,
		dec:     dec,
		expires: c.now().Add(c.ttl),
	})
	c.items[key] = elem
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
