package filter

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ttlCache is a small TTL cache used for filter decisions and distance
// lookups. At the entry cap it evicts the oldest 25% in one sweep.
type ttlCache[V any] struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	ttl        time.Duration
	maxEntries int
	entries    map[uint64]ttlEntry[V]
}

type ttlEntry[V any] struct {
	val      V
	storedAt time.Time
}

func newTTLCache[V any](clock clockwork.Clock, ttl time.Duration, maxEntries int) *ttlCache[V] {
	return &ttlCache[V]{
		clock:      clock,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    map[uint64]ttlEntry[V]{},
	}
}

func (c *ttlCache[V]) get(key uint64) (V, bool) {
	var zero V
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if now.Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return zero, false
	}
	return e.val, true
}

func (c *ttlCache[V]) set(key uint64, val V) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = ttlEntry[V]{val: val, storedAt: now}
}

// evictOldestLocked removes the oldest quarter of entries.
func (c *ttlCache[V]) evictOldestLocked() {
	type aged struct {
		key uint64
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	n := len(all) / 4
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		delete(c.entries, all[i].key)
	}
}

func (c *ttlCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
