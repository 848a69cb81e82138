// Package resultcache memoizes pure computation output.
//
// Eviction is strict LRU tracked by a monotonic access counter, not
// wall-clock time, and runs independently of TTL expiry: an insert that would
// exceed the entry cap or the memory cap evicts least-recently-used entries
// until both caps hold.
package resultcache

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/theoremus-urban-solutions/transit-display/config"
	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/utils"
)

const logCategory = "resultcache"

// Config tunes a Cache instance.
type Config struct {
	MaxEntries     int
	MaxMemoryBytes int64
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{MaxEntries: 1000, MaxMemoryBytes: 50 << 20}
}

// ConfigFromApp converts application configuration.
func ConfigFromApp(c config.ResultCacheConfig) Config {
	cfg := DefaultConfig()
	if c.MaxEntries > 0 {
		cfg.MaxEntries = c.MaxEntries
	}
	if c.MaxMemoryBytes > 0 {
		cfg.MaxMemoryBytes = c.MaxMemoryBytes
	}
	return cfg
}

type entry struct {
	value     any
	size      int64
	expiresAt time.Time
	lastUsed  uint64
}

// Cache is a TTL + strict-LRU + memory-bounded memoization cache. Safe for
// concurrent use.
type Cache struct {
	cfg   Config
	clock clockwork.Clock
	log   internal.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	memBytes int64
	counter  uint64
	hits     int64
	misses   int64
}

// New creates a Cache. log may be nil.
func New(cfg Config, clock clockwork.Clock, log internal.Logger) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = internal.NopLogger{}
	}
	return &Cache{cfg: cfg, clock: clock, log: log, entries: map[string]*entry{}}
}

// Set stores value under key with the given TTL, evicting LRU entries until
// the entry and memory caps hold. The size estimate walks nested containers.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	size := utils.EstimateSize(value)
	if c.cfg.MaxMemoryBytes > 0 && size > c.cfg.MaxMemoryBytes {
		c.log.Warn(logCategory, "value larger than memory cap, not cached", "key", key, "size", size)
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.memBytes -= old.size
		delete(c.entries, key)
	}
	c.counter++
	c.entries[key] = &entry{value: value, size: size, expiresAt: now.Add(ttl), lastUsed: c.counter}
	c.memBytes += size
	c.evictLRULocked()
}

// Get returns the cached value. Absence and expiry both count as a miss; an
// expired entry is removed on sight.
func (c *Cache) Get(key string) (any, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		c.memBytes -= e.size
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	c.counter++
	e.lastUsed = c.counter
	return e.value, true
}

// TTLForFreshness picks a TTL from the age of the source data: the fresher
// the input, the shorter the memoization window.
func TTLForFreshness(sourceAge time.Duration) time.Duration {
	switch {
	case sourceAge < time.Minute:
		return 30 * time.Second
	case sourceAge < 5*time.Minute:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// InvalidateIDs removes all entries whose key references any of the given
// entity IDs (substring match on normalized keys). Returns the removal count.
// This keeps per-item updates from wiping the whole cache.
func (c *Cache) InvalidateIDs(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	norm := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			norm = append(norm, strings.ToLower(id))
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []string
	for k := range c.entries {
		lk := strings.ToLower(k)
		for _, id := range norm {
			if strings.Contains(lk, id) {
				victims = append(victims, k)
				break
			}
		}
	}
	for _, k := range victims {
		c.memBytes -= c.entries[k].size
		delete(c.entries, k)
	}
	return len(victims)
}

// InvalidatePrefix removes all entries whose key has the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			victims = append(victims, k)
		}
	}
	for _, k := range victims {
		c.memBytes -= c.entries[k].size
		delete(c.entries, k)
	}
	return len(victims)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*entry{}
	c.memBytes = 0
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memoryBytes"`
}

// Stats returns hit/miss counters and current footprint.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries), MemoryBytes: c.memBytes}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// evictLRULocked removes lowest-lastUsed entries until both caps hold,
// independent of TTL.
func (c *Cache) evictLRULocked() {
	for (c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries) ||
		(c.cfg.MaxMemoryBytes > 0 && c.memBytes > c.cfg.MaxMemoryBytes) {
		lruKey := ""
		var lruUsed uint64
		for k, e := range c.entries {
			if lruKey == "" || e.lastUsed < lruUsed {
				lruKey = k
				lruUsed = e.lastUsed
			}
		}
		if lruKey == "" {
			return
		}
		c.memBytes -= c.entries[lruKey].size
		delete(c.entries, lruKey)
	}
}
