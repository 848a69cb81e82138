package fetchcache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/theoremus-urban-solutions/transit-display/config"
	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/storage"
	"github.com/theoremus-urban-solutions/transit-display/utils"
)

const logCategory = "fetchcache"

// Config tunes a Cache instance.
type Config struct {
	MaxEntries              int
	MaxMemoryBytes          int64
	MemoryPressureRatio     float64
	PressureEvictFraction   float64
	EmergencyShrinkFraction float64
	SweepInterval           time.Duration
	DefaultMaxAge           time.Duration
	DefaultTTL              time.Duration
	// MaxPendingWait bounds how long a caller shares an in-flight fetch.
	MaxPendingWait time.Duration
	// SnapshotKey is the persistent-store key for reload survival.
	SnapshotKey string
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:              500,
		MaxMemoryBytes:          100 << 20,
		MemoryPressureRatio:     0.8,
		PressureEvictFraction:   0.25,
		EmergencyShrinkFraction: 0.5,
		SweepInterval:           5 * time.Minute,
		DefaultMaxAge:           5 * time.Minute,
		DefaultTTL:              time.Minute,
		MaxPendingWait:          30 * time.Second,
		SnapshotKey:             "fetchcache/snapshot",
	}
}

// ConfigFromApp converts application configuration.
func ConfigFromApp(c config.FetchCacheConfig) Config {
	cfg := DefaultConfig()
	if c.MaxEntries > 0 {
		cfg.MaxEntries = c.MaxEntries
	}
	if c.MaxMemoryBytes > 0 {
		cfg.MaxMemoryBytes = c.MaxMemoryBytes
	}
	if c.MemoryPressureRatio > 0 {
		cfg.MemoryPressureRatio = c.MemoryPressureRatio
	}
	if c.PressureEvictFraction > 0 {
		cfg.PressureEvictFraction = c.PressureEvictFraction
	}
	if c.EmergencyShrinkFraction > 0 {
		cfg.EmergencyShrinkFraction = c.EmergencyShrinkFraction
	}
	if c.SweepIntervalS > 0 {
		cfg.SweepInterval = time.Duration(c.SweepIntervalS) * time.Second
	}
	if c.DefaultMaxAgeS > 0 {
		cfg.DefaultMaxAge = time.Duration(c.DefaultMaxAgeS) * time.Second
	}
	if c.DefaultTTLS > 0 {
		cfg.DefaultTTL = time.Duration(c.DefaultTTLS) * time.Second
	}
	return cfg
}

// FetchFunc produces the value for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cache memoizes async fetch results. Values are stored as any; use the
// package-level Get for a typed view. Safe for concurrent use.
type Cache struct {
	cfg   Config
	clock clockwork.Clock
	log   internal.Logger
	store storage.Store // nil = in-memory only
	bus   *Bus

	mu           sync.Mutex
	entries      map[string]*Entry
	memBytes     int64
	pendingStart map[string]time.Time
	hits         int64
	misses       int64

	sf singleflight.Group

	snapshotQueued atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Cache. store may be nil to disable snapshotting; log may be
// nil to disable logging.
func New(cfg Config, clock clockwork.Clock, log internal.Logger, store storage.Store) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = internal.NopLogger{}
	}
	def := DefaultConfig()
	if cfg.MaxPendingWait == 0 {
		cfg.MaxPendingWait = def.MaxPendingWait
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = def.SnapshotKey
	}
	return &Cache{
		cfg:          cfg,
		clock:        clock,
		log:          log,
		store:        store,
		bus:          NewBus(log),
		entries:      map[string]*Entry{},
		pendingStart: map[string]time.Time{},
		stop:         make(chan struct{}),
	}
}

// Events returns the cache's event bus.
func (c *Cache) Events() *Bus { return c.bus }

// Get returns the value for key, fetching it when needed.
//
// A valid non-stale entry is returned directly. A valid stale entry with
// stale-while-revalidate enabled is returned immediately while a background
// refresh runs; its failure is logged and swallowed. Concurrent fetches for
// the same key share one underlying call. When the fetch fails, any cached
// value (even expired) serves as a fallback before the error propagates.
func Get[T any](ctx context.Context, c *Cache, key string, fetch FetchFunc[T], cfg EntryConfig) (T, error) {
	var zero T
	v, err := c.get(ctx, key, func(ctx context.Context) (any, error) { return fetch(ctx) }, cfg)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("fetchcache: key %q holds %T", key, v)
	}
	return t, nil
}

func (c *Cache) get(ctx context.Context, key string, fetch FetchFunc[any], cfg EntryConfig) (any, error) {
	now := c.clock.Now()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !cfg.ForceRefresh && e.Valid(now) {
		c.hits++
		c.touchLocked(e, now)
		data := e.Data
		refresh := e.Stale(now) && cfg.StaleWhileRevalidate
		c.mu.Unlock()
		c.bus.Publish(Event{Type: EventHit, Key: key, At: now})
		if refresh {
			c.refreshInBackground(key, fetch, cfg)
		}
		return data, nil
	}
	c.misses++
	c.mu.Unlock()
	c.bus.Publish(Event{Type: EventMiss, Key: key, At: now})

	v, err := c.doFetch(ctx, key, fetch, cfg)
	if err != nil {
		// Prefer degraded data over a hard failure: any cached value, even
		// fully expired, beats an error.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.touchLocked(e, c.clock.Now())
			data := e.Data
			c.mu.Unlock()
			c.log.Warn(logCategory, "fetch failed, serving cached fallback", "key", key, "error", err)
			return data, nil
		}
		c.mu.Unlock()
		return nil, err
	}
	return v, nil
}

// doFetch runs fetch under single-flight, bounded by MaxPendingWait. The
// pending marker is inserted before any suspension point so concurrent calls
// observe each other.
func (c *Cache) doFetch(ctx context.Context, key string, fetch FetchFunc[any], cfg EntryConfig) (any, error) {
	now := c.clock.Now()
	c.mu.Lock()
	if started, ok := c.pendingStart[key]; ok && now.Sub(started) > c.cfg.MaxPendingWait {
		// The in-flight fetch has overstayed its welcome; stop piling onto it.
		c.sf.Forget(key)
		delete(c.pendingStart, key)
	}
	if _, ok := c.pendingStart[key]; !ok {
		c.pendingStart[key] = now
	}
	c.mu.Unlock()

	ch := c.sf.DoChan(key, func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.pendingStart, key)
			c.mu.Unlock()
		}()
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, val, cfg)
		return val, nil
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-c.clock.After(c.cfg.MaxPendingWait):
		return nil, fmt.Errorf("fetchcache: shared fetch for %q exceeded %s", key, c.cfg.MaxPendingWait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) refreshInBackground(key string, fetch FetchFunc[any], cfg EntryConfig) {
	go func() {
		if _, err := c.doFetch(context.Background(), key, fetch, cfg); err != nil {
			// Swallowed: the stale value already served the caller.
			c.log.Warn(logCategory, "background refresh failed", "key", key, "error", err)
		}
	}()
}

// Set stores a value, then enforces entry-count and memory limits.
func (c *Cache) Set(key string, data any, cfg EntryConfig) {
	now := c.clock.Now()
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = c.cfg.DefaultMaxAge
	}
	ttl := cfg.TTL
	if ttl <= 0 && cfg.StaleWhileRevalidate {
		ttl = c.cfg.DefaultTTL
	}
	if ttl > maxAge {
		ttl = maxAge
	}
	e := &Entry{
		Data:               data,
		CreatedAt:          now,
		LastAccessed:       now,
		MaxAge:             maxAge,
		TTL:                ttl,
		EstimatedSizeBytes: utils.EstimateSize(data),
	}
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.memBytes -= old.EstimatedSizeBytes
	}
	c.entries[key] = e
	c.memBytes += e.EstimatedSizeBytes
	evicted := c.enforceLimitsLocked(now)
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventUpdated, Key: key, At: now})
	for _, k := range evicted {
		c.bus.Publish(Event{Type: EventEvicted, Key: k, At: now})
	}
	c.scheduleSnapshot()
}

// GetCached returns the value only when a valid entry exists.
func (c *Cache) GetCached(key string) (any, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.Valid(now) {
		return nil, false
	}
	c.touchLocked(e, now)
	return e.Data, true
}

// StaleValue is the result of GetCachedStale.
type StaleValue struct {
	Data    any
	Age     time.Duration
	IsStale bool
}

// GetCachedStale returns whatever is cached regardless of validity, with its
// age and staleness.
func (c *Cache) GetCachedStale(key string) (StaleValue, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return StaleValue{}, false
	}
	c.touchLocked(e, now)
	return StaleValue{Data: e.Data, Age: e.Age(now), IsStale: e.Stale(now) || !e.Valid(now)}, true
}

// Has reports whether a valid entry exists.
func (c *Cache) Has(key string) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.Valid(now)
}

// Clear removes one key. Removal is idempotent.
func (c *Cache) Clear(key string) bool {
	now := c.clock.Now()
	c.mu.Lock()
	removed := c.deleteLocked(key)
	c.mu.Unlock()
	if removed {
		c.bus.Publish(Event{Type: EventCleared, Key: key, At: now})
		c.scheduleSnapshot()
	}
	return removed
}

// ClearByPrefix removes all keys with the given prefix and returns the count.
func (c *Cache) ClearByPrefix(prefix string) int {
	now := c.clock.Now()
	c.mu.Lock()
	var keys []string
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		c.deleteLocked(k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.bus.Publish(Event{Type: EventCleared, Key: k, At: now})
	}
	if len(keys) > 0 {
		c.scheduleSnapshot()
	}
	return len(keys)
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	now := c.clock.Now()
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.entries = map[string]*Entry{}
	c.memBytes = 0
	c.mu.Unlock()
	for _, k := range keys {
		c.bus.Publish(Event{Type: EventCleared, Key: k, At: now})
	}
	c.scheduleSnapshot()
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

// StartSweeper launches the periodic expiry sweep. Stop with Close.
func (c *Cache) StartSweeper() {
	go func() {
		for {
			select {
			case <-c.clock.After(c.cfg.SweepInterval):
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper and writes a final snapshot.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.SaveSnapshot()
}

func (c *Cache) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	var expired []string
	for k, e := range c.entries {
		if !e.Valid(now) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		c.deleteLocked(k)
	}
	c.mu.Unlock()
	for _, k := range expired {
		c.bus.Publish(Event{Type: EventExpired, Key: k, At: now})
	}
	if len(expired) > 0 {
		c.log.Info(logCategory, "sweep removed expired entries", "count", len(expired))
		c.scheduleSnapshot()
	}
}

func (c *Cache) touchLocked(e *Entry, now time.Time) {
	e.LastAccessed = now
	e.AccessCount++
}

// deleteLocked is idempotent so the sweep and foreground mutations can
// interleave safely.
func (c *Cache) deleteLocked(key string) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.memBytes -= e.EstimatedSizeBytes
	delete(c.entries, key)
	return true
}

// enforceLimitsLocked applies entry-count LRU eviction, then memory-pressure
// eviction. Returns the evicted keys.
func (c *Cache) enforceLimitsLocked(now time.Time) []string {
	var evicted []string
	// LRU down to the entry cap.
	for c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
		lruKey := ""
		var lruAt time.Time
		for k, e := range c.entries {
			if lruKey == "" || e.LastAccessed.Before(lruAt) {
				lruKey = k
				lruAt = e.LastAccessed
			}
		}
		c.deleteLocked(lruKey)
		evicted = append(evicted, lruKey)
	}
	// Memory pressure: drop a fraction ranked by weighted size+staleness.
	threshold := int64(float64(c.cfg.MaxMemoryBytes) * c.cfg.MemoryPressureRatio)
	if c.cfg.MaxMemoryBytes > 0 && c.memBytes > threshold {
		evicted = append(evicted, c.evictByPressureLocked(now)...)
	}
	return evicted
}

func (c *Cache) evictByPressureLocked(now time.Time) []string {
	var maxSize int64 = 1
	for _, e := range c.entries {
		if e.EstimatedSizeBytes > maxSize {
			maxSize = e.EstimatedSizeBytes
		}
	}
	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(c.entries))
	for k, e := range c.entries {
		sizeFrac := float64(e.EstimatedSizeBytes) / float64(maxSize)
		staleFrac := math.Min(1, float64(e.Age(now))/float64(e.MaxAge))
		ranked = append(ranked, scored{key: k, score: 0.7*sizeFrac + 0.3*staleFrac})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	n := int(math.Ceil(float64(len(ranked)) * c.cfg.PressureEvictFraction))
	var out []string
	for i := 0; i < n && i < len(ranked); i++ {
		c.deleteLocked(ranked[i].key)
		out = append(out, ranked[i].key)
	}
	c.log.Warn(logCategory, "memory pressure eviction", "evicted", len(out), "memoryBytes", c.memBytes)
	return out
}
