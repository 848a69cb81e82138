package fetchcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/theoremus-urban-solutions/transit-display/storage"
)

// RegisterSnapshotType makes a concrete value type encodable in snapshots.
// Call once per cached payload type before LoadSnapshot.
func RegisterSnapshotType(v any) { gob.Register(v) }

// snapshotEntry is the persisted form of one cache entry.
type snapshotEntry struct {
	Key         string
	Data        any
	CreatedAt   time.Time
	AccessCount int64
	MaxAge      time.Duration
	TTL         time.Duration
	Size        int64
}

type snapshotFile struct {
	SavedAt time.Time
	Entries []snapshotEntry
}

// SaveSnapshot writes the cache to the persistent store. On a capacity
// failure it shrinks the cache by the emergency policy, retries once, and
// drops the snapshot entirely if the retry fails. All failures degrade to
// in-memory-only operation; none propagate.
func (c *Cache) SaveSnapshot() {
	if c.store == nil {
		return
	}
	data, err := c.encodeSnapshot()
	if err != nil {
		c.log.Warn(logCategory, "snapshot encode failed", "error", err)
		return
	}
	err = c.store.Save(c.cfg.SnapshotKey, data)
	if err == nil {
		return
	}
	if !errors.Is(err, storage.ErrCapacityExceeded) {
		c.log.Warn(logCategory, "snapshot write failed, continuing in-memory only", "error", err)
		return
	}

	evicted := c.emergencyShrink()
	now := c.clock.Now()
	for _, k := range evicted {
		c.bus.Publish(Event{Type: EventEvicted, Key: k, At: now})
	}
	c.log.Warn(logCategory, "snapshot over capacity, shrunk cache", "evicted", len(evicted))

	data, err = c.encodeSnapshot()
	if err != nil {
		c.log.Warn(logCategory, "snapshot encode failed after shrink", "error", err)
		return
	}
	if err := c.store.Save(c.cfg.SnapshotKey, data); err != nil {
		// Second failure: give up on persistence for this generation.
		_ = c.store.Delete(c.cfg.SnapshotKey)
		c.log.Warn(logCategory, "snapshot retry failed, dropped snapshot", "error", err)
	}
}

// LoadSnapshot restores entries saved by a previous process. Existing keys
// win over snapshot keys. Returns the number of restored entries.
func (c *Cache) LoadSnapshot() int {
	if c.store == nil {
		return 0
	}
	raw, ok, err := c.store.Load(c.cfg.SnapshotKey)
	if err != nil || !ok {
		if err != nil {
			c.log.Warn(logCategory, "snapshot load failed", "error", err)
		}
		return 0
	}
	var file snapshotFile
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&file); err != nil {
		c.log.Warn(logCategory, "snapshot decode failed, ignoring", "error", err)
		return 0
	}
	c.mu.Lock()
	restored := 0
	for _, se := range file.Entries {
		if _, exists := c.entries[se.Key]; exists {
			continue
		}
		c.entries[se.Key] = &Entry{
			Data:               se.Data,
			CreatedAt:          se.CreatedAt,
			LastAccessed:       se.CreatedAt,
			AccessCount:        se.AccessCount,
			MaxAge:             se.MaxAge,
			TTL:                se.TTL,
			EstimatedSizeBytes: se.Size,
		}
		c.memBytes += se.Size
		restored++
	}
	c.mu.Unlock()
	if restored > 0 {
		c.log.Info(logCategory, "restored snapshot entries", "count", restored)
	}
	return restored
}

func (c *Cache) encodeSnapshot() ([]byte, error) {
	c.mu.Lock()
	file := snapshotFile{SavedAt: c.clock.Now(), Entries: make([]snapshotEntry, 0, len(c.entries))}
	for k, e := range c.entries {
		file.Entries = append(file.Entries, snapshotEntry{
			Key:         k,
			Data:        e.Data,
			CreatedAt:   e.CreatedAt,
			AccessCount: e.AccessCount,
			MaxAge:      e.MaxAge,
			TTL:         e.TTL,
			Size:        e.EstimatedSizeBytes,
		})
	}
	c.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// emergencyShrink keeps the most valuable fraction of entries, ranked by
// weighted access count and recency, and evicts the rest.
func (c *Cache) emergencyShrink() []string {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	var maxAccess int64 = 1
	for _, e := range c.entries {
		if e.AccessCount > maxAccess {
			maxAccess = e.AccessCount
		}
	}
	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(c.entries))
	for k, e := range c.entries {
		accessFrac := float64(e.AccessCount) / float64(maxAccess)
		recencyFrac := 1 - math.Min(1, float64(now.Sub(e.LastAccessed))/float64(e.MaxAge))
		ranked = append(ranked, scored{key: k, score: 0.6*accessFrac + 0.4*recencyFrac})
	}
	// Highest scores survive.
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	keep := int(math.Ceil(float64(len(ranked)) * c.cfg.EmergencyShrinkFraction))
	var evicted []string
	for _, s := range ranked[keep:] {
		c.deleteLocked(s.key)
		evicted = append(evicted, s.key)
	}
	return evicted
}

// scheduleSnapshot coalesces async snapshot writes: at most one queued at a
// time.
func (c *Cache) scheduleSnapshot() {
	if c.store == nil {
		return
	}
	if !c.snapshotQueued.CompareAndSwap(false, true) {
		return
	}
	go func() {
		c.snapshotQueued.Store(false)
		c.SaveSnapshot()
	}()
}
