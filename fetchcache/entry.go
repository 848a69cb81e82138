package fetchcache

import "time"

// Entry is one cached fetch result with its bookkeeping.
type Entry struct {
	Data               any
	CreatedAt          time.Time
	LastAccessed       time.Time
	AccessCount        int64
	MaxAge             time.Duration
	TTL                time.Duration // 0 = stale-while-revalidate disabled
	EstimatedSizeBytes int64
}

// Age is the time since the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Valid reports whether the entry may serve reads at all.
func (e *Entry) Valid(now time.Time) bool {
	return e.Age(now) < e.MaxAge
}

// Stale reports whether a background refresh should fire. A stale entry can
// still be valid.
func (e *Entry) Stale(now time.Time) bool {
	return e.TTL > 0 && e.Age(now) > e.TTL
}

// EntryConfig controls one Get or Set call.
type EntryConfig struct {
	// MaxAge gates hard validity. Zero uses the cache default.
	MaxAge time.Duration
	// TTL gates stale-while-revalidate; capped at MaxAge. Zero disables it
	// unless the cache default enables one.
	TTL time.Duration
	// StaleWhileRevalidate serves a stale entry immediately and refreshes in
	// the background.
	StaleWhileRevalidate bool
	// ForceRefresh bypasses a valid entry. The old value still serves as a
	// fallback when the fetch fails.
	ForceRefresh bool
}
