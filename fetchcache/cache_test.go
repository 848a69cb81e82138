package fetchcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoremus-urban-solutions/transit-display/storage"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEntries = 10
	cfg.MaxMemoryBytes = 1 << 20
	return cfg
}

func newTestCache(clock clockwork.Clock, store storage.Store) *Cache {
	return New(testConfig(), clock, nil, store)
}

// eventRecorder collects published events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestGet_FetchesOnceThenServesFromCache(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	rec := &eventRecorder{}
	c.Events().Subscribe(MatchAll(), rec.record)

	var calls int32
	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "payload", nil
	}
	cfg := EntryConfig{MaxAge: time.Minute}

	v, err := Get(context.Background(), c, "k", fetch, cfg)
	require.NoError(t, err)
	assert.Equal(t, "payload", v)

	v, err = Get(context.Background(), c, "k", fetch, cfg)
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	assert.Equal(t, []EventType{EventMiss, EventUpdated, EventHit}, rec.types())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestGet_TypedMismatchFails(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	_, err := Get(context.Background(), c, "k",
		func(ctx context.Context) (string, error) { return "s", nil },
		EntryConfig{MaxAge: time.Minute})
	require.NoError(t, err)

	_, err = Get(context.Background(), c, "k",
		func(ctx context.Context) (int, error) { return 1, nil },
		EntryConfig{MaxAge: time.Minute})
	require.Error(t, err)
}

func TestEntry_ValidityBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock, nil)
	c.Set("k", "v", EntryConfig{MaxAge: time.Minute})

	clock.Advance(time.Minute - time.Millisecond)
	assert.True(t, c.Has("k"), "entry must be valid just before max age")

	clock.Advance(2 * time.Millisecond)
	assert.False(t, c.Has("k"), "entry must be invalid just after max age")
}

func TestGet_SingleFlightSharesOneFetch(t *testing.T) {
	c := newTestCache(clockwork.NewRealClock(), nil)

	var calls int32
	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return "shared", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Get(context.Background(), c, "k", fetch, EntryConfig{MaxAge: time.Minute})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent callers must share one fetch")
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestGet_ServesExpiredValueWhenFetchFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock, nil)
	c.Set("k", "old", EntryConfig{MaxAge: time.Minute})
	clock.Advance(2 * time.Minute)

	v, err := Get(context.Background(), c, "k",
		func(ctx context.Context) (string, error) { return "", errors.New("upstream down") },
		EntryConfig{MaxAge: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "old", v, "expired data beats a hard failure")
}

func TestGet_FailsWhenNothingCached(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	wantErr := errors.New("upstream down")
	_, err := Get(context.Background(), c, "k",
		func(ctx context.Context) (string, error) { return "", wantErr },
		EntryConfig{MaxAge: time.Minute})
	require.ErrorIs(t, err, wantErr)
}

func TestGet_StaleWhileRevalidate(t *testing.T) {
	c := newTestCache(clockwork.NewRealClock(), nil)
	cfg := EntryConfig{MaxAge: time.Minute, TTL: 10 * time.Millisecond, StaleWhileRevalidate: true}

	var calls int32
	fetch := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "first", nil
		}
		return "second", nil
	}

	v, err := Get(context.Background(), c, "k", fetch, cfg)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	time.Sleep(30 * time.Millisecond)

	// Stale but within max age: the old value is served immediately and a
	// background refresh kicks off.
	v, err = Get(context.Background(), c, "k", fetch, cfg)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.Eventually(t, func() bool {
		v, ok := c.GetCached("k")
		return ok && v == "second"
	}, time.Second, 5*time.Millisecond)
}

func TestSet_EvictsLRUAtEntryCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.MaxEntries = 2
	c := New(cfg, clock, nil, nil)
	rec := &eventRecorder{}
	c.Events().Subscribe(MatchAll(), rec.record)

	c.Set("a", "1", EntryConfig{MaxAge: time.Minute})
	clock.Advance(time.Second)
	c.Set("b", "2", EntryConfig{MaxAge: time.Minute})
	clock.Advance(time.Second)
	_, ok := c.GetCached("a") // refresh a's recency; b is now LRU
	require.True(t, ok)
	clock.Advance(time.Second)
	c.Set("c", "3", EntryConfig{MaxAge: time.Minute})

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))

	var evictions int
	for _, ev := range rec.types() {
		if ev == EventEvicted {
			evictions++
		}
	}
	assert.Equal(t, 1, evictions)
}

func TestClearByPrefix(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	c.Set("feed:vehicles:a", 1, EntryConfig{MaxAge: time.Minute})
	c.Set("feed:vehicles:b", 2, EntryConfig{MaxAge: time.Minute})
	c.Set("feed:static:a", 3, EntryConfig{MaxAge: time.Minute})

	assert.Equal(t, 2, c.ClearByPrefix("feed:vehicles:"))
	assert.False(t, c.Has("feed:vehicles:a"))
	assert.True(t, c.Has("feed:static:a"))
}

func TestClear_Idempotent(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	c.Set("k", "v", EntryConfig{MaxAge: time.Minute})
	assert.True(t, c.Clear("k"))
	assert.False(t, c.Clear("k"))
}

func TestSweeper_PublishesExpiredEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.SweepInterval = time.Minute
	c := New(cfg, clock, nil, nil)
	c.Set("k", "v", EntryConfig{MaxAge: 30 * time.Second})

	rec := &eventRecorder{}
	c.Events().Subscribe(MatchKey("k"), rec.record)

	clock.Advance(45 * time.Second)
	c.sweep()

	types := rec.types()
	require.Len(t, types, 1)
	assert.Equal(t, EventExpired, types[0])
	assert.False(t, c.Has("k"))
}

func TestEventBus_SubscriberPanicIsContained(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	c.Events().Subscribe(MatchAll(), func(Event) { panic("boom") })
	var delivered int32
	c.Events().Subscribe(MatchAll(), func(Event) { atomic.AddInt32(&delivered, 1) })

	c.Set("k", "v", EntryConfig{MaxAge: time.Minute})
	assert.Positive(t, atomic.LoadInt32(&delivered), "other subscribers still receive events")
}

func TestEventBus_PrefixMatcher(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock(), nil)
	rec := &eventRecorder{}
	id := c.Events().Subscribe(MatchPrefix("feed:"), rec.record)

	c.Set("feed:a", 1, EntryConfig{MaxAge: time.Minute})
	c.Set("other:b", 2, EntryConfig{MaxAge: time.Minute})
	assert.Len(t, rec.types(), 1)

	c.Events().Unsubscribe(id)
	c.Set("feed:c", 3, EntryConfig{MaxAge: time.Minute})
	assert.Len(t, rec.types(), 1, "unsubscribed recorder sees nothing new")
}

func TestGetCachedStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock, nil)
	c.Set("k", "v", EntryConfig{MaxAge: time.Minute})

	clock.Advance(30 * time.Second)
	sv, ok := c.GetCachedStale("k")
	require.True(t, ok)
	assert.Equal(t, "v", sv.Data)
	assert.Equal(t, 30*time.Second, sv.Age)
	assert.False(t, sv.IsStale)

	clock.Advance(time.Minute)
	sv, ok = c.GetCachedStale("k")
	require.True(t, ok)
	assert.True(t, sv.IsStale)
}
