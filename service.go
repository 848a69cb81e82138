// Package transitdisplay turns realtime transit feeds into UI-ready display
// data, with caching, validation, activity-aware filtering, and retry/breaker
// protection between the upstream and the UI.
package transitdisplay

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/theoremus-urban-solutions/transit-display/config"
	"github.com/theoremus-urban-solutions/transit-display/feed"
	"github.com/theoremus-urban-solutions/transit-display/fetchcache"
	"github.com/theoremus-urban-solutions/transit-display/filter"
	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/pipeline"
	"github.com/theoremus-urban-solutions/transit-display/resilience"
	"github.com/theoremus-urban-solutions/transit-display/resultcache"
	"github.com/theoremus-urban-solutions/transit-display/storage"
	"github.com/theoremus-urban-solutions/transit-display/transit"
	"github.com/theoremus-urban-solutions/transit-display/validation"
)

const logCategory = "service"

// Resilience operation names owned by the service layer.
const (
	OpFeedVehicles = "feed.vehicles"
	OpFeedStatic   = "feed.static"
)

// staticMaxAge bounds how long the static bundle is reused before a refetch.
const staticMaxAge = 6 * time.Hour

// Service wires the full path from feed to display data. One Service per
// deployment; safe for concurrent use.
type Service struct {
	cfg    config.AppConfig
	log    internal.Logger
	clock  clockwork.Clock
	store  storage.Store
	source *feed.Source

	exec    *resilience.Executor
	gate    *validation.Gate
	filter  *filter.Filter
	fetch   *fetchcache.Cache
	results *resultcache.Cache
	pipe    *pipeline.Pipeline
}

func init() {
	// Snapshot payload types must be registered before the first save/load.
	fetchcache.RegisterSnapshotType([]transit.VehicleRecord{})
	fetchcache.RegisterSnapshotType(&feed.StaticData{})
}

// NewService builds a Service from configuration. log and clock may be nil.
func NewService(cfg config.AppConfig, log internal.Logger, clock clockwork.Clock) (*Service, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = internal.NewLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var store storage.Store
	if cfg.Storage.InMemory {
		store = storage.NewMemoryStore()
	} else if cfg.Storage.Path != "" {
		var err error
		store, err = storage.NewBadgerStore(storage.BadgerOptions{
			Path:        cfg.Storage.Path,
			MaxValueLen: cfg.Storage.MaxSnapshotLen,
		})
		if err != nil {
			return nil, err
		}
	}

	fetch := fetchcache.New(fetchcache.ConfigFromApp(cfg.FetchCache), clock, log, store)
	if n := fetch.LoadSnapshot(); n > 0 {
		log.Info(logCategory, "restored fetch cache from snapshot", "entries", n)
	}
	fetch.StartSweeper()

	exec := resilience.NewExecutor(
		resilience.PolicySetFromConfig(cfg.Resilience),
		resilience.BreakerSettingsFromConfig(cfg.Resilience.Breaker),
		clock, log)
	gate := validation.NewGate(log, clock)
	flt := filter.New(filter.ConfigFromApp(cfg.Filter), clock, log)
	results := resultcache.New(resultcache.ConfigFromApp(cfg.ResultCache), clock, log)

	s := &Service{
		cfg:     cfg,
		log:     log,
		clock:   clock,
		store:   store,
		source:  feed.NewSource(cfg.Feed),
		exec:    exec,
		gate:    gate,
		filter:  flt,
		fetch:   fetch,
		results: results,
		pipe:    pipeline.New(exec, gate, flt, results, clock, log),
	}
	return s, nil
}

// Vehicles returns the current raw vehicle batch, served from the fetch cache
// with stale-while-revalidate and single-flight sharing.
func (s *Service) Vehicles(ctx context.Context) ([]transit.VehicleRecord, error) {
	readInterval := time.Duration(s.cfg.Feed.ReadIntervalMS) * time.Millisecond
	if readInterval <= 0 {
		readInterval = 30 * time.Second
	}
	return fetchcache.Get(ctx, s.fetch, s.source.VehiclesKey(),
		func(ctx context.Context) ([]transit.VehicleRecord, error) {
			return resilience.Execute(ctx, s.exec, OpFeedVehicles, s.source.Vehicles)
		},
		fetchcache.EntryConfig{
			TTL:                  readInterval,
			MaxAge:               4 * readInterval,
			StaleWhileRevalidate: true,
		})
}

// Static returns the static bundle, cached for hours and refreshed in the
// background when stale.
func (s *Service) Static(ctx context.Context) (*feed.StaticData, error) {
	return fetchcache.Get(ctx, s.fetch, s.source.StaticKey(),
		func(ctx context.Context) (*feed.StaticData, error) {
			return resilience.Execute(ctx, s.exec, OpFeedStatic, s.source.Static)
		},
		fetchcache.EntryConfig{
			TTL:                  staticMaxAge / 2,
			MaxAge:               staticMaxAge,
			StaleWhileRevalidate: true,
		})
}

// Display runs the full path: fetch vehicles, resolve static names, transform.
// A static-bundle failure degrades to raw route ids instead of failing the run.
func (s *Service) Display(ctx context.Context, tctx *transit.TransformContext) (*transit.DisplayResult, error) {
	vehicles, err := s.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	if tctx.Now.IsZero() {
		tctx.Now = s.clock.Now()
	}
	if tctx.RouteDisplayNames == nil {
		if static, err := s.Static(ctx); err == nil {
			tctx.RouteDisplayNames = static.RouteDisplayNames()
			tctx.TripHeadsigns = static.TripHeadsigns()
		} else {
			s.log.Warn(logCategory, "static bundle unavailable, using raw route ids", "error", err)
		}
	}
	return s.pipe.Transform(ctx, vehicles, tctx)
}

// Transform runs the pipeline over a caller-supplied batch, bypassing feed
// reads. Library entry point for embedders that fetch data themselves.
func (s *Service) Transform(ctx context.Context, raw []transit.VehicleRecord, tctx *transit.TransformContext) (*transit.DisplayResult, error) {
	if tctx.Now.IsZero() {
		tctx.Now = s.clock.Now()
	}
	return s.pipe.Transform(ctx, raw, tctx)
}

// Invalidate drops cached results referencing any of the given entity ids and
// forces the next feed read to refetch. Returns the number of dropped results.
func (s *Service) Invalidate(ids []string) int {
	n := s.results.InvalidateIDs(ids)
	s.fetch.Clear(s.source.VehiclesKey())
	s.log.Info(logCategory, "invalidated cached data", "ids", len(ids), "resultsDropped", n)
	return n
}

// InvalidateAll empties both cache tiers.
func (s *Service) InvalidateAll() {
	s.results.Clear()
	s.fetch.ClearAll()
}

// ServiceStats aggregates cache and breaker health for observability.
type ServiceStats struct {
	FetchCache  fetchcache.Stats       `json:"fetchCache"`
	ResultCache resultcache.Stats      `json:"resultCache"`
	Breakers    map[string]BreakerView `json:"breakers"`
}

// BreakerView is one breaker's externally-visible state.
type BreakerView struct {
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Stats returns a point-in-time view across both cache tiers and the
// operation breakers.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		FetchCache:  s.fetch.Stats(),
		ResultCache: s.results.Stats(),
		Breakers:    map[string]BreakerView{},
	}
	for _, op := range []string{
		OpFeedVehicles, OpFeedStatic,
		pipeline.OpNormalize, pipeline.OpEnrich, pipeline.OpAnalyze, pipeline.OpDisplay,
	} {
		snap := s.exec.State(op)
		stats.Breakers[op] = BreakerView{State: string(snap.State), Failures: snap.WindowFailures}
	}
	return stats
}

// BreakerState exposes one operation's breaker snapshot.
func (s *Service) BreakerState(operation string) resilience.BreakerSnapshot {
	return s.exec.State(operation)
}

// ResetBreaker manually closes one operation's breaker.
func (s *Service) ResetBreaker(operation string) {
	s.exec.ResetBreaker(operation)
}

// CacheEvents exposes the fetch-cache event bus for subscribers.
func (s *Service) CacheEvents() *fetchcache.Bus {
	return s.fetch.Events()
}

// FetchCache exposes the raw-fetch tier so embedders can memoize their own
// upstream reads through fetchcache.Get alongside the built-in feeds.
func (s *Service) FetchCache() *fetchcache.Cache {
	return s.fetch
}

// Close flushes the snapshot and releases the store.
func (s *Service) Close() error {
	s.fetch.Close()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
