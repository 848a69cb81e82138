/*
Package pipeline turns validated raw transit records into UI-ready display
data through four stages:

	normalize -> enrich || analyze -> display

Normalize resolves names and drops positionless records. Enrich (nearest
target, distance, ETA, confidence) and analyze (direction, at-location) run
concurrently over the same normalized set; both are read-only over their
input. Display merges the two and formats every surviving vehicle.

Whole runs are memoized in a result cache keyed by a signature of the input
batch and the transform context, with a TTL picked from source-data
freshness. Each stage runs under the resilient executor, and the two middle
stages degrade to minimal low-confidence output instead of failing the run.
*/
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/theoremus-urban-solutions/transit-display/filter"
	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/resilience"
	"github.com/theoremus-urban-solutions/transit-display/resultcache"
	"github.com/theoremus-urban-solutions/transit-display/transit"
	"github.com/theoremus-urban-solutions/transit-display/utils"
	"github.com/theoremus-urban-solutions/transit-display/validation"
)

const logCategory = "pipeline"

// Operation names used with the resilient executor. Each gets its own
// breaker and retry policy.
const (
	OpNormalize = "pipeline.normalize"
	OpEnrich    = "pipeline.enrich"
	OpAnalyze   = "pipeline.analyze"
	OpDisplay   = "pipeline.display"
)

// resultKeyPrefix namespaces memoized runs in the shared result cache.
const resultKeyPrefix = "pipeline:run:"

// Pipeline orchestrates one transformation path. Safe for concurrent use.
type Pipeline struct {
	exec    *resilience.Executor
	gate    *validation.Gate
	filter  *filter.Filter
	results *resultcache.Cache
	clock   clockwork.Clock
	log     internal.Logger
}

// New wires a Pipeline from its collaborators. clock and log may be nil.
func New(exec *resilience.Executor, gate *validation.Gate, flt *filter.Filter,
	results *resultcache.Cache, clock clockwork.Clock, log internal.Logger) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = internal.NopLogger{}
	}
	return &Pipeline{exec: exec, gate: gate, filter: flt, results: results, clock: clock, log: log}
}

// enrichResult bundles the enrich stage output: the filter outcome plus the
// per-vehicle enrichments for the included set.
type enrichResult struct {
	outcome     filter.Outcome
	enrichments map[string]enrichment
}

// Transform runs the full pipeline over a raw vehicle batch.
//
// Identical input under an identical context within the memoization window
// returns the cached result with FromCache set. A mostly-invalid batch is
// salvaged; when fewer than half the items survive salvage the run aborts
// with a non-recoverable transformation error.
func (p *Pipeline) Transform(ctx context.Context, raw []transit.VehicleRecord, tctx *transit.TransformContext) (*transit.DisplayResult, error) {
	key := resultKeyPrefix + runKey(raw, tctx)
	if cached, ok := p.results.Get(key); ok {
		if res, ok := cached.(*transit.DisplayResult); ok {
			out := *res
			out.FromCache = true
			return &out, nil
		}
	}

	now := tctx.Now
	if now.IsZero() {
		now = p.clock.Now()
	}
	warns := NewWarningAggregator()

	valid, err := p.admit(raw)
	if err != nil {
		return nil, err
	}

	normalized, err := resilience.Execute(ctx, p.exec, OpNormalize, func(context.Context) ([]normalizedVehicle, error) {
		return normalize(valid, tctx, warns), nil
	})
	if err != nil {
		return nil, &transit.TransformationError{Step: "normalize", Recoverable: true, Err: err}
	}

	records := make([]transit.VehicleRecord, len(normalized))
	byID := make(map[string]normalizedVehicle, len(normalized))
	for i, nv := range normalized {
		records[i] = nv.VehicleRecord
		byID[nv.VehicleID] = nv
	}

	var enriched enrichResult
	directions := map[string]directionInfo{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		enriched, err = resilience.ExecuteWithFallback(gctx, p.exec, OpEnrich,
			func(context.Context) (enrichResult, error) {
				return p.enrich(records, tctx, now, warns), nil
			},
			func(context.Context) (enrichResult, error) {
				return p.enrichDegraded(records, tctx), nil
			})
		if err != nil {
			return &transit.TransformationError{Step: "enrich", Recoverable: true, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		dirs, err := resilience.ExecuteWithFallback(gctx, p.exec, OpAnalyze,
			func(context.Context) (map[string]directionInfo, error) {
				return p.analyze(records, tctx), nil
			},
			func(context.Context) (map[string]directionInfo, error) {
				out := make(map[string]directionInfo, len(records))
				for _, r := range records {
					out[r.VehicleID] = fallbackDirection(r)
				}
				return out, nil
			})
		if err != nil {
			return &transit.TransformationError{Step: "analyze", Recoverable: true, Err: err}
		}
		directions = dirs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result, err := resilience.Execute(ctx, p.exec, OpDisplay, func(context.Context) (*transit.DisplayResult, error) {
		return p.display(byID, enriched, directions, tctx, now, warns), nil
	})
	if err != nil {
		return nil, &transit.TransformationError{Step: "display", Recoverable: false, Err: err}
	}

	warns.LogAll(p.log, tctx.OrgID)
	p.results.Set(key, result, resultcache.TTLForFreshness(result.SourceAge))
	p.log.Info(logCategory, "transformation complete",
		"org", tctx.OrgID, "in", len(raw), "out", len(result.Vehicles), "warnings", result.WarningCount)
	return result, nil
}

// admit runs the validation gate, salvaging a rejected batch when enough of
// it survives.
func (p *Pipeline) admit(raw []transit.VehicleRecord) ([]transit.VehicleRecord, error) {
	valid, res, err := p.gate.ValidateBatch(raw)
	if err == nil {
		return valid, nil
	}
	salvaged, rate := p.gate.Salvage(raw)
	if !validation.AcceptableRecovery(rate) {
		p.log.Error(logCategory, "batch rejected, salvage insufficient",
			"invalid", res.InvalidCount, "salvageRate", fmt.Sprintf("%.0f%%", rate*100))
		return nil, &transit.TransformationError{
			Step:        "validate",
			Recoverable: false,
			Context:     map[string]any{"salvageRate": rate, "suggestions": res.RecoverySuggestions},
			Err:         err,
		}
	}
	p.log.Warn(logCategory, "batch partially salvaged",
		"kept", len(salvaged), "of", len(raw), "salvageRate", fmt.Sprintf("%.0f%%", rate*100))
	return salvaged, nil
}

// enrich applies the activity filter, then computes per-vehicle target
// distance, ETA, and confidence for every included vehicle.
func (p *Pipeline) enrich(records []transit.VehicleRecord, tctx *transit.TransformContext,
	now time.Time, warns *WarningAggregator) enrichResult {
	outcome := p.filter.Apply(records, tctx)
	enrichments := make(map[string]enrichment, len(outcome.Included))
	for _, r := range outcome.Included {
		targetID, distKM, ok := p.filter.NearestTarget(r, tctx.Targets)
		enrichments[r.VehicleID] = enrichRecord(r, targetID, distKM, ok, now, warns)
	}
	return enrichResult{outcome: outcome, enrichments: enrichments}
}

// enrichDegraded keeps the filter's inclusion set but blanks every estimate.
func (p *Pipeline) enrichDegraded(records []transit.VehicleRecord, tctx *transit.TransformContext) enrichResult {
	outcome := p.filter.Apply(records, tctx)
	enrichments := make(map[string]enrichment, len(outcome.Included))
	for _, r := range outcome.Included {
		enrichments[r.VehicleID] = fallbackEnrichment(r)
	}
	return enrichResult{outcome: outcome, enrichments: enrichments}
}

// analyze classifies every vehicle's movement. Independent of enrich; both
// read the same normalized set.
func (p *Pipeline) analyze(records []transit.VehicleRecord, tctx *transit.TransformContext) map[string]directionInfo {
	out := make(map[string]directionInfo, len(records))
	for _, r := range records {
		_, distKM, ok := p.filter.NearestTarget(r, tctx.Targets)
		out[r.VehicleID] = analyzeDirection(r, distKM, ok)
	}
	return out
}

// display merges enrich and analyze output into the final ordered result.
// Favorites sort first, then by distance, then by vehicle id for stability.
func (p *Pipeline) display(byID map[string]normalizedVehicle, enriched enrichResult,
	directions map[string]directionInfo, tctx *transit.TransformContext,
	now time.Time, warns *WarningAggregator) *transit.DisplayResult {
	favorites := favoriteSet(tctx.FavoriteRouteIDs)
	items := make([]transit.VehicleDisplay, 0, len(enriched.outcome.Included))
	for _, r := range enriched.outcome.Included {
		nv, ok := byID[r.VehicleID]
		if !ok {
			continue
		}
		e := enriched.enrichments[r.VehicleID]
		d, ok := directions[r.VehicleID]
		if !ok {
			d = fallbackDirection(r)
		}
		items = append(items, buildDisplay(nv, e, d, favorites, warns))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Favorite != items[j].Favorite {
			return items[i].Favorite
		}
		di, dj := items[i].DistanceKM, items[j].DistanceKM
		if di != dj {
			return di < dj
		}
		return items[i].VehicleID < items[j].VehicleID
	})

	recs := make([]transit.VehicleRecord, 0, len(byID))
	for _, nv := range byID {
		recs = append(recs, nv.VehicleRecord)
	}
	return &transit.DisplayResult{
		Vehicles:     items,
		GeneratedAt:  utils.Iso8601FromTime(now),
		SourceAge:    sourceAge(recs, now),
		WarningCount: warns.Total(),
	}
}

// runKey hashes the raw batch and the context (minus the run timestamp) into
// the memoization key. The timestamp is excluded so identical data within the
// TTL window hits the cache.
func runKey(raw []transit.VehicleRecord, tctx *transit.TransformContext) string {
	h := xxhash.New()
	ids := make([]string, 0, len(raw))
	byID := make(map[string]transit.VehicleRecord, len(raw))
	for _, r := range raw {
		ids = append(ids, r.VehicleID)
		byID[r.VehicleID] = r
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := byID[id]
		_, _ = h.WriteString(id)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(r.RouteID)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(r.TripID)
		if r.Lat != nil && r.Lon != nil {
			_, _ = fmt.Fprintf(h, "|%.5f,%.5f", *r.Lat, *r.Lon)
		}
		if r.Bearing != nil {
			_, _ = fmt.Fprintf(h, "|b%.1f", *r.Bearing)
		}
		if r.SpeedMPS != nil {
			_, _ = fmt.Fprintf(h, "|s%.1f", *r.SpeedMPS)
		}
		_, _ = fmt.Fprintf(h, "|t%d;", r.RecordedAt)
	}
	_, _ = h.WriteString("#ctx:")
	_, _ = h.WriteString(tctx.OrgID)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(tctx.UserID)
	targetIDs := make([]string, 0, len(tctx.Targets))
	for _, t := range tctx.Targets {
		targetIDs = append(targetIDs, t.ID)
	}
	sort.Strings(targetIDs)
	for _, id := range targetIDs {
		_, _ = h.WriteString(",")
		_, _ = h.WriteString(id)
	}
	favs := append([]string(nil), tctx.FavoriteRouteIDs...)
	sort.Strings(favs)
	for _, id := range favs {
		_, _ = h.WriteString("*")
		_, _ = h.WriteString(id)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// RunKey exposes the memoization key for a batch, for selective invalidation
// and observability.
func RunKey(raw []transit.VehicleRecord, tctx *transit.TransformContext) string {
	return resultKeyPrefix + runKey(raw, tctx)
}
