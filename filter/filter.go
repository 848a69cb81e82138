/*
Package filter makes per-run vehicle inclusion decisions based on aggregate
route activity and distance to the user's target locations.

Each route is classified BUSY or QUIET by its current vehicle count. Busy
routes are thinned to the vehicles near a target; quiet routes pass through
untouched. Routes serving none of the targets are excluded up front, and a
route with at most one vehicle is always fully included. Every decision is
recorded with a human-readable reason; nothing is dropped silently.
*/
package filter

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/theoremus-urban-solutions/transit-display/config"
	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/transit"
	"github.com/theoremus-urban-solutions/transit-display/utils"
)

const logCategory = "filter"

// Classification of a route's current activity.
type Classification string

const (
	Busy  Classification = "BUSY"
	Quiet Classification = "QUIET"
)

// RouteActivity is derived per run and never persisted.
type RouteActivity struct {
	RouteID        string
	VehicleCount   int
	Classification Classification
}

// Decision records why one vehicle was included or excluded.
type Decision struct {
	VehicleID             string         `json:"vehicleId"`
	RouteID               string         `json:"routeId"`
	Classification        Classification `json:"classification"`
	DistanceFilterApplied bool           `json:"distanceFilterApplied"`
	Included              bool           `json:"included"`
	Reason                string         `json:"reason"`
}

// Config tunes the filter.
type Config struct {
	BusyThreshold       int
	DistanceThresholdKM float64
	DecisionTTL         time.Duration
	DistanceTTL         time.Duration
	MaxDecisionEntries  int
	MaxDistanceEntries  int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		BusyThreshold:       5,
		DistanceThresholdKM: 1.0,
		DecisionTTL:         30 * time.Second,
		DistanceTTL:         5 * time.Minute,
		MaxDecisionEntries:  200,
		MaxDistanceEntries:  2000,
	}
}

// ConfigFromApp converts application configuration.
func ConfigFromApp(c config.FilterConfig) Config {
	cfg := DefaultConfig()
	if c.BusyThreshold > 0 {
		cfg.BusyThreshold = c.BusyThreshold
	}
	if c.DistanceThresholdKM > 0 {
		cfg.DistanceThresholdKM = c.DistanceThresholdKM
	}
	if c.DecisionTTLS > 0 {
		cfg.DecisionTTL = time.Duration(c.DecisionTTLS) * time.Second
	}
	if c.DistanceTTLS > 0 {
		cfg.DistanceTTL = time.Duration(c.DistanceTTLS) * time.Second
	}
	if c.MaxDecisionEntries > 0 {
		cfg.MaxDecisionEntries = c.MaxDecisionEntries
	}
	if c.MaxDistanceEntries > 0 {
		cfg.MaxDistanceEntries = c.MaxDistanceEntries
	}
	return cfg
}

// Outcome is one filter run's output.
type Outcome struct {
	Included  []transit.VehicleRecord
	Decisions []Decision
	Activity  map[string]RouteActivity
}

// Filter owns the decision and distance caches. Safe for concurrent use.
type Filter struct {
	cfg   Config
	clock clockwork.Clock
	log   internal.Logger

	decisions *ttlCache[Outcome]
	distances *ttlCache[distanceToTarget]
}

type distanceToTarget struct {
	targetID string
	distKM   float64
}

// New creates a Filter. log may be nil.
func New(cfg Config, clock clockwork.Clock, log internal.Logger) *Filter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = internal.NopLogger{}
	}
	return &Filter{
		cfg:       cfg,
		clock:     clock,
		log:       log,
		decisions: newTTLCache[Outcome](clock, cfg.DecisionTTL, cfg.MaxDecisionEntries),
		distances: newTTLCache[distanceToTarget](clock, cfg.DistanceTTL, cfg.MaxDistanceEntries),
	}
}

// ComputeActivity classifies each route by its current vehicle count.
func ComputeActivity(records []transit.VehicleRecord, busyThreshold int) map[string]RouteActivity {
	counts := map[string]int{}
	for _, r := range records {
		counts[r.RouteID]++
	}
	out := make(map[string]RouteActivity, len(counts))
	for route, n := range counts {
		cls := Quiet
		if n >= busyThreshold {
			cls = Busy
		}
		out[route] = RouteActivity{RouteID: route, VehicleCount: n, Classification: cls}
	}
	return out
}

// Apply runs the filter over a normalized vehicle set. The whole outcome is
// memoized for a short window keyed by a signature of the item set, the
// activity snapshot, and the threshold configuration.
func (f *Filter) Apply(records []transit.VehicleRecord, tctx *transit.TransformContext) Outcome {
	sig := f.runSignature(records, tctx)
	if cached, ok := f.decisions.get(sig); ok {
		return cached
	}

	served := tctx.ServedRoutes()
	inService := make([]transit.VehicleRecord, 0, len(records))
	decisions := make([]Decision, 0, len(records))
	for _, r := range records {
		if _, ok := served[r.RouteID]; !ok {
			decisions = append(decisions, Decision{
				VehicleID: r.VehicleID,
				RouteID:   r.RouteID,
				Included:  false,
				Reason:    "route serves none of the target locations",
			})
			continue
		}
		inService = append(inService, r)
	}

	activity := ComputeActivity(inService, f.cfg.BusyThreshold)
	included := make([]transit.VehicleRecord, 0, len(inService))
	for _, r := range inService {
		act := activity[r.RouteID]
		d := Decision{VehicleID: r.VehicleID, RouteID: r.RouteID, Classification: act.Classification}
		switch {
		case act.VehicleCount <= 1:
			// A lone vehicle is always shown, however far away.
			d.Included = true
			d.Reason = "only vehicle on its route"
		case act.Classification == Quiet:
			d.Included = true
			d.Reason = fmt.Sprintf("route is quiet (%d vehicles)", act.VehicleCount)
		default:
			d.DistanceFilterApplied = true
			targetID, distKM, ok := f.NearestTarget(r, tctx.Targets)
			if !ok {
				d.Included = false
				d.Reason = "busy route and vehicle position unknown"
				break
			}
			if distKM <= f.cfg.DistanceThresholdKM {
				d.Included = true
				d.Reason = fmt.Sprintf("busy route, %.2fkm from target %s", distKM, targetID)
			} else {
				d.Included = false
				d.Reason = fmt.Sprintf("busy route, %.2fkm exceeds %.2fkm threshold", distKM, f.cfg.DistanceThresholdKM)
			}
		}
		if d.Included {
			included = append(included, r)
		}
		decisions = append(decisions, d)
	}

	out := Outcome{Included: included, Decisions: decisions, Activity: activity}
	f.decisions.set(sig, out)
	f.log.Info(logCategory, "filter run complete",
		"in", len(records), "included", len(included), "routes", len(activity))
	return out
}

// NearestTarget finds the closest target location for a record, using the
// distance cache keyed by rounded position and target set.
func (f *Filter) NearestTarget(r transit.VehicleRecord, targets []transit.TargetLocation) (string, float64, bool) {
	if r.Lat == nil || r.Lon == nil || len(targets) == 0 {
		return "", 0, false
	}
	key := f.distanceKey(*r.Lat, *r.Lon, targets)
	if hit, ok := f.distances.get(key); ok {
		return hit.targetID, hit.distKM, true
	}
	bestID := ""
	best := math.MaxFloat64
	for _, t := range targets {
		d := utils.HaversineKM(*r.Lat, *r.Lon, t.Lat, t.Lon)
		if d < best {
			best = d
			bestID = t.ID
		}
	}
	f.distances.set(key, distanceToTarget{targetID: bestID, distKM: best})
	return bestID, best, true
}

// runSignature hashes the item set, the activity-relevant fields, and the
// threshold config into one decision-cache key.
func (f *Filter) runSignature(records []transit.VehicleRecord, tctx *transit.TransformContext) uint64 {
	h := xxhash.New()
	ids := make([]string, 0, len(records))
	byID := make(map[string]transit.VehicleRecord, len(records))
	for _, r := range records {
		ids = append(ids, r.VehicleID)
		byID[r.VehicleID] = r
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := byID[id]
		_, _ = h.WriteString(id)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(r.RouteID)
		if r.Lat != nil && r.Lon != nil {
			_, _ = fmt.Fprintf(h, "|%.4f,%.4f", *r.Lat, *r.Lon)
		}
		_, _ = h.WriteString(";")
	}
	targetIDs := make([]string, 0, len(tctx.Targets))
	for _, t := range tctx.Targets {
		targetIDs = append(targetIDs, t.ID)
	}
	sort.Strings(targetIDs)
	for _, id := range targetIDs {
		_, _ = h.WriteString(id)
		_, _ = h.WriteString(",")
	}
	_, _ = fmt.Fprintf(h, "#%d:%.3f", f.cfg.BusyThreshold, f.cfg.DistanceThresholdKM)
	return h.Sum64()
}

// distanceKey rounds the position to ~11m so nearby fixes share one cache
// slot, and folds in the target set.
func (f *Filter) distanceKey(lat, lon float64, targets []transit.TargetLocation) uint64 {
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%.4f,%.4f", lat, lon)
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(id)
	}
	return h.Sum64()
}

// CacheSizes reports current aux cache occupancy, for stats.
func (f *Filter) CacheSizes() (decisions, distances int) {
	return f.decisions.len(), f.distances.len()
}
