package filter

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoremus-urban-solutions/transit-display/transit"
)

// Degrees of latitude per kilometer, close enough for test geometry.
const degPerKM = 1.0 / 111.19

func ptr(v float64) *float64 { return &v }

func vehicleAt(id, route string, lat, lon float64) transit.VehicleRecord {
	return transit.VehicleRecord{VehicleID: id, RouteID: route, Lat: ptr(lat), Lon: ptr(lon)}
}

func testContext(targets ...transit.TargetLocation) *transit.TransformContext {
	return &transit.TransformContext{Targets: targets, Now: time.Now()}
}

func testTarget(routes ...string) transit.TargetLocation {
	return transit.TargetLocation{ID: "stop-1", Lat: 59.0, Lon: 10.0, ServedRouteIDs: routes}
}

func newTestFilter(busyThreshold int) *Filter {
	cfg := DefaultConfig()
	cfg.BusyThreshold = busyThreshold
	return New(cfg, clockwork.NewRealClock(), nil)
}

func includedIDs(out Outcome) []string {
	ids := make([]string, 0, len(out.Included))
	for _, r := range out.Included {
		ids = append(ids, r.VehicleID)
	}
	return ids
}

func TestComputeActivity(t *testing.T) {
	records := []transit.VehicleRecord{
		vehicleAt("a", "7", 59, 10),
		vehicleAt("b", "7", 59, 10),
		vehicleAt("c", "7", 59, 10),
		vehicleAt("d", "12", 59, 10),
	}
	activity := ComputeActivity(records, 3)
	assert.Equal(t, Busy, activity["7"].Classification)
	assert.Equal(t, 3, activity["7"].VehicleCount)
	assert.Equal(t, Quiet, activity["12"].Classification)
}

func TestApply_QuietRouteBecomesBusy(t *testing.T) {
	f := newTestFilter(3)
	target := testTarget("7")

	near := vehicleAt("near", "7", 59.0+0.05*degPerKM, 10.0) // ~50m
	far := vehicleAt("far", "7", 59.0+5.0*degPerKM, 10.0)    // ~5km

	// Two vehicles: the route is quiet, both pass regardless of distance.
	out := f.Apply([]transit.VehicleRecord{near, far}, testContext(target))
	assert.ElementsMatch(t, []string{"near", "far"}, includedIDs(out))
	assert.Equal(t, Quiet, out.Activity["7"].Classification)

	// A third vehicle tips the route to busy: only the one within the
	// distance threshold survives.
	third := vehicleAt("third", "7", 59.0+10.0*degPerKM, 10.0) // ~10km
	out = f.Apply([]transit.VehicleRecord{near, far, third}, testContext(target))
	assert.Equal(t, Busy, out.Activity["7"].Classification)
	assert.Equal(t, []string{"near"}, includedIDs(out))

	for _, d := range out.Decisions {
		assert.NotEmpty(t, d.Reason, "every decision carries a reason")
		if d.VehicleID != "near" {
			assert.True(t, d.DistanceFilterApplied)
			assert.False(t, d.Included)
		}
	}
}

func TestApply_LoneVehicleAlwaysIncluded(t *testing.T) {
	f := newTestFilter(1) // every route counts as busy
	target := testTarget("7")
	lone := vehicleAt("lone", "7", 59.0+50.0*degPerKM, 10.0) // ~50km out

	out := f.Apply([]transit.VehicleRecord{lone}, testContext(target))
	require.Len(t, out.Included, 1)
	assert.Equal(t, "only vehicle on its route", out.Decisions[0].Reason)
}

func TestApply_RouteNotServedExcluded(t *testing.T) {
	f := newTestFilter(5)
	target := testTarget("7")
	records := []transit.VehicleRecord{
		vehicleAt("served", "7", 59.0, 10.0),
		vehicleAt("elsewhere", "99", 59.0, 10.0),
	}

	out := f.Apply(records, testContext(target))
	assert.Equal(t, []string{"served"}, includedIDs(out))

	var excluded *Decision
	for i := range out.Decisions {
		if out.Decisions[i].VehicleID == "elsewhere" {
			excluded = &out.Decisions[i]
		}
	}
	require.NotNil(t, excluded)
	assert.False(t, excluded.Included)
	assert.Contains(t, excluded.Reason, "none of the target locations")
	// Excluded-by-route vehicles do not count toward route activity.
	_, tracked := out.Activity["99"]
	assert.False(t, tracked)
}

func TestApply_BusyVehicleWithoutPositionExcluded(t *testing.T) {
	f := newTestFilter(2)
	target := testTarget("7")
	noPos := transit.VehicleRecord{VehicleID: "ghost", RouteID: "7"}
	records := []transit.VehicleRecord{
		vehicleAt("a", "7", 59.0, 10.0),
		vehicleAt("b", "7", 59.0, 10.0),
		noPos,
	}

	out := f.Apply(records, testContext(target))
	assert.NotContains(t, includedIDs(out), "ghost")
}

func TestApply_DecisionCacheMemoizesRun(t *testing.T) {
	f := newTestFilter(3)
	target := testTarget("7")
	records := []transit.VehicleRecord{
		vehicleAt("a", "7", 59.0, 10.0),
		vehicleAt("b", "7", 59.001, 10.0),
	}

	first := f.Apply(records, testContext(target))
	second := f.Apply(records, testContext(target))
	assert.Equal(t, first, second)

	decisions, _ := f.CacheSizes()
	assert.Equal(t, 1, decisions, "identical runs share one decision entry")
}

func TestApply_DecisionCacheExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.BusyThreshold = 3
	f := New(cfg, clock, nil)
	target := testTarget("7")
	records := []transit.VehicleRecord{vehicleAt("a", "7", 59.0, 10.0)}

	f.Apply(records, testContext(target))
	clock.Advance(cfg.DecisionTTL + time.Second)
	f.Apply(records, testContext(target))

	decisions, _ := f.CacheSizes()
	assert.Equal(t, 1, decisions, "expired decision entry is replaced, not kept")
}

func TestNearestTarget_PicksClosestAndCaches(t *testing.T) {
	f := newTestFilter(5)
	targets := []transit.TargetLocation{
		{ID: "close", Lat: 59.0, Lon: 10.0},
		{ID: "far", Lat: 60.0, Lon: 11.0},
	}
	rec := vehicleAt("a", "7", 59.001, 10.0)

	id, dist, ok := f.NearestTarget(rec, targets)
	require.True(t, ok)
	assert.Equal(t, "close", id)
	assert.Less(t, dist, 0.2)

	// Same rounded position hits the distance cache.
	f.NearestTarget(rec, targets)
	_, distances := f.CacheSizes()
	assert.Equal(t, 1, distances)
}

func TestNearestTarget_NoPositionOrTargets(t *testing.T) {
	f := newTestFilter(5)
	_, _, ok := f.NearestTarget(transit.VehicleRecord{VehicleID: "x"}, []transit.TargetLocation{{ID: "t"}})
	assert.False(t, ok)
	_, _, ok = f.NearestTarget(vehicleAt("a", "7", 59, 10), nil)
	assert.False(t, ok)
}

func TestTTLCache_EvictsOldestQuarterAtCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTTLCache[int](clock, time.Minute, 8)
	for i := 0; i < 8; i++ {
		c.set(uint64(i), i)
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, 8, c.len())

	c.set(100, 100)
	assert.Equal(t, 7, c.len(), "oldest quarter evicted, newcomer stored")
	_, ok := c.get(0)
	assert.False(t, ok, "oldest entry gone")
	_, ok = c.get(7)
	assert.True(t, ok, "newest survivor intact")
}
