package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoremus-urban-solutions/transit-display/filter"
	"github.com/theoremus-urban-solutions/transit-display/resilience"
	"github.com/theoremus-urban-solutions/transit-display/resultcache"
	"github.com/theoremus-urban-solutions/transit-display/transit"
	"github.com/theoremus-urban-solutions/transit-display/validation"
)

const degPerKM = 1.0 / 111.19

func ptr(v float64) *float64 { return &v }

func newTestPipeline() *Pipeline {
	policy := resilience.RetryPolicy{
		MaxRetries:        1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	exec := resilience.NewExecutor(resilience.NewPolicySet(policy, nil), resilience.DefaultBreakerSettings(), nil, nil)
	gate := validation.NewGate(nil, nil)
	flt := filter.New(filter.DefaultConfig(), clockwork.NewRealClock(), nil)
	results := resultcache.New(resultcache.DefaultConfig(), clockwork.NewRealClock(), nil)
	return New(exec, gate, flt, results, clockwork.NewRealClock(), nil)
}

func vehicleNear(id, route string, distKM float64, now time.Time) transit.VehicleRecord {
	return transit.VehicleRecord{
		VehicleID:  id,
		RouteID:    route,
		Lat:        ptr(59.0 + distKM*degPerKM),
		Lon:        ptr(10.0),
		SpeedMPS:   ptr(8.0),
		RecordedAt: now.Unix(),
	}
}

func displayContext(now time.Time) *transit.TransformContext {
	return &transit.TransformContext{
		Targets: []transit.TargetLocation{
			{ID: "stop-1", Lat: 59.0, Lon: 10.0, ServedRouteIDs: []string{"7", "12"}},
		},
		OrgID:             "org-1",
		UserID:            "user-1",
		Now:               now,
		RouteDisplayNames: map[string]string{"7": "Seven", "12": "Twelve"},
		TripHeadsigns:     map[string]string{"trip-7a": "Downtown"},
	}
}

func TestTransform_EndToEnd(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()
	raw := []transit.VehicleRecord{
		vehicleNear("bus-close", "7", 0.04, now),
		vehicleNear("bus-mid", "7", 0.8, now),
		vehicleNear("bus-12", "12", 2.0, now),
	}
	raw[0].TripID = "trip-7a"
	tctx := displayContext(now)
	tctx.FavoriteRouteIDs = []string{"12"}

	result, err := p.Transform(context.Background(), raw, tctx)
	require.NoError(t, err)
	require.Len(t, result.Vehicles, 3)
	assert.False(t, result.FromCache)
	assert.NotEmpty(t, result.GeneratedAt)

	// Favorites sort first, the rest by distance.
	assert.Equal(t, "bus-12", result.Vehicles[0].VehicleID)
	assert.True(t, result.Vehicles[0].Favorite)
	assert.Equal(t, "bus-close", result.Vehicles[1].VehicleID)
	assert.Equal(t, "bus-mid", result.Vehicles[2].VehicleID)

	close := result.Vehicles[1]
	assert.Equal(t, "Seven", close.RouteName)
	assert.Equal(t, "Downtown", close.Headsign)
	assert.Equal(t, "stop-1", close.NearestTargetID)
	assert.Equal(t, "at stop", close.DistanceText)
	assert.True(t, close.AtLocation)
	assert.Equal(t, transit.DirectionArriving, close.Direction)
	assert.Equal(t, transit.ConfidenceHigh, close.Confidence)
	assert.NotEmpty(t, close.ETAText)
	assert.NotEmpty(t, close.RecordedAtTime)

	mid := result.Vehicles[2]
	assert.False(t, mid.AtLocation)
	assert.Equal(t, transit.DirectionArriving, mid.Direction, "moving above the speed threshold")
}

func TestTransform_MemoizesIdenticalRuns(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()
	raw := []transit.VehicleRecord{vehicleNear("bus-1", "7", 0.5, now)}
	tctx := displayContext(now)

	first, err := p.Transform(context.Background(), raw, tctx)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := p.Transform(context.Background(), raw, tctx)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Vehicles, second.Vehicles)
}

func TestTransform_DifferentContextMissesCache(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()
	raw := []transit.VehicleRecord{vehicleNear("bus-1", "7", 0.5, now)}

	_, err := p.Transform(context.Background(), raw, displayContext(now))
	require.NoError(t, err)

	other := displayContext(now)
	other.UserID = "someone-else"
	result, err := p.Transform(context.Background(), raw, other)
	require.NoError(t, err)
	assert.False(t, result.FromCache)
}

func TestTransform_AbortsWhenSalvageInsufficient(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()
	raw := make([]transit.VehicleRecord, 0, 10)
	for i := 0; i < 4; i++ {
		raw = append(raw, vehicleNear("good", "7", 0.5, now))
	}
	for i := 0; i < 6; i++ {
		bad := vehicleNear("bad", "7", 0.5, now)
		bad.Lat = ptr(999)
		raw = append(raw, bad)
	}

	_, err := p.Transform(context.Background(), raw, displayContext(now))
	require.Error(t, err)

	var trErr *transit.TransformationError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, "validate", trErr.Step)
	assert.False(t, trErr.Recoverable)

	var valErr *transit.ValidationError
	assert.True(t, errors.As(err, &valErr), "the underlying validation report is preserved")
}

func TestTransform_SalvagesMajorityValidBatch(t *testing.T) {
	p := newTestPipeline()
	now := time.Now()
	raw := make([]transit.VehicleRecord, 0, 10)
	for i := 0; i < 6; i++ {
		raw = append(raw, vehicleNear("good", "7", 0.5, now))
	}
	for i := 0; i < 4; i++ {
		bad := vehicleNear("bad", "7", 0.5, now)
		bad.Lon = ptr(-999)
		raw = append(raw, bad)
	}

	result, err := p.Transform(context.Background(), raw, displayContext(now))
	require.NoError(t, err, "60%% salvage is enough to continue")
	for _, v := range result.Vehicles {
		assert.NotEqual(t, "bad", v.VehicleID)
	}
}

func TestNormalize_DropsPositionlessAndResolvesNames(t *testing.T) {
	now := time.Now()
	warns := NewWarningAggregator()
	tctx := displayContext(now)
	recs := []transit.VehicleRecord{
		vehicleNear("with-pos", "7", 0.5, now),
		{VehicleID: "no-pos", RouteID: "7", RecordedAt: now.Unix()},
	}
	recs[0].TripID = "trip-7a"

	out := normalize(recs, tctx, warns)
	require.Len(t, out, 1)
	assert.Equal(t, "with-pos", out[0].VehicleID)
	assert.Equal(t, "Seven", out[0].RouteName)
	assert.Equal(t, "Downtown", out[0].Headsign)
	assert.Equal(t, 1, warns.Total())
}

func TestResolveRouteName_NumericMismatch(t *testing.T) {
	names := map[string]string{"7": "Seven"}

	name, ok := resolveRouteName("7", names)
	assert.True(t, ok)
	assert.Equal(t, "Seven", name)

	// Realtime feeds often zero-pad what static data does not.
	name, ok = resolveRouteName("007", names)
	assert.True(t, ok)
	assert.Equal(t, "Seven", name)

	name, ok = resolveRouteName("99", names)
	assert.False(t, ok)
	assert.Equal(t, "99", name, "unresolvable ids fall back to themselves")
}

func TestConfidenceFor(t *testing.T) {
	now := time.Now()
	assert.Equal(t, transit.ConfidenceHigh, confidenceFor(now.Add(-30*time.Second).Unix(), now))
	assert.Equal(t, transit.ConfidenceMedium, confidenceFor(now.Add(-3*time.Minute).Unix(), now))
	assert.Equal(t, transit.ConfidenceLow, confidenceFor(now.Add(-10*time.Minute).Unix(), now))
	assert.Equal(t, transit.ConfidenceLow, confidenceFor(0, now))
}

func TestEtaMinutes(t *testing.T) {
	warns := NewWarningAggregator()
	// 1km at 8 m/s is 125s, rounded up to 3 minutes.
	assert.Equal(t, 3, etaMinutes(1.0, ptr(8.0), warns, "v"))
	// Missing speed falls back to the default pace.
	assert.Equal(t, 3, etaMinutes(1.0, nil, warns, "v"))
	assert.Equal(t, 1, warns.Total())
	// Near-zero speed also uses the default instead of an absurd estimate.
	assert.Equal(t, 3, etaMinutes(1.0, ptr(0.1), warns, "v"))
}

func TestAnalyzeDirection(t *testing.T) {
	slow := transit.VehicleRecord{VehicleID: "v", SpeedMPS: ptr(1.0)}
	fast := transit.VehicleRecord{VehicleID: "v", SpeedMPS: ptr(7.0)}

	d := analyzeDirection(slow, 0.04, true)
	assert.True(t, d.AtLocation)
	assert.Equal(t, transit.DirectionArriving, d.Direction)

	d = analyzeDirection(slow, 0.08, true)
	assert.False(t, d.AtLocation)
	assert.Equal(t, transit.DirectionArriving, d.Direction)

	d = analyzeDirection(fast, 0.15, true)
	assert.Equal(t, transit.DirectionArriving, d.Direction)

	// Speed above the arriving threshold asserts arriving at any distance.
	d = analyzeDirection(fast, 5.0, true)
	assert.Equal(t, transit.DirectionArriving, d.Direction)
	assert.False(t, d.AtLocation)

	d = analyzeDirection(slow, 0.5, true)
	assert.Equal(t, transit.DirectionUnknown, d.Direction)

	d = analyzeDirection(slow, 0, false)
	assert.Equal(t, transit.DirectionUnknown, d.Direction)
}

func TestSourceAge(t *testing.T) {
	now := time.Now()
	recs := []transit.VehicleRecord{
		{VehicleID: "old", RecordedAt: now.Add(-10 * time.Minute).Unix()},
		{VehicleID: "fresh", RecordedAt: now.Add(-20 * time.Second).Unix()},
	}
	age := sourceAge(recs, now)
	assert.InDelta(t, 20, age.Seconds(), 1, "freshness follows the newest record")

	assert.Greater(t, sourceAge(nil, now), 5*time.Minute, "no timestamps reads as old data")
}

func TestWarningAggregator_BoundsExamples(t *testing.T) {
	w := NewWarningAggregator()
	for i := 0; i < 10; i++ {
		w.Add(WarningNoPosition, "bus")
	}
	assert.Equal(t, 10, w.Total())
	assert.Len(t, w.warnings[WarningNoPosition].examples, 3)
}

func TestBuildDisplay_DegradedItemGetsDefaults(t *testing.T) {
	warns := NewWarningAggregator()
	nv := normalizedVehicle{
		VehicleRecord: transit.VehicleRecord{VehicleID: "v", RouteID: "7"},
		RouteName:     "Seven",
	}
	// nil Lat/Lon make the happy path panic; the item degrades instead of
	// failing the run.
	item := buildDisplay(nv, enrichment{VehicleID: "v", ETAMinutes: -1}, directionInfo{VehicleID: "v", Direction: transit.DirectionUnknown}, nil, warns)
	assert.Equal(t, "v", item.VehicleID)
	assert.Equal(t, "unknown", item.ETAText)
	assert.Equal(t, transit.ConfidenceLow, item.Confidence)
	assert.Equal(t, 1, warns.Total())
}
