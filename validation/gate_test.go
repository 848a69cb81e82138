package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoremus-urban-solutions/transit-display/transit"
)

func ptr(v float64) *float64 { return &v }

func vehicle(id string, lat, lon float64) transit.VehicleRecord {
	return transit.VehicleRecord{
		VehicleID:  id,
		RouteID:    "7",
		Lat:        ptr(lat),
		Lon:        ptr(lon),
		RecordedAt: time.Now().Unix(),
	}
}

func TestValidateVehicle_Valid(t *testing.T) {
	g := NewGate(nil, nil)
	res := g.ValidateVehicle(vehicle("bus-1", 59.91, 10.75))
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.ValidCount)
}

func TestValidateVehicle_MissingIdentity(t *testing.T) {
	g := NewGate(nil, nil)
	res := g.ValidateVehicle(vehicle("", 59.91, 10.75))
	require.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeMissingIdentity, res.Errors[0].Code)
}

func TestValidateVehicle_CoordinatesOutOfRange(t *testing.T) {
	g := NewGate(nil, nil)
	res := g.ValidateVehicle(vehicle("bus-1", 999, 10.75))
	require.False(t, res.IsValid)
	assert.Equal(t, CodeBadCoordinates, res.Errors[0].Code)

	res = g.ValidateVehicle(vehicle("bus-1", 59.91, -500))
	require.False(t, res.IsValid)
	assert.Equal(t, CodeBadCoordinates, res.Errors[0].Code)
}

func TestValidateVehicle_NullIslandIsWarningOnly(t *testing.T) {
	g := NewGate(nil, nil)
	res := g.ValidateVehicle(vehicle("bus-1", 0, 0))
	assert.True(t, res.IsValid, "(0,0) keeps the record")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CodeNullIslandCoords, res.Warnings[0].Code)
}

func TestValidateVehicle_BearingFallback(t *testing.T) {
	g := NewGate(nil, nil)
	rec := vehicle("bus-1", 59.91, 10.75)
	rec.Bearing = ptr(400)
	res := g.ValidateVehicle(rec)
	assert.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CodeBadBearing, res.Warnings[0].Code)
	assert.Equal(t, 0.0, res.FallbackValues["bearing"])
}

func TestValidateVehicle_NegativeSpeedFallback(t *testing.T) {
	g := NewGate(nil, nil)
	rec := vehicle("bus-1", 59.91, 10.75)
	rec.SpeedMPS = ptr(-3)
	res := g.ValidateVehicle(rec)
	assert.True(t, res.IsValid)
	assert.Equal(t, 0.0, res.FallbackValues["speedMps"])
}

func TestValidateVehicle_FutureTimestampInvalid(t *testing.T) {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(base)
	g := NewGate(nil, clock)

	rec := vehicle("bus-1", 59.91, 10.75)
	rec.RecordedAt = base.Add(2 * time.Hour).Unix()
	res := g.ValidateVehicle(rec)
	require.False(t, res.IsValid)
	assert.Equal(t, CodeStaleRecord, res.Errors[0].Code)

	// Exactly at the tolerance boundary the record is still accepted.
	rec.RecordedAt = base.Add(time.Hour).Unix()
	assert.True(t, g.ValidateVehicle(rec).IsValid)
}

func TestValidateBatch_MostlyInvalidRejected(t *testing.T) {
	g := NewGate(nil, nil)
	recs := make([]transit.VehicleRecord, 0, 10)
	for i := 0; i < 4; i++ {
		recs = append(recs, vehicle("good", 59.91, 10.75))
	}
	for i := 0; i < 6; i++ {
		recs = append(recs, vehicle("bad", 999, 10.75))
	}

	valid, res, err := g.ValidateBatch(recs)
	require.Error(t, err)
	assert.Nil(t, valid)
	assert.False(t, res.IsValid)
	assert.Equal(t, 4, res.ValidCount)
	assert.Equal(t, 6, res.InvalidCount)

	var verr *transit.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.LessOrEqual(t, len(verr.Errors), maxReportedErrors, "aggregated error is bounded")
	assert.NotEmpty(t, verr.RecoverySuggestions)
}

func TestValidateBatch_SeriousCategoryRejectsEvenMinority(t *testing.T) {
	g := NewGate(nil, nil)
	recs := []transit.VehicleRecord{
		vehicle("ok-1", 59.91, 10.75),
		vehicle("ok-2", 59.92, 10.76),
		vehicle("ok-3", 59.93, 10.77),
		vehicle("bad", 200, 10.75),
	}
	_, _, err := g.ValidateBatch(recs)
	require.Error(t, err, "malformed coordinates are structural, the batch is suspect")
}

func TestValidateBatch_MinorInvalidityDropsItems(t *testing.T) {
	g := NewGate(nil, nil)
	recs := make([]transit.VehicleRecord, 0, 10)
	for i := 0; i < 8; i++ {
		recs = append(recs, vehicle("good", 59.91, 10.75))
	}
	// Future timestamps are item-level defects, not batch-level ones.
	for i := 0; i < 2; i++ {
		rec := vehicle("clock-skewed", 59.91, 10.75)
		rec.RecordedAt = time.Now().Add(3 * time.Hour).Unix()
		recs = append(recs, rec)
	}

	valid, res, err := g.ValidateBatch(recs)
	require.NoError(t, err)
	assert.Len(t, valid, 8)
	assert.Equal(t, 2, res.InvalidCount)
}

func TestValidateBatch_EmptyBatch(t *testing.T) {
	g := NewGate(nil, nil)
	valid, res, err := g.ValidateBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, valid)
	assert.Zero(t, res.InvalidCount)
}

func TestSalvage_RateBelowHalfAborts(t *testing.T) {
	g := NewGate(nil, nil)
	recs := make([]transit.VehicleRecord, 0, 10)
	for i := 0; i < 4; i++ {
		recs = append(recs, vehicle("good", 59.91, 10.75))
	}
	for i := 0; i < 6; i++ {
		recs = append(recs, vehicle("bad", 999, 10.75))
	}

	valid, rate := g.Salvage(recs)
	assert.Len(t, valid, 4)
	assert.InDelta(t, 0.4, rate, 1e-9)
	assert.False(t, AcceptableRecovery(rate))
}

func TestSalvage_RateAtHalfContinues(t *testing.T) {
	g := NewGate(nil, nil)
	recs := make([]transit.VehicleRecord, 0, 10)
	for i := 0; i < 5; i++ {
		recs = append(recs, vehicle("good", 59.91, 10.75))
	}
	for i := 0; i < 5; i++ {
		recs = append(recs, vehicle("bad", 999, 10.75))
	}

	_, rate := g.Salvage(recs)
	assert.True(t, AcceptableRecovery(rate), "exactly 50%% recovery is enough to continue")
}
