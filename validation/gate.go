// Package validation gates raw upstream batches before transformation.
//
// The gate salvages partially-bad batches instead of failing outright:
// individually-broken items are dropped with an aggregated warning, and only
// a batch that is mostly bad (or structurally suspicious) is rejected as a
// whole.
package validation

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/transit"
)

const logCategory = "validation"

// Issue codes. Serious codes reject the whole batch regardless of ratio.
const (
	CodeMissingIdentity  = "malformed_identity"
	CodeBadCoordinates   = "malformed_coordinates"
	CodeNullIslandCoords = "null_island_coordinates"
	CodeBadBearing       = "bearing_out_of_range"
	CodeBadSpeed         = "speed_out_of_range"
	CodeStaleRecord      = "record_timestamp_future"
)

// maxReportedErrors bounds the aggregated error so a rotten batch does not
// produce one error per item.
const maxReportedErrors = 5

// invalidBatchRatio is the invalid-fraction above which the batch as a whole
// is rejected.
const invalidBatchRatio = 0.5

// minRecoveryRate is the salvage fraction below which processing aborts.
const minRecoveryRate = 0.5

// futureTimestampTolerance is how far ahead of the wall clock a record's
// timestamp may sit before the record is rejected.
const futureTimestampTolerance = time.Hour

// Result describes the outcome of validating one item or one batch.
type Result struct {
	IsValid             bool
	Errors              []transit.FieldError
	Warnings            []transit.FieldError
	RecoverySuggestions []string
	// FallbackValues maps field name to the value suggested in place of a
	// non-critical out-of-range one.
	FallbackValues map[string]any
	ValidCount     int
	InvalidCount   int
}

// Gate validates vehicle record batches.
type Gate struct {
	v     *validator.Validate
	log   internal.Logger
	clock clockwork.Clock
}

// NewGate creates a Gate. log and clock may be nil.
func NewGate(log internal.Logger, clock clockwork.Clock) *Gate {
	if log == nil {
		log = internal.NopLogger{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{v: validator.New(), log: log, clock: clock}
}

// ValidateVehicle checks one record. Missing mandatory identity or
// out-of-range mandatory coordinates mark the item invalid; non-critical
// issues produce a warning plus a fallback value.
func (g *Gate) ValidateVehicle(rec transit.VehicleRecord) Result {
	res := Result{IsValid: true, FallbackValues: map[string]any{}}

	if err := g.v.Var(rec.VehicleID, "required"); err != nil {
		res.IsValid = false
		res.Errors = append(res.Errors, transit.FieldError{
			Field: "vehicleId", Message: "missing mandatory vehicle identity", Code: CodeMissingIdentity,
		})
	}
	if rec.Lat != nil {
		if err := g.v.Var(*rec.Lat, "gte=-90,lte=90"); err != nil {
			res.IsValid = false
			res.Errors = append(res.Errors, transit.FieldError{
				Field: "lat", Message: fmt.Sprintf("latitude %v out of range", *rec.Lat), Code: CodeBadCoordinates,
			})
		}
	}
	if rec.Lon != nil {
		if err := g.v.Var(*rec.Lon, "gte=-180,lte=180"); err != nil {
			res.IsValid = false
			res.Errors = append(res.Errors, transit.FieldError{
				Field: "lon", Message: fmt.Sprintf("longitude %v out of range", *rec.Lon), Code: CodeBadCoordinates,
			})
		}
	}
	// (0,0) is almost certainly a bogus GPS fix, but some feeds emit it for
	// vehicles parked at the depot. Flag it, keep the record.
	if rec.Lat != nil && rec.Lon != nil && *rec.Lat == 0 && *rec.Lon == 0 {
		res.Warnings = append(res.Warnings, transit.FieldError{
			Field: "lat,lon", Message: "coordinates are exactly (0,0)", Code: CodeNullIslandCoords,
		})
	}
	if rec.Bearing != nil {
		if err := g.v.Var(*rec.Bearing, "gte=0,lt=360"); err != nil {
			res.Warnings = append(res.Warnings, transit.FieldError{
				Field: "bearing", Message: fmt.Sprintf("bearing %v out of range", *rec.Bearing), Code: CodeBadBearing,
			})
			res.FallbackValues["bearing"] = 0.0
		}
	}
	if rec.SpeedMPS != nil && *rec.SpeedMPS < 0 {
		res.Warnings = append(res.Warnings, transit.FieldError{
			Field: "speedMps", Message: fmt.Sprintf("negative speed %v", *rec.SpeedMPS), Code: CodeBadSpeed,
		})
		res.FallbackValues["speedMps"] = 0.0
	}
	// A recorded-at more than an hour ahead of the wall clock means a broken
	// upstream clock; the record is unusable but says nothing about the batch.
	if rec.RecordedAt > g.clock.Now().Add(futureTimestampTolerance).Unix() {
		res.IsValid = false
		res.Errors = append(res.Errors, transit.FieldError{
			Field: "recordedAt", Message: fmt.Sprintf("timestamp %d is in the future", rec.RecordedAt), Code: CodeStaleRecord,
		})
	}

	if res.IsValid {
		res.ValidCount = 1
	} else {
		res.InvalidCount = 1
	}
	return res
}

// ValidateBatch checks every record and decides the batch outcome.
//
// When more than half the items are invalid, or any serious category
// (malformed identity or coordinates) is present, the whole batch is
// reported invalid through one aggregated, bounded error. Otherwise invalid
// items are silently dropped behind a single aggregated warning and the
// surviving records are returned.
func (g *Gate) ValidateBatch(recs []transit.VehicleRecord) ([]transit.VehicleRecord, Result, error) {
	agg := Result{IsValid: true, FallbackValues: map[string]any{}}
	valid := make([]transit.VehicleRecord, 0, len(recs))
	seriousPresent := false

	for _, rec := range recs {
		r := g.ValidateVehicle(rec)
		agg.ValidCount += r.ValidCount
		agg.InvalidCount += r.InvalidCount
		agg.Warnings = append(agg.Warnings, r.Warnings...)
		for f, v := range r.FallbackValues {
			agg.FallbackValues[rec.VehicleID+"."+f] = v
		}
		if r.IsValid {
			valid = append(valid, rec)
			continue
		}
		for _, fe := range r.Errors {
			if fe.Code == CodeMissingIdentity || fe.Code == CodeBadCoordinates {
				seriousPresent = true
			}
			if len(agg.Errors) < maxReportedErrors {
				fe.Field = itemField(rec.VehicleID, fe.Field)
				agg.Errors = append(agg.Errors, fe)
			}
		}
	}

	total := len(recs)
	invalidFrac := 0.0
	if total > 0 {
		invalidFrac = float64(agg.InvalidCount) / float64(total)
	}
	if invalidFrac > invalidBatchRatio || (seriousPresent && agg.InvalidCount > 0) {
		agg.IsValid = false
		agg.RecoverySuggestions = append(agg.RecoverySuggestions,
			"check the upstream feed for schema or projection changes",
			"retry after the next feed publication interval",
		)
		return nil, agg, &transit.ValidationError{
			Errors:              agg.Errors,
			ValidCount:          agg.ValidCount,
			InvalidCount:        agg.InvalidCount,
			RecoverySuggestions: agg.RecoverySuggestions,
		}
	}
	if agg.InvalidCount > 0 {
		g.log.Warn(logCategory, "dropped invalid records from batch",
			"dropped", agg.InvalidCount, "kept", agg.ValidCount)
	}
	return valid, agg, nil
}

// Salvage filters a rejected batch down to its structurally-valid items and
// returns the recovery rate. Callers continue only when the rate is at least
// 50%.
func (g *Gate) Salvage(recs []transit.VehicleRecord) ([]transit.VehicleRecord, float64) {
	valid := make([]transit.VehicleRecord, 0, len(recs))
	for _, rec := range recs {
		if g.ValidateVehicle(rec).IsValid {
			valid = append(valid, rec)
		}
	}
	if len(recs) == 0 {
		return valid, 1
	}
	return valid, float64(len(valid)) / float64(len(recs))
}

// AcceptableRecovery reports whether a salvage rate is good enough to
// continue.
func AcceptableRecovery(rate float64) bool { return rate >= minRecoveryRate }

func itemField(id, field string) string {
	if id == "" {
		return field
	}
	return id + "." + field
}
