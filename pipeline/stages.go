package pipeline

import (
	"math"
	"strconv"
	"time"

	"github.com/theoremus-urban-solutions/transit-display/transit"
	"github.com/theoremus-urban-solutions/transit-display/utils"
)

// Distance and speed boundaries for direction analysis.
const (
	arrivingDistanceKM = 0.1
	atLocationKM       = 0.05
	arrivingSpeedMPS   = 5.0
)

// defaultSpeedMPS stands in for a missing speed when estimating arrival.
// Roughly urban bus pace.
const defaultSpeedMPS = 8.0

// Confidence recency boundaries.
const (
	highConfidenceAge   = time.Minute
	mediumConfidenceAge = 5 * time.Minute
)

// normalizedVehicle is a validated record with its display names resolved.
type normalizedVehicle struct {
	transit.VehicleRecord
	RouteName string
	Headsign  string
}

// enrichment carries per-vehicle derived values from the enrich stage.
type enrichment struct {
	VehicleID       string
	NearestTargetID string
	DistanceKM      float64
	HasDistance     bool
	ETAMinutes      int
	Confidence      string
}

// directionInfo carries per-vehicle movement analysis.
type directionInfo struct {
	VehicleID  string
	Direction  string
	AtLocation bool
}

// normalize drops records without a usable position and resolves route display
// names, tolerating the usual id mismatches between realtime and static data
// ("007" vs "7").
func normalize(recs []transit.VehicleRecord, tctx *transit.TransformContext, warns *WarningAggregator) []normalizedVehicle {
	out := make([]normalizedVehicle, 0, len(recs))
	for _, r := range recs {
		if r.Lat == nil || r.Lon == nil {
			warns.Add(WarningNoPosition, r.VehicleID)
			continue
		}
		if r.RecordedAt == 0 {
			warns.Add(WarningNoTimestamp, r.VehicleID)
		}
		name, ok := resolveRouteName(r.RouteID, tctx.RouteDisplayNames)
		if !ok {
			warns.Add(WarningNoRouteName, r.RouteID)
		}
		out = append(out, normalizedVehicle{
			VehicleRecord: r,
			RouteName:     name,
			Headsign:      tctx.TripHeadsigns[r.TripID],
		})
	}
	return out
}

// resolveRouteName looks a route up in the static display-name map, falling
// back through a zero-stripped numeric form before settling on the raw id.
func resolveRouteName(routeID string, names map[string]string) (string, bool) {
	if names != nil {
		if n, ok := names[routeID]; ok && n != "" {
			return n, true
		}
		if num, err := strconv.Atoi(routeID); err == nil {
			if n, ok := names[strconv.Itoa(num)]; ok && n != "" {
				return n, true
			}
		}
	}
	return routeID, false
}

// confidenceFor grades an estimate by how recent the source record is.
func confidenceFor(recordedAt int64, now time.Time) string {
	if recordedAt == 0 {
		return transit.ConfidenceLow
	}
	age := now.Sub(time.Unix(recordedAt, 0))
	switch {
	case age <= highConfidenceAge:
		return transit.ConfidenceHigh
	case age <= mediumConfidenceAge:
		return transit.ConfidenceMedium
	default:
		return transit.ConfidenceLow
	}
}

// etaMinutes estimates minutes to arrival from distance and speed. A missing
// or implausible speed falls back to the default pace. Returns -1 when no
// estimate is possible.
func etaMinutes(distKM float64, speedMPS *float64, warns *WarningAggregator, vehicleID string) int {
	speed := defaultSpeedMPS
	if speedMPS == nil {
		warns.Add(WarningNoSpeed, vehicleID)
	} else if *speedMPS > 0.5 {
		speed = *speedMPS
	}
	if speed <= 0 || distKM < 0 {
		warns.Add(WarningETAUnavailable, vehicleID)
		return -1
	}
	seconds := distKM * utils.MetersPerKM / speed
	return int(math.Ceil(seconds / 60))
}

// enrichRecord computes the derived values for one filtered vehicle.
func enrichRecord(r transit.VehicleRecord, targetID string, distKM float64, hasDist bool,
	now time.Time, warns *WarningAggregator) enrichment {
	e := enrichment{
		VehicleID:  r.VehicleID,
		Confidence: confidenceFor(r.RecordedAt, now),
		ETAMinutes: -1,
	}
	if hasDist {
		e.NearestTargetID = targetID
		e.DistanceKM = distKM
		e.HasDistance = true
		e.ETAMinutes = etaMinutes(distKM, r.SpeedMPS, warns, r.VehicleID)
	}
	return e
}

// fallbackEnrichment is the minimal degraded output used when the enrich stage
// itself fails: identity preserved, estimates blank, confidence low.
func fallbackEnrichment(r transit.VehicleRecord) enrichment {
	return enrichment{VehicleID: r.VehicleID, Confidence: transit.ConfidenceLow, ETAMinutes: -1}
}

// analyzeDirection classifies a vehicle's movement relative to its nearest
// target. Only "arriving" is ever asserted; anything ambiguous stays unknown.
func analyzeDirection(r transit.VehicleRecord, distKM float64, hasDist bool) directionInfo {
	d := directionInfo{VehicleID: r.VehicleID, Direction: transit.DirectionUnknown}
	if !hasDist {
		return d
	}
	if distKM <= atLocationKM {
		d.AtLocation = true
		d.Direction = transit.DirectionArriving
		return d
	}
	moving := r.SpeedMPS != nil && *r.SpeedMPS > arrivingSpeedMPS
	if distKM <= arrivingDistanceKM || moving {
		d.Direction = transit.DirectionArriving
	}
	return d
}

// fallbackDirection is the degraded analysis output: everything unknown.
func fallbackDirection(r transit.VehicleRecord) directionInfo {
	return directionInfo{VehicleID: r.VehicleID, Direction: transit.DirectionUnknown}
}

// buildDisplay formats one vehicle for the UI. A formatting fault degrades
// that item to default fields instead of failing the run.
func buildDisplay(nv normalizedVehicle, e enrichment, d directionInfo,
	favorites map[string]struct{}, warns *WarningAggregator) (item transit.VehicleDisplay) {
	defer func() {
		if rec := recover(); rec != nil {
			warns.Add(WarningItemDegraded, nv.VehicleID)
			item = defaultDisplay(nv)
		}
	}()

	item = transit.VehicleDisplay{
		VehicleID:  nv.VehicleID,
		RouteID:    nv.RouteID,
		RouteName:  nv.RouteName,
		Headsign:   nv.Headsign,
		Lat:        *nv.Lat,
		Lon:        *nv.Lon,
		ETAMinutes: e.ETAMinutes,
		Confidence: e.Confidence,
		Direction:  d.Direction,
		AtLocation: d.AtLocation,
	}
	if _, ok := favorites[nv.RouteID]; ok {
		item.Favorite = true
	}
	if e.HasDistance {
		item.NearestTargetID = e.NearestTargetID
		item.DistanceKM = roundKM(e.DistanceKM)
		item.DistanceText = utils.PresentableDistance(e.DistanceKM)
	}
	if e.ETAMinutes >= 0 {
		item.ETAText = utils.PresentableETA(e.ETAMinutes)
	} else {
		item.ETAText = "unknown"
	}
	if nv.RecordedAt > 0 {
		item.RecordedAtTime = utils.Iso8601FromUnixSeconds(nv.RecordedAt)
	}
	return item
}

// defaultDisplay is the degraded per-item rendering.
func defaultDisplay(nv normalizedVehicle) transit.VehicleDisplay {
	item := transit.VehicleDisplay{
		VehicleID:  nv.VehicleID,
		RouteID:    nv.RouteID,
		RouteName:  nv.RouteName,
		Headsign:   nv.Headsign,
		ETAMinutes: -1,
		ETAText:    "unknown",
		Confidence: transit.ConfidenceLow,
		Direction:  transit.DirectionUnknown,
	}
	if nv.Lat != nil && nv.Lon != nil {
		item.Lat = *nv.Lat
		item.Lon = *nv.Lon
	}
	return item
}

func roundKM(km float64) float64 {
	return math.Round(km*1000) / 1000
}

// sourceAge derives data freshness from the newest record timestamp.
func sourceAge(recs []transit.VehicleRecord, now time.Time) time.Duration {
	var newest int64
	for _, r := range recs {
		if r.RecordedAt > newest {
			newest = r.RecordedAt
		}
	}
	if newest == 0 {
		// No timestamps at all reads as arbitrarily old data.
		return mediumConfidenceAge + time.Minute
	}
	age := now.Sub(time.Unix(newest, 0))
	if age < 0 {
		age = 0
	}
	return age
}

// favoriteSet folds the favorite list into a set.
func favoriteSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
