package transit

import "time"

// VehicleRecord is a raw upstream vehicle position record as delivered by the
// realtime feed. Optional fields are pointers; absence means the feed did not
// report them.
type VehicleRecord struct {
	VehicleID  string   `json:"vehicleId"`
	TripID     string   `json:"tripId,omitempty"`
	RouteID    string   `json:"routeId"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	Bearing    *float64 `json:"bearing,omitempty"`
	SpeedMPS   *float64 `json:"speedMps,omitempty"`
	RecordedAt int64    `json:"recordedAt"` // unix seconds; 0 = unknown
}

// RouteRecord is a raw upstream route description.
type RouteRecord struct {
	RouteID   string `json:"routeId"`
	ShortName string `json:"shortName,omitempty"`
	LongName  string `json:"longName,omitempty"`
	RouteType int    `json:"routeType,omitempty"`
}

// StopRecord is a raw upstream stop description.
type StopRecord struct {
	StopID string   `json:"stopId"`
	Name   string   `json:"name,omitempty"`
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
}

// TripRecord is a raw upstream trip description.
type TripRecord struct {
	TripID    string `json:"tripId"`
	RouteID   string `json:"routeId"`
	Headsign  string `json:"headsign,omitempty"`
	Direction string `json:"direction,omitempty"` // "0" | "1"
}

// StopTimeRecord is a raw upstream scheduled stop time.
type StopTimeRecord struct {
	TripID    string `json:"tripId"`
	StopID    string `json:"stopId"`
	Arrival   string `json:"arrival,omitempty"`   // HH:MM:SS
	Departure string `json:"departure,omitempty"` // HH:MM:SS
	Sequence  int    `json:"sequence"`
}

// AgencyRecord is a raw upstream agency description.
type AgencyRecord struct {
	AgencyID string `json:"agencyId"`
	Name     string `json:"name,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// TargetLocation is a place the user cares about (typically a stop), with the
// routes known to serve it.
type TargetLocation struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	ServedRouteIDs []string `json:"servedRouteIds"`
}

// TransformContext carries the per-run environment for a transformation:
// target locations, user favorites, identity, the run timestamp, and optional
// id -> display-name metadata resolved from static data.
type TransformContext struct {
	Targets           []TargetLocation
	FavoriteRouteIDs  []string
	OrgID             string
	UserID            string
	Now               time.Time
	RouteDisplayNames map[string]string // route_id -> short name; may be nil
	TripHeadsigns     map[string]string // trip_id -> headsign; may be nil
}

// ServedRoutes returns the set of route IDs served by any target location.
func (c *TransformContext) ServedRoutes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range c.Targets {
		for _, r := range t.ServedRouteIDs {
			out[r] = struct{}{}
		}
	}
	return out
}

// Direction classification for a vehicle relative to its nearest target.
const (
	DirectionArriving = "arriving"
	DirectionUnknown  = "unknown"
)

// Confidence levels for enriched estimates, derived from data recency.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// VehicleDisplay is one UI-ready vehicle entry.
type VehicleDisplay struct {
	VehicleID       string  `json:"vehicleId"`
	RouteID         string  `json:"routeId"`
	RouteName       string  `json:"routeName"`
	Headsign        string  `json:"headsign,omitempty"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	NearestTargetID string  `json:"nearestTargetId,omitempty"`
	DistanceKM      float64 `json:"distanceKm"`
	DistanceText    string  `json:"distanceText"`
	ETAMinutes      int     `json:"etaMinutes"`
	ETAText         string  `json:"etaText"`
	Confidence      string  `json:"confidence"`
	Direction       string  `json:"direction"`
	AtLocation      bool    `json:"atLocation"`
	Favorite        bool    `json:"favorite"`
	RecordedAtTime  string  `json:"recordedAtTime,omitempty"`
}

// DisplayResult is the output of one full transformation run.
type DisplayResult struct {
	Vehicles     []VehicleDisplay `json:"vehicles"`
	GeneratedAt  string           `json:"generatedAt"`
	SourceAge    time.Duration    `json:"-"`
	FromCache    bool             `json:"fromCache"`
	WarningCount int              `json:"warningCount,omitempty"`
}
