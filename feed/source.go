package feed

import (
	"context"
	"time"

	"github.com/theoremus-urban-solutions/transit-display/config"
	"github.com/theoremus-urban-solutions/transit-display/transit"
)

// Cache key prefixes for feed reads.
const (
	KeyPrefixVehicles = "feed:vehicles:"
	KeyPrefixStatic   = "feed:static:"
)

// Source is one deployment's upstream: a realtime vehicle feed plus the
// static bundle that names its routes and stops.
type Source struct {
	client *Client
	cfg    config.FeedConfig
}

// NewSource creates a Source from feed configuration.
func NewSource(cfg config.FeedConfig) *Source {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &Source{client: NewClient(timeout), cfg: cfg}
}

// VehiclesKey is the fetch-cache key for this source's realtime reads.
func (s *Source) VehiclesKey() string { return KeyPrefixVehicles + s.cfg.AgencyID }

// StaticKey is the fetch-cache key for this source's static bundle.
func (s *Source) StaticKey() string { return KeyPrefixStatic + s.cfg.AgencyID }

// Vehicles reads and decodes the realtime vehicle feed, backfilling route ids
// from trip updates when the vehicle feed omits them.
func (s *Source) Vehicles(ctx context.Context) ([]transit.VehicleRecord, error) {
	raw, err := s.client.Fetch(ctx, s.cfg.VehiclePositionsURL)
	if err != nil {
		return nil, err
	}
	batch, err := DecodeVehiclePositions(raw)
	if err != nil {
		return nil, err
	}

	needRoutes := false
	for _, v := range batch.Vehicles {
		if v.RouteID == "" && v.TripID != "" {
			needRoutes = true
			break
		}
	}
	if needRoutes && s.cfg.TripUpdatesURL != "" {
		if tu, err := s.client.Fetch(ctx, s.cfg.TripUpdatesURL); err == nil {
			if trips, err := DecodeTripUpdates(tu); err == nil {
				batch.Vehicles = BackfillRoutes(batch.Vehicles, trips)
			}
		}
	}
	return batch.Vehicles, nil
}

// Static reads and parses the static GTFS bundle.
func (s *Source) Static(ctx context.Context) (*StaticData, error) {
	return s.client.LoadStatic(ctx, s.cfg.StaticURL)
}
