package feed

import (
	"fmt"
	"strconv"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/theoremus-urban-solutions/transit-display/transit"
)

// RealtimeBatch is one decoded vehicle-positions feed read.
type RealtimeBatch struct {
	Vehicles        []transit.VehicleRecord
	HeaderTimestamp int64
}

// DecodeVehiclePositions parses a GTFS-RT vehicle positions feed into raw
// vehicle records. Entities without a vehicle id are skipped; everything else
// passes through for the validation gate to judge.
func DecodeVehiclePositions(data []byte) (RealtimeBatch, error) {
	var batch RealtimeBatch
	if len(data) == 0 {
		return batch, nil
	}

	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return batch, fmt.Errorf("decoding vehicle positions feed: %w", err)
	}
	if fm.Header != nil && fm.Header.Timestamp != nil {
		batch.HeaderTimestamp = int64(*fm.Header.Timestamp)
	}

	batch.Vehicles = make([]transit.VehicleRecord, 0, len(fm.Entity))
	for _, e := range fm.Entity {
		v := e.Vehicle
		if v == nil {
			continue
		}
		var rec transit.VehicleRecord
		if v.Vehicle != nil && v.Vehicle.Id != nil {
			rec.VehicleID = *v.Vehicle.Id
		}
		if rec.VehicleID == "" {
			continue
		}
		if v.Trip != nil {
			if v.Trip.TripId != nil {
				rec.TripID = *v.Trip.TripId
			}
			if v.Trip.RouteId != nil {
				rec.RouteID = *v.Trip.RouteId
			}
		}
		if v.Position != nil {
			if v.Position.Latitude != nil {
				lat := float64(*v.Position.Latitude)
				rec.Lat = &lat
			}
			if v.Position.Longitude != nil {
				lon := float64(*v.Position.Longitude)
				rec.Lon = &lon
			}
			if v.Position.Bearing != nil {
				b := float64(*v.Position.Bearing)
				rec.Bearing = &b
			}
			if v.Position.Speed != nil {
				s := float64(*v.Position.Speed)
				rec.SpeedMPS = &s
			}
		}
		if v.Timestamp != nil {
			rec.RecordedAt = int64(*v.Timestamp)
		} else {
			rec.RecordedAt = batch.HeaderTimestamp
		}
		batch.Vehicles = append(batch.Vehicles, rec)
	}
	return batch, nil
}

// DecodeTripUpdates parses a GTFS-RT trip updates feed into trip records.
// Used to recover trip -> route mappings when vehicle entities omit them.
func DecodeTripUpdates(data []byte) ([]transit.TripRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("decoding trip updates feed: %w", err)
	}

	trips := make([]transit.TripRecord, 0, len(fm.Entity))
	for _, e := range fm.Entity {
		tu := e.TripUpdate
		if tu == nil || tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}
		rec := transit.TripRecord{TripID: *tu.Trip.TripId}
		if tu.Trip.RouteId != nil {
			rec.RouteID = *tu.Trip.RouteId
		}
		if tu.Trip.DirectionId != nil {
			rec.Direction = strconv.Itoa(int(*tu.Trip.DirectionId))
		}
		trips = append(trips, rec)
	}
	return trips, nil
}

// BackfillRoutes fills empty vehicle RouteIDs from the trip -> route mapping.
func BackfillRoutes(vehicles []transit.VehicleRecord, trips []transit.TripRecord) []transit.VehicleRecord {
	if len(trips) == 0 {
		return vehicles
	}
	tripRoute := make(map[string]string, len(trips))
	for _, t := range trips {
		if t.RouteID != "" {
			tripRoute[t.TripID] = t.RouteID
		}
	}
	for i, v := range vehicles {
		if v.RouteID == "" && v.TripID != "" {
			vehicles[i].RouteID = tripRoute[v.TripID]
		}
	}
	return vehicles
}
