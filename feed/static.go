package feed

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/theoremus-urban-solutions/transit-display/transit"
)

// StaticData is the slice of the static GTFS bundle the display layer needs:
// route naming, stop locations, and trip headsigns.
type StaticData struct {
	Agency transit.AgencyRecord
	Routes []transit.RouteRecord
	Stops  []transit.StopRecord
	Trips  []transit.TripRecord
}

// RouteDisplayNames returns route_id -> preferred display name (short name,
// falling back to long name).
func (s *StaticData) RouteDisplayNames() map[string]string {
	out := make(map[string]string, len(s.Routes))
	for _, r := range s.Routes {
		name := r.ShortName
		if name == "" {
			name = r.LongName
		}
		if name != "" {
			out[r.RouteID] = name
		}
	}
	return out
}

// TripHeadsigns returns trip_id -> headsign for trips that have one.
func (s *StaticData) TripHeadsigns() map[string]string {
	out := make(map[string]string, len(s.Trips))
	for _, t := range s.Trips {
		if t.Headsign != "" {
			out[t.TripID] = t.Headsign
		}
	}
	return out
}

// LoadStatic downloads a static GTFS zip and parses the files we use:
// agency.txt, routes.txt, stops.txt, trips.txt.
func (c *Client) LoadStatic(ctx context.Context, url string) (*StaticData, error) {
	body, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return &StaticData{}, nil
	}
	return ParseStaticZip(body)
}

// ParseStaticZip parses an in-memory static GTFS bundle.
func ParseStaticZip(data []byte) (*StaticData, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := &StaticData{}
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch name {
		case "agency.txt", "routes.txt", "stops.txt", "trips.txt":
		default:
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		err = consumeCSV(rc, name, out)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func consumeCSV(r io.Reader, name string, out *StaticData) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(strings.ToLower(h))] = i
	}
	field := func(row []string, key string) string {
		i, ok := col[key]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch name {
		case "agency.txt":
			if out.Agency.AgencyID == "" {
				out.Agency = transit.AgencyRecord{
					AgencyID: field(row, "agency_id"),
					Name:     field(row, "agency_name"),
					Timezone: field(row, "agency_timezone"),
				}
			}
		case "routes.txt":
			rec := transit.RouteRecord{
				RouteID:   field(row, "route_id"),
				ShortName: field(row, "route_short_name"),
				LongName:  field(row, "route_long_name"),
			}
			if rt := field(row, "route_type"); rt != "" {
				if n, err := strconv.Atoi(rt); err == nil {
					rec.RouteType = n
				}
			}
			if rec.RouteID != "" {
				out.Routes = append(out.Routes, rec)
			}
		case "stops.txt":
			rec := transit.StopRecord{
				StopID: field(row, "stop_id"),
				Name:   field(row, "stop_name"),
			}
			if lat, err := strconv.ParseFloat(field(row, "stop_lat"), 64); err == nil {
				rec.Lat = &lat
			}
			if lon, err := strconv.ParseFloat(field(row, "stop_lon"), 64); err == nil {
				rec.Lon = &lon
			}
			if rec.StopID != "" {
				out.Stops = append(out.Stops, rec)
			}
		case "trips.txt":
			rec := transit.TripRecord{
				TripID:    field(row, "trip_id"),
				RouteID:   field(row, "route_id"),
				Headsign:  field(row, "trip_headsign"),
				Direction: field(row, "direction_id"),
			}
			if rec.TripID != "" {
				out.Trips = append(out.Trips, rec)
			}
		}
	}
}
