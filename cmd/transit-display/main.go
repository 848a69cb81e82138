package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	lib "github.com/theoremus-urban-solutions/transit-display"
	"github.com/theoremus-urban-solutions/transit-display/config"
	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/transit"
)

func main() {
	mode := flag.String("mode", "oneshot", "oneshot|serve")
	configPath := flag.String("config", "", "path to config.yml (defaults to ./config.yml)")
	vehiclePositions := flag.String("vehiclePositions", "", "GTFS-RT VehiclePositions URL (overrides config)")
	tripUpdates := flag.String("tripUpdates", "", "GTFS-RT TripUpdates URL (overrides config)")
	staticURL := flag.String("static", "", "static GTFS zip URL (overrides config)")
	target := flag.String("target", "", "target location as id,lat,lon,route1|route2")
	favorites := flag.String("favorites", "", "comma-separated favorite route ids")
	timeout := flag.Duration("timeout", 30*time.Second, "oneshot deadline")
	flag.Parse()

	log := internal.NewLogger()
	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.LoadAppConfig(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *vehiclePositions != "" {
		cfg.Feed.VehiclePositionsURL = *vehiclePositions
	}
	if *tripUpdates != "" {
		cfg.Feed.TripUpdatesURL = *tripUpdates
	}
	if *staticURL != "" {
		cfg.Feed.StaticURL = *staticURL
	}

	svc, err := lib.NewService(cfg, log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "service: %v\n", err)
		os.Exit(1)
	}

	switch *mode {
	case "serve":
		srv := lib.NewServer(svc)
		srv.Start()
		srv.WaitForShutdown()
	case "oneshot":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()

		tctx := &transit.TransformContext{
			FavoriteRouteIDs: splitList(*favorites),
		}
		if *target != "" {
			loc, err := parseTarget(*target)
			if err != nil {
				fmt.Fprintf(os.Stderr, "target: %v\n", err)
				os.Exit(1)
			}
			tctx.Targets = []transit.TargetLocation{loc}
		}

		result, err := svc.Display(ctx, tctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "display: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown mode")
		os.Exit(1)
	}
}

// parseTarget parses "id,lat,lon,route1|route2".
func parseTarget(s string) (transit.TargetLocation, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return transit.TargetLocation{}, fmt.Errorf("want id,lat,lon[,routes]; got %q", s)
	}
	var loc transit.TargetLocation
	loc.ID = strings.TrimSpace(parts[0])
	if _, err := fmt.Sscanf(parts[1]+" "+parts[2], "%f %f", &loc.Lat, &loc.Lon); err != nil {
		return transit.TargetLocation{}, fmt.Errorf("bad coordinates in %q", s)
	}
	if len(parts) > 3 {
		loc.ServedRouteIDs = splitPipes(parts[3])
	}
	return loc, nil
}

func splitPipes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
