package utils

import (
	"fmt"
	"math"
)

const (
	MilesPerKilometer = 0.621371
	FeetPerMile       = 5280.0
	MetersPerKM       = 1000.0
)

// HaversineKM returns the great-circle distance between two coordinates in
// kilometers.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// PresentableDistance formats a distance to a target for display.
// Under 100m reads "at stop", under 500m "approaching", under 1km rounded
// meters, otherwise kilometers with one decimal.
func PresentableDistance(distKM float64) string {
	meters := distKM * MetersPerKM
	if meters < 100 {
		return "at stop"
	}
	if meters < 500 {
		return "approaching"
	}
	if meters < 1000 {
		return fmt.Sprintf("%dm", int(math.Round(meters/10)*10))
	}
	return fmt.Sprintf("%.1fkm", distKM)
}

// PresentableETA formats an arrival estimate in minutes.
func PresentableETA(minutes int) string {
	if minutes <= 0 {
		return "due"
	}
	if minutes == 1 {
		return "1 min"
	}
	return fmt.Sprintf("%d mins", minutes)
}
