package utils

import (
	"time"
)

// Iso8601FromUnixSeconds converts Unix timestamp to ISO8601 format
func Iso8601FromUnixSeconds(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// Iso8601FromTime formats a time.Time in ISO8601 UTC
func Iso8601FromTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
