package pipeline

import (
	"fmt"
	"strings"

	"github.com/theoremus-urban-solutions/transit-display/internal"
)

// Warning type constants
const (
	WarningNoPosition    = "no_position"
	WarningNoRouteName   = "no_route_name"
	WarningNoTimestamp   = "no_timestamp"
	WarningNoSpeed       = "no_speed"
	WarningETAUnavailable = "eta_unavailable"
	WarningItemDegraded  = "item_degraded"
)

// warningInfo holds aggregated information about a specific warning type
type warningInfo struct {
	count    int
	examples []string
}

// WarningAggregator collects warnings during a transformation run and outputs
// consolidated summaries instead of one log line per item.
type WarningAggregator struct {
	warnings map[string]*warningInfo
}

// NewWarningAggregator creates a new warning aggregator
func NewWarningAggregator() *WarningAggregator {
	return &WarningAggregator{
		warnings: make(map[string]*warningInfo),
	}
}

// Add records a warning occurrence with an example ID
func (w *WarningAggregator) Add(warningType, exampleID string) {
	if w.warnings[warningType] == nil {
		w.warnings[warningType] = &warningInfo{
			examples: make([]string, 0, 3),
		}
	}

	info := w.warnings[warningType]
	info.count++

	// Store up to 3 examples
	if len(info.examples) < 3 {
		info.examples = append(info.examples, exampleID)
	}
}

// Total returns the number of recorded warning occurrences.
func (w *WarningAggregator) Total() int {
	total := 0
	for _, info := range w.warnings {
		total += info.count
	}
	return total
}

// LogAll outputs all collected warnings in consolidated format
func (w *WarningAggregator) LogAll(log internal.Logger, orgID string) {
	if len(w.warnings) == 0 {
		return
	}
	for warningType, info := range w.warnings {
		log.Warn(logCategory, w.formatWarningMessage(warningType, orgID, info))
	}
}

// formatWarningMessage creates a human-readable warning message
func (w *WarningAggregator) formatWarningMessage(warningType, orgID string, info *warningInfo) string {
	var description, action string

	switch warningType {
	case WarningNoPosition:
		description = "records with no position"
		action = "Dropped from the display set"
	case WarningNoRouteName:
		description = "routes with no display name"
		action = "Using route_id as fallback"
	case WarningNoTimestamp:
		description = "records with no recorded-at timestamp"
		action = "Treating data as low confidence"
	case WarningNoSpeed:
		description = "records with no reported speed"
		action = "Estimating arrival with the default speed"
	case WarningETAUnavailable:
		description = "records with no computable arrival estimate"
		action = "Displaying without ETA"
	case WarningItemDegraded:
		description = "records that failed display formatting"
		action = "Showing default fields for those items"
	default:
		description = "unknown issue"
		action = "Continuing with fallback behavior"
	}

	examplesStr := strings.Join(info.examples, ", ")

	return fmt.Sprintf("Run for org %s has %s (%d occurrences). %s. Examples: %s",
		orgID, description, info.count, action, examplesStr)
}
