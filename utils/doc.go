// Package utils provides internal utility functions for the transit-display layer.
// This package is not intended to be imported by external code.
//
// It contains:
//   - Distance calculation and formatting
//   - Time formatting and conversion utilities
package utils
