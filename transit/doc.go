// Package transit defines the domain types shared across the display
// transformation layer: raw upstream records, the per-run transform context,
// UI-ready display output, and the error taxonomy.
//
// The types here are intentionally tolerant: upstream feeds are unreliable,
// so optional fields are pointers and validation lives in the validation
// package, not in constructors.
package transit
