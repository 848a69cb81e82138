package resilience

import (
	"context"
	"errors"

	"github.com/theoremus-urban-solutions/transit-display/transit"
)

// Retryable classifies a failure. Network transport errors, timeouts, 5xx and
// 429 responses are retryable; validation failures and auth-style 4xx are not.
// Unknown errors default to retryable so transient faults are not dropped.
func Retryable(err error) bool {
	var verr *transit.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var ferr transit.FieldError
	if errors.As(err, &ferr) {
		return false
	}
	var nerr *transit.NetworkError
	if errors.As(err, &nerr) {
		return nerr.Retryable()
	}
	var terr *transit.TimeoutError
	if errors.As(err, &terr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
