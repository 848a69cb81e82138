package transit

import (
	"fmt"
	"strings"
	"time"
)

// FieldError describes one field-level validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationError reports a batch that failed validation. Errors is bounded;
// ValidCount/InvalidCount describe the whole batch.
type ValidationError struct {
	Errors              []FieldError
	ValidCount          int
	InvalidCount        int
	RecoverySuggestions []string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Error())
	}
	return fmt.Sprintf("validation failed (%d valid, %d invalid): %s",
		e.ValidCount, e.InvalidCount, strings.Join(parts, "; "))
}

// NetworkError wraps an upstream transport failure. StatusCode is 0 when the
// request never produced a response.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying: transport errors,
// 5xx, and 429. Other 4xx are caller mistakes and retrying cannot help.
func (e *NetworkError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// CircuitOpenError is returned when a call is rejected without an attempt
// because the operation's circuit breaker is open.
type CircuitOpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Operation, e.RetryAfter)
}

// TimeoutError is returned when a single attempt exceeded its per-attempt
// budget. The underlying operation is not cancelled; its result is discarded.
type TimeoutError struct {
	Operation string
	Attempt   int
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s attempt %d timed out after %s", e.Operation, e.Attempt, e.Elapsed)
}

// TransformationError reports a pipeline stage failure.
type TransformationError struct {
	Step        string
	Recoverable bool
	Context     map[string]any
	Err         error
}

func (e *TransformationError) Error() string {
	kind := "non-recoverable"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("transformation step %q failed (%s): %v", e.Step, kind, e.Err)
}

func (e *TransformationError) Unwrap() error { return e.Err }

// FallbackError combines a primary and a fallback failure so neither context
// is lost.
type FallbackError struct {
	Operation   string
	PrimaryErr  error
	FallbackErr error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s failed: primary: %v; fallback: %v", e.Operation, e.PrimaryErr, e.FallbackErr)
}

func (e *FallbackError) Unwrap() error { return e.PrimaryErr }
