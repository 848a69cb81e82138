package resilience

import (
	"context"
	"math/rand"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/theoremus-urban-solutions/transit-display/internal"
	"github.com/theoremus-urban-solutions/transit-display/transit"
)

const logCategory = "resilience"

// Operation is one attemptable unit of work.
type Operation[T any] func(ctx context.Context) (T, error)

// Executor runs operations under a retry policy and a per-operation-type
// circuit breaker. Breakers are created lazily and owned exclusively by the
// executor.
type Executor struct {
	policies *PolicySet
	settings BreakerSettings
	clock    clockwork.Clock
	log      internal.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	// rnd returns a value in [0,1) for jitter. Replaceable in tests.
	rnd func() float64
}

// NewExecutor creates an Executor. A nil logger disables logging.
func NewExecutor(policies *PolicySet, settings BreakerSettings, clock clockwork.Clock, log internal.Logger) *Executor {
	if log == nil {
		log = internal.NopLogger{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{
		policies: policies,
		settings: settings,
		clock:    clock,
		log:      log,
		breakers: map[string]*CircuitBreaker{},
		rnd:      rand.Float64,
	}
}

// Breaker returns the breaker for an operation type, creating it on first use.
func (e *Executor) Breaker(operation string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[operation]
	if !ok {
		b = NewCircuitBreaker(e.settings, e.clock)
		e.breakers[operation] = b
	}
	return b
}

// State returns a snapshot of the breaker for an operation type.
func (e *Executor) State(operation string) BreakerSnapshot {
	return e.Breaker(operation).Snapshot()
}

// ResetBreaker manually closes the breaker for an operation type.
func (e *Executor) ResetBreaker(operation string) {
	e.Breaker(operation).Reset()
}

// SetRand replaces the jitter source. Tests use a fixed source for
// deterministic backoff.
func (e *Executor) SetRand(rnd func() float64) { e.rnd = rnd }

// Execute runs op under the operation's retry policy and circuit breaker.
//
// An open breaker rejects the call immediately with CircuitOpenError; the
// rejection is not an attempt and is not recorded. Otherwise up to
// MaxRetries+1 attempts run, each raced against the per-attempt timeout.
// The timeout abandons the attempt but cannot stop the underlying work; a
// late result is discarded. Exactly one success or failure is recorded
// against the breaker for the whole call.
func Execute[T any](ctx context.Context, e *Executor, operation string, op Operation[T]) (T, error) {
	var zero T
	breaker := e.Breaker(operation)
	if ok, retryAfter := breaker.Allow(); !ok {
		return zero, &transit.CircuitOpenError{Operation: operation, RetryAfter: retryAfter}
	}

	policy := e.policies.For(operation)
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		val, err := runAttempt(ctx, e, operation, attempt, policy, op)
		if err == nil {
			breaker.RecordSuccess()
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !Retryable(err) {
			e.log.Warn(logCategory, "non-retryable failure", "operation", operation, "attempt", attempt, "error", err)
			break
		}
		if attempt == policy.MaxRetries {
			break
		}
		delay := policy.DelayForAttempt(attempt, e.rnd())
		e.log.Info(logCategory, "retrying after failure", "operation", operation, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-e.clock.After(delay):
		case <-ctx.Done():
			breaker.RecordFailure()
			return zero, ctx.Err()
		}
	}
	breaker.RecordFailure()
	return zero, lastErr
}

// runAttempt runs op once, bounded by the per-attempt timeout.
func runAttempt[T any](ctx context.Context, e *Executor, operation string, attempt int, policy RetryPolicy, op Operation[T]) (T, error) {
	var zero T
	if policy.PerAttemptTimeout <= 0 {
		return op(ctx)
	}
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-e.clock.After(policy.PerAttemptTimeout):
		return zero, &transit.TimeoutError{Operation: operation, Attempt: attempt, Elapsed: policy.PerAttemptTimeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// ExecuteWithFallback runs primary through the full retry path; only when the
// primary is exhausted does the fallback run the same way. If both fail the
// combined error carries both contexts.
func ExecuteWithFallback[T any](ctx context.Context, e *Executor, operation string, primary, fallback Operation[T]) (T, error) {
	val, perr := Execute(ctx, e, operation, primary)
	if perr == nil {
		return val, nil
	}
	e.log.Warn(logCategory, "primary exhausted, running fallback", "operation", operation, "error", perr)
	fval, ferr := Execute(ctx, e, operation+".fallback", fallback)
	if ferr == nil {
		return fval, nil
	}
	var zero T
	return zero, &transit.FallbackError{Operation: operation, PrimaryErr: perr, FallbackErr: ferr}
}
