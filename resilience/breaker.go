package resilience

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/theoremus-urban-solutions/transit-display/config"
)

// BreakerState is the lifecycle state of one circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerSettings tunes breaker transitions.
type BreakerSettings struct {
	// FailureThreshold opens the circuit once this many failures land inside
	// the sliding window.
	FailureThreshold int
	// SuccessThreshold closes a half-open circuit after this many consecutive
	// successes.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects calls before probing.
	Timeout time.Duration
	// Window is the sliding failure-counting window.
	Window time.Duration
}

// DefaultBreakerSettings matches the documented configuration defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Window:           time.Minute,
	}
}

// BreakerSettingsFromConfig converts a config entry to BreakerSettings.
func BreakerSettingsFromConfig(c config.BreakerConfig) BreakerSettings {
	return BreakerSettings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          time.Duration(c.TimeoutMS) * time.Millisecond,
		Window:           time.Duration(c.WindowMS) * time.Millisecond,
	}
}

// CircuitBreaker is the state machine for a single operation type. It is
// created lazily by the Executor and reset only explicitly.
type CircuitBreaker struct {
	mu       sync.Mutex
	settings BreakerSettings
	clock    clockwork.Clock

	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	failureTimes         []time.Time
	lastFailureTime      time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(settings BreakerSettings, clock clockwork.Clock) *CircuitBreaker {
	return &CircuitBreaker{settings: settings, clock: clock, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker whose timeout has
// elapsed transitions to half-open and allows one probe. When the call is
// rejected, retryAfter says how long until the next probe window.
func (b *CircuitBreaker) Allow() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true, 0
	}
	elapsed := b.clock.Now().Sub(b.lastFailureTime)
	if elapsed >= b.settings.Timeout {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		return true, 0
	}
	return false, b.settings.Timeout - elapsed
}

// RecordSuccess registers one successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	switch b.state {
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.settings.SuccessThreshold {
			b.state = StateClosed
			b.failureTimes = nil
		}
	case StateClosed:
		b.consecutiveSuccesses++
	}
}

// RecordFailure registers one failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.lastFailureTime = now

	if b.state == StateHalfOpen {
		// A probe failure reopens immediately.
		b.state = StateOpen
		b.failureTimes = append(b.pruneLocked(now), now)
		return
	}
	b.failureTimes = append(b.pruneLocked(now), now)
	if len(b.failureTimes) >= b.settings.FailureThreshold {
		b.state = StateOpen
	}
}

// Reset returns the breaker to closed with all counters cleared.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.failureTimes = nil
	b.lastFailureTime = time.Time{}
}

// pruneLocked drops window entries older than the sliding window.
func (b *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-b.settings.Window)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// BreakerSnapshot is a point-in-time view of a breaker for diagnostics.
type BreakerSnapshot struct {
	State                BreakerState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutiveFailures"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses"`
	WindowFailures       int          `json:"windowFailures"`
	LastFailureTime      time.Time    `json:"lastFailureTime"`
}

// Snapshot returns the current breaker state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		WindowFailures:       len(b.failureTimes),
		LastFailureTime:      b.lastFailureTime,
	}
}
