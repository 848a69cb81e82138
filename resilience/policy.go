package resilience

import (
	"math"
	"time"

	"github.com/theoremus-urban-solutions/transit-display/config"
)

// RetryPolicy controls attempt count, backoff shape, and per-attempt budget
// for one operation type.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	PerAttemptTimeout time.Duration
}

// DefaultRetryPolicy matches the documented configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		InitialDelay:      time.Second,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
		PerAttemptTimeout: 10 * time.Second,
	}
}

// PolicyFromConfig converts a config entry to a RetryPolicy.
func PolicyFromConfig(c config.RetryPolicyConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        c.MaxRetries,
		InitialDelay:      time.Duration(c.InitialDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(c.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: c.BackoffMultiplier,
		JitterFactor:      c.JitterFactor,
		PerAttemptTimeout: time.Duration(c.PerAttemptTimeoutMS) * time.Millisecond,
	}
}

// DelayForAttempt computes the backoff before retry number attempt (0-based):
// min(MaxDelay, InitialDelay*Multiplier^attempt) plus jitter scaled by rnd,
// which must be in [0,1).
func (p RetryPolicy) DelayForAttempt(attempt int, rnd float64) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}
	jitter := p.JitterFactor * base * rnd
	return time.Duration(base + jitter)
}

// PolicySet resolves retry policies by operation name.
type PolicySet struct {
	defaultPolicy RetryPolicy
	byOperation   map[string]RetryPolicy
}

// NewPolicySet builds a PolicySet from a default and named overrides.
func NewPolicySet(def RetryPolicy, byOp map[string]RetryPolicy) *PolicySet {
	ops := make(map[string]RetryPolicy, len(byOp))
	for k, v := range byOp {
		ops[k] = v
	}
	return &PolicySet{defaultPolicy: def, byOperation: ops}
}

// PolicySetFromConfig builds a PolicySet from configuration.
func PolicySetFromConfig(c config.ResilienceConfig) *PolicySet {
	byOp := make(map[string]RetryPolicy, len(c.Operations))
	for name, pc := range c.Operations {
		byOp[name] = PolicyFromConfig(pc)
	}
	return NewPolicySet(PolicyFromConfig(c.Default), byOp)
}

// For returns the policy for an operation name, falling back to the default.
func (s *PolicySet) For(operation string) RetryPolicy {
	if p, ok := s.byOperation[operation]; ok {
		return p
	}
	return s.defaultPolicy
}
