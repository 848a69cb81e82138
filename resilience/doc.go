// Package resilience provides per-operation retry with exponential backoff
// and a circuit breaker per operation type.
//
// Policies are looked up by operation name with a global default fallback.
// Exactly one success or failure is recorded against the breaker per Execute
// call, regardless of how many attempts were made.
package resilience
