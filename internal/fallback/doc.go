// Package fallback produces the fixed "service unavailable" response served
// when a circuit breaker is open or a backend call fails.
package fallback
