// Package circuitbreaker implements the per-policy circuit breakers that shield
// backends from traffic while they are failing.
//
// Each breaker has three states:
//
//   - CLOSED: normal operation, requests pass through
//   - OPEN: backend failing, requests are short-circuited to the fallback
//   - HALF_OPEN: exactly one probe request is let through to test recovery
//
// The move from OPEN to HALF_OPEN is lazy: it happens on the first Allow call
// after the cooldown, and that caller becomes the probe. There is no timer.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry()
//	registry.Register("productServiceCircuitBreaker", circuitbreaker.Policy{
//	    FailureThreshold: 5,
//	    Cooldown:         30 * time.Second,
//	})
//	cb, _ := registry.GetBreaker("productServiceCircuitBreaker")
//	if permit, ok := cb.Allow(); ok {
//	    // Make request...
//	    if err != nil {
//	        cb.RecordFailure(permit)
//	    } else {
//	        cb.RecordSuccess(permit)
//	    }
//	}
package circuitbreaker
