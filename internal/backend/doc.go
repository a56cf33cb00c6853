// Package backend forwards gateway requests to upstream services. A Backend
// rewrites the request onto its base URL, strips the caller's credential and
// hop-by-hop headers, enforces the per-call timeout, and classifies the
// outcome so the caller can feed its circuit breaker.
package backend
