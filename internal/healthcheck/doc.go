// Package healthcheck probes route backends in the background. Results are
// informational: they are logged, exported as metrics and kept on the
// backend, but never influence circuit breaker state or dispatching.
package healthcheck
