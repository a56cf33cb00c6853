// Package handler implements the gateway dispatcher: the HTTP handler that
// authenticates a request, matches it against the route table, gates it
// through the route's circuit breaker and forwards it to the backend.
package handler
