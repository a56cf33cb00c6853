// Package config loads the gateway configuration from config.yaml and the
// environment. It defines the listeners, the token verifier settings, the
// ordered route list, the named circuit breaker policies and the fallback
// response, and validates them before anything is wired.
package config
