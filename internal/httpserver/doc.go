// Package httpserver wraps http.Server with address validation, configurable
// timeouts and bounded graceful shutdown. The gateway runs two of them: the
// authenticated dispatch listener and the admin listener.
package httpserver
