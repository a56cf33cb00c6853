// Package logger builds the gateway's slog logger: text output for local
// environments, JSON in prod, tagged with the service and environment.
package logger
