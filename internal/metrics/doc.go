// Package metrics collects gateway metrics off the request path.
//
// The dispatcher emits events into a buffered channel with non-blocking
// semantics; a dedicated goroutine folds them into:
//   - Per-route request counts by outcome and status code
//   - Backend response times with percentile calculations (P50, P95, P99)
//   - Authentication rejections by reason
//   - Circuit breaker transitions
//   - Backend health probe results
//
// The same events are mirrored into Prometheus vectors when an Exporter is
// attached. The JSON snapshot and the Prometheus handler are served on the
// admin listener, never on the authenticated gateway surface.
//
// Example usage:
//
//	exporter := metrics.NewExporter("gateway")
//	collector := metrics.NewCollector(1000, logger, exporter)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventRequestCompleted,
//		Route:      "orderservice",
//		Outcome:    "forwarded",
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
package metrics
