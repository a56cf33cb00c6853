package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestCompleted  EventType = "request_completed"
	EventBackendResponded  EventType = "backend_responded"
	EventAuthRejected      EventType = "auth_rejected"
	EventBreakerTransition EventType = "breaker_transition"
	EventHealthChanged     EventType = "health_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Outcome    string
	Backend    string
	Duration   time.Duration
	StatusCode int
	Reason     string
	Policy     string
	FromState  string
	ToState    string
	Healthy    bool
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	exporter *Exporter
	logger   *slog.Logger
}

// NewCollector creates a collector. exporter may be nil when Prometheus
// exposition is disabled.
func NewCollector(bufferSize int, logger *slog.Logger, exporter *Exporter) *Collector {
	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		exporter: exporter,
		logger:   logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking; the event is dropped when the buffer
// is full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestCompleted:
		c.metrics.RecordRequest(event.Route, event.Outcome, event.StatusCode)

	case EventBackendResponded:
		c.metrics.RecordBackendResponse(event.Route, event.Duration)

	case EventAuthRejected:
		c.metrics.RecordAuthRejection(event.Reason)

	case EventBreakerTransition:
		c.metrics.RecordBreakerTransition(event.Policy, event.ToState)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
	}

	if c.exporter != nil {
		c.exporter.Observe(event)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
