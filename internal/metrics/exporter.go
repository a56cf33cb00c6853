package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

// Exporter mirrors collector events into Prometheus metrics on its own
// registry.
type Exporter struct {
	registry           *prometheus.Registry
	requests           *prometheus.CounterVec
	backendDuration    *prometheus.HistogramVec
	authFailures       *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	backendUp          *prometheus.GaugeVec
}

func NewExporter(namespace string) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the gateway, by route and outcome.",
		}, []string{"route", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_duration_seconds",
			Help:      "Latency of forwarded backend calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected by the bearer token gate.",
		}, []string{"reason"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"policy", "from", "to"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Result of the last backend health probe (1 = healthy).",
		}, []string{"backend"}),
	}

	e.registry.MustRegister(
		e.requests,
		e.backendDuration,
		e.authFailures,
		e.breakerTransitions,
		e.backendUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return e
}

// RegisterBreakers exposes the live state of every breaker in registry
// (0 = closed, 1 = open, 2 = half-open), read at scrape time.
func (e *Exporter) RegisterBreakers(namespace string, registry *circuitbreaker.Registry) error {
	for _, name := range registry.Names() {
		cb, err := registry.GetBreaker(name)
		if err != nil {
			return err
		}

		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "circuit_breaker_state",
			Help:        "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
			ConstLabels: prometheus.Labels{"policy": name},
		}, func() float64 {
			return float64(cb.State())
		})

		if err := e.registry.Register(gauge); err != nil {
			return err
		}
	}
	return nil
}

// Observe applies a single event.
func (e *Exporter) Observe(event MetricEvent) {
	switch event.Type {
	case EventRequestCompleted:
		e.requests.WithLabelValues(event.Route, event.Outcome).Inc()
	case EventBackendResponded:
		e.backendDuration.WithLabelValues(event.Route).Observe(event.Duration.Seconds())
	case EventAuthRejected:
		e.authFailures.WithLabelValues(event.Reason).Inc()
	case EventBreakerTransition:
		e.breakerTransitions.WithLabelValues(event.Policy, event.FromState, event.ToState).Inc()
	case EventHealthChanged:
		up := 0.0
		if event.Healthy {
			up = 1
		}
		e.backendUp.WithLabelValues(event.Backend).Set(up)
	}
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
