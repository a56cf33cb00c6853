package handler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/api-gateway/internal/auth"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/fallback"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/route"
)

const requestIDHeader = "X-Request-ID"

type Outcome string

const (
	OutcomeForwarded      Outcome = "forwarded"
	OutcomeShortCircuited Outcome = "short_circuited"
	OutcomeBackendFailed  Outcome = "backend_failed"
	OutcomeRejected       Outcome = "rejected"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeInvalidPath    Outcome = "invalid_path"
)

// RequestContext is what the dispatcher knows about a request in flight.
// It lives only for the duration of ServeHTTP.
type RequestContext struct {
	ID        string
	Principal *auth.Principal
	Route     *route.Route
	Outcome   Outcome
}

type DispatchHandler struct {
	logger           *slog.Logger
	authenticator    *auth.Authenticator
	routes           *route.Table
	breakers         *circuitbreaker.Registry
	backends         map[string]*backend.Backend
	fallback         *fallback.Handler
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// NewDispatchHandler wires the dispatcher. backends is keyed by route ID and
// must hold an entry for every route in routes; collector may be nil.
func NewDispatchHandler(
	logger *slog.Logger,
	authenticator *auth.Authenticator,
	routes *route.Table,
	breakers *circuitbreaker.Registry,
	backends map[string]*backend.Backend,
	fb *fallback.Handler,
	collector *metrics.Collector,
) *DispatchHandler {
	return &DispatchHandler{
		logger:           logger,
		authenticator:    authenticator,
		routes:           routes,
		breakers:         breakers,
		backends:         backends,
		fallback:         fb,
		metricsCollector: collector,
	}
}

func (d *DispatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &RequestContext{ID: requestID(r)}
	r.Header.Set(requestIDHeader, rc.ID)
	w.Header().Set(requestIDHeader, rc.ID)

	log := d.logger.With(
		slog.String("request_id", rc.ID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	received := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		routeID := ""
		if rc.Route != nil {
			routeID = rc.Route.ID
		}
		log.Info("Request completed",
			slog.String("outcome", string(rc.Outcome)),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", time.Since(received)))
		d.emitEvent(metrics.MetricEvent{
			Type:       metrics.EventRequestCompleted,
			Route:      routeID,
			Outcome:    string(rc.Outcome),
			StatusCode: wrapped.statusCode,
		})
	}()

	principal, err := d.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		rc.Outcome = OutcomeRejected
		reason := auth.Reason(err)
		log.Info("Rejected unauthenticated request",
			slog.String("from", extractClientIP(r)),
			slog.String("reason", reason))
		d.emitEvent(metrics.MetricEvent{Type: metrics.EventAuthRejected, Reason: reason})

		wrapped.Header().Set("WWW-Authenticate", auth.Challenge(err))
		http.Error(wrapped, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	rc.Principal = principal

	if err := route.ValidatePath(r.URL); err != nil {
		rc.Outcome = OutcomeInvalidPath
		log.Info("Rejected non-normalized path", slog.Any("err", err))
		http.Error(wrapped, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	matched, ok := d.routes.Match(r.URL.Path)
	if !ok {
		rc.Outcome = OutcomeNotFound
		log.Info("No route matched")
		http.NotFound(wrapped, r)
		return
	}
	rc.Route = matched
	log = log.With(slog.String("route", matched.ID), slog.String("policy", matched.Policy))

	cb, err := d.breakers.GetBreaker(matched.Policy)
	if err != nil {
		// The table is validated against the registry at startup.
		rc.Outcome = OutcomeShortCircuited
		log.Error("Route references an unregistered policy", slog.Any("err", err))
		d.fallback.Respond(wrapped)
		return
	}

	permit, allowed := cb.Allow()
	if !allowed {
		rc.Outcome = OutcomeShortCircuited
		log.Warn("Circuit open, serving fallback", slog.String("state", cb.State().String()))
		d.fallback.Respond(wrapped)
		return
	}

	// Every permit is settled exactly once, including when forwarding panics.
	recorded := false
	defer func() {
		if !recorded {
			cb.RecordFailure(permit)
		}
	}()
	record := func(success bool) {
		recorded = true
		if success {
			cb.RecordSuccess(permit)
		} else {
			cb.RecordFailure(permit)
		}
	}

	b, ok := d.backends[matched.ID]
	if !ok || b == nil {
		record(false)
		rc.Outcome = OutcomeBackendFailed
		log.Error("Route has no backend")
		d.fallback.Respond(wrapped)
		return
	}

	log.Debug("Forwarding to backend",
		slog.String("backend", b.URL().String()),
		slog.String("subject", principal.Subject),
		slog.Bool("probe", permit.Probe()))

	start := time.Now()
	status, err := b.Forward(wrapped, r)
	d.emitEvent(metrics.MetricEvent{
		Type:     metrics.EventBackendResponded,
		Route:    matched.ID,
		Backend:  b.URL().String(),
		Duration: time.Since(start),
	})

	switch {
	case err == nil:
		record(true)
		rc.Outcome = OutcomeForwarded

	case errors.Is(err, backend.ErrResponseInterrupted):
		record(false)
		rc.Outcome = OutcomeBackendFailed
		log.Warn("Backend response interrupted after commit",
			slog.Int("status", status),
			slog.Any("err", err))

	default:
		record(false)
		rc.Outcome = OutcomeBackendFailed
		log.Warn("Backend call failed, serving fallback",
			slog.Int("status", status),
			slog.Any("err", err))
		d.fallback.Respond(wrapped)
	}
}

// requestID reuses a caller supplied id when it looks sane.
func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" && len(id) <= 128 {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (d *DispatchHandler) emitEvent(event metrics.MetricEvent) {
	if d.metricsCollector == nil {
		return
	}
	d.metricsCollector.Emit(event)
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
