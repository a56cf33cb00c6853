package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
)

const probeTimeout = 5 * time.Second

// Checker periodically sends GET <backend><path> and records whether the
// backend answered 200.
type Checker struct {
	client    *http.Client
	interval  time.Duration
	path      string
	logger    *slog.Logger
	collector *metrics.Collector
}

// New creates a Checker. collector may be nil.
func New(interval time.Duration, path string, logger *slog.Logger, collector *metrics.Collector) *Checker {
	if path == "" {
		path = "/health"
	}

	return &Checker{
		client:    &http.Client{Timeout: probeTimeout},
		interval:  interval,
		path:      path,
		logger:    logger,
		collector: collector,
	}
}

// Watch probes b every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, b *backend.Backend) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check stopped",
				slog.String("server", b.URL().String()))
			return

		case <-ticker.C:
			healthy := c.Check(ctx, b)
			if !b.SetHealthy(healthy) {
				continue
			}

			if healthy {
				c.logger.Info("Server is back up",
					slog.String("server", b.URL().String()))
			} else {
				c.logger.Warn("Server is down",
					slog.String("server", b.URL().String()))
			}

			if c.collector != nil {
				c.collector.Emit(metrics.MetricEvent{
					Type:    metrics.EventHealthChanged,
					Backend: b.URL().String(),
					Healthy: healthy,
				})
			}
		}
	}
}

// Check performs a single probe.
func (c *Checker) Check(ctx context.Context, b *backend.Backend) bool {
	healthURL := b.URL().ResolveReference(&url.URL{Path: c.path})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return false
	}

	res, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	return res.StatusCode == http.StatusOK
}
