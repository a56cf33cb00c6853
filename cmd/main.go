package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/angeloszaimis/api-gateway/config"
	"github.com/angeloszaimis/api-gateway/internal/auth"
	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/fallback"
	"github.com/angeloszaimis/api-gateway/internal/handler"
	"github.com/angeloszaimis/api-gateway/internal/healthcheck"
	"github.com/angeloszaimis/api-gateway/internal/httpserver"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
	"github.com/angeloszaimis/api-gateway/internal/route"
	"github.com/angeloszaimis/api-gateway/pkg/logger"
)

const metricsNamespace = "gateway"

// gateway is everything the dispatch listener needs, built from config.
type gateway struct {
	handler  *handler.DispatchHandler
	routes   *route.Table
	breakers *circuitbreaker.Registry
	backends map[string]*backend.Backend
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exporter := metrics.NewExporter(metricsNamespace)
	collector := metrics.NewCollector(1024, log, exporter)
	collector.Start(ctx)

	gw, err := buildGateway(ctx, cfg, log, collector)
	if err != nil {
		log.Error("Failed to build gateway", slog.Any("err", err))
		os.Exit(1)
	}

	if err := exporter.RegisterBreakers(metricsNamespace, gw.breakers); err != nil {
		log.Error("Failed to register breaker metrics", slog.Any("err", err))
		os.Exit(1)
	}

	if cfg.HealthCheck.Enabled {
		startHealthChecks(ctx, cfg, log, collector, gw.backends)
	}

	srv, err := httpserver.New(cfg.Server.Address, gw.handler,
		httpserver.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	servers := []*httpserver.Server{srv}
	srvErrCh := make(chan error, 2)

	if cfg.Admin.Enabled {
		adminSrv, err := httpserver.New(cfg.Admin.Address, setupAdminRouter(collector, exporter, gw.breakers))
		if err != nil {
			log.Error("Failed to create admin server", slog.Any("err", err))
			os.Exit(1)
		}
		servers = append(servers, adminSrv)

		go func() {
			log.Info("Admin listener started", slog.String("address", cfg.Admin.Address))
			srvErrCh <- adminSrv.Start()
		}()
	}

	go func() {
		log.Info("Gateway listener started",
			slog.String("address", cfg.Server.Address),
			slog.Int("routes", len(gw.routes.Routes())))
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting gateway", slog.Any("err", err))
			shutdown(servers, log)
			os.Exit(1)
		}
	}

	shutdown(servers, log)
}

func shutdown(servers []*httpserver.Server, log *slog.Logger) {
	for _, s := range servers {
		if err := s.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown",
				slog.String("address", s.Addr()),
				slog.Any("err", err))
		}
	}
}

// buildGateway wires the route table, one breaker per referenced policy, one
// backend per route and the dispatcher. Any inconsistency is a startup error.
func buildGateway(ctx context.Context, cfg *config.Config, log *slog.Logger, collector *metrics.Collector) (*gateway, error) {
	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}

	routes := make([]route.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		matcher, err := route.ParsePattern(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}

		u, err := url.Parse(rc.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %s: backend url: %w", rc.ID, err)
		}

		routes = append(routes, route.Route{ID: rc.ID, Matcher: matcher, BackendURL: u, Policy: rc.Policy})
	}

	table, err := route.NewTable(routes)
	if err != nil {
		return nil, err
	}

	registry := circuitbreaker.NewRegistry(
		circuitbreaker.WithTransitionListener(transitionListener(log, collector)))

	for _, name := range table.Policies() {
		pc, ok := cfg.Policy(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", circuitbreaker.ErrUnknownPolicy, name)
		}

		if _, err := registry.Register(name, circuitbreaker.Policy{
			FailureThreshold: pc.FailureThreshold,
			Cooldown:         pc.Cooldown,
		}); err != nil {
			return nil, err
		}
	}

	backends := make(map[string]*backend.Backend, len(routes))
	for _, r := range table.Routes() {
		pc, _ := cfg.Policy(r.Policy)

		opts := []backend.Option{backend.WithTimeout(pc.Timeout)}
		if len(pc.FailureStatuses) > 0 {
			opts = append(opts, backend.WithFailureStatuses(pc.FailureStatuses))
		}
		backends[r.ID] = backend.New(r.BackendURL, opts...)

		log.Info("Route registered",
			slog.String("route", r.ID),
			slog.String("path", r.Matcher.String()),
			slog.String("backend", r.BackendURL.String()),
			slog.String("policy", r.Policy))
	}

	dispatcher := handler.NewDispatchHandler(
		log,
		auth.NewAuthenticator(verifier),
		table,
		registry,
		backends,
		fallback.New(cfg.Fallback.Status, cfg.Fallback.Body),
		collector,
	)

	return &gateway{
		handler:  dispatcher,
		routes:   table,
		breakers: registry,
		backends: backends,
	}, nil
}

func newVerifier(ctx context.Context, ac config.AuthConfig) (auth.Verifier, error) {
	opts := []auth.VerifierOption{auth.WithClockSkew(ac.ClockSkew)}
	if ac.Issuer != "" {
		opts = append(opts, auth.WithIssuer(ac.Issuer))
	}
	if ac.Audience != "" {
		opts = append(opts, auth.WithAudience(ac.Audience))
	}

	if ac.JWKSURL != "" {
		return auth.NewJWKSVerifier(ctx, ac.JWKSURL, ac.JWKSRefresh, opts...)
	}
	return auth.NewHMACVerifier([]byte(ac.HMACSecret), opts...)
}

func transitionListener(log *slog.Logger, collector *metrics.Collector) func(circuitbreaker.Transition) {
	return func(t circuitbreaker.Transition) {
		level := slog.LevelInfo
		if t.To == circuitbreaker.StateOpen {
			level = slog.LevelWarn
		}
		log.Log(context.Background(), level, "Circuit breaker transition",
			slog.String("policy", t.Policy),
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()))

		if collector != nil {
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventBreakerTransition,
				Timestamp: t.At,
				Policy:    t.Policy,
				FromState: t.From.String(),
				ToState:   t.To.String(),
			})
		}
	}
}

func startHealthChecks(ctx context.Context, cfg *config.Config, log *slog.Logger, collector *metrics.Collector, backends map[string]*backend.Backend) {
	checker := healthcheck.New(cfg.HealthCheck.Interval, cfg.HealthCheck.Path, log, collector)
	for id, b := range backends {
		log.Debug("Starting health check",
			slog.String("route", id),
			slog.String("server", b.URL().String()),
			slog.Duration("interval", cfg.HealthCheck.Interval))
		go checker.Watch(ctx, b)
	}
}
