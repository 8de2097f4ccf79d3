package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/welldanyogia/sse-gateway/internal/auth"
	"github.com/welldanyogia/sse-gateway/internal/config"
	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/health"
	"github.com/welldanyogia/sse-gateway/internal/history"
	"github.com/welldanyogia/sse-gateway/internal/logger"
	"github.com/welldanyogia/sse-gateway/internal/metrics"
	"github.com/welldanyogia/sse-gateway/internal/middleware"
	"github.com/welldanyogia/sse-gateway/internal/sse"
	"github.com/welldanyogia/sse-gateway/internal/tracing"
)

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	bus, busCheck, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	store := history.NewStore(backend, bus, history.Options{
		ExpiresAfter: cfg.History.ExpiresAfter,
		Logger:       log,
	})
	defer store.Close()
	store.Start()

	if collector := poolStatsCollector(backend, log); collector != nil {
		collector.Start(15 * time.Second)
		defer collector.Stop()
	}

	dispatcherCfg := dispatcherConfig(cfg)
	sessions := sse.NewSessionManager(bus, store, dispatcherCfg, cfg.Session.Timeout, log)
	stopCleanup := sessions.StartCleanupRoutine(cfg.Session.CleanupInterval)
	defer stopCleanup()

	queue := sse.NewConfigQueue(cfg.ConfigQueue.Capacity, log)
	queue.Start()
	defer queue.Stop()

	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		Expiry: cfg.Auth.Expiry,
	})
	if !tokens.Enabled() {
		log.Warn("No JWT secret configured, every request is anonymous")
	}
	authMiddleware := middleware.NewAuthMiddleware(tokens)

	var limit func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		defer limiter.Stop()
		limit = limiter.Limit
	}

	handler := sse.NewHandler(dispatcherCfg, sessions, queue, bus, sse.HandlerOptions{
		PublishEnabled: cfg.Server.PublishEndpoint,
		Logger:         log,
	})

	checks := []health.Check{{
		Name: "history",
		Func: func(ctx context.Context) error {
			return metrics.PingBackend(ctx, backend.Ping)
		},
		Critical: true,
	}}
	if busCheck != nil {
		checks = append(checks, health.Check{Name: "bus", Func: busCheck, Critical: true})
	}
	healthHandler := health.NewHandler(health.Config{
		Checks: checks,
		Stats: func() map[string]int {
			return map[string]int{
				"sessions":           sessions.Count(),
				"config_queue_depth": queue.Len(),
			}
		},
		Version: Version,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.Server.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	sse.RegisterRoutes(r, handler, sse.RouteMiddleware{
		Principal:   authMiddleware.Optional,
		RequireAuth: authMiddleware.Authenticate,
		Limit:       limit,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Streams are bounded by the listen timeout, not the server.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	// Ending every stream lets Shutdown finish without waiting out the listen timeout.
	srv.RegisterOnShutdown(sessions.Close)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server",
			slog.String("addr", srv.Addr),
			slog.String("bus", cfg.Bus.Type),
			slog.String("history", cfg.History.Backend),
			slog.String("version", Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-sigCtx.Done():
	}

	log.Info("Shutting down server...")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}

// openBus connects the configured bus. The returned check is nil for buses
// without a connection to probe.
func openBus(cfg *config.Config, log *slog.Logger) (events.Bus, health.CheckFunc, error) {
	switch cfg.Bus.Type {
	case "nats":
		bus, err := events.NewNATSBus(cfg.Bus.URL, cfg.Bus.Prefix, log)
		if err != nil {
			return nil, nil, err
		}
		return bus, health.ConnectedCheck(bus.Connected), nil
	default:
		return events.NewEventBus(), nil, nil
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (history.Backend, error) {
	backend, err := history.NewBackend(ctx, history.BackendConfig{
		Type:           cfg.History.Backend,
		Dir:            cfg.History.Dir,
		MemoryCapacity: cfg.History.Capacity,
		Redis: history.RedisOptions{
			Addr:      cfg.History.RedisAddr,
			Password:  cfg.History.RedisPassword,
			DB:        cfg.History.RedisDB,
			KeyPrefix: cfg.History.RedisKeyPrefix,
			KeyTTL:    cfg.History.ExpiresAfter * 2,
		},
		PostgresDSN: cfg.History.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s history backend: %w", cfg.History.Backend, err)
	}
	return backend, nil
}

// poolStatsCollector samples pools of networked backends. It returns nil for the others.
func poolStatsCollector(backend history.Backend, log *slog.Logger) *metrics.PoolStatsCollector {
	switch b := backend.(type) {
	case *history.PostgresBackend:
		return metrics.NewPoolStatsCollector(b.DB().DB, nil, log)
	case *history.RedisBackend:
		return metrics.NewPoolStatsCollector(nil, b.Client(), log)
	default:
		return nil
	}
}

func dispatcherConfig(cfg *config.Config) sse.Config {
	return sse.Config{
		RetryLifetime: cfg.Dispatcher.RetryLifetime,
		RetryDelay:    cfg.Dispatcher.RetryDelay,
		RetryGrace:    cfg.Dispatcher.RetryGrace,
		FailTimeout:   cfg.Dispatcher.FailTimeout,
		ListenTimeout: cfg.Dispatcher.ListenTimeout,
		LookupTimeout: cfg.Dispatcher.LookupTimeout,
		StateEvents:   cfg.Dispatcher.StateEvents,
	}
}

func allowedOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"http://localhost:3000"}
	}
	return configured
}
