// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    : external connections (Redis when configured)
//  2. initProviders: registry, credentials, request builder, fallback chains
//  3. initServices : metrics registry, attempt log, executors
//  4. initServer   : rate limiter, health checker, HTTP routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/promptgate/internal/config"
	"github.com/nulpointcorp/promptgate/internal/credentials"
	"github.com/nulpointcorp/promptgate/internal/gateway"
	"github.com/nulpointcorp/promptgate/internal/logger"
	"github.com/nulpointcorp/promptgate/internal/metrics"
	"github.com/nulpointcorp/promptgate/internal/providers"
	"github.com/nulpointcorp/promptgate/internal/server"
)

const shutdownTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections: nil when not configured.
	rdb *redis.Client

	prom       *metrics.Registry
	attemptLog *logger.Logger

	registry  *providers.Registry
	secrets   *credentials.Static
	builder   *providers.Builder
	textChain *providers.FallbackChain
	audioHops *providers.FallbackChain

	executor      *gateway.Executor
	batch         *gateway.BatchExecutor
	transcription *gateway.TranscriptionExecutor

	health *server.HealthChecker
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, errors.New("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. In-flight streams get shutdownTimeout to finish.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Any("providers", a.cfg.ConfiguredProviders()),
		slog.Bool("redis", a.rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.attemptLog != nil {
		if err := a.attemptLog.Close(); err != nil {
			a.log.Error("attempt log close error", slog.String("error", err.Error()))
		}
		a.attemptLog = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error: callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a probe function for the HealthChecker. Reuses the
// existing client: no new connections.
func redisPinger(rdb *redis.Client) func(context.Context) bool {
	return func(ctx context.Context) bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildRegistry applies the configured base URLs and timeouts to the static
// provider table.
func buildRegistry(cfg *config.Config) *providers.Registry {
	opts := []providers.Option{providers.WithTimeouts(cfg.Timeouts.Connect, cfg.Timeouts.Stream)}
	for id, p := range cfg.Providers {
		if p.BaseURL != "" {
			opts = append(opts, providers.WithBaseURI(id, p.BaseURL))
		}
	}
	return providers.NewRegistry(opts...)
}

// buildSecrets loads API keys and the runpod endpoint id from configuration.
func buildSecrets(cfg *config.Config) *credentials.Static {
	s := credentials.NewStatic()
	for id, p := range cfg.Providers {
		s.Set(providers.NamespaceAPIKey, id, p.APIKey)
	}
	s.Set(providers.NamespaceEndpoint, "runpod", cfg.RunpodEndpointID)
	return s
}
