package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/promptgate/internal/credentials"
	"github.com/nulpointcorp/promptgate/internal/gateway"
	"github.com/nulpointcorp/promptgate/internal/logger"
	"github.com/nulpointcorp/promptgate/internal/metrics"
	"github.com/nulpointcorp/promptgate/internal/providers"
	"github.com/nulpointcorp/promptgate/internal/ratelimit"
	"github.com/nulpointcorp/promptgate/internal/server"
)

// initInfra establishes optional external connections.
// Redis is connected whenever REDIS_URL is set; the usage counter and the
// rate limiter need it.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProviders builds the registry, the credential chain and the fallback
// graphs. At least one provider is configured, as enforced by config.
func (a *App) initProviders(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.registry = buildRegistry(a.cfg)
	a.secrets = buildSecrets(a.cfg)

	// Lookups are always counted in metrics; Redis counters are opt-in.
	usage := a.rdb
	if a.cfg.CredentialUsage != "redis" {
		usage = nil
	}
	creds := credentials.NewCounted(a.secrets, usage, a.log)
	creds.SetRecorder(a.prom)
	a.builder = providers.NewBuilder(a.registry, creds)

	var err error
	if a.textChain, err = providers.NewFallbackChain(providers.DefaultFallbackEdges); err != nil {
		return err
	}
	if a.audioHops, err = providers.NewFallbackChain(providers.DefaultTranscriptionFallbackEdges); err != nil {
		return err
	}
	for _, c := range []*providers.FallbackChain{a.textChain, a.audioHops} {
		if err := c.CheckKnown(a.registry); err != nil {
			return err
		}
	}

	a.log.Info("providers loaded",
		slog.Any("configured", a.cfg.ConfiguredProviders()),
		slog.Any("with_api_key", a.secrets.Providers()),
	)

	return nil
}

// initServices creates the attempt log and the executors.
func (a *App) initServices(ctx context.Context) error {
	attemptLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("attempt log: %w", err)
	}
	a.attemptLog = attemptLog

	base := gateway.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		AttemptLog:   a.attemptLog,
		MaxAttempts:  a.cfg.Batch.MaxAttempts,
		RetryBackoff: a.cfg.Batch.RetryBackoff,
	}

	a.executor = gateway.NewExecutor(a.builder, base)

	text := base
	text.Concurrency = a.cfg.Batch.Concurrency
	a.batch = gateway.NewBatchExecutor(a.builder, a.textChain, text)

	audio := base
	audio.Concurrency = a.cfg.Batch.TranscriptionConcurrency
	a.transcription = gateway.NewTranscriptionExecutor(a.builder, a.audioHops, audio)

	return nil
}

// initServer wires the rate limiter, the health checker and the HTTP routes.
func (a *App) initServer(_ context.Context) error {
	opts := server.Options{
		Executor:      a.executor,
		Batch:         a.batch,
		Transcription: a.transcription,
		Metrics:       a.prom,
		Logger:        a.log,
		MediaRoot:     a.cfg.MediaRoot,
	}

	// Rate limiting: only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.Limiter = ratelimit.New(a.rdb, a.cfg.RateLimit.RPMLimit, 0, a.log)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Probes use the plain secrets so they are not counted as usage.
	hcOpts := server.HealthCheckerOptions{
		Providers: a.cfg.ConfiguredProviders(),
		Prober:    providers.NewProber(a.registry, a.secrets),
		Interval:  a.cfg.HealthInterval,
		Metrics:   a.prom,
		Logger:    a.log,
	}
	if a.rdb != nil {
		hcOpts.RedisReady = redisPinger(a.rdb)
	}
	a.health = server.NewHealthChecker(a.baseCtx, hcOpts)
	opts.Health = a.health

	a.srv = server.New(a.baseCtx, opts)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
