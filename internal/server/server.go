// Package server exposes the gateway executors over HTTP.
//
// Generation, batch and transcription batch endpoints answer with a
// Server-Sent Events stream: every event the executors report is written as
// it happens and the stream ends with a "result" event. Validation and rate
// limit failures are returned before the stream starts, using the OpenAI
// error envelope.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/promptgate/internal/gateway"
	"github.com/nulpointcorp/promptgate/internal/metrics"
)

// Route names used for rate limit keys and metrics labels.
const (
	routeGenerate      = "generate"
	routeBatch         = "batch"
	routeTranscription = "transcription"
)

// Limiter admits or rejects a request for a route.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Options wires the server. Executor, Batch and Transcription are required;
// everything else is optional.
type Options struct {
	Executor      *gateway.Executor
	Batch         *gateway.BatchExecutor
	Transcription *gateway.TranscriptionExecutor

	Health  *HealthChecker
	Limiter Limiter
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// MediaRoot confines transcription file paths. Empty disables the
	// transcription endpoint.
	MediaRoot string
}

// Server routes HTTP requests to the executors.
type Server struct {
	opts    Options
	log     *slog.Logger
	baseCtx context.Context
	srv     *fasthttp.Server
}

// New returns a Server. baseCtx bounds every executor run; cancelling it
// aborts in-flight streams.
func New(baseCtx context.Context, opts Options) *Server {
	if baseCtx == nil {
		panic("server: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{opts: opts, log: log, baseCtx: baseCtx}
	s.srv = &fasthttp.Server{
		Handler:     s.Handler(),
		ReadTimeout: 60 * time.Second,
		// Streams stay open for the whole generation, so no write timeout.
		MaxRequestBodySize: 16 << 20,
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/generate", s.instrument(routeGenerate, s.limit(routeGenerate, s.handleGenerate)))
	r.POST("/v1/batch", s.instrument(routeBatch, s.limit(routeBatch, s.handleBatch)))
	r.POST("/v1/transcriptions/batch", s.instrument(routeTranscription, s.limit(routeTranscription, s.handleTranscriptionBatch)))
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.opts.Metrics != nil {
		r.GET("/metrics", s.opts.Metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		securityHeaders,
	)
}

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("server_listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for open ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.opts.Health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.opts.Health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.opts.Health == nil || s.opts.Health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}
