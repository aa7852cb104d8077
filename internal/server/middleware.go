package server

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/promptgate/pkg/apierr"
)

// userValueStreaming marks a request whose metrics are recorded by its
// stream writer instead of instrument.
const userValueStreaming = "streaming"

// recovery catches panics in any handler and returns a 500 without crashing
// the server process.
func recovery(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", requestIDOf(ctx)),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.WriteStatus(ctx, fasthttp.StatusInternalServerError, "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

// requestID ensures every request has an X-Request-ID. A UUID v4 is
// generated when the client sends none.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// timing sets X-Response-Time to the handler duration. For event streams
// this is the time to the first byte.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens API-only responses.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// applyMiddleware wraps h so that the first middleware runs outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// instrument tracks in-flight requests and records the HTTP metrics of
// route. Streaming handlers finish the observation themselves.
func (s *Server) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		m := s.opts.Metrics
		if m == nil {
			next(ctx)
			return
		}
		start := time.Now()
		m.IncInFlight()
		next(ctx)
		if streaming, _ := ctx.UserValue(userValueStreaming).(bool); streaming {
			return
		}
		m.DecInFlight()
		m.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()))
	}
}

// limit rejects requests over the route's rate limit with 429.
func (s *Server) limit(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.opts.Limiter == nil {
			next(ctx)
			return
		}
		allowed, err := s.opts.Limiter.Allow(ctx, route)
		if s.opts.Metrics != nil {
			switch {
			case err != nil:
				s.opts.Metrics.RecordRateLimit("error")
			case allowed:
				s.opts.Metrics.RecordRateLimit("allowed")
			default:
				s.opts.Metrics.RecordRateLimit("blocked")
			}
		}
		if err == nil && !allowed {
			s.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("route", route),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		next(ctx)
	}
}
