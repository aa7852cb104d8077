// Package gateway executes completion and transcription requests against the
// provider registry.
//
// Executor runs one streaming call and forwards deltas to an EventSink.
// BatchExecutor and TranscriptionExecutor fan a list of independent items out
// over a bounded worker pool, retry transient failures per request, and walk
// the fallback chain round by round for the items that still failed.
//
// Logger, metrics and the attempt log are optional and nil-safe.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/promptgate/internal/content"
	"github.com/nulpointcorp/promptgate/internal/logger"
	"github.com/nulpointcorp/promptgate/internal/metrics"
)

const (
	DefaultBatchConcurrency         = 20
	DefaultTranscriptionConcurrency = 3
	DefaultMaxAttempts              = 3

	// ConcatDivider separates item results when a batch is concatenated.
	ConcatDivider = "\n\n---\n\n"
)

// Options holds optional dependencies and tuning shared by the executors.
// All fields have sensible defaults and can be omitted.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *metrics.Registry

	// AttemptLog receives one entry per upstream attempt when non-nil.
	AttemptLog *logger.Logger

	// Transformer post-processes every piece of content. Defaults to
	// content.Rules.
	Transformer content.Transformer

	// MaxAttempts caps attempts per batch request (including the first).
	// Default: 3.
	MaxAttempts int

	// RetryBackoff is the base of the jittered exponential backoff between
	// attempts. Default: 250ms.
	RetryBackoff time.Duration

	// Concurrency caps in-flight requests per round. Default: 20 for text
	// batches, 3 for transcription batches.
	Concurrency int
}

func (o Options) withDefaults(concurrency int) Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Transformer == nil {
		o.Transformer = content.Rules{}
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultBackoff
	}
	if o.Concurrency < 1 {
		o.Concurrency = concurrency
	}
	return o
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying id for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
