package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/promptgate/internal/logger"
	"github.com/nulpointcorp/promptgate/internal/providers"
)

// ItemStatus is the state of one batch item.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
)

// Sink event names used by the round engine.
const (
	EventProgress = "progress"
	EventFallback = "fallback"
)

// Progress is sent after every settled item.
type Progress struct {
	Round     int    `json:"round"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	Provider  string `json:"provider"`
}

// FallbackNotice is sent when failed items move to the next provider.
type FallbackNotice[K comparable] struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Items []K    `json:"items"`
}

// slot is the per-item result cell. Once Succeeded it is never written
// again.
type slot struct {
	status   ItemStatus
	content  string
	err      error
	provider string
	model    string
	attempts int
}

// ledger holds every item's slot. All access goes through its mutex.
type ledger[K comparable] struct {
	mu    sync.Mutex
	order []K
	slots map[K]*slot
}

func newLedger[K comparable](keys []K) *ledger[K] {
	l := &ledger[K]{order: keys, slots: make(map[K]*slot, len(keys))}
	for _, k := range keys {
		l.slots[k] = &slot{status: StatusPending}
	}
	return l
}

func (l *ledger[K]) succeed(k K, content, provider, model string, attempts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.attempts += attempts
	if s.status == StatusSucceeded {
		return
	}
	*s = slot{status: StatusSucceeded, content: content, provider: provider, model: model, attempts: s.attempts}
}

func (l *ledger[K]) fail(k K, err error, provider, model string, attempts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.attempts += attempts
	if s.status == StatusSucceeded {
		return
	}
	s.status, s.err, s.provider, s.model = StatusFailed, err, provider, model
}

// failed returns the keys currently Failed, in input order.
func (l *ledger[K]) failed() []K {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []K
	for _, k := range l.order {
		if l.slots[k].status == StatusFailed {
			out = append(out, k)
		}
	}
	return out
}

// retry moves keys back to Pending for the next round.
func (l *ledger[K]) retry(keys []K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if s := l.slots[k]; s.status == StatusFailed {
			s.status = StatusPending
		}
	}
}

// counts returns the number of items per status.
func (l *ledger[K]) counts() map[ItemStatus]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[ItemStatus]int, 3)
	for _, s := range l.slots {
		out[s.status]++
	}
	return out
}

// snapshot returns a copy of k's slot.
func (l *ledger[K]) snapshot(k K) slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.slots[k]
}

// engine runs the round/fallback loop shared by text and transcription
// batches.
type engine[K comparable] struct {
	route     string
	reg       *providers.Registry
	chain     *providers.FallbackChain
	opts      Options
	sink      EventSink
	retry     retryPolicy
	itemLabel func(K) string

	// build constructs the request of one item for (provider, model).
	build func(ctx context.Context, k K, provider, model string) (*providers.Outbound, error)
	// decode extracts the item's content from a 2xx body.
	decode func(k K, provider string, body []byte) (string, error)
	// fallbackModel returns the model to use after switching to provider.
	fallbackModel func(provider string) string
}

// run dispatches every key starting at (provider, model) and walks the
// fallback chain until no item is Failed or the chain ends. It returns the
// ledger and the number of rounds run.
func (e *engine[K]) run(ctx context.Context, keys []K, provider, model string) (*ledger[K], int) {
	led := newLedger(keys)
	pending := keys
	round := 0

	for len(pending) > 0 {
		round++
		e.runRound(ctx, led, pending, round, provider, model)

		failed := led.failed()
		if len(failed) == 0 {
			break
		}
		if ctx.Err() != nil {
			e.opts.Logger.WarnContext(ctx, "batch_canceled",
				slog.String("request_id", requestIDFrom(ctx)),
				slog.String("route", e.route),
				slog.Int("failed", len(failed)),
			)
			break
		}
		next, ok := e.chain.Next(provider)
		if !ok {
			e.opts.Logger.WarnContext(ctx, "fallback_exhausted",
				slog.String("request_id", requestIDFrom(ctx)),
				slog.String("route", e.route),
				slog.String("provider", provider),
				slog.Int("failed", len(failed)),
			)
			break
		}

		e.sink.SendMessage(EventFallback, FallbackNotice[K]{From: provider, To: next, Items: failed})
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordFallback(e.route, provider, next, len(failed))
		}
		e.opts.Logger.InfoContext(ctx, "fallback_switch",
			slog.String("request_id", requestIDFrom(ctx)),
			slog.String("route", e.route),
			slog.String("from", provider),
			slog.String("to", next),
			slog.Int("items", len(failed)),
		)

		led.retry(failed)
		provider, model = next, e.fallbackModel(next)
		pending = failed
	}
	return led, round
}

func (e *engine[K]) runRound(ctx context.Context, led *ledger[K], pending []K, round int, provider, model string) {
	start := time.Now()
	e.opts.Logger.InfoContext(ctx, "batch_round_started",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("route", e.route),
		slog.Int("round", round),
		slog.String("provider", provider),
		slog.String("model", model),
		slog.Int("items", len(pending)),
	)

	var (
		mu        sync.Mutex
		processed int
	)
	total := len(pending)
	progress := func() {
		mu.Lock()
		processed++
		p := Progress{
			Round:     round,
			Processed: processed,
			Total:     total,
			Percent:   processed * 100 / total,
			Provider:  provider,
		}
		// Sent under mu so processed counts reach the sink in order.
		e.sink.SendMessage(EventProgress, p)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for _, k := range pending {
		out, err := e.build(ctx, k, provider, model)
		if err != nil {
			e.settleFailure(ctx, led, k, round, provider, model, 0, err)
			progress()
			continue
		}

		g.Go(func() error {
			body, attempts, err := e.retry.do(gctx, e.reg.Client(out.Provider), out, func(a attemptInfo) {
				e.recordAttempt(gctx, k, round, out, a)
			})
			if err == nil {
				var text string
				text, err = e.decode(k, out.Provider, body)
				if err == nil {
					led.succeed(k, text, out.Provider, out.Model, attempts)
					if e.opts.Metrics != nil {
						e.opts.Metrics.RecordBatchItem(e.route, out.Provider, string(StatusSucceeded))
					}
					progress()
					return nil
				}
			}
			e.settleFailure(gctx, led, k, round, out.Provider, out.Model, attempts, err)
			progress()
			// Item failures never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	c := led.counts()
	e.opts.Logger.InfoContext(ctx, "batch_round_finished",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("route", e.route),
		slog.Int("round", round),
		slog.String("provider", provider),
		slog.Int("succeeded", c[StatusSucceeded]),
		slog.Int("failed", c[StatusFailed]),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (e *engine[K]) settleFailure(ctx context.Context, led *ledger[K], k K, round int, provider, model string, attempts int, err error) {
	led.fail(k, err, provider, model, attempts)
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordBatchItem(e.route, provider, string(StatusFailed))
		e.opts.Metrics.RecordError(provider, classifyError(err))
	}
	e.opts.Logger.WarnContext(ctx, "provider_attempt_failed",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("route", e.route),
		slog.String("item", e.itemLabel(k)),
		slog.Int("round", round),
		slog.String("provider", provider),
		slog.String("reason", classifyError(err)),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

func (e *engine[K]) recordAttempt(ctx context.Context, k K, round int, out *providers.Outbound, a attemptInfo) {
	outcome := "success"
	if a.Err != nil {
		outcome = classifyError(a.Err)
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveUpstreamAttempt(out.Provider, e.route, outcome, a.Duration)
	}
	e.opts.AttemptLog.Log(logger.AttemptLog{
		RequestID: requestIDFrom(ctx),
		Route:     e.route,
		Provider:  out.Provider,
		Model:     out.Model,
		Item:      e.itemLabel(k),
		Round:     round,
		Attempt:   a.Attempt,
		Status:    a.Status,
		Outcome:   outcome,
		Latency:   a.Duration,
		CreatedAt: time.Now(),
	})
}

// errorText returns the most useful message for a failed item: the
// provider's response body when there was one, else the error itself.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) && httpErr.Body != "" {
		return fmt.Sprintf("%s (status %d)", httpErr.Body, httpErr.StatusCode)
	}
	return err.Error()
}
