package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

const (
	routeBatch = "batch"

	// DefaultBatchEventType names the terminal channel of a batch.
	DefaultBatchEventType = "batch"
)

// ErrNoItems is returned for a batch without prompts or files.
var ErrNoItems = errors.New("gateway: batch has no items")

// OutcomeStatus is the overall status of a finished batch.
type OutcomeStatus string

const (
	OutcomeSuccess        OutcomeStatus = "success"
	OutcomePartialSuccess OutcomeStatus = "partial_success"
	OutcomeAllFailed      OutcomeStatus = "all_failed"
)

// Item is the final state of one batch item.
type Item struct {
	Index    int        `json:"index"`
	ID       string     `json:"id,omitempty"`
	Status   ItemStatus `json:"status"`
	Content  string     `json:"content,omitempty"`
	Error    string     `json:"error,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
	Attempts int        `json:"attempts"`
}

// Outcome is the merged result of every round of a batch.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Items     []Item        `json:"items"`
	Content   string        `json:"content,omitempty"`
	Rounds    int           `json:"rounds"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// BatchRequest is a list of independent prompts sharing one request shape.
type BatchRequest struct {
	// Spec carries the provider, model and sampling parameters. Its Prompt
	// and Stream fields are ignored.
	Spec    providers.RequestSpec
	Prompts []string

	StepType     string
	ScorePattern string
	ContentRule  string

	// Tags[i] are the merge tags of prompt i. Missing entries mean none.
	Tags []map[string]string

	// Concatenate joins the successful contents, in index order, with
	// ConcatDivider into Outcome.Content.
	Concatenate bool

	// EventType names the channel of the terminal done/error event.
	EventType string
}

// BatchExecutor runs text completion batches with per-item fallback.
type BatchExecutor struct {
	builder *providers.Builder
	chain   *providers.FallbackChain
	opts    Options
}

func NewBatchExecutor(b *providers.Builder, chain *providers.FallbackChain, opts Options) *BatchExecutor {
	return &BatchExecutor{builder: b, chain: chain, opts: opts.withDefaults(DefaultBatchConcurrency)}
}

// Run executes every prompt and returns the merged outcome. When no prompt
// succeeded on any provider the returned error is a *BatchError matching
// ErrAllFailed; the outcome is returned alongside it.
func (e *BatchExecutor) Run(ctx context.Context, req BatchRequest, sink EventSink) (*Outcome, error) {
	if len(req.Prompts) == 0 {
		return nil, ErrNoItems
	}
	if sink == nil {
		sink = Discard{}
	}
	if req.EventType == "" {
		req.EventType = DefaultBatchEventType
	}
	start := time.Now()

	reg := e.builder.Registry()
	provider, model := req.Spec.Provider, req.Spec.Model
	if p, m, err := reg.Resolve(provider, model); err == nil {
		provider, model = p, m
	}

	eng := &engine[int]{
		route:     routeBatch,
		reg:       reg,
		chain:     e.chain,
		opts:      e.opts,
		sink:      newLockedSink(sink),
		retry:     retryPolicy{maxAttempts: e.opts.MaxAttempts, backoff: e.opts.RetryBackoff},
		itemLabel: strconv.Itoa,
		build: func(ctx context.Context, i int, provider, model string) (*providers.Outbound, error) {
			spec := req.Spec
			spec.Provider, spec.Model = provider, model
			spec.Prompt = req.Prompts[i]
			spec.Stream = false
			return e.builder.Chat(ctx, &spec)
		},
		decode: func(i int, provider string, body []byte) (string, error) {
			text, err := decodeCompletion(provider, body)
			if err != nil {
				return "", err
			}
			if req.StepType == StepScoring {
				text = ExtractScore(text, req.ScorePattern)
			}
			return e.opts.Transformer.Transform(text, req.ContentRule, tagsAt(req.Tags, i)), nil
		},
		fallbackModel: func(provider string) string {
			cfg, _ := reg.Config(provider)
			return cfg.DefaultModel
		},
	}

	keys := make([]int, len(req.Prompts))
	for i := range keys {
		keys[i] = i
	}
	led, rounds := eng.run(ctx, keys, provider, model)

	out := &Outcome{Rounds: rounds, Items: make([]Item, 0, len(keys))}
	var (
		parts []string
		last  error
	)
	for _, i := range keys {
		s := led.snapshot(i)
		it := Item{Index: i, Status: s.status, Provider: s.provider, Model: s.model, Attempts: s.attempts}
		if s.status == StatusSucceeded {
			it.Content = s.content
			parts = append(parts, s.content)
			out.Succeeded++
		} else {
			it.Error = errorText(s.err)
			last = s.err
			out.Failed++
		}
		out.Items = append(out.Items, it)
	}
	if req.Concatenate {
		out.Content = strings.Join(parts, ConcatDivider)
	}

	return settleOutcome(ctx, e.opts, routeBatch, req.EventType, out, last, sink, start)
}

// settleOutcome sets the overall status, emits the terminal sink event and
// logs the batch summary.
func settleOutcome(ctx context.Context, opts Options, route, eventType string, out *Outcome, last error, sink EventSink, start time.Time) (*Outcome, error) {
	switch {
	case out.Failed == 0:
		out.Status = OutcomeSuccess
	case out.Succeeded > 0:
		out.Status = OutcomePartialSuccess
	default:
		out.Status = OutcomeAllFailed
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordBatchOutcome(route, string(out.Status), out.Rounds)
	}
	opts.Logger.InfoContext(ctx, "batch_completed",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("route", route),
		slog.String("status", string(out.Status)),
		slog.Int("items", len(out.Items)),
		slog.Int("succeeded", out.Succeeded),
		slog.Int("failed", out.Failed),
		slog.Int("rounds", out.Rounds),
		slog.Duration("elapsed", time.Since(start)),
	)

	if out.Status == OutcomeAllFailed {
		err := &BatchError{Outcome: out, Last: last}
		sink.SendError(eventType, ErrorPayload{Message: err.Error(), Status: statusOf(last)})
		return out, err
	}
	sink.SendDone(eventType)
	return out, nil
}

// completionResponse is the subset of a non-streaming chat completion that
// carries the generated text.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
}

// decodeCompletion returns choices[0].message.content, or choices[0].text for
// legacy completion bodies.
func decodeCompletion(provider string, body []byte) (string, error) {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &ParseError{Provider: provider, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ParseError{Provider: provider, Err: errors.New("response has no choices")}
	}
	c := resp.Choices[0]
	if c.Message.Content != "" {
		return c.Message.Content, nil
	}
	return c.Text, nil
}

func tagsAt(tags []map[string]string, i int) map[string]string {
	if i < len(tags) {
		return tags[i]
	}
	return nil
}
