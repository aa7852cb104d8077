package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

const (
	routeTranscription = "transcription"

	// DefaultTranscriptionEventType names the terminal channel of a
	// transcription batch.
	DefaultTranscriptionEventType = "transcription"
)

// AudioFile is one upload of a transcription batch.
type AudioFile struct {
	// ID is the caller's opaque media identifier. It must be unique within
	// the batch.
	ID   string `json:"id"`
	Path string `json:"path"`
}

// TranscriptionRequest is a list of audio files sharing one request shape.
type TranscriptionRequest struct {
	Provider string
	// Model defaults to the provider's transcription model.
	Model string
	Files []AudioFile

	ResponseFormat         string
	TimestampGranularities []string
	Language               string
	Prompt                 string

	ContentRule string
	Tags        map[string]string

	// EventType names the channel of the terminal done/error event.
	EventType string
}

// TranscriptionExecutor runs audio transcription batches with per-file
// fallback.
type TranscriptionExecutor struct {
	builder *providers.Builder
	chain   *providers.FallbackChain
	opts    Options
}

func NewTranscriptionExecutor(b *providers.Builder, chain *providers.FallbackChain, opts Options) *TranscriptionExecutor {
	return &TranscriptionExecutor{builder: b, chain: chain, opts: opts.withDefaults(DefaultTranscriptionConcurrency)}
}

// Run transcribes every file. Items keep the input order and carry the media
// id. As with text batches, zero successes yields a *BatchError.
func (e *TranscriptionExecutor) Run(ctx context.Context, req TranscriptionRequest, sink EventSink) (*Outcome, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoItems
	}
	keys := make([]string, len(req.Files))
	paths := make(map[string]string, len(req.Files))
	for i, f := range req.Files {
		if f.ID == "" {
			return nil, fmt.Errorf("gateway: file %d has no id", i)
		}
		if _, dup := paths[f.ID]; dup {
			return nil, fmt.Errorf("gateway: duplicate file id %q", f.ID)
		}
		keys[i] = f.ID
		paths[f.ID] = f.Path
	}
	if sink == nil {
		sink = Discard{}
	}
	if req.EventType == "" {
		req.EventType = DefaultTranscriptionEventType
	}
	start := time.Now()

	format := req.ResponseFormat
	if format == "" {
		format = "json"
	}

	eng := &engine[string]{
		route:     routeTranscription,
		reg:       e.builder.Registry(),
		chain:     e.chain,
		opts:      e.opts,
		sink:      newLockedSink(sink),
		retry:     retryPolicy{maxAttempts: e.opts.MaxAttempts, backoff: e.opts.RetryBackoff},
		itemLabel: func(id string) string { return id },
		build: func(ctx context.Context, id, provider, model string) (*providers.Outbound, error) {
			return e.builder.Transcription(ctx, &providers.TranscriptionSpec{
				Provider:               provider,
				Model:                  model,
				FilePath:               paths[id],
				ResponseFormat:         format,
				TimestampGranularities: req.TimestampGranularities,
				Language:               req.Language,
				Prompt:                 req.Prompt,
			})
		},
		decode: func(_ string, provider string, body []byte) (string, error) {
			text, err := decodeTranscription(provider, format, body)
			if err != nil {
				return "", err
			}
			return e.opts.Transformer.Transform(text, req.ContentRule, req.Tags), nil
		},
		// The builder picks the provider's transcription model.
		fallbackModel: func(string) string { return "" },
	}

	led, rounds := eng.run(ctx, keys, req.Provider, req.Model)

	out := &Outcome{Rounds: rounds, Items: make([]Item, 0, len(keys))}
	var last error
	for i, id := range keys {
		s := led.snapshot(id)
		it := Item{Index: i, ID: id, Status: s.status, Provider: s.provider, Model: s.model, Attempts: s.attempts}
		if s.status == StatusSucceeded {
			it.Content = s.content
			out.Succeeded++
		} else {
			it.Error = errorText(s.err)
			last = s.err
			out.Failed++
		}
		out.Items = append(out.Items, it)
	}

	return settleOutcome(ctx, e.opts, routeTranscription, req.EventType, out, last, sink, start)
}

// decodeTranscription returns the text of a transcription response. JSON
// formats carry it in {"text": ...}; text, srt and vtt bodies are returned
// as is.
func decodeTranscription(provider, format string, body []byte) (string, error) {
	switch format {
	case "json", "verbose_json":
		var resp struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", &ParseError{Provider: provider, Err: err}
		}
		return resp.Text, nil
	default:
		return strings.TrimSpace(string(body)), nil
	}
}
