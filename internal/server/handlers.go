package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/promptgate/internal/content"
	"github.com/nulpointcorp/promptgate/internal/gateway"
	"github.com/nulpointcorp/promptgate/internal/providers"
	"github.com/nulpointcorp/promptgate/pkg/apierr"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
)

type (
	// generationParams are shared by /v1/generate and /v1/batch.
	generationParams struct {
		Provider       string          `json:"provider"`
		Model          string          `json:"model"`
		Images         []string        `json:"images"`
		Temperature    *float64        `json:"temperature"`
		MaxTokens      int             `json:"max_tokens"`
		TopP           float64         `json:"top_p"`
		TopK           int             `json:"top_k"`
		GuidedJSON     json.RawMessage `json:"guided_json"`
		GuidedRegex    string          `json:"guided_regex"`
		GuidedChoice   string          `json:"guided_choice"`
		EnableThinking bool            `json:"enable_thinking"`

		EventType    string `json:"event_type"`
		StepType     string `json:"step_type"`
		ScorePattern string `json:"score_pattern"`
		ContentRule  string `json:"content_rule"`
	}

	generateRequest struct {
		generationParams
		Prompt string            `json:"prompt"`
		Tags   map[string]string `json:"tags"`
	}

	batchRequest struct {
		generationParams
		Prompts     []string            `json:"prompts"`
		Tags        []map[string]string `json:"tags"`
		Concatenate bool                `json:"concatenate"`
	}

	transcriptionBatchRequest struct {
		Provider               string              `json:"provider"`
		Model                  string              `json:"model"`
		Files                  []gateway.AudioFile `json:"files"`
		ResponseFormat         string              `json:"response_format"`
		TimestampGranularities []string            `json:"timestamp_granularities"`
		Language               string              `json:"language"`
		Prompt                 string              `json:"prompt"`
		ContentRule            string              `json:"content_rule"`
		Tags                   map[string]string   `json:"tags"`
		EventType              string              `json:"event_type"`
	}
)

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var req generateRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeInvalid(ctx, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeInvalid(ctx, errors.New("field 'prompt' is required"))
		return
	}

	call := gateway.CallRequest{
		Spec:         req.spec(req.Prompt),
		EventType:    req.EventType,
		StepType:     req.StepType,
		ScorePattern: req.ScorePattern,
		ContentRule:  req.ContentRule,
		Tags:         req.Tags,
	}
	s.log.InfoContext(ctx, "generate_request",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("provider", call.Spec.Provider),
		slog.String("model", call.Spec.Model),
		slog.String("step_type", call.StepType),
	)

	s.stream(ctx, routeGenerate, func(rctx context.Context, sink *sseSink) {
		res, err := s.opts.Executor.Stream(rctx, call, sink)
		if err != nil {
			// The executor already reported the error on the stream.
			return
		}
		sink.SendMessage(eventResult, res)
	})
}

func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {
	var req batchRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeInvalid(ctx, err)
		return
	}
	if len(req.Prompts) == 0 {
		writeInvalid(ctx, errors.New("field 'prompts' must not be empty"))
		return
	}

	batch := gateway.BatchRequest{
		Spec:         req.spec(""),
		Prompts:      req.Prompts,
		StepType:     req.StepType,
		ScorePattern: req.ScorePattern,
		ContentRule:  req.ContentRule,
		Tags:         req.Tags,
		Concatenate:  req.Concatenate,
		EventType:    req.EventType,
	}
	s.log.InfoContext(ctx, "batch_request",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("provider", batch.Spec.Provider),
		slog.String("model", batch.Spec.Model),
		slog.Int("prompts", len(batch.Prompts)),
	)

	s.stream(ctx, routeBatch, func(rctx context.Context, sink *sseSink) {
		out, err := s.opts.Batch.Run(rctx, batch, sink)
		if out != nil {
			sink.SendMessage(eventResult, out)
		} else if err != nil {
			sink.SendError(eventResult, gateway.ErrorPayload{Message: err.Error(), Status: fasthttp.StatusBadRequest})
		}
	})
}

func (s *Server) handleTranscriptionBatch(ctx *fasthttp.RequestCtx) {
	if s.opts.MediaRoot == "" {
		apierr.WriteStatus(ctx, fasthttp.StatusNotImplemented, "transcription is disabled")
		return
	}
	var req transcriptionBatchRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.Provider == "" {
		writeInvalid(ctx, errors.New("field 'provider' is required"))
		return
	}
	if len(req.Files) == 0 {
		writeInvalid(ctx, errors.New("field 'files' must not be empty"))
		return
	}
	if err := content.Validate(req.ContentRule); err != nil {
		writeInvalid(ctx, err)
		return
	}
	files := make([]gateway.AudioFile, len(req.Files))
	for i, f := range req.Files {
		path, err := confine(s.opts.MediaRoot, f.Path)
		if err != nil {
			writeInvalid(ctx, fmt.Errorf("files[%d]: %w", i, err))
			return
		}
		files[i] = gateway.AudioFile{ID: f.ID, Path: path}
	}

	tr := gateway.TranscriptionRequest{
		Provider:               req.Provider,
		Model:                  req.Model,
		Files:                  files,
		ResponseFormat:         req.ResponseFormat,
		TimestampGranularities: req.TimestampGranularities,
		Language:               req.Language,
		Prompt:                 req.Prompt,
		ContentRule:            req.ContentRule,
		Tags:                   req.Tags,
		EventType:              req.EventType,
	}
	s.log.InfoContext(ctx, "transcription_batch_request",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("provider", tr.Provider),
		slog.Int("files", len(tr.Files)),
	)

	s.stream(ctx, routeTranscription, func(rctx context.Context, sink *sseSink) {
		out, err := s.opts.Transcription.Run(rctx, tr, sink)
		if out != nil {
			sink.SendMessage(eventResult, out)
		} else if err != nil {
			sink.SendError(eventResult, gateway.ErrorPayload{Message: err.Error(), Status: fasthttp.StatusBadRequest})
		}
	})
}

func (p *generationParams) validate() error {
	if p.Provider == "" {
		return errors.New("field 'provider' is required")
	}
	if p.Model == "" {
		return errors.New("field 'model' is required")
	}
	if p.MaxTokens < 0 {
		return errors.New("field 'max_tokens' must not be negative")
	}
	return content.Validate(p.ContentRule)
}

// spec converts the request parameters into a RequestSpec.
func (p *generationParams) spec(prompt string) providers.RequestSpec {
	temperature := defaultTemperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	return providers.RequestSpec{
		Provider:       p.Provider,
		Model:          p.Model,
		Prompt:         prompt,
		Images:         p.Images,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		GuidedJSON:     guidedJSON(p.GuidedJSON),
		GuidedRegex:    p.GuidedRegex,
		GuidedChoice:   p.GuidedChoice,
		EnableThinking: p.EnableThinking,
		TopP:           p.TopP,
		TopK:           p.TopK,
	}
}

// guidedJSON accepts the schema either inline or as a JSON-encoded string.
func guidedJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// confine resolves path against root and rejects anything outside it.
func confine(root, path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("media root: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the media root", path)
	}
	return full, nil
}

func decodeBody(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.WriteStatus(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

func writeInvalid(ctx *fasthttp.RequestCtx, err error) {
	apierr.WriteStatus(ctx, fasthttp.StatusBadRequest, err.Error())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
