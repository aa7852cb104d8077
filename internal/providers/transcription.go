package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

// TranscriptionSpec describes one audio transcription upload.
type TranscriptionSpec struct {
	Provider string
	// Model defaults to the provider's TranscriptionModel when empty.
	Model    string
	FilePath string

	// ResponseFormat defaults to "json".
	ResponseFormat         string
	TimestampGranularities []string
	Language               string
	Prompt                 string
}

// Transcription builds a multipart POST to {base}/audio/transcriptions with
// the parts file, model, response_format, timestamp_granularities[]?,
// language and prompt?.
func (b *Builder) Transcription(ctx context.Context, spec *TranscriptionSpec) (*Outbound, error) {
	cfg, ok := b.reg.Config(spec.Provider)
	if !ok {
		return nil, &ConfigError{Provider: spec.Provider, Reason: "unknown provider"}
	}
	if !cfg.Transcription {
		return nil, &ConfigError{Provider: cfg.ID, Reason: "audio transcription not supported"}
	}
	strategy, _ := b.reg.Strategy(cfg.ID)

	apiKey, err := b.apiKey(ctx, cfg)
	if err != nil {
		return nil, err
	}
	base, err := strategy.BaseURI(ctx, cfg, b.creds)
	if err != nil {
		return nil, err
	}

	model := spec.Model
	if model == "" {
		model = cfg.TranscriptionModel
	}
	format := spec.ResponseFormat
	if format == "" {
		format = "json"
	}

	body, contentType, err := transcriptionBody(spec, model, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.ID, err)
	}

	h := strategy.BuildHeaders(cfg, apiKey)
	h.Set("Content-Type", contentType)
	h.Set("Accept", "application/json")

	return &Outbound{
		Provider: cfg.ID,
		Model:    model,
		URL:      base + "/audio/transcriptions",
		Header:   h,
		Body:     body,
	}, nil
}

func transcriptionBody(spec *TranscriptionSpec, model, format string) ([]byte, string, error) {
	f, err := os.Open(spec.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(spec.FilePath))
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read audio file: %w", err)
	}

	fields := [][2]string{
		{"model", model},
		{"response_format", format},
	}
	for _, g := range spec.TimestampGranularities {
		fields = append(fields, [2]string{"timestamp_granularities[]", g})
	}
	fields = append(fields, [2]string{"language", spec.Language})
	if spec.Prompt != "" {
		fields = append(fields, [2]string{"prompt", spec.Prompt})
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", fmt.Errorf("write %s: %w", kv[0], err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
