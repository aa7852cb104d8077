package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
)

type (
	// RequestSpec is the normalised description of one completion request.
	// It is built per call and never mutated afterwards.
	RequestSpec struct {
		Provider    string
		Model       string
		Prompt      string
		Images      []string
		Temperature float64
		MaxTokens   int
		Stream      bool

		// At most one guided constraint is sent: json > regex > choice.
		// GuidedChoice is a "|"-delimited list.
		GuidedJSON   string
		GuidedRegex  string
		GuidedChoice string

		EnableThinking bool
		TopP           float64
		TopK           int
	}

	// ChatRequest is the wire body of POST {base}/chat/completions.
	ChatRequest struct {
		Model              string              `json:"model"`
		Messages           []ChatMessage       `json:"messages"`
		Temperature        float64             `json:"temperature"`
		MaxTokens          int                 `json:"max_tokens"`
		Stream             bool                `json:"stream"`
		TopP               *float64            `json:"top_p,omitempty"`
		TopK               *int                `json:"top_k,omitempty"`
		GuidedJSON         json.RawMessage     `json:"guided_json,omitempty"`
		GuidedRegex        string              `json:"guided_regex,omitempty"`
		GuidedChoice       []string            `json:"guided_choice,omitempty"`
		ChatTemplateKwargs *ChatTemplateKwargs `json:"chat_template_kwargs,omitempty"`
		ResponseFormat     *ResponseFormat     `json:"response_format,omitempty"`
	}

	// ChatMessage content is a string, or a []ContentPart for multimodal input.
	ChatMessage struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}

	ContentPart struct {
		Type     string    `json:"type"`
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	ImageURL struct {
		URL string `json:"url"`
	}

	ChatTemplateKwargs struct {
		EnableThinking bool `json:"enable_thinking"`
	}

	ResponseFormat struct {
		Type       string            `json:"type"`
		JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
	}

	JSONSchemaFormat struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
		Strict bool            `json:"strict"`
	}
)

// Outbound is a fully built request. Body is kept as bytes so the request
// can be re-issued on retry.
type Outbound struct {
	Provider string
	Model    string
	URL      string
	Header   http.Header
	Body     []byte
}

// NewRequest returns a fresh POST request for o.
func (o *Outbound) NewRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(o.Body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Provider, err)
	}
	req.Header = o.Header.Clone()
	return req, nil
}

// Builder turns specs into Outbound requests.
type Builder struct {
	reg   *Registry
	creds CredentialSource
}

func NewBuilder(reg *Registry, creds CredentialSource) *Builder {
	return &Builder{reg: reg, creds: creds}
}

// Registry returns the registry the builder resolves providers against.
func (b *Builder) Registry() *Registry { return b.reg }

// Chat builds a chat completions request. Errors are *ConfigError values
// and concern this request only.
func (b *Builder) Chat(ctx context.Context, spec *RequestSpec) (*Outbound, error) {
	provider, model, err := b.reg.Resolve(spec.Provider, spec.Model)
	if err != nil {
		return nil, err
	}
	cfg, _ := b.reg.Config(provider)
	strategy, _ := b.reg.Strategy(provider)

	apiKey, err := b.apiKey(ctx, cfg)
	if err != nil {
		return nil, err
	}
	base, err := strategy.BaseURI(ctx, cfg, b.creds)
	if err != nil {
		return nil, err
	}

	body := &ChatRequest{
		Model:       model,
		Messages:    []ChatMessage{userMessage(spec.Prompt, spec.Images)},
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
		Stream:      spec.Stream,
	}
	if spec.TopP != 0 && math.Abs(spec.TopP-DefaultTopP) > 1e-9 {
		topP := spec.TopP
		body.TopP = &topP
	}
	if spec.TopK != 0 && spec.TopK != DefaultTopK {
		topK := spec.TopK
		body.TopK = &topK
	}
	strategy.BuildPayload(body, spec)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", provider, err)
	}

	return &Outbound{
		Provider: provider,
		Model:    model,
		URL:      base + "/chat/completions",
		Header:   strategy.BuildHeaders(cfg, apiKey),
		Body:     data,
	}, nil
}

func (b *Builder) apiKey(ctx context.Context, cfg ProviderConfig) (string, error) {
	var key string
	if b.creds != nil {
		key, _ = b.creds.Credential(ctx, NamespaceAPIKey, cfg.ID)
	}
	if key == "" && cfg.AuthScheme == AuthRequired {
		return "", &ConfigError{Provider: cfg.ID, Reason: "no API key configured"}
	}
	return key, nil
}

func userMessage(prompt string, images []string) ChatMessage {
	if len(images) == 0 {
		return ChatMessage{Role: "user", Content: prompt}
	}
	parts := make([]ContentPart, 0, len(images)+1)
	parts = append(parts, ContentPart{Type: "text", Text: prompt})
	for _, img := range images {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img}})
	}
	return ChatMessage{Role: "user", Content: parts}
}
