package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nulpointcorp/promptgate/internal/stream"
)

// Strategy holds the provider-specific parts of building a request and
// reading a streamed delta.
type Strategy interface {
	// BaseURI returns the endpoint root for one request. Providers that need a
	// secondary credential to form the URI look it up here.
	BaseURI(ctx context.Context, cfg ProviderConfig, creds CredentialSource) (string, error)
	BuildHeaders(cfg ProviderConfig, apiKey string) http.Header
	BuildPayload(body *ChatRequest, spec *RequestSpec)
	ExtractDelta(payload []byte) (stream.Delta, error)
}

var strategies = map[string]Strategy{
	"openai":     openAICompatible{},
	"groq":       openAICompatible{},
	"deepseek":   openAICompatible{},
	"openrouter": openAICompatible{extra: map[string]string{"X-Title": "promptgate"}},
	"vllm":       selfHosted{},
	"ollama":     selfHosted{},
	"runpod":     runpod{},
}

func strategyFor(id string) Strategy {
	if s, ok := strategies[id]; ok {
		return s
	}
	return openAICompatible{}
}

// openAICompatible serves hosted OpenAI-style APIs. Guided JSON maps onto
// response_format.json_schema; regex and choice constraints have no
// equivalent and are dropped.
type openAICompatible struct {
	extra map[string]string
}

func (openAICompatible) BaseURI(_ context.Context, cfg ProviderConfig, _ CredentialSource) (string, error) {
	return cfg.BaseURI, nil
}

func (s openAICompatible) BuildHeaders(_ ProviderConfig, apiKey string) http.Header {
	h := bearerHeaders(apiKey)
	for k, v := range s.extra {
		h.Set(k, v)
	}
	return h
}

func (openAICompatible) BuildPayload(body *ChatRequest, spec *RequestSpec) {
	schema, ok := validJSON(spec.GuidedJSON)
	if !ok {
		return
	}
	body.ResponseFormat = &ResponseFormat{
		Type: "json_schema",
		JSONSchema: &JSONSchemaFormat{
			Name:   "guided_output",
			Schema: schema,
			Strict: true,
		},
	}
}

func (openAICompatible) ExtractDelta(payload []byte) (stream.Delta, error) {
	return stream.ExtractChatDelta(payload)
}

// selfHosted serves vLLM-style backends which accept guided decoding fields
// and chat template kwargs directly.
type selfHosted struct{}

func (selfHosted) BaseURI(_ context.Context, cfg ProviderConfig, _ CredentialSource) (string, error) {
	return cfg.BaseURI, nil
}

func (selfHosted) BuildHeaders(_ ProviderConfig, apiKey string) http.Header {
	return bearerHeaders(apiKey)
}

func (selfHosted) BuildPayload(body *ChatRequest, spec *RequestSpec) {
	applyGuided(body, spec)
	body.ChatTemplateKwargs = &ChatTemplateKwargs{EnableThinking: spec.EnableThinking}
}

func (selfHosted) ExtractDelta(payload []byte) (stream.Delta, error) {
	return stream.ExtractChatDelta(payload)
}

// runpod is a self-hosted serverless backend addressed by an endpoint id
// stored under its own credential namespace.
type runpod struct{ selfHosted }

func (runpod) BaseURI(ctx context.Context, cfg ProviderConfig, creds CredentialSource) (string, error) {
	if creds == nil {
		return "", &ConfigError{Provider: cfg.ID, Reason: "no endpoint id configured"}
	}
	endpoint, ok := creds.Credential(ctx, NamespaceEndpoint, cfg.ID)
	if !ok || strings.TrimSpace(endpoint) == "" {
		return "", &ConfigError{Provider: cfg.ID, Reason: "no endpoint id configured"}
	}
	return strings.ReplaceAll(cfg.BaseURI, "{endpoint}", strings.TrimSpace(endpoint)), nil
}

// applyGuided sets at most one guided decoding field, by priority
// json > regex > choice. A malformed JSON schema is dropped and the next
// constraint is considered.
func applyGuided(body *ChatRequest, spec *RequestSpec) {
	if schema, ok := validJSON(spec.GuidedJSON); ok {
		body.GuidedJSON = schema
		return
	}
	if spec.GuidedRegex != "" {
		body.GuidedRegex = spec.GuidedRegex
		return
	}
	if choices := splitChoices(spec.GuidedChoice); len(choices) > 0 {
		body.GuidedChoice = choices
	}
}

func bearerHeaders(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json, text/event-stream")
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func validJSON(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// splitChoices turns "a | b ||c" into ["a", "b", "c"].
func splitChoices(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
