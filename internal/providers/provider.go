// Package providers holds the static provider registry, the per-provider
// request strategies, the request builders for chat completions and audio
// transcriptions, and the fallback graph consulted between batch rounds.
//
// Every backend speaks the OpenAI chat completions wire format. Differences
// between backends (guided decoding fields, reasoning toggles, credential
// requirements) live in a Strategy selected from the Registry, so adding a
// provider never touches the branches of an existing one.
package providers

import (
	"context"
	"fmt"
	"time"
)

// AuthScheme describes how a provider authenticates.
type AuthScheme int

const (
	// AuthRequired providers fail the request when no API key is available.
	AuthRequired AuthScheme = iota
	// AuthOptional providers send a bearer token only when one is configured.
	AuthOptional
)

// ProviderConfig is one immutable registry entry.
type ProviderConfig struct {
	ID             string
	BaseURI        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	AuthScheme     AuthScheme

	// DefaultModel is used when a batch falls back to this provider.
	DefaultModel string

	// Transcription is true when the provider serves /audio/transcriptions.
	Transcription      bool
	TranscriptionModel string
}

// Credential namespaces looked up through a CredentialSource.
const (
	NamespaceAPIKey   = "api_key"
	NamespaceEndpoint = "endpoint_id"
)

// CredentialSource resolves secrets for a provider. Implementations may
// record usage as a side effect of a successful lookup.
type CredentialSource interface {
	Credential(ctx context.Context, namespace, provider string) (string, bool)
}

// Sampling and routing defaults.
const (
	// DefaultTopP and DefaultTopK are the backend defaults; values equal to
	// them are omitted from the request body.
	DefaultTopP = 0.8
	DefaultTopK = 20

	// HostedModelPrefix marks a model served by the locally hosted backend,
	// whatever provider the caller asked for.
	HostedModelPrefix = "hosted/"

	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 5 * time.Minute
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Body, e.StatusCode)
}

func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// ConfigError reports a request that could not be built, such as a missing
// credential. It fails only the request it belongs to.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}
