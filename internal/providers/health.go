package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const probeTimeout = 5 * time.Second

// Prober checks provider reachability with GET {base}/models through the
// OpenAI SDK. It uses its own credential source so probes are not counted
// as generation usage.
type Prober struct {
	reg   *Registry
	creds CredentialSource
}

func NewProber(reg *Registry, creds CredentialSource) *Prober {
	return &Prober{reg: reg, creds: creds}
}

// Probe returns nil when provider id lists its models successfully.
func (p *Prober) Probe(ctx context.Context, id string) error {
	cfg, ok := p.reg.Config(id)
	if !ok {
		return &ConfigError{Provider: id, Reason: "unknown provider"}
	}
	strategy, _ := p.reg.Strategy(id)

	b := Builder{reg: p.reg, creds: p.creds}
	key, err := b.apiKey(ctx, cfg)
	if err != nil {
		return err
	}
	base, err := strategy.BaseURI(ctx, cfg, p.creds)
	if err != nil {
		return err
	}

	client := openaiSDK.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(base),
		option.WithHTTPClient(&http.Client{Timeout: probeTimeout}),
		option.WithMaxRetries(0),
	)
	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: health check: %w", id, toHTTPError(id, err))
	}
	return nil
}

// toHTTPError converts SDK API errors into *HTTPError so callers can
// classify them like any other provider response.
func toHTTPError(provider string, err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &HTTPError{
			Provider:   provider,
			StatusCode: apierr.StatusCode,
			Body:       apierr.Error(),
		}
	}
	return err
}
