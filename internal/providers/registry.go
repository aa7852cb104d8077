package providers

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// defaultConfigs is the static provider table. Base URIs can be overridden
// per deployment with WithBaseURI.
var defaultConfigs = []ProviderConfig{
	{
		ID:                 "openai",
		BaseURI:            "https://api.openai.com/v1",
		AuthScheme:         AuthRequired,
		DefaultModel:       "gpt-4o-mini",
		Transcription:      true,
		TranscriptionModel: "whisper-1",
	},
	{
		ID:                 "groq",
		BaseURI:            "https://api.groq.com/openai/v1",
		AuthScheme:         AuthRequired,
		DefaultModel:       "llama-3.3-70b-versatile",
		Transcription:      true,
		TranscriptionModel: "whisper-large-v3",
	},
	{
		ID:           "openrouter",
		BaseURI:      "https://openrouter.ai/api/v1",
		AuthScheme:   AuthRequired,
		DefaultModel: "openai/gpt-4o-mini",
	},
	{
		ID:           "deepseek",
		BaseURI:      "https://api.deepseek.com/v1",
		AuthScheme:   AuthRequired,
		DefaultModel: "deepseek-chat",
	},
	{
		ID:           "vllm",
		BaseURI:      "http://localhost:8000/v1",
		AuthScheme:   AuthOptional,
		DefaultModel: "Qwen/Qwen3-8B",
	},
	{
		ID:           "ollama",
		BaseURI:      "http://localhost:11434/v1",
		AuthScheme:   AuthOptional,
		DefaultModel: "qwen3:8b",
	},
	{
		// The endpoint id is substituted into BaseURI at request time.
		ID:           "runpod",
		BaseURI:      "https://api.runpod.ai/v2/{endpoint}/openai/v1",
		AuthScheme:   AuthRequired,
		DefaultModel: "Qwen/Qwen3-8B",
	},
}

// hostedProvider serves every model carrying HostedModelPrefix.
const hostedProvider = "vllm"

type entry struct {
	cfg      ProviderConfig
	strategy Strategy
	client   *http.Client
}

// Registry maps provider ids to their configuration and strategy. It is
// read-only after NewRegistry returns and safe for concurrent use.
type Registry struct {
	entries map[string]*entry
}

// Option customises a Registry at construction time.
type Option func(map[string]*ProviderConfig)

// WithBaseURI overrides the base URI of provider id. Unknown ids and empty
// values are ignored.
func WithBaseURI(id, uri string) Option {
	return func(m map[string]*ProviderConfig) {
		if c, ok := m[id]; ok && uri != "" {
			c.BaseURI = strings.TrimRight(uri, "/")
		}
	}
}

// WithTimeouts sets the connect and read timeouts of every provider.
func WithTimeouts(connect, read time.Duration) Option {
	return func(m map[string]*ProviderConfig) {
		for _, c := range m {
			if connect > 0 {
				c.ConnectTimeout = connect
			}
			if read > 0 {
				c.ReadTimeout = read
			}
		}
	}
}

// NewRegistry builds the registry from the static table.
func NewRegistry(opts ...Option) *Registry {
	cfgs := make(map[string]*ProviderConfig, len(defaultConfigs))
	for _, c := range defaultConfigs {
		c := c
		c.ConnectTimeout = DefaultConnectTimeout
		c.ReadTimeout = DefaultReadTimeout
		cfgs[c.ID] = &c
	}
	for _, o := range opts {
		o(cfgs)
	}

	r := &Registry{entries: make(map[string]*entry, len(cfgs))}
	for id, c := range cfgs {
		r.entries[id] = &entry{
			cfg:      *c,
			strategy: strategyFor(id),
			client:   newHTTPClient(*c),
		}
	}
	return r
}

// Config returns the configuration of provider id.
func (r *Registry) Config(id string) (ProviderConfig, bool) {
	e, ok := r.entries[id]
	if !ok {
		return ProviderConfig{}, false
	}
	return e.cfg, true
}

// Strategy returns the strategy of provider id.
func (r *Registry) Strategy(id string) (Strategy, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.strategy, true
}

// Client returns the HTTP client carrying provider id's timeout profile.
func (r *Registry) Client(id string) *http.Client {
	if e, ok := r.entries[id]; ok {
		return e.client
	}
	return http.DefaultClient
}

// IDs returns every registered provider id in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the provider that actually serves (provider, model) and the
// model name to send. Hosted models are always routed to the hosted backend
// with the prefix stripped.
func (r *Registry) Resolve(provider, model string) (string, string, error) {
	if strings.HasPrefix(model, HostedModelPrefix) {
		return hostedProvider, strings.TrimPrefix(model, HostedModelPrefix), nil
	}
	if _, ok := r.entries[provider]; !ok {
		return "", "", &ConfigError{Provider: provider, Reason: "unknown provider"}
	}
	return provider, model, nil
}

// newHTTPClient builds a client with a dial timeout and an overall deadline
// long enough for slow generations.
func newHTTPClient(cfg ProviderConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{Transport: transport, Timeout: cfg.ReadTimeout}
}

func (c ProviderConfig) String() string {
	return fmt.Sprintf("%s(%s)", c.ID, c.BaseURI)
}
