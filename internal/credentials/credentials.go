// Package credentials resolves provider secrets for the request builder.
//
// Static holds secrets loaded from configuration. Counted wraps any source
// and records one usage per successful lookup in Redis under
// credentials:usage:<namespace>:<provider>. Recording is best effort: a
// Redis failure is logged and never fails the lookup.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

const (
	usageKeyPrefix = "credentials:usage"
	usageTimeout   = 250 * time.Millisecond
)

type key struct {
	namespace string
	provider  string
}

// Static is an in-memory credential table. Populate it with Set before
// sharing it; lookups are safe for concurrent use afterwards.
type Static struct {
	secrets map[key]string
}

func NewStatic() *Static {
	return &Static{secrets: make(map[key]string)}
}

// Set stores secret for (namespace, provider). Blank secrets are ignored so
// callers can pass unset config values directly.
func (s *Static) Set(namespace, provider, secret string) *Static {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return s
	}
	s.secrets[key{namespace, provider}] = secret
	return s
}

// Credential implements providers.CredentialSource.
func (s *Static) Credential(_ context.Context, namespace, provider string) (string, bool) {
	v, ok := s.secrets[key{namespace, provider}]
	return v, ok
}

// Providers returns the providers holding an API key, sorted.
func (s *Static) Providers() []string {
	var out []string
	for k := range s.secrets {
		if k.namespace == providers.NamespaceAPIKey {
			out = append(out, k.provider)
		}
	}
	sort.Strings(out)
	return out
}

// LookupRecorder observes credential lookups. *metrics.Registry satisfies it.
type LookupRecorder interface {
	RecordCredentialLookup(namespace, provider string, found bool)
}

// Counted decorates a source with a Redis usage counter.
type Counted struct {
	src      providers.CredentialSource
	rdb      *redis.Client
	log      *slog.Logger
	recorder LookupRecorder
}

// NewCounted wraps src. A nil rdb disables the counter but keeps lookup
// metrics.
func NewCounted(src providers.CredentialSource, rdb *redis.Client, log *slog.Logger) *Counted {
	if log == nil {
		log = slog.Default()
	}
	return &Counted{src: src, rdb: rdb, log: log}
}

// SetRecorder injects a lookup metrics recorder.
func (c *Counted) SetRecorder(r LookupRecorder) {
	c.recorder = r
}

// Credential implements providers.CredentialSource.
func (c *Counted) Credential(ctx context.Context, namespace, provider string) (string, bool) {
	v, ok := c.src.Credential(ctx, namespace, provider)
	if c.recorder != nil {
		c.recorder.RecordCredentialLookup(namespace, provider, ok)
	}
	if !ok || c.rdb == nil {
		return v, ok
	}

	incrCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
	defer cancel()
	if err := c.rdb.Incr(incrCtx, UsageKey(namespace, provider)).Err(); err != nil {
		c.log.WarnContext(ctx, "credential_usage_not_recorded",
			slog.String("namespace", namespace),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
	}
	return v, ok
}

// Usage returns the recorded lookup count for (namespace, provider).
func (c *Counted) Usage(ctx context.Context, namespace, provider string) (int64, error) {
	if c.rdb == nil {
		return 0, fmt.Errorf("credentials: usage counter not configured")
	}
	n, err := c.rdb.Get(ctx, UsageKey(namespace, provider)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credentials: read usage: %w", err)
	}
	return n, nil
}

// UsageKey is the Redis key of the usage counter for (namespace, provider).
func UsageKey(namespace, provider string) string {
	return usageKeyPrefix + ":" + namespace + ":" + provider
}
