package credentials_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/promptgate/internal/credentials"
	"github.com/nulpointcorp/promptgate/internal/providers"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

type lookups struct {
	found, missing int
}

func (l *lookups) RecordCredentialLookup(_, _ string, found bool) {
	if found {
		l.found++
	} else {
		l.missing++
	}
}

func TestStatic_IgnoresBlankSecrets(t *testing.T) {
	s := credentials.NewStatic().
		Set(providers.NamespaceAPIKey, "openai", "sk-1").
		Set(providers.NamespaceAPIKey, "groq", "   ")

	if v, ok := s.Credential(context.Background(), providers.NamespaceAPIKey, "openai"); !ok || v != "sk-1" {
		t.Errorf("expected openai key, got %q %v", v, ok)
	}
	if _, ok := s.Credential(context.Background(), providers.NamespaceAPIKey, "groq"); ok {
		t.Error("blank secret must not be stored")
	}
	if got := s.Providers(); len(got) != 1 || got[0] != "openai" {
		t.Errorf("unexpected providers %v", got)
	}
}

func TestCounted_IncrementsOnHit(t *testing.T) {
	mr, rdb := newTestRedis(t)
	static := credentials.NewStatic().Set(providers.NamespaceAPIKey, "openai", "sk-1")
	c := credentials.NewCounted(static, rdb, nil)
	rec := &lookups{}
	c.SetRecorder(rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, ok := c.Credential(ctx, providers.NamespaceAPIKey, "openai"); !ok {
			t.Fatal("expected credential")
		}
	}
	if _, ok := c.Credential(ctx, providers.NamespaceAPIKey, "groq"); ok {
		t.Fatal("unexpected credential for groq")
	}

	n, err := c.Usage(ctx, providers.NamespaceAPIKey, "openai")
	if err != nil || n != 3 {
		t.Errorf("expected usage 3, got %d (%v)", n, err)
	}
	if mr.Exists(credentials.UsageKey(providers.NamespaceAPIKey, "groq")) {
		t.Error("misses must not be counted")
	}
	if rec.found != 3 || rec.missing != 1 {
		t.Errorf("unexpected lookup metrics %+v", rec)
	}
}

func TestCounted_RedisDownStillResolves(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.Close()

	static := credentials.NewStatic().Set(providers.NamespaceEndpoint, "runpod", "ep-1")
	c := credentials.NewCounted(static, rdb, nil)

	v, ok := c.Credential(context.Background(), providers.NamespaceEndpoint, "runpod")
	if !ok || v != "ep-1" {
		t.Fatalf("lookup must succeed without redis, got %q %v", v, ok)
	}
}

func TestCounted_UsageWithoutRedis(t *testing.T) {
	c := credentials.NewCounted(credentials.NewStatic(), nil, nil)
	if _, err := c.Usage(context.Background(), providers.NamespaceAPIKey, "openai"); err == nil {
		t.Fatal("expected error when counter is not configured")
	}
}
