package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProber_Probe(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"m","object":"model","created":0,"owned_by":"x"}]}`))
	}))
	defer srv.Close()

	reg := NewRegistry(WithBaseURI("vllm", srv.URL+"/v1"))
	p := NewProber(reg, mapCreds{"api_key/vllm": "local"})
	if err := p.Probe(context.Background(), "vllm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer local" {
		t.Errorf("unexpected Authorization %q", gotAuth)
	}
}

func TestProber_ProbeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	reg := NewRegistry(WithBaseURI("openai", srv.URL))
	err := NewProber(reg, mapCreds{"api_key/openai": "sk"}).Probe(context.Background(), "openai")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.HTTPStatus() != http.StatusUnauthorized {
		t.Fatalf("expected 401 HTTPError, got %v", err)
	}
}

func TestProber_MissingKey(t *testing.T) {
	err := NewProber(NewRegistry(), nil).Probe(context.Background(), "openai")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
