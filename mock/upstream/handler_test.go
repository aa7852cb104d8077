package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nulpointcorp/promptgate/internal/credentials"
	"github.com/nulpointcorp/promptgate/internal/gateway"
	"github.com/nulpointcorp/promptgate/internal/providers"
)

func newMock(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newHandler(cfg))
	t.Cleanup(srv.Close)
	return srv
}

// builderFor points every provider at the mock.
func builderFor(base string) *providers.Builder {
	var opts []providers.Option
	creds := credentials.NewStatic()
	for _, id := range []string{"openai", "groq", "vllm"} {
		opts = append(opts, providers.WithBaseURI(id, base+"/v1"))
		creds.Set(providers.NamespaceAPIKey, id, "sk-mock")
	}
	return providers.NewBuilder(providers.NewRegistry(opts...), creds)
}

func TestMock_StreamWithReasoning(t *testing.T) {
	srv := newMock(t, Config{StreamWords: 4})
	exec := gateway.NewExecutor(builderFor(srv.URL), gateway.Options{})

	rec := &gateway.Recorder{}
	res, err := exec.Stream(context.Background(), gateway.CallRequest{
		Spec: providers.RequestSpec{Provider: "vllm", Model: "Qwen/Qwen3-8B", Prompt: "hi", EnableThinking: true},
	}, rec)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n := len(strings.Fields(res.Content)); n != 4 {
		t.Errorf("content words = %d, want 4 (%q)", n, res.Content)
	}
	if res.ReasoningContent == "" {
		t.Error("expected reasoning content when thinking is enabled")
	}
}

func TestMock_GuidedChoice(t *testing.T) {
	srv := newMock(t, Config{StreamWords: 3})
	batch := gateway.NewBatchExecutor(builderFor(srv.URL), nil, gateway.Options{})

	out, err := batch.Run(context.Background(), gateway.BatchRequest{
		Spec:    providers.RequestSpec{Provider: "vllm", Model: "Qwen/Qwen3-8B", GuidedChoice: "yes|no"},
		Prompts: []string{"a", "b", "c"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, it := range out.Items {
		if it.Content != "yes" && it.Content != "no" {
			t.Errorf("item %d content %q outside the choices", it.Index, it.Content)
		}
	}
}

func TestMock_TranscriptionFormats(t *testing.T) {
	srv := newMock(t, Config{StreamWords: 2})
	dir := t.TempDir()
	path := filepath.Join(dir, "call.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o600); err != nil {
		t.Fatal(err)
	}
	exec := gateway.NewTranscriptionExecutor(builderFor(srv.URL), nil, gateway.Options{})

	for _, format := range []string{"json", "verbose_json", "srt", "vtt", "text"} {
		out, err := exec.Run(context.Background(), gateway.TranscriptionRequest{
			Provider:       "openai",
			Files:          []gateway.AudioFile{{ID: "c1", Path: path}},
			ResponseFormat: format,
		}, nil)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if got := out.Items[0].Content; !strings.Contains(got, "Transcript of call.mp3") {
			t.Errorf("%s: content %q", format, got)
		}
	}
}

func TestMock_ErrorRate(t *testing.T) {
	srv := newMock(t, Config{ErrorRate: 1, StreamWords: 1})

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMock_Models(t *testing.T) {
	srv := newMock(t, Config{})
	prober := providers.NewProber(builderFor(srv.URL).Registry(), credentials.NewStatic().Set(providers.NamespaceAPIKey, "openai", "sk"))

	if err := prober.Probe(context.Background(), "openai"); err != nil {
		t.Errorf("probe: %v", err)
	}
}

func TestMock_UnknownPath(t *testing.T) {
	srv := newMock(t, Config{})

	resp, err := http.Get(srv.URL + "/v1/embeddings")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), "unknown path") {
		t.Errorf("status = %d body %q", resp.StatusCode, body)
	}
}
