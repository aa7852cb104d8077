package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

// transcriptionServer answers /audio/transcriptions through reply, which
// receives the uploaded file content.
func transcriptionServer(t *testing.T, reply func(file, model, format string) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		f.Close()

		status, body := reply(string(data), r.FormValue("model"), r.FormValue("response_format"))
		if status != http.StatusOK {
			http.Error(w, body, status)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func audioFiles(t *testing.T, ids ...string) []AudioFile {
	t.Helper()
	dir := t.TempDir()
	var out []AudioFile
	for _, id := range ids {
		path := filepath.Join(dir, id+".mp3")
		if err := os.WriteFile(path, []byte("audio-"+id), 0o600); err != nil {
			t.Fatal(err)
		}
		out = append(out, AudioFile{ID: id, Path: path})
	}
	return out
}

func TestTranscription_FallbackByMediaID(t *testing.T) {
	primary := transcriptionServer(t, func(file, model, format string) (int, string) {
		if file == "audio-b" {
			return http.StatusBadGateway, "upstream"
		}
		return http.StatusOK, fmt.Sprintf(`{"text":"openai %s"}`, file)
	})
	secondary := transcriptionServer(t, func(file, model, format string) (int, string) {
		return http.StatusOK, fmt.Sprintf(`{"text":"groq %s %s"}`, file, model)
	})

	b := newTestBuilder(map[string]string{"openai": primary.URL, "groq": secondary.URL})
	exec := NewTranscriptionExecutor(b, providers.MustFallbackChain(providers.DefaultTranscriptionFallbackEdges), fastOptions())

	rec := &Recorder{}
	out, err := exec.Run(context.Background(), TranscriptionRequest{
		Provider: "openai",
		Files:    audioFiles(t, "a", "b", "c"),
	}, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeSuccess || out.Rounds != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}

	want := []string{"openai audio-a", "groq audio-b whisper-large-v3", "openai audio-c"}
	for i, it := range out.Items {
		if it.Index != i || it.ID != []string{"a", "b", "c"}[i] || it.Content != want[i] {
			t.Errorf("item %d: got %+v, want %q", i, it, want[i])
		}
	}

	events := rec.Filter(KindMessage, EventFallback)
	if len(events) != 1 {
		t.Fatalf("expected one fallback notice, got %d", len(events))
	}
	n := events[0].Payload.(FallbackNotice[string])
	if n.From != "openai" || n.To != "groq" || fmt.Sprint(n.Items) != "[b]" {
		t.Errorf("unexpected notice %+v", n)
	}
	if len(rec.Filter(KindDone, DefaultTranscriptionEventType)) != 1 {
		t.Error("expected terminal done event")
	}
}

func TestTranscription_RawFormats(t *testing.T) {
	srv := transcriptionServer(t, func(file, model, format string) (int, string) {
		if format != "srt" {
			return http.StatusBadRequest, "unexpected format " + format
		}
		return http.StatusOK, "1\n00:00:00,000 --> 00:00:01,000\nhello\n"
	})
	b := newTestBuilder(map[string]string{"groq": srv.URL})
	exec := NewTranscriptionExecutor(b, providers.MustFallbackChain(providers.DefaultTranscriptionFallbackEdges), fastOptions())

	out, err := exec.Run(context.Background(), TranscriptionRequest{
		Provider:       "groq",
		Files:          audioFiles(t, "clip"),
		ResponseFormat: "srt",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.Items[0].Content; got != "1\n00:00:00,000 --> 00:00:01,000\nhello" {
		t.Errorf("raw body not returned as is: %q", got)
	}
}

func TestTranscription_AllFailed(t *testing.T) {
	failing := func(string, string, string) (int, string) { return http.StatusInternalServerError, "down" }
	b := newTestBuilder(map[string]string{
		"openai": transcriptionServer(t, failing).URL,
		"groq":   transcriptionServer(t, failing).URL,
	})
	exec := NewTranscriptionExecutor(b, providers.MustFallbackChain(providers.DefaultTranscriptionFallbackEdges), Options{
		MaxAttempts: 1,
	})

	rec := &Recorder{}
	out, err := exec.Run(context.Background(), TranscriptionRequest{
		Provider: "openai",
		Files:    audioFiles(t, "x"),
	}, rec)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	if out.Rounds != 2 || out.Items[0].Provider != "groq" {
		t.Errorf("expected the chain to end on groq, got %+v", out)
	}
	if len(rec.Filter(KindError, DefaultTranscriptionEventType)) != 1 {
		t.Error("expected terminal error event")
	}
}

func TestTranscription_MissingFileFailsItem(t *testing.T) {
	srv := transcriptionServer(t, func(file, model, format string) (int, string) {
		return http.StatusOK, `{"text":"ok"}`
	})
	b := newTestBuilder(map[string]string{"groq": srv.URL})
	exec := NewTranscriptionExecutor(b, providers.MustFallbackChain(providers.DefaultTranscriptionFallbackEdges), fastOptions())

	files := audioFiles(t, "present")
	files = append(files, AudioFile{ID: "gone", Path: filepath.Join(t.TempDir(), "missing.mp3")})
	out, err := exec.Run(context.Background(), TranscriptionRequest{Provider: "groq", Files: files}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomePartialSuccess {
		t.Errorf("expected partial success, got %s", out.Status)
	}
	if it := out.Items[1]; it.Status != StatusFailed || it.Attempts != 0 {
		t.Errorf("expected construction failure without attempts, got %+v", it)
	}
}

func TestTranscription_InvalidIDs(t *testing.T) {
	exec := NewTranscriptionExecutor(newTestBuilder(nil), providers.MustFallbackChain(providers.DefaultTranscriptionFallbackEdges), Options{})

	tests := map[string][]AudioFile{
		"empty":     nil,
		"blank id":  {{Path: "a.mp3"}},
		"duplicate": {{ID: "a", Path: "a.mp3"}, {ID: "a", Path: "b.mp3"}},
	}
	for name, files := range tests {
		if _, err := exec.Run(context.Background(), TranscriptionRequest{Provider: "openai", Files: files}, nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecodeTranscription(t *testing.T) {
	if got, err := decodeTranscription("openai", "verbose_json", []byte(`{"text":"hi","segments":[]}`)); err != nil || got != "hi" {
		t.Errorf("verbose_json: got %q, %v", got, err)
	}
	if _, err := decodeTranscription("openai", "json", []byte(`plain`)); err == nil {
		t.Error("expected parse error for non-JSON body")
	}
	if got, _ := decodeTranscription("openai", "text", []byte("  plain text\n")); got != "plain text" {
		t.Errorf("text: got %q", got)
	}
}
