package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// syncBuffer guards a bytes.Buffer shared with the flush goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogger_FlushesOnClose(t *testing.T) {
	var out syncBuffer
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(&out, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Log(AttemptLog{Route: "batch", Provider: "openai", Model: "gpt-4o-mini", Item: "2", Round: 1, Attempt: 2, Status: 503, Outcome: "http_503"})
	l.Log(AttemptLog{Route: "generate", Provider: "vllm", Status: 200, Outcome: "success"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), out.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if first["msg"] != "upstream_attempt" || first["provider"] != "openai" || first["item"] != "2" || first["status"] != float64(503) {
		t.Errorf("unexpected entry %v", first)
	}
	if id, _ := first["id"].(string); id == "" || id == "00000000-0000-0000-0000-000000000000" {
		t.Errorf("expected generated id, got %q", id)
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	l.Log(AttemptLog{Provider: "openai"})
}

func TestLogger_RejectsNilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}
