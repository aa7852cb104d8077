package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

func statusServer(t *testing.T, calls *atomic.Int32, statuses ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		status := statuses[min(n, len(statuses)-1)]
		if status != http.StatusOK {
			http.Error(w, fmt.Sprintf("status %d", status), status)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOutbound(url string) *providers.Outbound {
	return &providers.Outbound{Provider: "openai", Model: "m", URL: url, Header: http.Header{}, Body: []byte(`{}`)}
}

func TestRetryPolicy_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusOK)

	var seen []int
	p := retryPolicy{maxAttempts: 3, backoff: time.Millisecond}
	body, attempts, err := p.do(context.Background(), srv.Client(), testOutbound(srv.URL), func(a attemptInfo) {
		seen = append(seen, a.Status)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) == "" || attempts != 3 {
		t.Errorf("expected success on the third attempt, got attempts=%d body=%q", attempts, body)
	}
	if fmt.Sprint(seen) != "[500 429 200]" {
		t.Errorf("unexpected attempt statuses %v", seen)
	}
}

func TestRetryPolicy_CapsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, http.StatusBadGateway)

	p := retryPolicy{maxAttempts: 3, backoff: time.Millisecond}
	_, attempts, err := p.do(context.Background(), srv.Client(), testOutbound(srv.URL), nil)

	var httpErr *providers.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (server saw %d)", attempts, calls.Load())
	}
}

func TestRetryPolicy_NoRetryOnClientError(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusRequestTimeout} {
		var calls atomic.Int32
		srv := statusServer(t, &calls, status)

		p := retryPolicy{maxAttempts: 3, backoff: time.Millisecond}
		_, attempts, err := p.do(context.Background(), srv.Client(), testOutbound(srv.URL), nil)
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if attempts != 1 || calls.Load() != 1 {
			t.Errorf("status %d: expected a single attempt, got %d", status, attempts)
		}
	}
}

func TestRetryPolicy_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := retryPolicy{maxAttempts: 2, backoff: time.Millisecond}
	_, attempts, err := p.do(context.Background(), http.DefaultClient, testOutbound("http://"+addr), nil)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T %v", err, err)
	}
	if attempts != 2 {
		t.Errorf("connection errors are retried, got %d attempts", attempts)
	}
}

func TestRetryPolicy_StopsOnCanceledContext(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := retryPolicy{maxAttempts: 3, backoff: time.Millisecond}
	_, attempts, err := p.do(ctx, srv.Client(), testOutbound(srv.URL), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 0 || calls.Load() != 0 {
		t.Errorf("expected no attempts, got %d", attempts)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &providers.HTTPError{StatusCode: 429}, true},
		{"503", &providers.HTTPError{StatusCode: 503}, true},
		{"400", &providers.HTTPError{StatusCode: 400}, false},
		{"408", &providers.HTTPError{StatusCode: 408}, false},
		{"config", &providers.ConfigError{Provider: "openai", Reason: "missing"}, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{"reset", &TransportError{Err: errors.New("read: connection reset by peer")}, true},
		{"tls", &TransportError{Err: errors.New("x509: certificate signed by unknown authority")}, false},
		{"parse", &ParseError{Err: errors.New("bad json")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"-1", 0},
		{"120", maxRetryAfter},
		{"soon", 0},
	}
	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.value != "" {
			resp.Header.Set("Retry-After", tt.value)
		}
		if got := parseRetryAfter(resp); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestComputeBackoff_Bounded(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > maxBackoff {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}
