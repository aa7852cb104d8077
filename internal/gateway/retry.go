package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

const (
	// maxBodyBytes bounds a buffered provider response.
	maxBodyBytes = 32 << 20
	// maxErrorBody bounds the error text kept from a failed response.
	maxErrorBody   = 4 << 10
	maxRetryAfter  = 30 * time.Second
	maxBackoff     = 30 * time.Second
	defaultBackoff = 250 * time.Millisecond
)

// attemptInfo describes one settled HTTP attempt.
type attemptInfo struct {
	Attempt  int
	Status   int
	Err      error
	Duration time.Duration
}

// retryPolicy re-issues a buffered request on transient failures only:
// connection errors, 429 and 5xx. Every other status is returned at once.
type retryPolicy struct {
	maxAttempts int
	backoff     time.Duration
}

// do sends out up to maxAttempts times and returns the 2xx body and the
// number of attempts made. onAttempt, when set, is called after every
// attempt.
func (p retryPolicy) do(
	ctx context.Context,
	client *http.Client,
	out *providers.Outbound,
	onAttempt func(attemptInfo),
) ([]byte, int, error) {
	maxAttempts := p.maxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		lastErr error
		made    int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, made, err
		}
		made = attempt

		start := time.Now()
		body, retryAfter, err := send(ctx, client, out)
		info := attemptInfo{Attempt: attempt, Err: err, Duration: time.Since(start)}
		var httpErr *providers.HTTPError
		if errors.As(err, &httpErr) {
			info.Status = httpErr.StatusCode
		} else if err == nil {
			info.Status = http.StatusOK
		}
		if onAttempt != nil {
			onAttempt(info)
		}

		if err == nil {
			return body, attempt, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxAttempts {
			break
		}

		wait := computeBackoff(p.backoff, attempt-1)
		if retryAfter > 0 {
			wait = retryAfter
		}
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, made, lastErr
}

// send performs one attempt. Non-2xx responses become *providers.HTTPError
// carrying the (truncated) body text.
func send(ctx context.Context, client *http.Client, out *providers.Outbound) ([]byte, time.Duration, error) {
	req, err := out.NewRequest(ctx)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, &TransportError{Provider: out.Provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, parseRetryAfter(resp), &providers.HTTPError{
			Provider:   out.Provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, &TransportError{Provider: out.Provider, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, 0, nil
}

// isRetryable reports whether err is worth another attempt against the same
// provider.
//
//   - 429 and 5xx responses → retryable
//   - other HTTP statuses   → not retryable
//   - context errors        → not retryable
//   - transport errors      → retryable when transient
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return shouldRetryStatus(sc.HTTPStatus())
	}
	var te *TransportError
	if errors.As(err, &te) {
		return isTransientNetError(te.Err)
	}
	return false
}

func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	// Wrapped errors sometimes only keep the message.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form,
// capped at maxRetryAfter. Zero means absent or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	var d time.Duration
	if seconds, err := strconv.Atoi(v); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// computeBackoff returns exponential backoff with full jitter: a random
// duration in [0, base*2^attempt), capped at maxBackoff.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}
	ceiling := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if ceiling > maxBackoff {
		ceiling = maxBackoff
	}
	return time.Duration(rand.Float64() * float64(ceiling))
}
