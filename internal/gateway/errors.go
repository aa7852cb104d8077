package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nulpointcorp/promptgate/internal/providers"
)

// ErrAllFailed is the hard failure of a batch in which no item succeeded on
// any provider of the fallback chain.
var ErrAllFailed = errors.New("gateway: all items failed")

// TransportError is a connection-level failure talking to a provider.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: transport: %v", e.Provider, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a response body that could not be decoded.
type ParseError struct {
	Provider string
	Err      error
}

func (e *ParseError) Error() string { return fmt.Sprintf("%s: parse response: %v", e.Provider, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// CallError is the terminal error of a single streaming call. Status is the
// provider's HTTP status when one was received, else 500.
type CallError struct {
	Provider string
	Status   int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s failed (status=%d): %v", e.Provider, e.Status, e.Err)
}
func (e *CallError) Unwrap() error   { return e.Err }
func (e *CallError) HTTPStatus() int { return e.Status }

// BatchError carries the outcome of a batch that ended with zero successes.
// It matches ErrAllFailed with errors.Is.
type BatchError struct {
	Outcome *Outcome
	Last    error
}

func (e *BatchError) Error() string {
	if e.Last == nil {
		return ErrAllFailed.Error()
	}
	return fmt.Sprintf("%s: last error: %v", ErrAllFailed.Error(), e.Last)
}

func (e *BatchError) Is(target error) bool { return target == ErrAllFailed }
func (e *BatchError) Unwrap() error        { return e.Last }

// ErrorPayload is the sink payload of every SendError call.
type ErrorPayload struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// statusOf returns the HTTP status carried by err, or 500.
func statusOf(err error) int {
	var sc providers.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	var (
		sc       providers.StatusCoder
		cfgErr   *providers.ConfigError
		parseErr *ParseError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &sc):
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &parseErr):
		return "parse"
	default:
		return "transport"
	}
}
