// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// New builds an APIError whose type and code follow from the HTTP status.
//
//	400, 404, 422 → invalid_request_error / invalid_request
//	401, 403      → authentication_error / invalid_api_key
//	408, 504      → provider_error / request_timeout
//	429           → rate_limit_error / rate_limit_exceeded
//	501           → invalid_request_error / not_implemented
//	502, 503      → provider_error / provider_error
//	anything else → server_error / internal_error
func New(status int, message string) APIError {
	e := APIError{Message: message}
	switch status {
	case fasthttp.StatusBadRequest, fasthttp.StatusNotFound, fasthttp.StatusUnprocessableEntity:
		e.Type, e.Code = TypeInvalidRequest, CodeInvalidRequest
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
		e.Type, e.Code = TypeAuthenticationErr, CodeInvalidAPIKey
	case fasthttp.StatusRequestTimeout, fasthttp.StatusGatewayTimeout:
		e.Type, e.Code = TypeProviderError, CodeRequestTimeout
	case fasthttp.StatusTooManyRequests:
		e.Type, e.Code = TypeRateLimitError, CodeRateLimitExceeded
	case fasthttp.StatusNotImplemented:
		e.Type, e.Code = TypeInvalidRequest, CodeNotImplemented
	case fasthttp.StatusBadGateway, fasthttp.StatusServiceUnavailable:
		e.Type, e.Code = TypeProviderError, CodeProviderError
	default:
		e.Type, e.Code = TypeServerError, CodeInternalError
	}
	return e
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	writeEnvelope(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

// WriteStatus writes an error whose type and code are derived from status.
func WriteStatus(ctx *fasthttp.RequestCtx, status int, message string) {
	writeEnvelope(ctx, status, New(status, message))
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	WriteStatus(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
}

func writeEnvelope(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}
