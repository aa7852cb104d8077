package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestNew_StatusMapping(t *testing.T) {
	cases := []struct {
		status   int
		wantType string
		wantCode string
	}{
		{400, TypeInvalidRequest, CodeInvalidRequest},
		{401, TypeAuthenticationErr, CodeInvalidAPIKey},
		{403, TypeAuthenticationErr, CodeInvalidAPIKey},
		{408, TypeProviderError, CodeRequestTimeout},
		{429, TypeRateLimitError, CodeRateLimitExceeded},
		{500, TypeServerError, CodeInternalError},
		{501, TypeInvalidRequest, CodeNotImplemented},
		{502, TypeProviderError, CodeProviderError},
		{503, TypeProviderError, CodeProviderError},
		{504, TypeProviderError, CodeRequestTimeout},
		{418, TypeServerError, CodeInternalError},
	}
	for _, c := range cases {
		e := New(c.status, "boom")
		if e.Type != c.wantType || e.Code != c.wantCode {
			t.Errorf("New(%d) = %s/%s, want %s/%s", c.status, e.Type, e.Code, c.wantType, c.wantCode)
		}
		if e.Message != "boom" {
			t.Errorf("New(%d) message = %q", c.status, e.Message)
		}
	}
}

func TestWriteRateLimit(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if env.Error.Code != CodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", env.Error.Code, CodeRateLimitExceeded)
	}
}

func TestWrite_ExplicitTypeAndCode(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, fasthttp.StatusBadRequest, "bad", TypeInvalidRequest, "custom")

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("content type = %q", ctx.Response.Header.ContentType())
	}
	var env struct {
		Error APIError `json:"error"`
	}
	_ = json.Unmarshal(ctx.Response.Body(), &env)
	if env.Error.Code != "custom" || env.Error.Message != "bad" {
		t.Errorf("unexpected envelope: %+v", env.Error)
	}
}
