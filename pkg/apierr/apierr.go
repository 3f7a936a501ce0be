// Package apierr writes errors in the OpenAI-compatible JSON envelope:
//
//	{"error": {"message": "...", "type": "...", "code": "..."}}
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Error types.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Error codes.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidMessage     = "invalid_message"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodePermissionDenied   = "permission_denied"
	CodeProviderNotFound   = "provider_not_found"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeNoProviders        = "no_providers_available"
	CodeRequestTimeout     = "request_timeout"
	CodeProviderError      = "provider_error"
	CodeMaxRetriesExceeded = "max_retries_exceeded"
	CodeFallbackFailed     = "fallback_failed"
	CodeInternalError      = "internal_error"
)

// DefaultRetryAfter is advertised on 429 responses when the upstream gave
// no hint.
const DefaultRetryAfter = 60 * time.Second

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

// Write sets status and an error envelope as the response body.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteRateLimit writes a 429 with Retry-After in whole seconds, rounded up.
// A non-positive retryAfter advertises DefaultRetryAfter.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	secs := int64(math.Ceil(retryAfter.Seconds()))
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteTimeout writes a 504.
func WriteTimeout(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "provider request timed out"
	}
	Write(ctx, fasthttp.StatusGatewayTimeout, message, TypeProviderError, CodeRequestTimeout)
}
