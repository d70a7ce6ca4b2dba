// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeExpiredAPIKey      = "expired_api_key"
	CodeInsufficientScope  = "insufficient_scope"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeInvalidRequest     = "invalid_request"
	CodeUnknownModel       = "unknown_model"
	CodeAllProvidersFailed = "all_providers_failed"
	CodeCircuitOpen        = "circuit_open"
	CodeOverloaded         = "overloaded"
	CodeProtocolError      = "protocol_error"
)

type (
	// APIError is the structured error returned to clients. Details carries
	// optional machine-readable context, e.g. per-provider failure causes.
	APIError struct {
		Message string         `json:"message"`
		Type    string         `json:"type"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDetails(ctx, status, message, errType, code, nil)
}

// WriteDetails is Write with an optional details map attached to the envelope.
func WriteDetails(ctx *fasthttp.RequestCtx, status int, message, errType, code string, details map[string]any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Details: details,
	}})
	ctx.SetBody(body)
}

// WriteAuth writes a 401 authentication error.
func WriteAuth(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WritePermission writes a 403 permission error.
func WritePermission(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusForbidden, message, TypePermissionError, CodeInsufficientScope)
}

// WriteUnknownModel writes a 404 for a model no enabled provider serves.
func WriteUnknownModel(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound,
		"model "+strconv.Quote(model)+" is not served by any enabled provider",
		TypeInvalidRequest, CodeUnknownModel)
}

// WriteRateLimit writes a 429 with a Retry-After header derived from
// retryAfterSeconds (minimum 1 second).
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string, retryAfterSeconds int64) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteOverloaded writes a 503 when the sandbox queue or a concurrency ceiling
// rejects the request.
func WriteOverloaded(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeServerError, CodeOverloaded)
}
