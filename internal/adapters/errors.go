package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies an adapter failure. The circuit breaker and the retry
// loop both branch on it.
type ErrorKind string

const (
	ErrTimeout       ErrorKind = "timeout"
	ErrConnection    ErrorKind = "connection"
	ErrUpstream4xx   ErrorKind = "upstream_4xx"
	ErrUpstream5xx   ErrorKind = "upstream_5xx"
	ErrRateLimited   ErrorKind = "rate_limited"
	ErrAuth          ErrorKind = "auth"
	ErrProtocol      ErrorKind = "protocol"
	ErrConfiguration ErrorKind = "configuration"
	ErrProcessExit   ErrorKind = "process_exit"
	ErrCancelled     ErrorKind = "cancelled"
	ErrOverloaded    ErrorKind = "overloaded"
)

// AdapterError is a structured failure from one provider attempt.
type AdapterError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int // upstream HTTP status when applicable, else 0
	Message    string
}

func (e *AdapterError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// HTTPStatus maps the failure to the status the gateway should answer with.
func (e *AdapterError) HTTPStatus() int {
	switch e.Kind {
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrAuth:
		return http.StatusBadGateway // upstream credential problem, not the caller's
	case ErrUpstream4xx:
		if e.StatusCode > 0 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case ErrConfiguration:
		return http.StatusInternalServerError
	case ErrOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// CountsForBreaker reports whether this failure should advance the provider's
// circuit breaker. Client mistakes (other 4xx), caller cancellation and local
// sandbox saturation say nothing about provider health.
func (e *AdapterError) CountsForBreaker() bool {
	switch e.Kind {
	case ErrTimeout, ErrConnection, ErrUpstream5xx, ErrRateLimited, ErrProcessExit:
		return true
	default:
		return false
	}
}

// retryableStatus reports whether an upstream status is worth retrying on the
// same provider.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// classifyStatus builds an AdapterError from an upstream HTTP status.
func classifyStatus(provider string, status int, message string) *AdapterError {
	e := &AdapterError{Provider: provider, StatusCode: status, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = ErrAuth
	case status >= 500:
		e.Kind = ErrUpstream5xx
	default:
		e.Kind = ErrUpstream4xx
	}
	return e
}

// classifyTransport builds an AdapterError from a transport-level failure.
func classifyTransport(provider string, err error) *AdapterError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AdapterError{Provider: provider, Kind: ErrTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return &AdapterError{Provider: provider, Kind: ErrCancelled, Message: "request cancelled"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &AdapterError{Provider: provider, Kind: ErrTimeout, Message: err.Error()}
	}
	return &AdapterError{Provider: provider, Kind: ErrConnection, Message: err.Error()}
}
