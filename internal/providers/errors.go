package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized category of an adapter failure.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request"
	KindInvalidMessage  Kind = "invalid_message"
	KindAuthentication  Kind = "authentication"
	KindPermission      Kind = "permission"
	KindRateLimit       Kind = "rate_limit"
	KindServer          Kind = "server"
	KindNetwork         Kind = "network"
	KindInvalidResponse Kind = "invalid_response_format"
)

// Sentinels for errors.Is matching against a *ProviderError of the same kind.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrAuthentication        = errors.New("authentication failed")
	ErrPermission            = errors.New("permission denied")
	ErrRateLimit             = errors.New("rate limited")
	ErrServer                = errors.New("upstream server error")
	ErrNetwork               = errors.New("network error")
	ErrInvalidResponseFormat = errors.New("invalid response format")
)

var kindSentinels = map[Kind]error{
	KindInvalidRequest:  ErrInvalidRequest,
	KindInvalidMessage:  ErrInvalidMessage,
	KindAuthentication:  ErrAuthentication,
	KindPermission:      ErrPermission,
	KindRateLimit:       ErrRateLimit,
	KindServer:          ErrServer,
	KindNetwork:         ErrNetwork,
	KindInvalidResponse: ErrInvalidResponseFormat,
}

// RedactedMarker replaces secrets found in error text.
const RedactedMarker = "[REDACTED]"

// ProviderError is a structured error returned by an adapter.
type ProviderError struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
	// RetryAfter is the backend's suggested delay for rate-limit errors.
	RetryAfter time.Duration

	err error
}

// NewError builds a ProviderError without an upstream status.
func NewError(kind Kind, provider, msg string) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Message: msg}
}

// Error implements the error interface. The wrapped cause is never printed.
func (e *ProviderError) Error() string {
	prefix := e.Provider
	if prefix == "" {
		prefix = "provider"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s: %s (status=%d)", prefix, e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, e.Message)
}

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Unwrap returns the underlying cause, if any.
func (e *ProviderError) Unwrap() error { return e.err }

// Is matches the kind sentinel (e.g. errors.Is(err, ErrRateLimit)).
func (e *ProviderError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// WithCause attaches an underlying error.
func (e *ProviderError) WithCause(err error) *ProviderError {
	e.err = err
	return e
}

// Retryable reports whether another attempt could succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindNetwork, KindInvalidResponse:
		return true
	}
	return false
}

// FromStatus maps an upstream HTTP status to a ProviderError.
// header may be nil; when present, Retry-After is honoured for 429.
func FromStatus(provider string, status int, msg string, header http.Header) *ProviderError {
	e := &ProviderError{Provider: provider, StatusCode: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthentication
	case status == http.StatusForbidden:
		e.Kind = KindPermission
	case status == http.StatusRequestTimeout:
		e.Kind = KindNetwork
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	case status >= 500:
		e.Kind = KindServer
	case status >= 400:
		e.Kind = KindInvalidRequest
	default:
		e.Kind = KindInvalidResponse
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// FromTransport maps a client-side failure (timeout, refused connection,
// cancelled context) to a network error.
func FromTransport(provider string, err error) *ProviderError {
	msg := "request failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			msg = "request timed out"
		} else if err != nil {
			msg = err.Error()
		}
	}
	return NewError(KindNetwork, provider, msg).WithCause(err)
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. Returns 0 when absent or invalid.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// MessageError reports an invalid message in a request.
type MessageError struct {
	Index  int
	Reason string
}

func (e *MessageError) Error() string {
	if e.Index < 0 {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message at index %d: %s", e.Index, e.Reason)
}

// Is matches ErrInvalidMessage.
func (e *MessageError) Is(target error) bool { return target == ErrInvalidMessage }

// OptionError reports an out-of-range generation option.
type OptionError struct {
	Field  string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Field, e.Reason)
}

// Is matches ErrInvalidRequest.
func (e *OptionError) Is(target error) bool { return target == ErrInvalidRequest }

// KindOf returns the normalized kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return KindInvalidMessage
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return ""
}

// Sanitize returns err with every occurrence of the given secrets replaced by
// RedactedMarker, both in the message and in the wrapped cause.
func Sanitize(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		out := *pe
		out.Message = Redact(pe.Message, secrets...)
		if pe.err != nil && containsAny(pe.err.Error(), secrets) {
			out.err = errors.New(Redact(pe.err.Error(), secrets...))
		}
		return &out
	}
	if containsAny(err.Error(), secrets) {
		return errors.New(Redact(err.Error(), secrets...))
	}
	return err
}

// Redact replaces each non-empty secret in s with RedactedMarker.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, RedactedMarker)
	}
	return s
}

func containsAny(s string, secrets []string) bool {
	for _, secret := range secrets {
		if secret != "" && strings.Contains(s, secret) {
			return true
		}
	}
	return false
}
