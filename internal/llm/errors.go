package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is implemented by every failure a Generator reports. Retrying uses
// Retryable and RetryAfter to decide whether and when to try again.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "llm configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type apiError struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *apiError) Provider() string           { return e.provider }
func (e *apiError) StatusCode() int            { return e.statusCode }
func (e *apiError) Retryable() bool            { return e.retryable }
func (e *apiError) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ apiError }
type AuthenticationError struct{ apiError }
type AccessDeniedError struct{ apiError }
type NotFoundError struct{ apiError }
type RequestTimeoutError struct{ apiError }
type ContextLengthError struct{ apiError }
type QuotaExceededError struct{ apiError }
type RateLimitError struct{ apiError }
type ServerError struct{ apiError }
type OverloadedError struct{ apiError }
type NetworkError struct{ apiError }
type UnknownHTTPError struct{ apiError }

// ErrorFromHTTPStatus maps a non-2xx response onto the error taxonomy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := apiError{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case 401:
		return &AuthenticationError{base}
	case 403:
		return &AccessDeniedError{base}
	case 404:
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 413:
		return &ContextLengthError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 529:
		base.retryable = true
		return &OverloadedError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = statusCode >= 500
		return &UnknownHTTPError{base}
	}
}

// classifyByMessage refines 400/422 responses whose body names the cause.
func classifyByMessage(base apiError) error {
	lower := strings.ToLower(base.message)
	switch {
	case strings.Contains(lower, "prompt is too long") || strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{base}
	case strings.Contains(lower, "credit balance") || strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &QuotaExceededError{base}
	case strings.Contains(lower, "invalid x-api-key") || strings.Contains(lower, "invalid key"):
		return &AuthenticationError{base}
	}
	return nil
}

// NewNetworkError wraps a transport failure. Connection resets and refused
// connections are worth another attempt; an expired caller deadline is not.
func NewNetworkError(provider string, err error) error {
	base := apiError{
		provider:  strings.TrimSpace(provider),
		message:   err.Error(),
		retryable: true,
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		base.retryable = false
		return &RequestTimeoutError{base}
	}
	return &NetworkError{base}
}

// ParseRetryAfter reads a Retry-After header: integer seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsRetryable reports whether err advertises itself as worth retrying.
func IsRetryable(err error) bool {
	var e Error
	return errors.As(err, &e) && e.Retryable()
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}
