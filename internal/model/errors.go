package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

// ErrorClass groups provider failures for retry and circuit-breaker decisions.
type ErrorClass string

const (
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassTransient       ErrorClass = "transient"
	ClassFatal           ErrorClass = "fatal"
	ClassTimeout         ErrorClass = "timeout"
	ClassContextOverflow ErrorClass = "context_overflow"
	ClassSummarizer      ErrorClass = "summarizer"
	ClassUnknown         ErrorClass = "unknown"
)

// APIError is a classified provider failure.
type APIError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ClassRateLimit, ClassTransient, ClassTimeout:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code to an APIError.
//
//   - 429: rate limit, retryable
//   - 408, 409: transient, retryable
//   - other 4xx: fatal (bad request, auth, unknown model)
//   - 5xx: transient server error
func ClassifyStatus(statusCode int, err error) *APIError {
	class := ClassTransient
	switch {
	case statusCode == http.StatusTooManyRequests:
		class = ClassRateLimit
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusConflict:
		class = ClassTransient
	case statusCode >= 400 && statusCode < 500:
		class = ClassFatal
	}
	return &APIError{Class: class, StatusCode: statusCode, Err: err}
}

// ClassifyMessage classifies an error that carries no status code,
// using the provider's error text.
func ClassifyMessage(err error) *APIError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context_length") || strings.Contains(msg, "maximum context length") || strings.Contains(msg, "too many tokens"):
		return &APIError{Class: ClassContextOverflow, Err: err}
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "rate limit"):
		return &APIError{Class: ClassRateLimit, Err: err}
	default:
		return &APIError{Class: ClassTransient, Err: err}
	}
}

// Classify returns the class of any error seen by a turn.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, ctxpkg.ErrSummarizer) {
		return ClassSummarizer
	}
	return ClassUnknown
}

// IsRetryable reports whether a failed provider call is worth repeating.
// Caller cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
