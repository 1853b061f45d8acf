// Package apierror classifies errors from the Yotpo and Treasure Data APIs
// so that the retry layer can decide, without knowing either API, whether an
// operation is worth another attempt.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class represents a classification of API errors.
type Class string

const (
	// ClassClient represents 4xx client errors (other than 429). Never retried.
	ClassClient Class = "client"

	// ClassServer represents 5xx server errors. Retried.
	ClassServer Class = "server"

	// ClassRateLimit represents HTTP 429 responses. Retried, honoring Retry-After.
	ClassRateLimit Class = "rate_limit"

	// ClassNetwork represents network/timeout errors. Retried.
	ClassNetwork Class = "network"

	// ClassParse represents malformed response payloads. Never retried: without
	// a valid body there is no valid continuation cursor either.
	ClassParse Class = "parse"
)

// maxBodySnippet bounds how much of an error response body lands in messages.
const maxBodySnippet = 512

// APIError is an error from one of the remote APIs with enough context to
// classify, log, and honor server backoff hints.
type APIError struct {
	StatusCode int
	Class      Class
	Endpoint   string
	Message    string

	// RetryAfter is the server-supplied backoff hint (Retry-After header),
	// zero when the server sent none.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error on %s: %s: %v", e.Class, e.Endpoint, e.Message, e.Err)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error on %s (status %d): %s", e.Class, e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error on %s: %s", e.Class, e.Endpoint, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ClassServer, ClassRateLimit, ClassNetwork:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code to an error class.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500:
		return ClassServer
	default:
		return ClassNetwork
	}
}

// FromResponse builds an APIError from a non-2xx response. The body must
// already be drained by the caller; only a snippet of it is retained.
func FromResponse(endpoint string, status int, header http.Header, body []byte) *APIError {
	return &APIError{
		StatusCode: status,
		Class:      ClassifyStatus(status),
		Endpoint:   endpoint,
		Message:    bodySnippet(body),
		RetryAfter: parseRetryAfter(header),
	}
}

// Network wraps a transport-level failure (timeout, connection reset, DNS).
func Network(endpoint string, err error) *APIError {
	return &APIError{
		Class:    ClassNetwork,
		Endpoint: endpoint,
		Message:  "request failed",
		Err:      err,
	}
}

// Parse wraps a malformed-payload failure.
func Parse(endpoint string, err error) *APIError {
	return &APIError{
		Class:    ClassParse,
		Endpoint: endpoint,
		Message:  "malformed response",
		Err:      err,
	}
}

// retryable is the minimal interface an error can implement to steer the
// retry decision without depending on this package's types.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is worth another attempt. Unknown errors
// default to retryable; context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// RetryAfterHint extracts the server backoff hint from err, or zero.
func RetryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header given in seconds. The HTTP-date
// form is rare on the APIs involved and is ignored.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "(empty body)"
	}
	if len(s) > maxBodySnippet {
		s = s[:maxBodySnippet] + "..."
	}
	return s
}
