// Package ai defines the language model contracts used by the evaluation engine.
package ai

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversational turn.
type Message struct {
	Role    string
	Content string
}

// Call is one stateless request to a model backend.
type Call struct {
	Model    string
	System   string
	Messages []Message
	// Label identifies the call in logs.
	Label string
}

// Client sends a complete conversation to a model and returns its text reply.
// Implementations should return *TransientError or *RateLimitError for
// failures that are safe to retry.
type Client interface {
	Generate(ctx context.Context, call Call) (string, error)
}

// Request is a prompt issued through a Session.
type Request struct {
	Model string
	// Labels name the exchange so later requests can reference it as history.
	Labels []string
	Prompt string
	// History lists labels of earlier exchanges to inject before the prompt.
	History []string
}

// TransientError wraps a failure that is safe to retry (5xx, timeouts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RateLimitError wraps a failure caused by provider throttling or quota.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err signals provider throttling.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "rate limit")
}

// IsTransient reports whether err is worth retrying. Rate limits count as
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsRateLimited(err) {
		return true
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyStatus wraps err according to an HTTP status code returned by a
// provider. Non-retryable statuses return err unchanged.
func ClassifyStatus(err error, statusCode int) error {
	switch {
	case err == nil:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{Err: err}
	case IsTransientHTTPStatus(statusCode):
		return &TransientError{Err: err, StatusCode: statusCode}
	default:
		return err
	}
}
