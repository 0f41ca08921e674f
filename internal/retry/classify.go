// Package retry classifies failures and re-runs retryable steps with
// full-jitter exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/obra-dev/obra/internal/agent"
)

// Error classes recorded with each attempt.
const (
	ClassTransport   = "transport"
	ClassRateLimit   = "rate_limit"
	ClassTransientIO = "transient_io"
	ClassMaxTurns    = "max_turns"
	ClassAuth        = "auth"
	ClassConfig      = "config"
	ClassSchema      = "schema"
	ClassUnknown     = "unknown"
)

// TerminalError wraps an error that must not be retried.
type TerminalError struct {
	Class string
	Err   error
}

func (e *TerminalError) Error() string { return e.Class + ": " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks an error as non-retryable with the given class.
func Terminal(class string, err error) error {
	return &TerminalError{Class: class, Err: err}
}

// SchemaError marks a response that violated the declared schema.
// Always terminal: resending the same prompt reproduces the violation.
func SchemaError(err error) error { return Terminal(ClassSchema, err) }

// Classify buckets an error and reports whether it is retryable.
// Transport timeouts, rate limits, transient I/O, and exhausted agent
// turns retry; authentication, configuration, and schema violations
// do not.
func Classify(err error) (class string, retryable bool) {
	if err == nil {
		return "", false
	}

	var term *TerminalError
	if errors.As(err, &term) {
		return term.Class, false
	}

	var maxTurns *agent.MaxTurnsError
	if errors.As(err, &maxTurns) {
		return ClassMaxTurns, true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransport, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTransport, true
		}
		return ClassTransientIO, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return ClassRateLimit, true
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ClassAuth, false
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return ClassTransport, true
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "unavailable"):
		return ClassTransientIO, true
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "config"):
		return ClassConfig, false
	default:
		return ClassUnknown, false
	}
}
