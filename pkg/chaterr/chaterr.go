// Package chaterr defines the error taxonomy shared by every stage of the
// request pipeline. Each failure carries a [Kind] so callers can branch on
// the class of error without inspecting messages.
package chaterr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	Validation                Kind = "validation"
	CredentialMissing         Kind = "credential-missing"
	CredentialInvalid         Kind = "credential-invalid"
	CredentialCorrupt         Kind = "credential-corrupt"
	VariableMissing           Kind = "variable-missing"
	UnknownTransform          Kind = "unknown-transform"
	RateLimitedLocal          Kind = "rate-limited-local"
	RateLimited               Kind = "rate-limited"
	Timeout                   Kind = "timeout"
	NetworkError              Kind = "network-error"
	ClientError               Kind = "client-error"
	ServerError               Kind = "server-error"
	Cancelled                 Kind = "cancelled"
	ProviderMalformedResponse Kind = "provider-malformed-response"
	Unknown                   Kind = "unknown"
)

// Error is the single error type surfaced to callers of the pipeline.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int           // HTTP status when the error came from a provider.
	RetryAfter time.Duration // Provider or local hint; zero when unknown.
	Cause      error
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind, so
// errors.Is(err, chaterr.New(chaterr.Timeout, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind
}

// MarshalJSON renders the wire form used in bus envelopes.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind         Kind   `json:"kind"`
		Message      string `json:"message"`
		StatusCode   int    `json:"statusCode,omitempty"`
		RetryAfterMS int64  `json:"retryAfterMs,omitempty"`
	}

	return json.Marshal(wire{
		Kind:         e.Kind,
		Message:      e.Message,
		StatusCode:   e.StatusCode,
		RetryAfterMS: e.RetryAfter.Milliseconds(),
	})
}

// KindOf returns the kind of the first *Error in err's chain. Bare context
// errors are classified too. Anything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}

	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an explicit retry interceptor may retry err.
// Cancellation, configuration and credential errors never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkError, ServerError, RateLimited, Timeout:
		return true
	default:
		return false
	}
}

// FromContext converts a context error into the matching taxonomy error.
// It returns nil when ctxErr is nil.
func FromContext(ctxErr error) error {
	switch {
	case ctxErr == nil:
		return nil
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return Wrap(Timeout, ctxErr, "deadline exceeded")
	default:
		return Wrap(Cancelled, ctxErr, "request cancelled")
	}
}

// As returns the *Error in err's chain, or wraps err as Unknown so callers
// always get a value they can serialize.
func As(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(KindOf(err), err, err.Error())
}
