// Package errs provides structured error types and helpers for Driftwire services.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category surfaced at the gateway boundary.
type Code string

const (
	// CodeUnauthorized indicates that no principal accompanied the request.
	CodeUnauthorized Code = "unauthorized"
	// CodeAccessDenied indicates that the principal may not touch the topic.
	CodeAccessDenied Code = "access_denied"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalidInput indicates structurally invalid input provided by the caller.
	CodeInvalidInput Code = "invalid_input"
	// CodePayloadTooLarge indicates a serialized payload over the configured cap.
	CodePayloadTooLarge Code = "payload_too_large"
	// CodeStoreUnavailable indicates the shared store link is down or timed out.
	CodeStoreUnavailable Code = "store_unavailable"
	// CodeInternal indicates an unexpected defect.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the Driftwire stack.
type E struct {
	Op      string
	Code    Code
	Message string
	Field   string
	Reason  string
	ResetAt time.Time

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		Field:   "",
		Reason:  "",
		ResetAt: time.Time{},
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithField records the offending input field and the reason it was rejected.
func WithField(field, reason string) Option {
	return func(e *E) {
		e.Field = strings.TrimSpace(field)
		e.Reason = strings.TrimSpace(reason)
	}
}

// WithResetAt records when a rate-limited caller may retry.
func WithResetAt(at time.Time) Option {
	return func(e *E) {
		e.ResetAt = at
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Field != "" {
		parts = append(parts, "field="+strconv.Quote(e.Field))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+strconv.Quote(e.Reason))
	}
	if !e.ResetAt.IsZero() {
		parts = append(parts, "reset_at="+e.ResetAt.UTC().Format(time.RFC3339))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether the first structured error in err's chain carries
// the given code. An *E wrapped inside another *E is not consulted.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the caller may usefully retry the operation.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeStoreUnavailable
}

// ResetTime extracts the rate-limit reset time, if the error carries one.
func ResetTime(err error) (time.Time, bool) {
	var e *E
	if errors.As(err, &e) && e != nil && !e.ResetAt.IsZero() {
		return e.ResetAt, true
	}
	return time.Time{}, false
}
