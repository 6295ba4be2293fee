// Package errs provides structured error types shared across the marketdeck core.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category in the data distribution core.
type Code string

const (
	// CodeTransport indicates the stream transport cannot establish or maintain its connection.
	CodeTransport Code = "transport_failure"
	// CodeQuery indicates a single pull-side request failed.
	CodeQuery Code = "query_failure"
	// CodeValidation indicates a malformed event reached a sink boundary.
	CodeValidation Code = "validation_failure"
	// CodeReconnectExhausted indicates the adapter gave up after the reconnect cap.
	CodeReconnectExhausted Code = "reconnect_exhausted"
	// CodeRateLimited indicates the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeParse indicates a wire payload could not be decoded.
	CodeParse Code = "parse"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a state transition conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the core.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and failure code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		cause:     nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
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

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasCode reports whether err carries the given failure code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var typed *E
	for errors.As(err, &typed) {
		if typed.Code == code {
			return true
		}
		err = typed.cause
		typed = nil
	}
	return false
}

// CodeOf extracts the failure code from the outermost envelope in err's chain.
func CodeOf(err error) Code {
	var typed *E
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}
