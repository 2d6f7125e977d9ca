package errs

import (
	"errors"
	"fmt"
)

// Stable machine-readable error kinds carried on every error response.
const (
	KindAuthentication = "authentication_error"
	KindRateLimit      = "rate_limit_exceeded"
	KindValidation     = "validation_error"
	KindNoWorker       = "no_worker_available"
	KindPersistence    = "persistence_error"
	KindUnknownJob     = "unknown_job"
	KindStreamTimeout  = "stream_timeout"
	KindWorkerReported = "worker_reported_error"
)

// Error is a dispatcher error with a stable kind string. Details carries
// structured state (window usage, advised retry) when the kind warrants it.
type Error struct {
	Kind    string
	Message string
	Details interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two dispatcher errors by kind, so sentinel comparisons like
// errors.Is(err, ErrNoWorker) work regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured state to the error.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Persistence wraps a store failure. Callers must log these, never swallow.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, wrapped: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication = New(KindAuthentication, "invalid or missing credential")
	ErrRateLimit      = New(KindRateLimit, "rate limit exceeded")
	ErrNoWorker       = New(KindNoWorker, "no worker available")
	ErrUnknownJob     = New(KindUnknownJob, "unknown job id")
	ErrStreamTimeout  = New(KindStreamTimeout, "timed out waiting for response")
)

// Kind extracts the kind string from any error, defaulting to a generic
// persistence kind for non-dispatcher errors.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}
