package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the closed set of error classifications that cross component
// boundaries. Everything a stage, repo, or client returns is eventually
// tagged with one of these.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindPermission            Kind = "permission"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindTimeout               Kind = "timeout"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindDependencyError       Kind = "dependency_error"
	KindInternal              Kind = "internal"
	KindCancelled             Kind = "cancelled"
)

// Error carries the classification, originating stage and correlation id of a
// failure. Retryable is advisory; RetryPolicy makes the final call.
type Error struct {
	Kind          Kind
	Stage         string
	Retryable     bool
	CorrelationID string
	RetryAfter    time.Duration // hint, 0 means none
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with the default retryability for kind.
func E(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Retryable: DefaultRetryable(kind), Err: err}
}

func Ef(kind Kind, stage string, format string, args ...any) *Error {
	return E(kind, stage, fmt.Errorf(format, args...))
}

// WithCorrelation returns a copy carrying the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// WithRetryAfter returns a copy carrying a server-provided retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// KindOf classifies an arbitrary error. Unknown errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether err should be offered to the retry policy.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// RetryAfterFrom extracts a retry hint, 0 when absent.
func RetryAfterFrom(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// StageOf extracts the originating stage, "" when untagged.
func StageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Stage
	}
	return ""
}

func DefaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRateLimited, KindDependencyUnavailable, KindDependencyError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to its stable transport code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindDependencyError:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
