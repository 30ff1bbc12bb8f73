// Package orcherr defines the typed error taxonomy the orchestrator's HTTP
// boundary uses to build its {ok, data?, error?} response envelope.
//
// Kinds are orthogonal to diagnosis.Diagnosis: a Kind says how the HTTP
// layer should respond (status code, retry semantics); a Diagnosis says
// what a human should be told. An Error may carry both.
package orcherr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jerryagenyi/streamorchestratorgo/internal/diagnosis"
)

// Kind classifies an error for HTTP-boundary handling.
type Kind int

const (
	// KindValidation is bad input. Never retried. 400.
	KindValidation Kind = iota
	// KindPrecondition is a state-dependent refusal (broker down, device
	// in use, duplicate name). 409.
	KindPrecondition
	// KindNotFound is an unknown stream or device. 404.
	KindNotFound
	// KindExternal is a broker/encoder/OS-level failure. 502 or 500.
	KindExternal
	// KindTransient is a timeout or temporary unreachability. May be
	// retried by the caller; the core never auto-retries user-initiated
	// operations.
	KindTransient
	// KindFatal is an initialization failure that prevents the
	// orchestrator from serving. Causes process exit code 1.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindNotFound:
		return "not-found"
	case KindExternal:
		return "external"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind, an optional presentation
// category (matches diagnosis.Category when set), and the wrapped cause.
type Error struct {
	Kind     Kind
	Category string // presentation category, e.g. "duplicate", "device-conflict"
	Message  string
	Err      error

	// Diagnosis, when set, is what spec.md §7 means by "attach Diagnosis
	// before bubbling to the HTTP boundary": its glyph-prefixed Title and
	// Solutions take over from the generic Kind-based title.
	Diagnosis *diagnosis.Diagnosis
}

// WithDiagnosis attaches d to e and returns e, for chaining at the call
// site that already has a Diagnosis in hand (e.g. an EncoderProcess
// spawn failure).
func (e *Error) WithDiagnosis(d *diagnosis.Diagnosis) *Error {
	e.Diagnosis = d
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps a Kind (and, for KindExternal, whether the failure was
// upstream-broker-shaped) to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPrecondition:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExternal:
		if e.Category == "broker-unavailable" {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Validation wraps err (may be nil) as a KindValidation error.
func Validation(category, msg string, err error) *Error {
	return &Error{Kind: KindValidation, Category: category, Message: msg, Err: err}
}

// Precondition wraps err (may be nil) as a KindPrecondition error.
func Precondition(category, msg string, err error) *Error {
	return &Error{Kind: KindPrecondition, Category: category, Message: msg, Err: err}
}

// NotFound builds a KindNotFound error.
func NotFound(category, msg string) *Error {
	return &Error{Kind: KindNotFound, Category: category, Message: msg}
}

// External wraps err as a KindExternal error.
func External(category, msg string, err error) *Error {
	return &Error{Kind: KindExternal, Category: category, Message: msg, Err: err}
}

// Transient wraps err as a KindTransient error.
func Transient(category, msg string, err error) *Error {
	return &Error{Kind: KindTransient, Category: category, Message: msg, Err: err}
}

// Fatal wraps err as a KindFatal error.
func Fatal(msg string, err error) *Error {
	return &Error{Kind: KindFatal, Message: msg, Err: err}
}

// As is a thin wrapper around errors.As for the common case of recovering
// the typed *Error from a wrapped chain at the HTTP boundary.
func As(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
