// Package errors is the error vocabulary of tekton-ci.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping and user hints from one import, and it defines the
// sentinels that the stores return and the transports (MCP tools, the HTTP
// daemon, the CLI) translate into user-facing results.
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // revision mismatch: re-read and retry
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	GetAllHints = crdb.GetAllHints
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinels shared by the stores. Wrap them to add context; callers match
// with Is.
var (
	// ErrNotFound: the key, CI, forward or memory does not exist (or expired).
	ErrNotFound = New("not found")

	// ErrInvalidRequest: malformed name, key or payload.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict: a conditional write lost against a concurrent writer.
	ErrConflict = New("revision conflict")

	// ErrTooLarge: a value exceeds the configured size bound.
	ErrTooLarge = New("value too large")

	// ErrUnavailable: a backend or remote component could not be reached.
	ErrUnavailable = New("service unavailable")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsInvalid reports whether err is or wraps ErrInvalidRequest.
func IsInvalid(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// Invalidf returns an ErrInvalidRequest carrying a formatted reason.
func Invalidf(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NotFoundf returns an ErrNotFound carrying a formatted reason.
func NotFoundf(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// Code returns a short machine-readable code for the sentinel err wraps,
// or "internal" when it wraps none of them.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrInvalidRequest):
		return "invalid_request"
	case Is(err, ErrConflict):
		return "conflict"
	case Is(err, ErrTooLarge):
		return "too_large"
	case Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// FromCode maps a code produced by Code back to its sentinel. Unknown codes
// yield nil.
func FromCode(code string) error {
	switch code {
	case "not_found":
		return ErrNotFound
	case "invalid_request":
		return ErrInvalidRequest
	case "conflict":
		return ErrConflict
	case "too_large":
		return ErrTooLarge
	case "unavailable":
		return ErrUnavailable
	default:
		return nil
	}
}
