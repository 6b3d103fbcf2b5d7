// Package fault defines the error kinds shared across the execution and
// gateway paths. Kinds classify failures for status mapping and for the
// execution log, so operators can tell user faults from platform faults.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindPackageMissing     Kind = "package_missing"
	KindHashMismatch       Kind = "hash_mismatch"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindOverloaded         Kind = "overloaded"
	KindTimeout            Kind = "timeout"
	KindMemoryExhausted    Kind = "memory_exhausted"
	KindEgressDenied       Kind = "egress_denied"
	KindHandlerError       Kind = "handler_error"
	KindAuthTimeout        Kind = "auth_timeout"
	KindInternal           Kind = "internal"
)

// Sentinel errors for errors.Is checks on the hot path.
var (
	ErrUnauthorized       = New(KindUnauthorized, "unauthorized")
	ErrForbidden          = New(KindForbidden, "forbidden")
	ErrNotFound           = New(KindNotFound, "not found")
	ErrPackageMissing     = New(KindPackageMissing, "package missing")
	ErrHashMismatch       = New(KindHashMismatch, "package hash mismatch")
	ErrStorageUnavailable = New(KindStorageUnavailable, "object storage unavailable")
	ErrOverloaded         = New(KindOverloaded, "isolate pool exhausted")
	ErrTimeout            = New(KindTimeout, "execution timeout")
	ErrMemoryExhausted    = New(KindMemoryExhausted, "memory limit exceeded")
	ErrEgressDenied       = New(KindEgressDenied, "egress denied by network policy")
	ErrAuthTimeout        = New(KindAuthTimeout, "auth verification timeout")
)

// Error carries a kind alongside a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, which makes the package sentinels work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Kind == fe.Kind
	}
	return false
}

// New returns an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status surfaced to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPackageMissing, KindStorageUnavailable, KindHashMismatch:
		return http.StatusBadGateway
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindTimeout, KindAuthTimeout:
		return http.StatusGatewayTimeout
	case KindMemoryExhausted, KindEgressDenied, KindHandlerError, KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
