package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies orchestrator failures.
type Kind int

const (
	KindInvalidCredentials Kind = iota + 1
	KindConfigMissing
	KindResolutionExhausted
	KindBridgeUnavailable
	KindStorageFailure
	KindTransactionAborted
	KindDuplicateUsername
	KindDuplicateEmail
	KindInvalidInput
	KindNotFound
	KindUnauthorized
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindConfigMissing:
		return "config_missing"
	case KindResolutionExhausted:
		return "resolution_exhausted"
	case KindBridgeUnavailable:
		return "bridge_unavailable"
	case KindStorageFailure:
		return "storage_failure"
	case KindTransactionAborted:
		return "transaction_aborted"
	case KindDuplicateUsername:
		return "duplicate_username"
	case KindDuplicateEmail:
		return "duplicate_email"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a kind to the status an HTTP adapter should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidCredentials, KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindDuplicateUsername, KindDuplicateEmail:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBridgeUnavailable:
		return http.StatusBadGateway
	case KindConfigMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message is the caller-facing text. Internal detail stays in logs.
func (k Kind) Message() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid username/email or password"
	case KindDuplicateUsername:
		return "username already registered"
	case KindDuplicateEmail:
		return "email already registered"
	case KindInvalidInput:
		return "invalid input"
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "session required"
	case KindForbidden:
		return "not allowed"
	case KindBridgeUnavailable:
		return "video platform unavailable"
	default:
		return "request failed"
	}
}

// Sentinels for errors.Is against an *Error of the same kind.
var (
	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials}
	ErrConfigMissing       = &Error{Kind: KindConfigMissing}
	ErrResolutionExhausted = &Error{Kind: KindResolutionExhausted}
	ErrBridgeUnavailable   = &Error{Kind: KindBridgeUnavailable}
	ErrStorageFailure      = &Error{Kind: KindStorageFailure}
	ErrTransactionAborted  = &Error{Kind: KindTransactionAborted}
	ErrDuplicateUsername   = &Error{Kind: KindDuplicateUsername}
	ErrDuplicateEmail      = &Error{Kind: KindDuplicateEmail}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
)

// Error is the single error type returned by orchestrator entry points.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err, or KindStorageFailure for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageFailure
}
