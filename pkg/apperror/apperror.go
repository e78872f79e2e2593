// Package apperror defines the dedup core's error taxonomy: a tagged error
// kind plus a meta payload carrying the offending identifiers. Services and
// repositories return these; the HTTP layer translates kinds to status codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure
type Kind string

const (
	KindUnknownRequestID       Kind = "UNKNOWN_REQUEST_ID"
	KindDuplicateResponse      Kind = "DUPLICATE_RESPONSE"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindDispatchFailure        Kind = "DISPATCH_FAILURE"
	KindStorageUnavailable     Kind = "STORAGE_UNAVAILABLE"
	KindNoBiometricCaptured    Kind = "NO_BIOMETRIC_CAPTURED"
	KindNotAssignedToVerifier  Kind = "NOT_ASSIGNED_TO_VERIFIER"
	KindRecordNotFound         Kind = "RECORD_NOT_FOUND"
)

// Retryable reports whether the kind represents a transient fault that the
// external retry scheduler may re-drive. Structural faults are surfaced
// immediately and never retried.
func (k Kind) Retryable() bool {
	return k == KindDispatchFailure || k == KindStorageUnavailable
}

// Error is a classified failure with contextual identifiers
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error. Meta keys should name the offending
// identifiers (request id, verifier id, status) for diagnosis.
func New(kind Kind, message string, meta map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Meta: meta}
}

// Newf creates a classified error with a formatted message and no meta
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it for errors.Is/As
func Wrap(kind Kind, message string, cause error, meta map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Meta: meta, cause: cause}
}

// KindOf extracts the kind from an error chain, or "" when unclassified
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MetaOf extracts the meta payload from an error chain
func MetaOf(err error) map[string]any {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Meta
	}
	return nil
}

// HTTPStatus maps an error kind to the status code the verifier API returns
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindRecordNotFound, KindUnknownRequestID:
		return http.StatusNotFound
	case KindDuplicateResponse, KindInvalidStateTransition, KindNotAssignedToVerifier:
		return http.StatusConflict
	case KindNoBiometricCaptured:
		return http.StatusUnprocessableEntity
	case KindStorageUnavailable, KindDispatchFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
