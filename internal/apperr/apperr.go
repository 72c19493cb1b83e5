// Package apperr defines the error taxonomy shared by all stargazer
// components and its mapping onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInputInvalid        Kind = "input_invalid"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindRemoteTransient     Kind = "remote_transient"
	KindRemoteFatal         Kind = "remote_fatal"
	KindEmbedderUnavailable Kind = "embedder_unavailable"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error carries a kind, a human-readable message, and optional suggestions
// surfaced in HTTP responses.
type Error struct {
	Kind        Kind
	Message     string
	Suggestions []string
	wrapped     error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message while keeping the chain intact.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// WithSuggestions attaches remediation hints for the HTTP error body.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is a transient remote failure worth
// retrying.
func IsRetryable(err error) bool {
	return IsKind(err, KindRemoteTransient)
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInputInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRemoteTransient, KindEmbedderUnavailable:
		return http.StatusServiceUnavailable
	case KindRemoteFatal:
		return http.StatusBadGateway
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
