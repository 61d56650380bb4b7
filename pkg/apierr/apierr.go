// Package apierr defines the typed error kinds surfaced at the API
// boundary and their HTTP status mapping.
package apierr

import "net/http"

// Kind classifies an API-facing error.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindUnauthenticated     Kind = "Unauthenticated"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindInsufficientFunds   Kind = "InsufficientFunds"
	KindRateLimited         Kind = "RateLimited"
	KindInternal            Kind = "Internal"
)

// statusByKind maps each kind to its HTTP status code.
var statusByKind = map[Kind]int{
	KindInvalidRequest:   http.StatusBadRequest,
	KindUnauthenticated:  http.StatusUnauthorized,
	KindForbidden:        http.StatusForbidden,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindInsufficientFunds: http.StatusPaymentRequired,
	KindRateLimited:       http.StatusTooManyRequests,
	KindInternal:         http.StatusInternalServerError,
}

// Error is the typed error surfaced across the HTTP and node-channel
// boundary. Internal errors never leak ledger or invariant details; the
// Message for KindInternal should stay generic, with the cause logged
// server-side instead.
type Error struct {
	Kind    Kind              `json:"-"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithField attaches a field-level validation detail and returns the error
// for chaining.
func (e *Error) WithField(name, detail string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = detail
	return e
}

// Invalid is a convenience constructor for KindInvalidRequest.
func Invalid(message string) *Error { return New(KindInvalidRequest, message) }

// Unauthenticated is a convenience constructor for KindUnauthenticated.
func Unauthenticated(message string) *Error { return New(KindUnauthenticated, message) }

// Forbidden is a convenience constructor for KindForbidden.
func Forbidden(message string) *Error { return New(KindForbidden, message) }

// NotFound is a convenience constructor for KindNotFound.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Conflict is a convenience constructor for KindConflict.
func Conflict(message string) *Error { return New(KindConflict, message) }

// InsufficientFunds is a convenience constructor for KindInsufficientFunds.
func InsufficientFunds(message string) *Error { return New(KindInsufficientFunds, message) }

// Internal is a convenience constructor for KindInternal. The message
// should be generic; log the real cause separately.
func Internal(message string) *Error { return New(KindInternal, message) }

// RateLimited is a convenience constructor for KindRateLimited.
func RateLimited(message string) *Error { return New(KindRateLimited, message) }
