// Package rpcerrors provides the typed error taxonomy shared by every RPC
// surface in the graph identity and mutation core, modeled on the service
// layer's own ServiceError convention: a stable Code, a human message, an
// HTTP status for the wire, and an optional wrapped cause.
package rpcerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the taxonomy's fixed error kinds, surfaced verbatim in
// responses.
type Code string

const (
	// InvalidArgument is malformed input: a missing required property, an
	// unknown node_type, and the like.
	InvalidArgument Code = "INVALID_ARGUMENT"
	// Unauthorized means the tenant header was missing or not permitted.
	Unauthorized Code = "UNAUTHORIZED"
	// UnknownTenant means the tenant has no keyspace yet.
	UnknownTenant Code = "UNKNOWN_TENANT"
	// Conflict means a uniqueness or version check failed; retry.
	Conflict Code = "CONFLICT"
	// Unavailable is a transient store or downstream outage; retryable.
	Unavailable Code = "UNAVAILABLE"
	// QueryBounded means a query exceeded a configured resource cap.
	QueryBounded Code = "QUERY_BOUNDED"
	// Internal is a bug or corrupted invariant.
	Internal Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	InvalidArgument: http.StatusBadRequest,
	Unauthorized:    http.StatusUnauthorized,
	UnknownTenant:   http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Unavailable:     http.StatusServiceUnavailable,
	QueryBounded:    http.StatusUnprocessableEntity,
	Internal:        http.StatusInternalServerError,
}

// HTTPStatus maps a Code to the status code the RPC transport should use.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether callers should retry errors of this code.
func (c Code) Retryable() bool {
	return c == Unavailable || c == Conflict
}

// Error is a structured error carrying a stable Code alongside a message and
// optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to Internal for errors that
// were not produced by this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Retryable reports whether err's code should be retried by a client.
func Retryable(err error) bool {
	return CodeOf(err).Retryable()
}
