// Package apierr implements the error taxonomy of the access-control plane
// and the single boundary function that maps it to HTTP. Handlers never
// write status codes themselves; they return an error and let Translate
// decide in one place.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a taxonomy entry independent of its message text.
type Code string

const (
	CodeAuthMissing          Code = "AuthMissing"
	CodeAuthInvalid          Code = "AuthInvalid"
	CodeAuthExpired          Code = "AuthExpired"
	CodeAuthzDenied          Code = "AuthzDenied"
	CodeInvariantViolation   Code = "InvariantViolation"
	CodeIdentifierInvalid    Code = "IdentifierInvalid"
	CodeParameterInvalid     Code = "ParameterInvalid"
	CodeMissingWhereClause   Code = "MissingWhereClause"
	CodeBlockedSQL           Code = "BlockedSQL"
	CodeNotReadOnly          Code = "NotReadOnly"
	CodeNotFound             Code = "NotFound"
	CodeConflict             Code = "Conflict"
	CodeQueryTimeout         Code = "QueryTimeout"
	CodeCredentialUnreadable Code = "CredentialUnreadable"
	CodeTargetError          Code = "TargetError"
	CodeCatalogError         Code = "CatalogError"
)

var statusByCode = map[Code]int{
	CodeAuthMissing:          http.StatusUnauthorized,
	CodeAuthInvalid:          http.StatusUnauthorized,
	CodeAuthExpired:          http.StatusUnauthorized,
	CodeAuthzDenied:          http.StatusForbidden,
	CodeInvariantViolation:   http.StatusForbidden,
	CodeIdentifierInvalid:    http.StatusBadRequest,
	CodeParameterInvalid:     http.StatusBadRequest,
	CodeMissingWhereClause:   http.StatusBadRequest,
	CodeBlockedSQL:           http.StatusBadRequest,
	CodeNotReadOnly:          http.StatusBadRequest,
	CodeNotFound:             http.StatusNotFound,
	CodeConflict:             http.StatusBadRequest,
	CodeQueryTimeout:         http.StatusRequestTimeout,
	CodeCredentialUnreadable: http.StatusInternalServerError,
	CodeTargetError:          http.StatusInternalServerError,
	CodeCatalogError:         http.StatusInternalServerError,
}

// Error is the concrete type every component returns for a taxonomy-mapped
// failure. It implements the standard error interface.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a tagged Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields (e.g. a parameter index) to
// an existing Error and returns it for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Status returns the HTTP status code a Code maps to, defaulting to 500 for
// an unrecognized code (should not happen for values constructed via New).
func Status(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Response is the JSON body shape for a failed request, matching the
// response envelope's error arm.
type Response struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Translate maps any error to an HTTP status and response body. Unrecognized
// errors are folded into CatalogError so that no handler ever leaks an
// untyped 500 without the standard envelope shape.
func Translate(err error) (int, Response) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return Status(apiErr.Code), Response{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
		}
	}
	return http.StatusInternalServerError, Response{
		Code:    CodeCatalogError,
		Message: err.Error(),
	}
}
