package oauth

import (
	"errors"
	"fmt"
)

// RFC 6749 error codes surfaced to clients.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidGrant         = "invalid_grant"
	CodeAccessDenied         = "access_denied"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeServerError          = "server_error"
)

// Error is a protocol-visible OAuth failure. Code is the machine-readable
// RFC 6749 error code; Description is safe to return to the client.
type Error struct {
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// WrapError attaches an underlying cause to a protocol error.
func WrapError(code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

// AsError extracts an *Error from err, or wraps err as a server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: CodeServerError, Description: "internal error", Err: err}
}

var (
	// ErrInvalidState rejects a callback whose state is missing, expired or reused.
	ErrInvalidState = NewError(CodeInvalidRequest, "invalid or expired state")

	// ErrAuthorizationDenied reports that the identity provider denied authorization.
	ErrAuthorizationDenied = NewError(CodeAccessDenied, "authorization denied by identity provider")
)
