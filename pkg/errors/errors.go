// Package errors provides the AppError taxonomy every component in the LFS
// core uses to carry an HTTP-shaped error category alongside its cause,
// rather than string-matching errors or relying on panics for control flow.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the categories named in the error handling design.
var (
	ErrInvalidOid         = errors.New("invalid oid")
	ErrInvalidAction      = errors.New("invalid action")
	ErrBadJSON            = errors.New("malformed json")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrBadPassword        = errors.New("bad password")
	ErrExpiredToken       = errors.New("token expired")
	ErrNoPrivilege        = errors.New("no privilege")
	ErrUnknownRepo        = errors.New("unknown repository")
	ErrBlobMissing        = errors.New("blob missing")
	ErrWrongMethod        = errors.New("method not allowed")
	ErrUnsupportedMedia   = errors.New("unsupported media type")
	ErrUnknownOperation   = errors.New("unknown operation")
)

// ErrorCode is the HTTP-shaped status category an AppError carries.
type ErrorCode int

const (
	CodeBadRequest          ErrorCode = http.StatusBadRequest
	CodeUnauthorized        ErrorCode = http.StatusUnauthorized
	CodeForbidden           ErrorCode = http.StatusForbidden
	CodeNotFound            ErrorCode = http.StatusNotFound
	CodeMethodNotAllowed    ErrorCode = http.StatusMethodNotAllowed
	CodeNotAcceptable       ErrorCode = http.StatusNotAcceptable
	CodeUnprocessableEntity ErrorCode = http.StatusUnprocessableEntity
	CodeInternalServerError ErrorCode = http.StatusInternalServerError
	CodeNotImplemented      ErrorCode = http.StatusNotImplemented
)

// AppError represents an application-level error with an HTTP-shaped code
// and an optional wrapped cause. Handlers classify through this type instead
// of inspecting error strings.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for comparison against sentinel errors
func (e *AppError) Is(target error) bool {
	if e.Err != nil {
		return errors.Is(e.Err, target)
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error
func (e *AppError) HTTPStatus() int {
	return int(e.Code)
}

// New creates a new AppError with the given code, message, and underlying error
func New(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Validation creates a 422 validation error
func Validation(message string, err error) *AppError {
	return New(CodeUnprocessableEntity, message, err)
}

// Unauthorized creates a 401 authentication error
func Unauthorized(message string, err error) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return New(CodeUnauthorized, message, err)
}

// Forbidden creates a 403 authorization error
func Forbidden(message string, err error) *AppError {
	if message == "" {
		message = "access denied"
	}
	return New(CodeForbidden, message, err)
}

// NotFound creates a 404 not-found error
func NotFound(resource string, err error) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), err)
}

// BadRequest creates a 400 bad-request error
func BadRequest(message string, err error) *AppError {
	if message == "" {
		message = "invalid request"
	}
	return New(CodeBadRequest, message, err)
}

// MethodNotAllowed creates a 405 error
func MethodNotAllowed(message string, err error) *AppError {
	return New(CodeMethodNotAllowed, message, err)
}

// NotAcceptable creates a 406 error
func NotAcceptable(message string, err error) *AppError {
	return New(CodeNotAcceptable, message, err)
}

// NotImplemented creates a 501 error
func NotImplemented(message string, err error) *AppError {
	return New(CodeNotImplemented, message, err)
}

// Internal creates a 500 internal-server error. The message returned to the
// client is always generic; callers log the wrapped err for diagnosis.
func Internal(err error) *AppError {
	return New(CodeInternalServerError, "an internal error occurred", err)
}

// IsNotFound reports whether err is or wraps a 404-class AppError
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsUnauthorized reports whether err is or wraps a 401-class AppError
func IsUnauthorized(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeUnauthorized
	}
	return false
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
