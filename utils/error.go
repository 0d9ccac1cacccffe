package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared by the mutation core and the HTTP surface.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeBadRequest      = "BAD_REQUEST"
	CodeInternalError   = "INTERNAL_ERROR"
)

// AppError is a categorized error. Err keeps the underlying cause so that
// errors.As can still reach driver level errors through it.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) Wrap(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus maps the error code to a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidationError, CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func NewAppError(code string, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func ErrValidation(format string, args ...any) *AppError {
	return NewAppError(CodeValidationError, fmt.Sprintf(format, args...))
}

func ErrNotFound(format string, args ...any) *AppError {
	return NewAppError(CodeNotFound, fmt.Sprintf(format, args...))
}

func ErrConflict(format string, args ...any) *AppError {
	return NewAppError(CodeConflict, fmt.Sprintf(format, args...))
}

func ErrBadRequest(format string, args ...any) *AppError {
	return NewAppError(CodeBadRequest, fmt.Sprintf(format, args...))
}

func ErrInternal(message string) *AppError {
	if message == "" {
		message = "an internal error occurred"
	}
	return NewAppError(CodeInternalError, message)
}

// AsAppError returns the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
