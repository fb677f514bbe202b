package common

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is an error the API can render directly: a stable code, a
// message safe to show a till operator and optional structured details.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    map[string]any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Status returns the HTTP status, defaulting to 500.
func (e *AppError) Status() int {
	if e == nil || e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

// With sets a detail field and returns e for chaining.
func (e *AppError) With(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// AsAppError finds the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	_, ok := AsAppError(err)
	return ok
}
