// Package apperr defines the error taxonomy shared by the persistence core,
// the HTTP transport and the autosave client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, transport-safe error code.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"            // 404
	CodeConflictInProgress Code = "CONFLICT_IN_PROGRESS" // 409
	CodeTransientIO        Code = "TRANSIENT_IO"         // 503
	CodeOffline            Code = "OFFLINE"              // no response at all
	CodeValidation         Code = "VALIDATION"           // 400
	CodeInternal           Code = "INTERNAL"             // 500
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflictInProgress = errors.New("save already in progress")
	ErrTransientIO        = errors.New("transient i/o failure")
	ErrOffline            = errors.New("persistence unreachable")
	ErrValidation         = errors.New("validation failed")
)

// Error carries a code and an HTTP status alongside the wrapped cause.
type Error struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel that corresponds to the error's code. Offline
// errors are also transient.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrConflictInProgress:
		return e.Code == CodeConflictInProgress
	case ErrTransientIO:
		return e.Code == CodeTransientIO || e.Code == CodeOffline
	case ErrOffline:
		return e.Code == CodeOffline
	case ErrValidation:
		return e.Code == CodeValidation
	}
	return false
}

// NotFound reports a missing note, or one owned by someone else.
func NotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: what + " not found"}
}

// ConflictInProgress reports a concurrent autosave collision for key.
func ConflictInProgress(key string) *Error {
	return &Error{
		Code:    CodeConflictInProgress,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("autosave already in progress for %s", key),
	}
}

// Transient wraps a storage, database or network failure that is worth retrying.
// A nil err yields nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeTransientIO, Status: http.StatusServiceUnavailable, Err: err}
}

// Offline wraps a failure to reach the persistence boundary at all.
func Offline(err error) error {
	return &Error{Code: CodeOffline, Status: http.StatusServiceUnavailable, Err: err}
}

// Validation reports a malformed payload.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: msg}
}

// ValidationErr wraps a validator error (e.g. ozzo-validation Errors).
func ValidationErr(err error) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Err: err}
}

// IsTransient reports whether err is worth retrying after a backoff.
// ConflictInProgress counts: the competing save settles soon.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrConflictInProgress)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflictInProgress):
		return CodeConflictInProgress
	case errors.Is(err, ErrOffline):
		return CodeOffline
	case errors.Is(err, ErrTransientIO):
		return CodeTransientIO
	case errors.Is(err, ErrValidation):
		return CodeValidation
	}
	return CodeInternal
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflictInProgress:
		return http.StatusConflict
	case CodeTransientIO, CodeOffline:
		return http.StatusServiceUnavailable
	case CodeValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// FromCode rebuilds an error received over the wire.
func FromCode(code Code, status int, msg string) *Error {
	if code == "" {
		switch {
		case status == http.StatusNotFound:
			code = CodeNotFound
		case status == http.StatusConflict:
			code = CodeConflictInProgress
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
			code = CodeValidation
		case status == http.StatusTooManyRequests || status >= 500:
			code = CodeTransientIO
		default:
			code = CodeInternal
		}
	}
	return &Error{Code: code, Status: status, Message: msg}
}
