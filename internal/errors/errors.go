// Package errors provides the coded error type shared by the update engine.
//
// Codes follow the failure taxonomy of an update run: configuration and trust
// problems stop a run before any file is touched, integrity and filesystem
// problems abort a run in progress, and deferred-delete problems are reported
// only.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a failure category in a stable, testable way.
type Code string

const (
	ErrUnknown  Code = "UNKNOWN"
	ErrInternal Code = "INTERNAL"
	ErrUsage    Code = "USAGE"

	ErrConfigInvalid Code = "CONFIG_INVALID"
	ErrConfigLoad    Code = "CONFIG_LOAD"
	ErrArgument      Code = "ARGUMENT"

	ErrManifestParse Code = "MANIFEST_PARSE"
	ErrNoRelease     Code = "NO_RELEASE"

	ErrTrust     Code = "TRUST"
	ErrIntegrity Code = "INTEGRITY"

	ErrFilesystem    Code = "FILESYSTEM"
	ErrNotFound      Code = "NOT_FOUND"
	ErrAlreadyExists Code = "ALREADY_EXISTS"
	ErrPlanMismatch  Code = "PLAN_MISMATCH"

	ErrDeferredDelete Code = "DEFERRED_DELETE"
	ErrLocked         Code = "LOCKED"
	ErrExtract        Code = "EXTRACT"
	ErrTransport      Code = "TRANSPORT"
)

// Error is a coded error with optional details and a wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Details: map[string]any{}}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Details: map[string]any{}}
}

// Wrap returns nil when err is nil so it can wrap a call result directly.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Details: map[string]any{}, Wrapped: err}
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Details: map[string]any{}, Wrapped: err}
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// IsCode reports whether any error in the chain carries code.
func IsCode(err error, code Code) bool {
	var coded *Error
	for err != nil {
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Wrapped
	}
	return false
}

// CodeOf returns the outermost code in the chain, or ErrUnknown.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrUnknown
}

func DetailsOf(err error) map[string]any {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Details
	}
	return nil
}
