// Package errors is the ambient/programmer error taxonomy: bad
// configuration, builder misuse, malformed input caught before anything
// touches a wire. It is distinct from saga.Classification/saga.SagaError,
// which classify errors that escape a dispatch and drive worker retry/DLQ
// behavior. Adapted from the teacher's errors package, trimmed to the
// codes this module's ambient/config-validation call sites actually use.
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode identifies the kind of ambient error.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
)

// IError is the ambient error interface: a code, a message, an optional
// cause, structured details, and a captured stack.
type IError interface {
	error

	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any
	Stack() string
	Is(target error) bool

	Wrap(msg string) IError
	WithDetails(details map[string]any) IError
	WithContext(key string, value any) IError
}

// AppError is the concrete IError implementation.
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

func NewError(code ErrorCode, message string) IError {
	return &AppError{code: code, message: message, details: make(map[string]any), stack: captureStack()}
}

func NewErrorWithCause(code ErrorCode, message string, cause error) IError {
	return &AppError{code: code, message: message, cause: cause, details: make(map[string]any), stack: captureStack()}
}

func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: message, cause: err, details: make(map[string]any), stack: captureStack()}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Cause() error    { return e.cause }
func (e *AppError) Stack() string   { return e.stack }

// Details returns a copy, so callers can't mutate internal state through it.
func (e *AppError) Details() map[string]any { return copyMap(e.details) }

func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}
	return false
}

func (e *AppError) Unwrap() error { return e.cause }

func (e *AppError) Wrap(msg string) IError {
	return &AppError{code: e.code, message: fmt.Sprintf("%s: %s", msg, e.message), cause: e, details: copyMap(e.details), stack: captureStack()}
}

func (e *AppError) WithDetails(details map[string]any) IError {
	newDetails := copyMap(e.details)
	for k, v := range details {
		newDetails[k] = v
	}
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: newDetails, stack: e.stack}
}

func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: newDetails, stack: e.stack}
}

// Sentinel errors, for errors.Is comparisons only — they carry no stack.
// Business code should use the NewXxxError factories for that.
var (
	errInternal     = &AppError{code: ErrCodeInternal, message: "internal error"}
	errInvalidInput = &AppError{code: ErrCodeInvalidInput, message: "invalid input"}
	errNotFound     = &AppError{code: ErrCodeNotFound, message: "not found"}
	errConflict     = &AppError{code: ErrCodeConflict, message: "conflict"}
	errTimeout      = &AppError{code: ErrCodeTimeout, message: "operation timed out"}
	errValidation   = &AppError{code: ErrCodeValidation, message: "validation failed"}
)

func ErrInternal() *AppError     { return errInternal }
func ErrInvalidInput() *AppError { return errInvalidInput }
func ErrNotFound() *AppError     { return errNotFound }
func ErrConflict() *AppError     { return errConflict }
func ErrTimeout() *AppError      { return errTimeout }
func ErrValidation() *AppError   { return errValidation }

func NewInternalError(message string) IError     { return NewError(ErrCodeInternal, message) }
func NewInvalidInputError(message string) IError { return NewError(ErrCodeInvalidInput, message) }
func NewNotFoundError(message string) IError     { return NewError(ErrCodeNotFound, message) }
func NewConflictError(message string) IError     { return NewError(ErrCodeConflict, message) }
func NewTimeoutError(message string) IError      { return NewError(ErrCodeTimeout, message) }
func NewValidationError(message string) IError   { return NewError(ErrCodeValidation, message) }

func IsNotFound(err error) bool   { return IsErrorCode(err, ErrCodeNotFound) }
func IsValidation(err error) bool { return IsErrorCode(err, ErrCodeValidation) }
func IsConflict(err error) bool   { return IsErrorCode(err, ErrCodeConflict) }

func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}
	return false
}

func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return builder.String()
}

func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return make(map[string]any)
	}
	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
