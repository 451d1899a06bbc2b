package errors

import (
	"context"
	"fmt"
	"runtime"

	"sagaflow/logging"
)

// Wrap attaches a code and message to err without logging. Use at a
// package boundary where the caller adds business context.
func Wrap(_ context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return WrapError(err, code, msg)
}

// WrapWithLog wraps err and emits a warning log immediately, for errors
// that must be visible as soon as they occur.
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)
	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// New creates an error carrying the caller's file:line, for configuration
// and builder-misuse errors raised directly rather than wrapped from a
// lower-level cause.
func New(code ErrorCode, msg string) error {
	_, file, line, _ := runtime.Caller(1)
	enhancedMsg := fmt.Sprintf("%s (location: %s:%d)", msg, file, line)
	return NewError(code, enhancedMsg)
}

// WrapDbError wraps a store-layer failure, mapping a not-found cause
// straight through instead of logging it as a warning.
func WrapDbError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return WrapError(err, ErrCodeNotFound, operation)
	}
	return WrapWithLog(ctx, err, ErrCodeInternal,
		fmt.Sprintf("store operation failed: %s", operation),
		logging.String("operation", operation),
	)
}
