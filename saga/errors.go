package saga

import (
	"errors"
	"fmt"
)

// Classification is the wire-level error taxonomy of §7: every error that
// escapes a dispatch is reduced to one of these before the worker decides to
// retry, dead-letter, or drop.
type Classification string

const (
	// Transient errors are retried per the worker's retry policy (network,
	// timeout, store contention, or an explicit Transient marker).
	Transient Classification = "Transient"
	// Permanent errors go straight to DLQ on first occurrence (validation,
	// unrecoverable serialization, schema mismatch).
	Permanent Classification = "Permanent"
	// Conflict is an optimistic-concurrency collision; always retried.
	Conflict Classification = "Conflict"
	// Validation is a specialization of Permanent surfaced separately so
	// DLQ headers can distinguish "bad input" from "broken invariant".
	Validation Classification = "Validation"
)

// ErrorCode identifies the kind of saga-engine error, independent of the
// wire-level Classification (which governs worker behavior, not identity).
type ErrorCode string

const (
	ErrCodeNotFound         ErrorCode = "SAGA_NOT_FOUND"
	ErrCodeDuplicateKey     ErrorCode = "SAGA_DUPLICATE_KEY"
	ErrCodeConflict         ErrorCode = "SAGA_CONFLICT"
	ErrCodeAlreadyCompleted ErrorCode = "SAGA_ALREADY_COMPLETED"
	ErrCodeCorrelation      ErrorCode = "SAGA_CORRELATION_FAILED"
	ErrCodeValidation       ErrorCode = "SAGA_VALIDATION"
	ErrCodeBuild            ErrorCode = "SAGA_BUILD_ERROR"
	ErrCodeTimeoutBounds    ErrorCode = "SAGA_TIMEOUT_BOUNDS"
	ErrCodeStore            ErrorCode = "SAGA_STORE_ERROR"
	ErrCodeTransport        ErrorCode = "SAGA_TRANSPORT_ERROR"
)

// SagaError is the engine's structured error type. It mirrors the teacher's
// sentinel-error-with-factory-constructor style (patterns/saga/errors.go):
// a fixed set of codes, factory constructors that attach context, and
// errors.Is matching purely on Code.
type SagaError struct {
	Code          ErrorCode
	Classify      Classification
	Message       string
	SagaName      string
	SagaID        string
	CorrelationID string
	Cause         error
}

func (e *SagaError) Error() string {
	base := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.SagaName != "" {
		base += fmt.Sprintf(" (saga=%s", e.SagaName)
		if e.SagaID != "" {
			base += fmt.Sprintf(" id=%s", e.SagaID)
		}
		if e.CorrelationID != "" {
			base += fmt.Sprintf(" correlation=%s", e.CorrelationID)
		}
		base += ")"
	}
	if e.Cause != nil {
		base += fmt.Sprintf(": %v", e.Cause)
	}
	return base
}

func (e *SagaError) Unwrap() error { return e.Cause }

// Is implements errors.Is by comparing Code only, matching the teacher's
// sentinel-error convention.
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	// ErrNotFound is returned by Store.GetByID/GetByCorrelationID when no
	// row exists, and used as a sentinel for errors.Is comparisons.
	ErrNotFound = &SagaError{Code: ErrCodeNotFound, Classify: Permanent, Message: "saga state not found"}
	// ErrDuplicateKey is returned by Store.Insert when (sagaName, sagaID) or
	// (sagaName, correlationID) already exists.
	ErrDuplicateKey = &SagaError{Code: ErrCodeDuplicateKey, Classify: Permanent, Message: "saga state already exists"}
)

// NewConflictError builds the §4.6 ConflictError carrying the mismatch.
func NewConflictError(sagaName, sagaID string, expected int, actual *int) *SagaError {
	msg := fmt.Sprintf("expected version %d", expected)
	if actual != nil {
		msg += fmt.Sprintf(", stored version %d", *actual)
	}
	return &SagaError{
		Code:     ErrCodeConflict,
		Classify: Conflict,
		Message:  msg,
		SagaName: sagaName,
		SagaID:   sagaID,
	}
}

// NewNotFoundError attaches saga/correlation context to ErrNotFound.
func NewNotFoundError(sagaName, sagaID, correlationID string) *SagaError {
	return &SagaError{
		Code:          ErrCodeNotFound,
		Classify:      Permanent,
		Message:       "saga state not found",
		SagaName:      sagaName,
		SagaID:        sagaID,
		CorrelationID: correlationID,
	}
}

// NewDuplicateKeyError attaches context to ErrDuplicateKey.
func NewDuplicateKeyError(sagaName, sagaID, correlationID string) *SagaError {
	return &SagaError{
		Code:          ErrCodeDuplicateKey,
		Classify:      Permanent,
		Message:       "saga state already exists",
		SagaName:      sagaName,
		SagaID:        sagaID,
		CorrelationID: correlationID,
	}
}

// NewValidationError builds a Validation-classified error, e.g. a timeout
// duration outside [minTimeoutMs, maxTimeoutMs] (§3 Invariant 6).
func NewValidationError(sagaName, message string) *SagaError {
	return &SagaError{
		Code:     ErrCodeValidation,
		Classify: Validation,
		Message:  message,
		SagaName: sagaName,
	}
}

// NewBuildError is raised by Builder.Build for configuration mistakes
// (missing name, no starting correlation, missing initial factory).
func NewBuildError(message string) *SagaError {
	return &SagaError{Code: ErrCodeBuild, Classify: Permanent, Message: message}
}

// NewCorrelationFailureError marks an envelope that could not be correlated
// to an existing or startable saga instance (§3 Invariant 4/5).
func NewCorrelationFailureError(sagaName, correlationID string) *SagaError {
	return &SagaError{
		Code:          ErrCodeCorrelation,
		Classify:      Permanent,
		Message:       "message cannot start or correlate to a saga instance",
		SagaName:      sagaName,
		CorrelationID: correlationID,
	}
}

// NewAlreadyCompletedError marks an envelope that correlated to a saga
// instance that has already completed. The orchestrator raises this instead
// of silently dropping the message so the worker's correlation-failure
// policy (drop vs. dlq) governs it the same way as an unstartable envelope
// (§4.2 step 4: "same policy as above").
func NewAlreadyCompletedError(sagaName, sagaID, correlationID string) *SagaError {
	return &SagaError{
		Code:          ErrCodeAlreadyCompleted,
		Classify:      Permanent,
		Message:       "message correlates to an already-completed saga instance",
		SagaName:      sagaName,
		SagaID:        sagaID,
		CorrelationID: correlationID,
	}
}

// NewStoreError wraps a low-level store failure, classified Transient per
// §7 ("Unclassified: default to Transient to fail safe").
func NewStoreError(sagaName string, cause error) *SagaError {
	return &SagaError{Code: ErrCodeStore, Classify: Transient, Message: "store operation failed", SagaName: sagaName, Cause: cause}
}

// NewTransportError wraps a low-level transport failure (Transient).
func NewTransportError(cause error) *SagaError {
	return &SagaError{Code: ErrCodeTransport, Classify: Transient, Message: "transport operation failed", Cause: cause}
}

// Classify reduces an arbitrary error into a Classification. A *SagaError
// carries its own classification; anything else defaults to Transient to
// fail safe, per §7.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}
	var se *SagaError
	if errors.As(err, &se) {
		return se.Classify
	}
	return Transient
}
