package saga

import (
	"context"
	"errors"
	"fmt"
)

// ClassifiedError is the only error shape executors return. The
// orchestrator branches on Retryable.
type ClassifiedError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", kind, e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Fatal builds a non-retryable error.
func Fatal(code, message string) *ClassifiedError {
	return &ClassifiedError{Code: code, Message: message}
}

// Retryable builds a transient error wrapping cause.
func Retryable(code string, cause error) *ClassifiedError {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &ClassifiedError{Code: code, Message: msg, Retryable: true, Err: cause}
}

// Classify returns err as a ClassifiedError. Unclassified errors are
// treated as transient, except context cancellation which is final.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{Code: "canceled", Message: err.Error(), Err: err}
	}
	return &ClassifiedError{Code: "unclassified", Message: err.Error(), Retryable: true, Err: err}
}

// Error types reported by executor functions deployed behind a state machine.
const (
	RetryableErrorType = "Saga.Retryable"
	FatalErrorType     = "Saga.Fatal"
)

// ErrorType returns the state machine error type for err.
func ErrorType(err error) string {
	if IsRetryable(err) {
		return RetryableErrorType
	}
	return FatalErrorType
}

// IsRetryable reports whether err is a transient executor failure.
func IsRetryable(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Retryable
}

var (
	// ErrOperationInProgress is returned while another attempt holds the
	// idempotency lease for the same operation.
	ErrOperationInProgress = &ClassifiedError{
		Code:      "operation_in_progress",
		Message:   "another attempt of this operation is running",
		Retryable: true,
	}

	ErrExecutionNotFound = errors.New("execution not found")
	// ErrInvalidToken is returned for task tokens that do not belong to a
	// waiting execution.
	ErrInvalidToken = errors.New("invalid task token")
	// ErrTaskTimedOut is returned when a task token is used after its
	// callback deadline or after the step already resumed.
	ErrTaskTimedOut = errors.New("task timed out")
	// ErrVersionConflict means another writer advanced the execution first.
	ErrVersionConflict = errors.New("execution version conflict")
	// ErrExecutionBusy means a step is still held by another driver; the
	// execution should be resumed later.
	ErrExecutionBusy = errors.New("execution busy")
)
