package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes pipeline errors.
type ErrorCode string

const (
	// ErrCodeBackpressure indicates the event buffer was full. The caller
	// must retry or slow down; nothing was lost.
	ErrCodeBackpressure ErrorCode = "BACKPRESSURE"

	// ErrCodeTransientStore indicates a network or timeout failure on a
	// store write. Retried with backoff.
	ErrCodeTransientStore ErrorCode = "TRANSIENT_STORE"

	// ErrCodePermanentValidation indicates a malformed payload. Sent to the
	// dead-letter sink without retry.
	ErrCodePermanentValidation ErrorCode = "PERMANENT_VALIDATION"

	// ErrCodeUnresolvedConflict marks a conflict left for manual review.
	// It is a warning: the pipeline proceeds with a provisional value.
	ErrCodeUnresolvedConflict ErrorCode = "UNRESOLVED_CONFLICT"
)

// PipelineError is an error raised by a pipeline stage.
//
// PipelineError includes structured fields for diagnostics and for the
// retry decision taken by the worker pool.
type PipelineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RecordID identifies the affected record, if known.
	RecordID string

	// EventID identifies the triggering event, if known.
	EventID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RecordID != "" {
		msg += fmt.Sprintf(" (record=%s)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewBackpressureError creates a PipelineError for a rejected submission.
func NewBackpressureError(ev ChangeEvent) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeBackpressure,
		Message:  "event buffer full",
		RecordID: ev.RecordID,
		EventID:  ev.EventID,
	}
}

// NewTransientStoreError wraps a retryable store failure.
func NewTransientStoreError(store, recordID string, err error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeTransientStore,
		Message:  store + " write failed",
		RecordID: recordID,
		Err:      err,
	}
}

// NewValidationError creates a PipelineError for a malformed event.
func NewValidationError(recordID, format string, args ...any) *PipelineError {
	return &PipelineError{
		Code:     ErrCodePermanentValidation,
		Message:  fmt.Sprintf(format, args...),
		RecordID: recordID,
	}
}

// NewUnresolvedConflictWarning describes a conflict left for review.
func NewUnresolvedConflictWarning(c ConflictRecord) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeUnresolvedConflict,
		Message:  fmt.Sprintf("field %q awaits manual review (conflict=%s)", c.FieldName, c.ConflictID),
		RecordID: c.RecordID,
		EventID:  c.EventID,
	}
}

// CodeOf returns the code of the first PipelineError in err's chain.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) (ErrorCode, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// IsBackpressure returns true if err is a backpressure rejection.
func IsBackpressure(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeBackpressure
}

// IsTransient returns true if err is a retryable store failure.
func IsTransient(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeTransientStore
}

// IsPermanent returns true if err must not be retried.
func IsPermanent(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodePermanentValidation
}
