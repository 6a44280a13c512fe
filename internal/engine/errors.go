package engine

import (
	"errors"
	"fmt"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// ErrStopped is returned by Submit once Shutdown was requested.
var ErrStopped = errors.New("engine stopped")

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("engine already running")

// Stage names a pipeline step in StageError.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageExtract   Stage = "extract"
	StageValidate  Stage = "validate"
	StageResolve   Stage = "resolve"
	StageVersion   Stage = "version"
	StageApply     Stage = "apply"
	StageCommit    Stage = "commit"
)

// StageError records which pipeline stage failed for an event.
//
// StageError wraps the underlying cause, so the ir classification
// helpers (IsTransient, IsPermanent) see through it.
type StageError struct {
	// Stage identifies the failing step.
	Stage Stage

	// EventID identifies the event being processed.
	EventID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s (event=%s): %v", e.Stage, e.EventID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError is a recovered panic from a pipeline stage. It is retried
// like a transient failure.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in pipeline: %v", e.Value)
}

// IsPanic returns true if the error is a recovered panic.
// Uses errors.As to handle wrapped errors.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// retryable reports whether a failed event may be tried again. Only
// validation failures are final.
func retryable(err error) bool {
	return !ir.IsPermanent(err)
}
