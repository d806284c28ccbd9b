package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across pipeline stages.
var (
	ErrThresholdExceeded = errors.New("failure threshold exceeded")
	ErrNoPosts           = errors.New("no posts found for execution")
	ErrUnknownSource     = errors.New("unknown source")
	ErrJobExpired        = errors.New("scoring job expired")
	ErrJobFailed         = errors.New("scoring job failed")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrJobNotFound       = errors.New("batch job not found")
	ErrInvalidScore      = errors.New("score out of range")
	ErrMixedExecutions   = errors.New("posts belong to different executions")
)

// StageError marks a fatal failure of one pipeline stage. The orchestration
// engine persists it and hands it to the failure reporter.
type StageError struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err as a fatal failure of the given stage.
func NewStageError(stage Stage, reason string, err error) *StageError {
	return &StageError{Stage: stage, Reason: reason, Err: err}
}

// transientError tags an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so retry policy treats it as recoverable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was tagged as retryable anywhere in its
// chain. Threshold breaches and contract violations are never transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
