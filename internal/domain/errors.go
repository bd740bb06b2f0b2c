package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQueueUnavailable is returned when the durable queue backend cannot be reached
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrJobNotFound is returned when a job cannot be found
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a lease expired or was taken over before completion
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidPayload is returned when a job payload fails validation
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrRecordNotFound is returned when the owning record no longer exists
	ErrRecordNotFound = errors.New("record not found")

	// ErrTransitionRejected is returned when a merge would move processingStatus backwards
	ErrTransitionRejected = errors.New("processing status transition rejected")

	// ErrCancelled signals the record was cancelled; terminal, not a failure
	ErrCancelled = errors.New("processing cancelled")

	// ErrUnsupportedFormat signals there is nothing to convert; terminal, not a failure
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrAlreadyPending is returned by Enqueue when the record already has a
	// waiting, delayed or live active job
	ErrAlreadyPending = errors.New("record already has a pending job")

	// ErrNoConverter is returned when no converter is registered for a job type
	ErrNoConverter = errors.New("no converter registered for job type")
)

// SourceUnavailableError reports a missing or unreadable source file.
// It is retried within the budget since storage lag looks identical.
type SourceUnavailableError struct {
	Locator string
	Err     error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable (%s): %v", e.Locator, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// ConversionFailedError reports a conversion library error at a named stage
type ConversionFailedError struct {
	Stage string
	Err   error
}

func (e *ConversionFailedError) Error() string {
	return fmt.Sprintf("conversion failed at %s: %v", e.Stage, e.Err)
}

func (e *ConversionFailedError) Unwrap() error {
	return e.Err
}

// NewConversionFailed wraps err as a failure of stage
func NewConversionFailed(stage string, err error) error {
	return &ConversionFailedError{Stage: stage, Err: err}
}

// RetryableError wraps transient errors that should trigger a retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable decides whether a failed attempt may be retried within the budget
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrNoConverter) {
		return false
	}

	var sourceErr *SourceUnavailableError
	if errors.As(err, &sourceErr) {
		return true
	}

	var convErr *ConversionFailedError
	if errors.As(err, &convErr) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// lease deadline exceeded mid-conversion
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// IsNoop reports outcomes that end the job successfully without an artifact
func IsNoop(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrUnsupportedFormat)
}
