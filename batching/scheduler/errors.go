package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCancelled resolves a request removed from its batch before the batch was sealed.
	ErrCancelled = errors.New("request cancelled before its batch was sealed")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("scheduler is closed")
	// ErrQueueFull is returned by Submit when MaxQueuedBatches sealed batches are already waiting.
	ErrQueueFull = errors.New("too many batches waiting for the detector")
	// ErrPending is returned by Request.Result before the request has resolved.
	ErrPending = errors.New("request has not resolved yet")
)

// ValidationError rejects an item before it can join a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid item %s: %s", e.Field, e.Reason)
}

// DetectorError is shared by every request of a batch whose detector call failed.
type DetectorError struct {
	BatchID uint64
	Size    int
	Err     error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector failed on batch %d of %d items: %v", e.BatchID, e.Size, e.Err)
}

// Unwrap returns the detector's own error.
func (e *DetectorError) Unwrap() error {
	return e.Err
}

// Cause returns the detector's own error for github.com/pkg/errors.Cause.
func (e *DetectorError) Cause() error {
	return e.Err
}

// IsDetectorError reports whether err is or wraps a *DetectorError.
func IsDetectorError(err error) bool {
	var target *DetectorError
	return errors.As(err, &target)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
