package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by [Scheduler.Schedule] when a job with
	// the same ID is already pending.
	ErrDuplicateID = errors.New("job id already scheduled")

	// ErrNotFound is returned by [Scheduler.Cancel] when no pending job
	// matches the given ID.
	ErrNotFound = errors.New("job not found")

	// ErrStoreUnavailable wraps any failure of the underlying [Store].
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrHandlerFailure is matched by every [HandlerError].
	ErrHandlerFailure = errors.New("job handler failed")

	ErrNotReady    = errors.New("scheduler not ready")
	ErrStopped     = errors.New("scheduler stopped")
	ErrUnknownKind = errors.New("no handler registered for job kind")
	ErrInvalidJob  = errors.New("invalid job")
)

// HandlerError is reported when a job's handler returns an error or
// panics. The job has already been removed from the store at that point.
type HandlerError struct {
	Job Job
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s job %s: %v", e.Job.Kind, e.Job.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}
