package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrLockConflict means a regeneration already holds the user's timeline lock
	ErrLockConflict = errors.New("timeline regeneration already in progress")

	// ErrJobAlreadyActive means the user already has a queued or running job
	ErrJobAlreadyActive = errors.New("timeline job already active")

	// ErrJobNotFound is returned for unknown or evicted job ids
	ErrJobNotFound = errors.New("timeline job not found")

	// ErrShuttingDown is returned for jobs submitted after Shutdown
	ErrShuttingDown = errors.New("timeline job service is shutting down")
)

// JobConflictError carries the id of the job that is already active for the user
type JobConflictError struct {
	UserID int64
	JobID  uuid.UUID
}

func (e *JobConflictError) Error() string {
	return fmt.Sprintf("user %d already has active timeline job %s", e.UserID, e.JobID)
}

// Is matches ErrJobAlreadyActive and ErrLockConflict
func (e *JobConflictError) Is(target error) bool {
	return target == ErrJobAlreadyActive || target == ErrLockConflict
}
