package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrLeaseLost   = errors.New("job lease lost")
	ErrJobFinished = errors.New("job already finished")
	ErrJobState    = errors.New("job state does not allow this operation")
)

// JobTransition is applied to a running job by its lease owner.
type JobTransition struct {
	State        JobState
	AttemptCount int
	AvailableAt  time.Time
	NextRetryAt  *time.Time
	LastError    string
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}
