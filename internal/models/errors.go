package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced job or work item is missing.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for updates against already-terminal records.
var ErrConflict = errors.New("conflict")

// ErrNoWork is returned by the dispatcher when a service has nothing ready.
var ErrNoWork = errors.New("no work available")

// IllegalStateTransitionError reports a status change the transition table
// forbids. The job is left unchanged.
type IllegalStateTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("job %s cannot transition from %s to %s", e.JobID, e.From, e.To)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
