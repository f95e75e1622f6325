// -----------------------------------------------------------------------
// Job - persistent state for one user request and its status machine
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusPaused             JobStatus = "paused"
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
)

// terminalJobStatuses are absorbing: no transition leaves them.
var terminalJobStatuses = map[JobStatus]bool{
	JobStatusSuccessful:         true,
	JobStatusFailed:             true,
	JobStatusCanceled:           true,
	JobStatusCompleteWithErrors: true,
}

// validJobTransitions is the complete status-transition table. Any attempt
// not listed here is an illegal state transition.
var validJobTransitions = map[JobStatus][]JobStatus{
	JobStatusAccepted:          {JobStatusPreviewing, JobStatusRunning, JobStatusFailed, JobStatusCanceled},
	JobStatusPreviewing:        {JobStatusPaused, JobStatusRunning, JobStatusFailed, JobStatusCanceled},
	JobStatusPaused:            {JobStatusRunning, JobStatusCanceled},
	JobStatusRunning:           {JobStatusRunningWithErrors, JobStatusPaused, JobStatusSuccessful, JobStatusFailed, JobStatusCanceled},
	JobStatusRunningWithErrors: {JobStatusCompleteWithErrors, JobStatusFailed, JobStatusCanceled},
}

// IsTerminal returns true if the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return terminalJobStatuses[s]
}

// CanTransitionTo reports whether the status machine allows moving to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range validJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DefaultStatusMessage returns the message applied when a caller changes a
// job's status without supplying one. The admin flag selects the
// admin-surface cancellation message.
func DefaultStatusMessage(status JobStatus, admin bool) string {
	switch status {
	case JobStatusAccepted:
		return "The job has been submitted and is pending processing"
	case JobStatusPreviewing:
		return "The job is generating a preview before auto-pausing"
	case JobStatusPaused:
		return "The job is paused and may be resumed"
	case JobStatusRunning:
		return "The job is being processed"
	case JobStatusRunningWithErrors:
		return "The job is being processed, but some items have failed"
	case JobStatusSuccessful:
		return "The job has completed successfully"
	case JobStatusCompleteWithErrors:
		return "The job has completed with errors. See the errors field for more details"
	case JobStatusFailed:
		return "The job failed with an unknown error"
	case JobStatusCanceled:
		if admin {
			return "Canceled by admin"
		}
		return "Canceled by user"
	}
	return ""
}

// Transition moves the job to the next status if the transition table
// allows it, applying the default message when none is given. Completion
// statuses force progress to 100.
func (j *Job) Transition(next JobStatus, message string, admin bool) error {
	if !j.Status.CanTransitionTo(next) {
		return &IllegalStateTransitionError{JobID: j.ID, From: j.Status, To: next}
	}
	j.Status = next
	if message == "" {
		message = DefaultStatusMessage(next, admin)
	}
	j.Message = message
	if next == JobStatusSuccessful || next == JobStatusCompleteWithErrors {
		j.Progress = 100
	}
	return nil
}

// ErrorCategory classifies a per-granule job error.
type ErrorCategory string

const (
	ErrorCategoryError   ErrorCategory = "error"
	ErrorCategoryWarning ErrorCategory = "warning"
)

// JobLink is a related link attached to a job (data results, STAC entries).
type JobLink struct {
	ID        int64     `json:"-"`
	JobID     string    `json:"-"`
	Href      string    `json:"href"`
	Title     string    `json:"title,omitempty"`
	Rel       string    `json:"rel,omitempty"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"-"`
}

// JobError records one per-granule error or warning for a job.
type JobError struct {
	ID        int64         `json:"-"`
	JobID     string        `json:"-"`
	URL       string        `json:"url"`
	Message   string        `json:"message"`
	Category  ErrorCategory `json:"category"`
	CreatedAt time.Time     `json:"-"`
}

// Job represents one user request with a lifecycle and status.
type Job struct {
	ID               string    `json:"jobID"`
	Username         string    `json:"username"`
	RequestURL       string    `json:"request"`
	Message          string    `json:"message,omitempty"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	IgnoreErrors     bool      `json:"ignoreErrors"`
	NumInputGranules int       `json:"numInputGranules"`
	IsAsync          bool      `json:"isAsync"`
	CollectionIDs    []string  `json:"collectionIds,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Embedded on fetch, not persisted on the jobs row itself.
	Links    []JobLink  `json:"links,omitempty"`
	Errors   []JobError `json:"errors,omitempty"`
	Warnings []JobError `json:"warnings,omitempty"`
}

// NewJob creates a job in the accepted state.
func NewJob(username, requestURL string, ignoreErrors bool, numInputGranules int) *Job {
	now := time.Now()
	return &Job{
		ID:               uuid.New().String(),
		Username:         username,
		RequestURL:       requestURL,
		Status:           JobStatusAccepted,
		Message:          DefaultStatusMessage(JobStatusAccepted, false),
		Progress:         0,
		IgnoreErrors:     ignoreErrors,
		NumInputGranules: numInputGranules,
		IsAsync:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks required job fields.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Username == "" {
		return fmt.Errorf("job username is required")
	}
	if j.Progress < 0 || j.Progress > 100 {
		return &ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	return nil
}
