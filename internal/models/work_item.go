// -----------------------------------------------------------------------
// WorkItem - one executable unit for one step of one job
// -----------------------------------------------------------------------

package models

import "time"

// WorkItemStatus is the lifecycle state of a WorkItem.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusWarning    WorkItemStatus = "warning"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// terminalWorkItemStatuses are final for an item; further updates are
// conflicts. A failed item re-enters ready only through the explicit retry
// path, which happens before the failure is committed as terminal.
var terminalWorkItemStatuses = map[WorkItemStatus]bool{
	WorkItemStatusSuccessful: true,
	WorkItemStatusWarning:    true,
	WorkItemStatusFailed:     true,
	WorkItemStatusCanceled:   true,
}

// IsTerminal returns true if no further updates are accepted for the status.
func (s WorkItemStatus) IsTerminal() bool {
	return terminalWorkItemStatuses[s]
}

// ActiveWorkItemStatuses are the statuses an item can hold while its job is
// still making progress.
var ActiveWorkItemStatuses = []WorkItemStatus{
	WorkItemStatusReady, WorkItemStatusQueued, WorkItemStatusRunning,
}

// WorkItem is one unit of work for one step of one job. Inputs holds the
// catalog URIs the item operates on; Results holds the catalogs it produced.
type WorkItem struct {
	ID              int64          `json:"id"`
	JobID           string         `json:"jobID"`
	StepIndex       int            `json:"workflowStepIndex"`
	ServiceID       string         `json:"serviceID"`
	Status          WorkItemStatus `json:"status"`
	ScrollID        string         `json:"scrollID,omitempty"`
	Message         string         `json:"message,omitempty"`
	RetryCount      int            `json:"retryCount"`
	TotalItemsSize  int64          `json:"totalItemsSize"`
	DurationMs      int64          `json:"duration"`
	SortIndex       int            `json:"sortIndex"`
	Inputs          []string       `json:"inputs,omitempty"`
	Results         []string       `json:"results,omitempty"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// NewWorkItem creates a ready work item for a job step.
func NewWorkItem(jobID string, stepIndex int, serviceID string) *WorkItem {
	now := time.Now()
	return &WorkItem{
		JobID:     jobID,
		StepIndex: stepIndex,
		ServiceID: serviceID,
		Status:    WorkItemStatusReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
