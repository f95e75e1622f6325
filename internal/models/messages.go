// -----------------------------------------------------------------------
// Queue message shapes - work delivery, status updates, scheduler signals
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// QueueMessage is one delivered message. Receipt identifies the delivery
// for acknowledgement; until deleted the message becomes visible again after
// the visibility timeout.
type QueueMessage struct {
	Receipt string `json:"receipt"`
	Body    []byte `json:"body"`
	GroupID string `json:"groupID,omitempty"`
}

// WorkMessage is what a polling service worker receives for one work item.
// Operation is the step's serialized work description with the item's own
// input catalogs spliced in.
type WorkMessage struct {
	WorkItem           *WorkItem       `json:"workItem"`
	Operation          json.RawMessage `json:"operation,omitempty"`
	MaxCatalogGranules int             `json:"maxCmrGranules,omitempty"`
}

// WorkQueueMessage is the minimal per-service queue body; the full
// WorkMessage is rebuilt from the database at delivery time so the worker
// always sees the freshest operation.
type WorkQueueMessage struct {
	WorkItemID int64  `json:"work_item_id"`
	JobID      string `json:"job_id"`
	ServiceID  string `json:"service_id"`
}

// SchedulerMessage signals that a service has ready work to fan out.
type SchedulerMessage struct {
	ServiceID string `json:"service_id"`
}

// WorkItemUpdate is one reported status change for a work item, consumed
// from the update queue with at-least-once delivery.
type WorkItemUpdate struct {
	WorkItemID      int64          `json:"workItemID" validate:"required"`
	Status          WorkItemStatus `json:"status" validate:"required,oneof=successful warning failed"`
	StepIndex       int            `json:"workflowStepIndex,omitempty"`
	Results         []string       `json:"results,omitempty"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	TotalItemsSize  int64          `json:"totalItemsSize,omitempty"`
	ScrollID        string         `json:"scrollID,omitempty"`
	Message         string         `json:"-"`
	DurationMs      int64          `json:"duration,omitempty"`
}

// workItemUpdateWire carries both historical spellings of the failure
// reason. When both are set, errorMessage wins.
type workItemUpdateWire struct {
	WorkItemID      int64          `json:"workItemID"`
	Status          WorkItemStatus `json:"status"`
	StepIndex       int            `json:"workflowStepIndex,omitempty"`
	Results         []string       `json:"results,omitempty"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	TotalItemsSize  int64          `json:"totalItemsSize,omitempty"`
	ScrollID        string         `json:"scrollID,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	Message         string         `json:"message,omitempty"`
	DurationMs      int64          `json:"duration,omitempty"`
}

// UnmarshalJSON accepts errorMessage and message as aliases for the
// human-readable failure reason.
func (u *WorkItemUpdate) UnmarshalJSON(data []byte) error {
	var wire workItemUpdateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to unmarshal work item update: %w", err)
	}
	u.WorkItemID = wire.WorkItemID
	u.Status = wire.Status
	u.StepIndex = wire.StepIndex
	u.Results = wire.Results
	u.OutputItemSizes = wire.OutputItemSizes
	u.TotalItemsSize = wire.TotalItemsSize
	u.ScrollID = wire.ScrollID
	u.DurationMs = wire.DurationMs
	u.Message = wire.ErrorMessage
	if u.Message == "" {
		u.Message = wire.Message
	}
	return nil
}

// MarshalJSON writes the single canonical field name.
func (u WorkItemUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(workItemUpdateWire{
		WorkItemID:      u.WorkItemID,
		Status:          u.Status,
		StepIndex:       u.StepIndex,
		Results:         u.Results,
		OutputItemSizes: u.OutputItemSizes,
		TotalItemsSize:  u.TotalItemsSize,
		ScrollID:        u.ScrollID,
		ErrorMessage:    u.Message,
		DurationMs:      u.DurationMs,
	})
}
