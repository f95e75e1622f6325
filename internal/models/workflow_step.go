// -----------------------------------------------------------------------
// WorkflowStep - one ordered stage in a job's service pipeline
// -----------------------------------------------------------------------

package models

// WorkflowStep is an ordered entry in a job's pipeline. StepIndex is
// 1-based and dense. The operation is the serialized work description sent
// to the service; items of the step reference it together with their own
// input catalogs.
type WorkflowStep struct {
	JobID               string `json:"jobID"`
	StepIndex           int    `json:"stepIndex"`
	ServiceID           string `json:"serviceID"`
	Operation           string `json:"operation"`
	IsBatched           bool   `json:"isBatched"`
	MaxBatchInputs      int    `json:"maxBatchInputs,omitempty"`
	MaxBatchSizeInBytes int64  `json:"maxBatchSizeInBytes,omitempty"`

	// IsInputProducer marks catalog-query steps: steps that page through the
	// source catalog and produce the pipeline's inputs. Their failures are
	// always fatal since nothing downstream can proceed without them.
	IsInputProducer bool `json:"isInputProducer"`

	// Running counters, kept consistent with the work_items population at
	// every transaction boundary.
	WorkItemCount   int `json:"workItemCount"`
	ReadyCount      int `json:"readyCount"`
	RunningCount    int `json:"runningCount"`
	SuccessfulCount int `json:"successfulCount"`
	FailedCount     int `json:"failedCount"`

	// IsComplete is set once no further work items will ever be created for
	// this step (all inputs known and materialized).
	IsComplete bool `json:"isComplete"`
}

// HasBatchRoom reports whether a batch with the given population can accept
// one more input of the given size under this step's caps. A zero cap means
// unlimited for that dimension.
func (s *WorkflowStep) HasBatchRoom(itemCount int, totalSize, nextSize int64) bool {
	if s.MaxBatchInputs > 0 && itemCount >= s.MaxBatchInputs {
		return false
	}
	if s.MaxBatchSizeInBytes > 0 && totalSize+nextSize > s.MaxBatchSizeInBytes {
		return false
	}
	return true
}
