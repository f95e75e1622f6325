// -----------------------------------------------------------------------
// Batch - aggregation bucket for a batched workflow step
// -----------------------------------------------------------------------

package models

// Batch groups completed inputs for a batched step until either
// MaxBatchInputs or MaxBatchSizeInBytes is reached, or the last input for
// the step has arrived. A sealed batch becomes exactly one aggregate work
// item for the step.
type Batch struct {
	ID        int64  `json:"id"`
	JobID     string `json:"jobID"`
	StepIndex int    `json:"stepIndex"`
	SortIndex int    `json:"sortIndex"`
	IsLast    bool   `json:"isLast"`
	IsSealed  bool   `json:"isSealed"`
	ItemCount int    `json:"itemCount"`
	TotalSize int64  `json:"totalSize"`
}

// BatchItem is one input catalog assigned to a batch.
type BatchItem struct {
	ID         int64  `json:"id"`
	BatchID    int64  `json:"batchID"`
	JobID      string `json:"jobID"`
	StepIndex  int    `json:"stepIndex"`
	SortIndex  int    `json:"sortIndex"`
	CatalogURI string `json:"catalogURI"`
	Size       int64  `json:"size"`
}
