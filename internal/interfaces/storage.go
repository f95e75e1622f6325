// -----------------------------------------------------------------------
// Storage interfaces - job state, work items, batches, user work
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/harmony-eo/harmony/internal/models"
)

// JobStorage - read and create operations on jobs outside any per-job
// transaction. Status changes go through StorageManager.WithJobTx so the
// transition table and counter maintenance stay atomic.
type JobStorage interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job, steps []*models.WorkflowStep, items []*models.WorkItem) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error)
	CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error)
}

// WorkStorage - dispatch-side operations on work items. These run outside
// the per-job transaction because dispatch touches many jobs at once and
// serializes on row-level claims instead.
type WorkStorage interface {
	// Lookup operations
	GetWorkItem(ctx context.Context, id int64) (*models.WorkItem, error)
	GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error)

	// Claim operations. ClaimWorkItem picks the fairest (user, job) with
	// ready work for the service and moves one item READY -> RUNNING.
	// ClaimQueuedWorkItems moves up to limit items READY -> QUEUED for the
	// scheduler to publish. MarkWorkItemRunning moves a delivered item
	// QUEUED -> RUNNING, returning models.ErrConflict if it was canceled
	// in the meantime.
	ClaimWorkItem(ctx context.Context, serviceID string) (*models.WorkItem, error)
	ClaimQueuedWorkItems(ctx context.Context, serviceID string, limit int) ([]*models.WorkItem, error)
	MarkWorkItemRunning(ctx context.Context, id int64) (*models.WorkItem, error)

	// Scheduler support
	ServicesWithReadyWork(ctx context.Context) ([]string, error)
	UserWorkForService(ctx context.Context, serviceID string) ([]*models.UserWork, error)

	// Failer support. GetStuckWorkItems pages by ascending item ID through
	// RUNNING and QUEUED items of active jobs started before cutoff.
	GetStuckWorkItems(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]*models.WorkItem, error)
	SuccessfulDurations(ctx context.Context, jobID, serviceID string, stepIndex int) ([]int64, error)
}

// JobTx - the storage operations available inside one per-job transaction.
// Everything called on a JobTx commits or rolls back together.
type JobTx interface {
	// Job operations
	GetJob(jobID string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	AddJobError(jobError *models.JobError) error
	AddJobLinks(jobID string, links []models.JobLink) error
	ErrorCounts(jobID string) (errorCount, warningCount int, err error)

	// Workflow step operations. UpdateWorkflowStep writes the operation and
	// completion flag only; counters are owned by the work item transitions.
	GetWorkflowStep(jobID string, stepIndex int) (*models.WorkflowStep, error)
	ListWorkflowSteps(jobID string) ([]*models.WorkflowStep, error)
	UpdateWorkflowStep(step *models.WorkflowStep) error

	// Work item operations. TransitionWorkItem persists the item's new
	// status and keeps workflow step and user work counters in sync.
	GetWorkItem(id int64) (*models.WorkItem, error)
	CreateWorkItems(items []*models.WorkItem) error
	TransitionWorkItem(item *models.WorkItem, next models.WorkItemStatus) error
	CancelActiveWorkItems(jobID string) (int, error)
	TerminalWorkItemCount(jobID string) (int, error)
	NextSortIndex(jobID string, stepIndex int) (int, error)

	// Batch operations
	OpenBatch(jobID string, stepIndex int) (*models.Batch, error)
	CountBatches(jobID string, stepIndex int) (int, error)
	CreateBatch(batch *models.Batch) error
	UpdateBatch(batch *models.Batch) error
	AddBatchItem(item *models.BatchItem) error
	ListBatchItems(batchID int64) ([]*models.BatchItem, error)
	HasUnsealedBatch(jobID string) (bool, error)
}

// StorageManager - owns the database handle and hands out the storage
// surfaces. WithJobTx serializes all mutations for one job: it takes the
// job's lock, opens an immediate transaction, runs fn, and commits.
type StorageManager interface {
	Jobs() JobStorage
	Work() WorkStorage
	WithJobTx(ctx context.Context, jobID string, fn func(tx JobTx) error) error
	Close() error
}
