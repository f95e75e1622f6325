// -----------------------------------------------------------------------
// Per-job transaction - all mutations for one job commit together
// -----------------------------------------------------------------------

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harmony-eo/harmony/internal/models"
)

const workflowStepColumns = `job_id, step_index, service_id, operation, is_batched,
	max_batch_inputs, max_batch_size_in_bytes, is_input_producer, work_item_count,
	ready_count, running_count, successful_count, failed_count, is_complete`

const batchColumns = `id, job_id, step_index, sort_index, is_last, is_sealed, item_count, total_size`

// jobTx implements interfaces.JobTx over one open transaction.
type jobTx struct {
	tx *sql.Tx
}

// -----------------------------------------------------------------------
// Job operations
// -----------------------------------------------------------------------

func (t *jobTx) GetJob(jobID string) (*models.Job, error) {
	return scanJob(t.tx.QueryRow(
		`SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`, jobID))
}

func (t *jobTx) UpdateJob(job *models.Job) error {
	job.UpdatedAt = time.Now()
	res, err := t.tx.Exec(`
		UPDATE jobs SET status = ?, message = ?, progress = ?, updated_at = ?
		WHERE job_id = ?`,
		string(job.Status), job.Message, job.Progress, job.UpdatedAt.Unix(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *jobTx) AddJobError(jobError *models.JobError) error {
	jobError.CreatedAt = time.Now()
	res, err := t.tx.Exec(`
		INSERT INTO job_errors (job_id, url, message, category, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		jobError.JobID, jobError.URL, jobError.Message, string(jobError.Category),
		jobError.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert job error: %w", err)
	}
	jobError.ID, _ = res.LastInsertId()
	return nil
}

func (t *jobTx) AddJobLinks(jobID string, links []models.JobLink) error {
	now := time.Now().Unix()
	for i := range links {
		link := &links[i]
		res, err := t.tx.Exec(`
			INSERT INTO job_links (job_id, href, title, rel, type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			jobID, link.Href, link.Title, link.Rel, link.Type, now)
		if err != nil {
			return fmt.Errorf("failed to insert job link: %w", err)
		}
		link.ID, _ = res.LastInsertId()
		link.JobID = jobID
	}
	return nil
}

func (t *jobTx) ErrorCounts(jobID string) (errorCount, warningCount int, err error) {
	err = t.tx.QueryRow(`
		SELECT
			COUNT(CASE WHEN category = 'error' THEN 1 END),
			COUNT(CASE WHEN category = 'warning' THEN 1 END)
		FROM job_errors WHERE job_id = ?`, jobID).Scan(&errorCount, &warningCount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count job errors: %w", err)
	}
	return errorCount, warningCount, nil
}

// -----------------------------------------------------------------------
// Workflow step operations
// -----------------------------------------------------------------------

func (t *jobTx) GetWorkflowStep(jobID string, stepIndex int) (*models.WorkflowStep, error) {
	return scanWorkflowStep(t.tx.QueryRow(
		`SELECT `+workflowStepColumns+` FROM workflow_steps WHERE job_id = ? AND step_index = ?`,
		jobID, stepIndex))
}

func (t *jobTx) ListWorkflowSteps(jobID string) ([]*models.WorkflowStep, error) {
	rows, err := t.tx.Query(
		`SELECT `+workflowStepColumns+` FROM workflow_steps WHERE job_id = ? ORDER BY step_index`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateWorkflowStep persists the step's operation and completion flag.
// The counters are owned by the work item transition paths and never
// written from a loaded struct, which could be stale.
func (t *jobTx) UpdateWorkflowStep(step *models.WorkflowStep) error {
	_, err := t.tx.Exec(`
		UPDATE workflow_steps SET operation = ?, is_complete = ?
		WHERE job_id = ? AND step_index = ?`,
		step.Operation, boolToInt(step.IsComplete), step.JobID, step.StepIndex)
	if err != nil {
		return fmt.Errorf("failed to update workflow step: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Work item operations
// -----------------------------------------------------------------------

func (t *jobTx) GetWorkItem(id int64) (*models.WorkItem, error) {
	return scanWorkItem(t.tx.QueryRow(
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id))
}

func (t *jobTx) CreateWorkItems(items []*models.WorkItem) error {
	return insertWorkItems(t.tx, items)
}

func (t *jobTx) TransitionWorkItem(item *models.WorkItem, next models.WorkItemStatus) error {
	return transitionWorkItem(t.tx, item, next)
}

// CancelActiveWorkItems cancels every ready, queued, or running item of the
// job and zeroes the dispatch counters so nothing further is handed out.
func (t *jobTx) CancelActiveWorkItems(jobID string) (int, error) {
	res, err := t.tx.Exec(`
		UPDATE work_items SET status = 'canceled', updated_at = ?
		WHERE job_id = ? AND status IN ('ready', 'queued', 'running')`,
		time.Now().Unix(), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel work items: %w", err)
	}
	canceled, _ := res.RowsAffected()

	if _, err := t.tx.Exec(
		`UPDATE workflow_steps SET ready_count = 0, running_count = 0 WHERE job_id = ?`,
		jobID); err != nil {
		return 0, fmt.Errorf("failed to reset step counters: %w", err)
	}
	if _, err := t.tx.Exec(
		`UPDATE user_work SET ready_count = 0, running_count = 0 WHERE job_id = ?`,
		jobID); err != nil {
		return 0, fmt.Errorf("failed to reset user work: %w", err)
	}
	return int(canceled), nil
}

func (t *jobTx) TerminalWorkItemCount(jobID string) (int, error) {
	var count int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM work_items
		WHERE job_id = ? AND status IN ('successful', 'warning', 'failed', 'canceled')`,
		jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count terminal work items: %w", err)
	}
	return count, nil
}

func (t *jobTx) NextSortIndex(jobID string, stepIndex int) (int, error) {
	var next int
	err := t.tx.QueryRow(`
		SELECT COALESCE(MAX(sort_index), -1) + 1 FROM work_items
		WHERE job_id = ? AND step_index = ?`,
		jobID, stepIndex).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute sort index: %w", err)
	}
	return next, nil
}

// -----------------------------------------------------------------------
// Batch operations
// -----------------------------------------------------------------------

func (t *jobTx) OpenBatch(jobID string, stepIndex int) (*models.Batch, error) {
	return scanBatch(t.tx.QueryRow(`
		SELECT `+batchColumns+` FROM batches
		WHERE job_id = ? AND step_index = ? AND is_sealed = 0
		ORDER BY sort_index DESC LIMIT 1`, jobID, stepIndex))
}

func (t *jobTx) CreateBatch(batch *models.Batch) error {
	res, err := t.tx.Exec(`
		INSERT INTO batches (job_id, step_index, sort_index, is_last, is_sealed, item_count, total_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batch.JobID, batch.StepIndex, batch.SortIndex, boolToInt(batch.IsLast),
		boolToInt(batch.IsSealed), batch.ItemCount, batch.TotalSize)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	batch.ID, _ = res.LastInsertId()
	return nil
}

func (t *jobTx) UpdateBatch(batch *models.Batch) error {
	_, err := t.tx.Exec(`
		UPDATE batches SET is_last = ?, is_sealed = ?, item_count = ?, total_size = ?
		WHERE id = ?`,
		boolToInt(batch.IsLast), boolToInt(batch.IsSealed), batch.ItemCount,
		batch.TotalSize, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	return nil
}

func (t *jobTx) AddBatchItem(item *models.BatchItem) error {
	res, err := t.tx.Exec(`
		INSERT INTO batch_items (batch_id, job_id, step_index, sort_index, catalog_uri, size)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.BatchID, item.JobID, item.StepIndex, item.SortIndex, item.CatalogURI, item.Size)
	if err != nil {
		return fmt.Errorf("failed to insert batch item: %w", err)
	}
	item.ID, _ = res.LastInsertId()
	return nil
}

func (t *jobTx) ListBatchItems(batchID int64) ([]*models.BatchItem, error) {
	rows, err := t.tx.Query(`
		SELECT id, batch_id, job_id, step_index, sort_index, catalog_uri, size
		FROM batch_items WHERE batch_id = ? ORDER BY sort_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}
	defer rows.Close()

	var items []*models.BatchItem
	for rows.Next() {
		var item models.BatchItem
		if err := rows.Scan(&item.ID, &item.BatchID, &item.JobID, &item.StepIndex,
			&item.SortIndex, &item.CatalogURI, &item.Size); err != nil {
			return nil, fmt.Errorf("failed to scan batch item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (t *jobTx) CountBatches(jobID string, stepIndex int) (int, error) {
	var count int
	err := t.tx.QueryRow(
		`SELECT COUNT(*) FROM batches WHERE job_id = ? AND step_index = ?`,
		jobID, stepIndex).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return count, nil
}

func (t *jobTx) HasUnsealedBatch(jobID string) (bool, error) {
	var exists int
	err := t.tx.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM batches WHERE job_id = ? AND is_sealed = 0)`,
		jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unsealed batches: %w", err)
	}
	return exists != 0, nil
}

// -----------------------------------------------------------------------
// Shared scanners
// -----------------------------------------------------------------------

func scanWorkflowStep(row rowScanner) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	var isBatched, isInputProducer, isComplete int

	err := row.Scan(&step.JobID, &step.StepIndex, &step.ServiceID, &step.Operation,
		&isBatched, &step.MaxBatchInputs, &step.MaxBatchSizeInBytes, &isInputProducer,
		&step.WorkItemCount, &step.ReadyCount, &step.RunningCount,
		&step.SuccessfulCount, &step.FailedCount, &isComplete)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow step: %w", err)
	}

	step.IsBatched = isBatched != 0
	step.IsInputProducer = isInputProducer != 0
	step.IsComplete = isComplete != 0
	return &step, nil
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	var batch models.Batch
	var isLast, isSealed int

	err := row.Scan(&batch.ID, &batch.JobID, &batch.StepIndex, &batch.SortIndex,
		&isLast, &isSealed, &batch.ItemCount, &batch.TotalSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}

	batch.IsLast = isLast != 0
	batch.IsSealed = isSealed != 0
	return &batch, nil
}
