// -----------------------------------------------------------------------
// Work storage - dispatch-side claims, fair share, failer queries
// -----------------------------------------------------------------------

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/models"
)

const workItemColumns = `id, job_id, step_index, service_id, status, scroll_id, message,
	retry_count, total_items_size, duration_ms, sort_index, inputs, results,
	output_item_sizes, started_at, created_at, updated_at`

// dispatchableJobStatuses are the job statuses whose items may be handed to
// services. Paused jobs are excluded; previewing jobs only dispatch their
// input-producing steps, which the claim query enforces.
const dispatchableJobStatuses = `('running', 'running_with_errors', 'previewing')`

// fairShareClaim orders candidate items by least recently served
// (user, job) first, so one heavy user cannot starve the rest.
const fairShareClaim = `
	SELECT wi.id, wi.job_id, wi.step_index, wi.service_id, wi.status, wi.scroll_id, wi.message,
		wi.retry_count, wi.total_items_size, wi.duration_ms, wi.sort_index, wi.inputs,
		wi.results, wi.output_item_sizes, wi.started_at, wi.created_at, wi.updated_at
	FROM user_work uw
	JOIN jobs j ON j.job_id = uw.job_id
	JOIN work_items wi ON wi.job_id = uw.job_id AND wi.service_id = uw.service_id
	JOIN workflow_steps ws ON ws.job_id = wi.job_id AND ws.step_index = wi.step_index
	WHERE uw.service_id = ? AND wi.status = 'ready'
		AND j.status IN ` + dispatchableJobStatuses + `
		AND (j.status <> 'previewing' OR ws.is_input_producer = 1)
	ORDER BY uw.last_worked ASC, uw.job_id ASC, wi.id ASC
	LIMIT ?`

// WorkStorage implements dispatch-side work item persistence over SQLite
type WorkStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewWorkStorage creates a new work storage instance
func NewWorkStorage(db *SQLiteDB, logger arbor.ILogger) *WorkStorage {
	return &WorkStorage{db: db, logger: logger}
}

// GetWorkItem returns one work item by ID.
func (s *WorkStorage) GetWorkItem(ctx context.Context, id int64) (*models.WorkItem, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	return scanWorkItem(row)
}

// GetWorkflowStep returns one workflow step.
func (s *WorkStorage) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+workflowStepColumns+` FROM workflow_steps WHERE job_id = ? AND step_index = ?`,
		jobID, stepIndex)
	return scanWorkflowStep(row)
}

// ClaimWorkItem moves the fairest ready item for a service to running and
// returns it. Returns models.ErrNoWork when nothing is dispatchable.
func (s *WorkStorage) ClaimWorkItem(ctx context.Context, serviceID string) (*models.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanWorkItem(tx.QueryRow(fairShareClaim, serviceID, 1))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrNoWork
	}
	if err != nil {
		return nil, err
	}

	if err := transitionWorkItem(tx, item, models.WorkItemStatusRunning); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return item, nil
}

// ClaimQueuedWorkItems moves up to limit ready items for a service to
// queued, so the scheduler can publish them to the service's queue.
func (s *WorkStorage) ClaimQueuedWorkItems(ctx context.Context, serviceID string, limit int) ([]*models.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(fairShareClaim, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select ready work: %w", err)
	}
	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now().Unix()
	for _, item := range items {
		if err := transitionWorkItem(tx, item, models.WorkItemStatusQueued); err != nil {
			return nil, err
		}
		// Rotate fairness even though queued items have not been delivered.
		if _, err := tx.Exec(
			`UPDATE user_work SET last_worked = ? WHERE job_id = ? AND service_id = ?`,
			now, item.JobID, item.ServiceID); err != nil {
			return nil, fmt.Errorf("failed to update user work: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claims: %w", err)
	}
	return items, nil
}

// MarkWorkItemRunning moves a delivered queued item to running. Items that
// were canceled, completed, or already delivered return models.ErrConflict
// so the caller drops the message.
func (s *WorkStorage) MarkWorkItemRunning(ctx context.Context, id int64) (*models.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanWorkItem(tx.QueryRow(
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if item.Status != models.WorkItemStatusQueued {
		return nil, models.ErrConflict
	}

	if err := transitionWorkItem(tx, item, models.WorkItemStatusRunning); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return item, nil
}

// ServicesWithReadyWork returns the service IDs that currently have
// dispatchable work, for the scheduler pump.
func (s *WorkStorage) ServicesWithReadyWork(ctx context.Context) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT DISTINCT uw.service_id
		FROM user_work uw
		JOIN jobs j ON j.job_id = uw.job_id
		WHERE uw.ready_count > 0 AND j.status IN `+dispatchableJobStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list services with work: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var serviceID string
		if err := rows.Scan(&serviceID); err != nil {
			return nil, err
		}
		services = append(services, serviceID)
	}
	return services, rows.Err()
}

// UserWorkForService returns the per-job dispatch counters for a service in
// fairness order.
func (s *WorkStorage) UserWorkForService(ctx context.Context, serviceID string) ([]*models.UserWork, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT username, service_id, job_id, ready_count, running_count, is_async, last_worked
		FROM user_work WHERE service_id = ?
		ORDER BY last_worked ASC, job_id ASC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user work: %w", err)
	}
	defer rows.Close()

	var entries []*models.UserWork
	for rows.Next() {
		var uw models.UserWork
		var isAsync int
		var lastWorked int64
		if err := rows.Scan(&uw.Username, &uw.ServiceID, &uw.JobID,
			&uw.ReadyCount, &uw.RunningCount, &isAsync, &lastWorked); err != nil {
			return nil, err
		}
		uw.IsAsync = isAsync != 0
		uw.LastWorked = time.Unix(lastWorked, 0)
		entries = append(entries, &uw)
	}
	return entries, rows.Err()
}

// GetStuckWorkItems pages through running and queued items of active jobs
// whose last transition happened at or before cutoff.
func (s *WorkStorage) GetStuckWorkItems(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]*models.WorkItem, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT wi.id, wi.job_id, wi.step_index, wi.service_id, wi.status, wi.scroll_id, wi.message,
			wi.retry_count, wi.total_items_size, wi.duration_ms, wi.sort_index, wi.inputs,
			wi.results, wi.output_item_sizes, wi.started_at, wi.created_at, wi.updated_at
		FROM work_items wi
		JOIN jobs j ON j.job_id = wi.job_id
		WHERE wi.status IN ('running', 'queued')
			AND j.status IN ('running', 'running_with_errors')
			AND wi.id > ? AND wi.updated_at <= ?
		ORDER BY wi.id ASC
		LIMIT ?`, afterID, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SuccessfulDurations returns the reported durations of successful items
// for one (job, service, step), for the failer's outlier threshold.
func (s *WorkStorage) SuccessfulDurations(ctx context.Context, jobID, serviceID string, stepIndex int) ([]int64, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT duration_ms FROM work_items
		WHERE job_id = ? AND service_id = ? AND step_index = ?
			AND status IN ('successful', 'warning') AND duration_ms > 0`,
		jobID, serviceID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query durations: %w", err)
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

// -----------------------------------------------------------------------
// Shared row helpers
// -----------------------------------------------------------------------

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var item models.WorkItem
	var status string
	var inputs, results, sizes sql.NullString
	var startedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&item.ID, &item.JobID, &item.StepIndex, &item.ServiceID, &status,
		&item.ScrollID, &item.Message, &item.RetryCount, &item.TotalItemsSize,
		&item.DurationMs, &item.SortIndex, &inputs, &results, &sizes, &startedAt,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.Status = models.WorkItemStatus(status)
	item.StartedAt = timeFromNullUnix(startedAt)
	item.CreatedAt = time.Unix(createdAt, 0)
	item.UpdatedAt = time.Unix(updatedAt, 0)
	if item.Inputs, err = unmarshalStrings(inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	if item.Results, err = unmarshalStrings(results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	if item.OutputItemSizes, err = unmarshalInt64s(sizes); err != nil {
		return nil, fmt.Errorf("failed to decode output item sizes: %w", err)
	}
	return &item, nil
}

// transitionWorkItem persists the item's new status and keeps the workflow
// step and user_work counters consistent. The item is mutated in place:
// status, updated_at, and started_at on entry to running.
func transitionWorkItem(q dbtx, item *models.WorkItem, next models.WorkItemStatus) error {
	prev := item.Status
	now := time.Now()
	item.Status = next
	item.UpdatedAt = now
	if next == models.WorkItemStatusRunning {
		item.StartedAt = &now
	}

	inputs, err := marshalJSON(item.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	results, err := marshalJSON(item.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	sizes, err := marshalJSON(item.OutputItemSizes)
	if err != nil {
		return fmt.Errorf("failed to encode output item sizes: %w", err)
	}

	if _, err := q.Exec(`
		UPDATE work_items SET status = ?, scroll_id = ?, message = ?, retry_count = ?,
			total_items_size = ?, duration_ms = ?, sort_index = ?, inputs = ?, results = ?,
			output_item_sizes = ?, started_at = ?, updated_at = ?
		WHERE id = ?`,
		string(item.Status), item.ScrollID, item.Message, item.RetryCount,
		item.TotalItemsSize, item.DurationMs, item.SortIndex, inputs, results, sizes,
		nullUnix(item.StartedAt), item.UpdatedAt.Unix(), item.ID); err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}

	prevCol, nextCol := stepCounterColumn(prev), stepCounterColumn(next)
	if prevCol != nextCol {
		if prevCol != "" {
			if _, err := q.Exec(
				`UPDATE workflow_steps SET `+prevCol+` = `+prevCol+` - 1 WHERE job_id = ? AND step_index = ?`,
				item.JobID, item.StepIndex); err != nil {
				return fmt.Errorf("failed to update step counters: %w", err)
			}
		}
		if nextCol != "" {
			if _, err := q.Exec(
				`UPDATE workflow_steps SET `+nextCol+` = `+nextCol+` + 1 WHERE job_id = ? AND step_index = ?`,
				item.JobID, item.StepIndex); err != nil {
				return fmt.Errorf("failed to update step counters: %w", err)
			}
		}
	}

	prevCol, nextCol = userWorkCounterColumn(prev), userWorkCounterColumn(next)
	if prevCol != nextCol {
		if prevCol != "" {
			if _, err := q.Exec(
				`UPDATE user_work SET `+prevCol+` = `+prevCol+` - 1 WHERE job_id = ? AND service_id = ?`,
				item.JobID, item.ServiceID); err != nil {
				return fmt.Errorf("failed to update user work: %w", err)
			}
		}
		if nextCol != "" {
			if _, err := q.Exec(
				`UPDATE user_work SET `+nextCol+` = `+nextCol+` + 1 WHERE job_id = ? AND service_id = ?`,
				item.JobID, item.ServiceID); err != nil {
				return fmt.Errorf("failed to update user work: %w", err)
			}
		}
	}

	if next == models.WorkItemStatusRunning {
		if _, err := q.Exec(
			`UPDATE user_work SET last_worked = ? WHERE job_id = ? AND service_id = ?`,
			now.Unix(), item.JobID, item.ServiceID); err != nil {
			return fmt.Errorf("failed to update user work: %w", err)
		}
	}
	return nil
}
