// -----------------------------------------------------------------------
// Job storage - job rows plus embedded links, errors, and warnings
// -----------------------------------------------------------------------

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/models"
)

const defaultListLimit = 100

const jobColumns = `job_id, username, request_url, status, message, progress,
	ignore_errors, num_input_granules, is_async, collection_ids, created_at, updated_at`

// dbtx is satisfied by both *sql.DB and *sql.Tx so the row helpers can be
// shared between the storage surfaces and the per-job transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// JobStorage implements job persistence over SQLite
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{db: db, logger: logger}
}

// CreateJob persists a job together with its workflow steps and any initial
// work items in one transaction.
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job, steps []*models.WorkflowStep, items []*models.WorkItem) error {
	if err := job.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertJob(tx, job); err != nil {
		return err
	}
	for _, step := range steps {
		if err := insertWorkflowStep(tx, step); err != nil {
			return err
		}
	}
	if err := insertWorkItems(tx, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("username", job.Username).
		Int("steps", len(steps)).
		Int("work_items", len(items)).
		Msg("Job created")
	return nil
}

// GetJob returns a job with its links, errors, and warnings embedded.
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if job.Links, err = loadJobLinks(s.db.db, jobID); err != nil {
		return nil, err
	}
	if job.Errors, job.Warnings, err = loadJobErrors(s.db.db, jobID); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns a page of jobs matching the filter plus the total match
// count. Jobs are ordered newest first.
func (s *JobStorage) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	where, args := buildJobFilter(filter)

	var total int
	if err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY created_at DESC, job_id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// CountJobsByStatus returns the number of jobs in any of the given statuses.
func (s *JobStorage) CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN (`+placeholders[:len(placeholders)-1]+`)`,
		args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func buildJobFilter(filter models.JobFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.Username != "" {
		clauses = append(clauses, "username = ?")
		args = append(args, filter.Username)
	}
	if len(filter.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		clauses = append(clauses, "status IN ("+ph+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// -----------------------------------------------------------------------
// Row helpers shared with the per-job transaction
// -----------------------------------------------------------------------

func insertJob(q dbtx, job *models.Job) error {
	collections, err := marshalJSON(job.CollectionIDs)
	if err != nil {
		return fmt.Errorf("failed to encode collection IDs: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO jobs (job_id, username, request_url, status, message, progress,
			ignore_errors, num_input_granules, is_async, collection_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Username, job.RequestURL, string(job.Status), job.Message, job.Progress,
		boolToInt(job.IgnoreErrors), job.NumInputGranules, boolToInt(job.IsAsync),
		collections, job.CreatedAt.Unix(), job.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func insertWorkflowStep(q dbtx, step *models.WorkflowStep) error {
	_, err := q.Exec(`
		INSERT INTO workflow_steps (job_id, step_index, service_id, operation,
			is_batched, max_batch_inputs, max_batch_size_in_bytes, is_input_producer,
			work_item_count, ready_count, running_count, successful_count, failed_count, is_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.JobID, step.StepIndex, step.ServiceID, step.Operation,
		boolToInt(step.IsBatched), step.MaxBatchInputs, step.MaxBatchSizeInBytes,
		boolToInt(step.IsInputProducer),
		step.WorkItemCount, step.ReadyCount, step.RunningCount,
		step.SuccessfulCount, step.FailedCount, boolToInt(step.IsComplete))
	if err != nil {
		return fmt.Errorf("failed to insert workflow step: %w", err)
	}
	return nil
}

// insertWorkItems persists new ready items and maintains the workflow step
// and user_work counters in the same statement batch.
func insertWorkItems(q dbtx, items []*models.WorkItem) error {
	now := time.Now().Unix()
	for _, item := range items {
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
		res, err := q.Exec(`
			INSERT INTO work_items (job_id, step_index, service_id, status, scroll_id,
				message, retry_count, total_items_size, duration_ms, sort_index,
				inputs, results, output_item_sizes, started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.JobID, item.StepIndex, item.ServiceID, string(item.Status), item.ScrollID,
			item.Message, item.RetryCount, item.TotalItemsSize, item.DurationMs, item.SortIndex,
			inputs, results, sizes, nullUnix(item.StartedAt), item.CreatedAt.Unix(), item.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert work item: %w", err)
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read work item id: %w", err)
		}

		if _, err := q.Exec(`
			UPDATE workflow_steps SET work_item_count = work_item_count + 1,
				ready_count = ready_count + 1
			WHERE job_id = ? AND step_index = ?`,
			item.JobID, item.StepIndex); err != nil {
			return fmt.Errorf("failed to update step counters: %w", err)
		}

		if _, err := q.Exec(`
			INSERT INTO user_work (job_id, username, service_id, ready_count, running_count, is_async, last_worked)
			SELECT j.job_id, j.username, ?, 1, 0, j.is_async, ?
			FROM jobs j WHERE j.job_id = ?
			ON CONFLICT (job_id, service_id) DO UPDATE SET ready_count = ready_count + 1`,
			item.ServiceID, now, item.JobID); err != nil {
			return fmt.Errorf("failed to update user work: %w", err)
		}
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status string
	var ignoreErrors, isAsync int
	var collections sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&job.ID, &job.Username, &job.RequestURL, &status, &job.Message,
		&job.Progress, &ignoreErrors, &job.NumInputGranules, &isAsync,
		&collections, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.IgnoreErrors = ignoreErrors != 0
	job.IsAsync = isAsync != 0
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	if job.CollectionIDs, err = unmarshalStrings(collections); err != nil {
		return nil, fmt.Errorf("failed to decode collection IDs: %w", err)
	}
	return &job, nil
}

func loadJobLinks(q dbtx, jobID string) ([]models.JobLink, error) {
	rows, err := q.Query(`
		SELECT id, job_id, href, COALESCE(title, ''), COALESCE(rel, ''), COALESCE(type, ''), created_at
		FROM job_links WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job links: %w", err)
	}
	defer rows.Close()

	var links []models.JobLink
	for rows.Next() {
		var link models.JobLink
		var createdAt int64
		if err := rows.Scan(&link.ID, &link.JobID, &link.Href, &link.Title,
			&link.Rel, &link.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan job link: %w", err)
		}
		link.CreatedAt = time.Unix(createdAt, 0)
		links = append(links, link)
	}
	return links, rows.Err()
}

func loadJobErrors(q dbtx, jobID string) (errs, warnings []models.JobError, err error) {
	rows, err := q.Query(`
		SELECT id, job_id, COALESCE(url, ''), message, category, created_at
		FROM job_errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobError models.JobError
		var category string
		var createdAt int64
		if err := rows.Scan(&jobError.ID, &jobError.JobID, &jobError.URL,
			&jobError.Message, &category, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan job error: %w", err)
		}
		jobError.Category = models.ErrorCategory(category)
		jobError.CreatedAt = time.Unix(createdAt, 0)
		if jobError.Category == models.ErrorCategoryWarning {
			warnings = append(warnings, jobError)
		} else {
			errs = append(errs, jobError)
		}
	}
	return errs, warnings, rows.Err()
}
