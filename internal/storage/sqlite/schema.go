package sqlite

const schemaSQL = `
-- Jobs table
-- One row per user request; status follows the job state machine
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	request_url TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0,
	ignore_errors INTEGER NOT NULL DEFAULT 0,
	num_input_granules INTEGER NOT NULL DEFAULT 0,
	is_async INTEGER NOT NULL DEFAULT 1,
	collection_ids TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

-- Related links surfaced on the job (data results, STAC entries)
CREATE TABLE IF NOT EXISTS job_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	href TEXT NOT NULL,
	title TEXT,
	rel TEXT,
	type TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_links_job ON job_links(job_id, id);

-- Per-granule errors and warnings recorded under the error policy
CREATE TABLE IF NOT EXISTS job_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	url TEXT,
	message TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT 'error',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors(job_id, category);

-- Workflow steps: the ordered service pipeline of a job, with running
-- counters maintained at every work item transition
CREATE TABLE IF NOT EXISTS workflow_steps (
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	service_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	is_batched INTEGER NOT NULL DEFAULT 0,
	max_batch_inputs INTEGER NOT NULL DEFAULT 0,
	max_batch_size_in_bytes INTEGER NOT NULL DEFAULT 0,
	is_input_producer INTEGER NOT NULL DEFAULT 0,
	work_item_count INTEGER NOT NULL DEFAULT 0,
	ready_count INTEGER NOT NULL DEFAULT 0,
	running_count INTEGER NOT NULL DEFAULT 0,
	successful_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	is_complete INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, step_index)
);

-- Work items: one executable unit per step input. inputs, results, and
-- output_item_sizes are JSON arrays.
CREATE TABLE IF NOT EXISTS work_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	service_id TEXT NOT NULL,
	status TEXT NOT NULL,
	scroll_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	total_items_size INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	sort_index INTEGER NOT NULL DEFAULT 0,
	inputs TEXT,
	results TEXT,
	output_item_sizes TEXT,
	started_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_items_service_status ON work_items(service_id, status);
CREATE INDEX IF NOT EXISTS idx_work_items_job_step ON work_items(job_id, step_index, status);
CREATE INDEX IF NOT EXISTS idx_work_items_status_updated ON work_items(status, updated_at);

-- User work: materialized (user, service, job) counters so dispatch never
-- scans the work_items table. ready_count includes queued items.
CREATE TABLE IF NOT EXISTS user_work (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	username TEXT NOT NULL,
	service_id TEXT NOT NULL,
	ready_count INTEGER NOT NULL DEFAULT 0,
	running_count INTEGER NOT NULL DEFAULT 0,
	is_async INTEGER NOT NULL DEFAULT 1,
	last_worked INTEGER NOT NULL,
	UNIQUE (job_id, service_id)
);

CREATE INDEX IF NOT EXISTS idx_user_work_service ON user_work(service_id, last_worked);

-- Batches: aggregation buckets for batched steps
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	sort_index INTEGER NOT NULL,
	is_last INTEGER NOT NULL DEFAULT 0,
	is_sealed INTEGER NOT NULL DEFAULT 0,
	item_count INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	UNIQUE (job_id, step_index, sort_index)
);

CREATE TABLE IF NOT EXISTS batch_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	job_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	sort_index INTEGER NOT NULL,
	catalog_uri TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch ON batch_items(batch_id, sort_index);
`

// InitSchema creates all tables and indexes if they do not exist
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	return nil
}
