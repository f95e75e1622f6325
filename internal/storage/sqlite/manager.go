// -----------------------------------------------------------------------
// Storage manager - owns the connection and serializes per-job mutations
// -----------------------------------------------------------------------

package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/interfaces"
)

// Manager hands out the storage surfaces and runs per-job transactions.
// SQLite has no SELECT FOR UPDATE, so jobs are serialized with an
// in-process lock per job ID on top of immediate transactions. This is
// sound as long as a single process owns the database, which is the
// deployment model here.
type Manager struct {
	db     *SQLiteDB
	logger arbor.ILogger
	jobs   *JobStorage
	work   *WorkStorage

	lockMu   sync.Mutex
	jobLocks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a storage manager over an open connection.
func NewManager(db *SQLiteDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:       db,
		logger:   logger,
		jobs:     NewJobStorage(db, logger),
		work:     NewWorkStorage(db, logger),
		jobLocks: make(map[string]*jobLock),
	}
}

// Jobs returns the job storage surface.
func (m *Manager) Jobs() interfaces.JobStorage {
	return m.jobs
}

// Work returns the work storage surface.
func (m *Manager) Work() interfaces.WorkStorage {
	return m.work
}

// WithJobTx runs fn inside one transaction holding the job's lock. All
// mutations for a job flow through here, so concurrent updates for the
// same job apply one at a time while different jobs proceed in parallel.
func (m *Manager) WithJobTx(ctx context.Context, jobID string, fn func(tx interfaces.JobTx) error) error {
	lock := m.acquire(jobID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		m.release(jobID)
	}()

	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin job transaction: %w", err)
	}

	jt := &jobTx{tx: tx}
	if err := fn(jt); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Warn().Err(rbErr).Str("job_id", jobID).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job transaction: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) acquire(jobID string) *jobLock {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock, ok := m.jobLocks[jobID]
	if !ok {
		lock = &jobLock{}
		m.jobLocks[jobID] = lock
	}
	lock.refs++
	return lock
}

func (m *Manager) release(jobID string) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock, ok := m.jobLocks[jobID]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(m.jobLocks, jobID)
	}
}
