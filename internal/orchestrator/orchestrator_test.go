package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
	"github.com/harmony-eo/harmony/internal/objectstore"
	"github.com/harmony-eo/harmony/internal/queue"
	"github.com/harmony-eo/harmony/internal/storage/sqlite"
)

type testEnv struct {
	config     *common.Config
	store      interfaces.StorageManager
	queues     interfaces.QueueProvider
	objects    *objectstore.FilesystemStore
	jobs       *JobService
	dispatcher *Dispatcher
	updates    *UpdateProcessor
}

func setupTestEnv(t *testing.T, mutate func(*common.Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	config := common.NewDefaultConfig()
	config.Database.Path = dir + "/harmony.db"
	config.Queue.Provider = "sqlite"
	config.ObjectStore.Root = dir + "/artifacts"
	if mutate != nil {
		mutate(config)
	}

	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &config.Database)
	require.NoError(t, err)
	store := sqlite.NewManager(db, logger)

	queues, err := queue.NewProvider(config, db.DB(), logger)
	require.NoError(t, err)

	objects, err := objectstore.NewFilesystemStore(&config.ObjectStore, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		objects.Close()
		queues.Close()
		store.Close()
	})

	return &testEnv{
		config:     config,
		store:      store,
		queues:     queues,
		objects:    objects,
		jobs:       NewJobService(store, queues, config, logger),
		dispatcher: NewDispatcher(store, queues, config, logger),
		updates:    NewUpdateProcessor(store, queues, objects, config, logger),
	}
}

func producerStep(operation string) StepSpec {
	return StepSpec{
		ServiceID:       "harmony/query-cmr",
		Operation:       json.RawMessage(operation),
		IsInputProducer: true,
	}
}

func subsetterStep() StepSpec {
	return StepSpec{
		ServiceID: "harmony/subsetter",
		Operation: json.RawMessage(`{"format":"application/x-zarr"}`),
	}
}

func (e *testEnv) createJob(t *testing.T, ignoreErrors bool, granules int, steps ...StepSpec) *models.Job {
	t.Helper()
	job, err := e.jobs.CreateJob(context.Background(), CreateJobRequest{
		Username:         "jdoe",
		RequestURL:       "https://example.com/ogc-api-coverages",
		IgnoreErrors:     ignoreErrors,
		NumInputGranules: granules,
		Steps:            steps,
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) getWork(t *testing.T, serviceID string) *models.WorkMessage {
	t.Helper()
	msg, err := e.dispatcher.GetWork(context.Background(), serviceID)
	require.NoError(t, err)
	require.NotNil(t, msg.WorkItem)
	return msg
}

func (e *testEnv) succeed(t *testing.T, itemID int64, results []string, sizes []int64, scrollID string) {
	t.Helper()
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &models.WorkItemUpdate{
		WorkItemID:      itemID,
		Status:          models.WorkItemStatusSuccessful,
		Results:         results,
		OutputItemSizes: sizes,
		ScrollID:        scrollID,
		DurationMs:      1000,
	}))
}

func (e *testEnv) fail(t *testing.T, itemID int64, message string) {
	t.Helper()
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &models.WorkItemUpdate{
		WorkItemID: itemID,
		Status:     models.WorkItemStatusFailed,
		Message:    message,
	}))
}

func (e *testEnv) reloadJob(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := e.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func (e *testEnv) workItem(t *testing.T, id int64) *models.WorkItem {
	t.Helper()
	item, err := e.store.Work().GetWorkItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

// -----------------------------------------------------------------------
// Job creation and dispatch
// -----------------------------------------------------------------------

func TestCreateJob_SeedsFirstStep(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 10, producerStep(`{"collection":"C1"}`), subsetterStep())

	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 0, job.Progress)

	msg := e.getWork(t, "harmony/query-cmr")
	assert.Equal(t, job.ID, msg.WorkItem.JobID)
	assert.Equal(t, 1, msg.WorkItem.StepIndex)
	assert.Equal(t, models.WorkItemStatusRunning, msg.WorkItem.Status)
	assert.JSONEq(t, `{"collection":"C1"}`, string(msg.Operation))
	assert.Equal(t, e.config.Orchestration.CatalogMaxPageSize, msg.MaxCatalogGranules,
		"catalog queries carry the page size cap")
}

func TestCreateJob_Validation(t *testing.T) {
	e := setupTestEnv(t, nil)

	_, err := e.jobs.CreateJob(context.Background(), CreateJobRequest{
		Username: "", Steps: []StepSpec{subsetterStep()},
	})
	var invalid *models.ValidationError
	require.ErrorAs(t, err, &invalid)

	_, err = e.jobs.CreateJob(context.Background(), CreateJobRequest{
		Username: "jdoe",
	})
	require.ErrorAs(t, err, &invalid)

	_, err = e.jobs.CreateJob(context.Background(), CreateJobRequest{
		Username:         "jdoe",
		NumInputGranules: e.config.Orchestration.MaxGranuleLimit + 1,
		Steps:            []StepSpec{subsetterStep()},
	})
	require.ErrorAs(t, err, &invalid)
}

func TestGetWork_NoWork(t *testing.T) {
	e := setupTestEnv(t, nil)
	_, err := e.dispatcher.GetWork(context.Background(), "harmony/subsetter")
	assert.ErrorIs(t, err, models.ErrNoWork)
}

func TestSchedulerPump_DeliversThroughServiceQueue(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 10, producerStep(`{}`))

	require.NoError(t, e.dispatcher.pump(context.Background(), "harmony/query-cmr"))

	serviceQueue, err := e.queues.Queue(queue.ServiceQueueName("harmony/query-cmr"))
	require.NoError(t, err)
	depth, err := serviceQueue.ApproxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	msg := e.getWork(t, "harmony/query-cmr")
	assert.Equal(t, job.ID, msg.WorkItem.JobID)
	assert.Equal(t, models.WorkItemStatusRunning, msg.WorkItem.Status)

	depth, err = serviceQueue.ApproxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "delivery acknowledges the queue message")
}

func TestGetWork_DropsDeliveriesForCanceledItems(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 10, producerStep(`{}`))

	require.NoError(t, e.dispatcher.pump(context.Background(), "harmony/query-cmr"))

	_, err := e.jobs.CancelJob(context.Background(), job.ID, false)
	require.NoError(t, err)

	_, err = e.dispatcher.GetWork(context.Background(), "harmony/query-cmr")
	assert.ErrorIs(t, err, models.ErrNoWork)
}

// -----------------------------------------------------------------------
// Happy path
// -----------------------------------------------------------------------

func TestJobRunsToCompletion(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 2, producerStep(`{}`), subsetterStep())

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json"}, nil, "")

	mid := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusRunning, mid.Status)
	assert.Greater(t, mid.Progress, 0)
	assert.Less(t, mid.Progress, 100)

	first := e.getWork(t, "harmony/subsetter")
	assert.Equal(t, []string{"file://cat0.json"}, first.WorkItem.Inputs)
	e.succeed(t, first.WorkItem.ID, []string{"file://out0.json"}, nil, "")

	second := e.getWork(t, "harmony/subsetter")
	assert.Equal(t, []string{"file://cat1.json"}, second.WorkItem.Inputs)
	e.succeed(t, second.WorkItem.ID, []string{"file://out1.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "The job has completed successfully", done.Message)

	require.Len(t, done.Links, 2, "final step outputs surface as job links")
	assert.Equal(t, "file://out0.json", done.Links[0].Href)
	assert.Equal(t, "data", done.Links[0].Rel)
}

func TestScrollPaging_SpawnsSiblings(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 4000, producerStep(`{}`), subsetterStep())

	first := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, first.WorkItem.ID, []string{"file://cat0.json"}, nil, "scroll-1")

	sibling := e.getWork(t, "harmony/query-cmr")
	assert.Equal(t, "scroll-1", sibling.WorkItem.ScrollID)
	assert.Equal(t, 1, sibling.WorkItem.StepIndex)
	assert.Greater(t, sibling.WorkItem.SortIndex, first.WorkItem.SortIndex)

	e.succeed(t, sibling.WorkItem.ID, []string{"file://cat1.json"}, nil, "")

	// Paging ended, so the producer step takes no more items.
	_, err := e.dispatcher.GetWork(context.Background(), "harmony/query-cmr")
	assert.ErrorIs(t, err, models.ErrNoWork)

	downstream := e.getWork(t, "harmony/subsetter")
	e.succeed(t, downstream.WorkItem.ID, []string{"file://out0.json"}, nil, "")
	downstream = e.getWork(t, "harmony/subsetter")
	e.succeed(t, downstream.WorkItem.ID, []string{"file://out1.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)
}

func TestDuplicateUpdate_Idempotent(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	msg := e.getWork(t, "harmony/query-cmr")
	update := &models.WorkItemUpdate{
		WorkItemID: msg.WorkItem.ID,
		Status:     models.WorkItemStatusSuccessful,
	}
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), update))

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)

	// At-least-once delivery: the redelivered update must change nothing.
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), update))
	again := e.reloadJob(t, job.ID)
	assert.Equal(t, done.Status, again.Status)
	assert.Equal(t, done.Progress, again.Progress)
}

func TestWarningUpdate_RecordsWarning(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	msg := e.getWork(t, "harmony/query-cmr")
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &models.WorkItemUpdate{
		WorkItemID: msg.WorkItem.ID,
		Status:     models.WorkItemStatusWarning,
		Message:    "granule partially outside the bounding box",
	}))

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)
	assert.Contains(t, done.Message, "warnings")
	require.Len(t, done.Warnings, 1)
	assert.Equal(t, "granule partially outside the bounding box", done.Warnings[0].Message)
}

// -----------------------------------------------------------------------
// Failure policy
// -----------------------------------------------------------------------

func TestFailedItem_RetriesThenFailsJob(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 2
	})
	job := e.createJob(t, false, 1, producerStep(`{}`))

	var itemID int64
	for retry := 1; retry <= 2; retry++ {
		msg := e.getWork(t, "harmony/query-cmr")
		itemID = msg.WorkItem.ID
		e.fail(t, itemID, "CMR timed out")

		item := e.workItem(t, itemID)
		assert.Equal(t, models.WorkItemStatusReady, item.Status, "retry %d returns the item to ready", retry)
		assert.Equal(t, retry, item.RetryCount)
	}

	msg := e.getWork(t, "harmony/query-cmr")
	e.fail(t, msg.WorkItem.ID, "CMR timed out")

	item := e.workItem(t, itemID)
	assert.Equal(t, models.WorkItemStatusFailed, item.Status)

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, "WorkItem failed: CMR timed out", done.Message)
	require.Len(t, done.Errors, 1)
	assert.Equal(t, "CMR timed out", done.Errors[0].Message)
}

func TestIgnoreErrors_JobCompletesWithErrors(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
	})
	job := e.createJob(t, true, 2, producerStep(`{}`), subsetterStep())

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID, []string{"file://cat0.json", "file://cat1.json"}, nil, "")

	first := e.getWork(t, "harmony/subsetter")
	e.fail(t, first.WorkItem.ID, "corrupt granule")

	mid := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusRunningWithErrors, mid.Status)

	second := e.getWork(t, "harmony/subsetter")
	e.succeed(t, second.WorkItem.ID, []string{"file://out1.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusCompleteWithErrors, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.Len(t, done.Errors, 1)
	assert.Equal(t, "corrupt granule", done.Errors[0].Message)
	assert.Len(t, done.Links, 1, "the successful item's output still surfaces")
}

func TestIgnoreErrors_ProducerFailureStillFatal(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
	})
	job := e.createJob(t, true, 2, producerStep(`{}`), subsetterStep())

	producer := e.getWork(t, "harmony/query-cmr")
	e.fail(t, producer.WorkItem.ID, "catalog unavailable")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
}

func TestMaxErrorsExceeded_FailsJob(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
		c.Orchestration.MaxErrorsForJob = 1
	})
	job := e.createJob(t, true, 3, producerStep(`{}`), subsetterStep())

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json", "file://cat2.json"}, nil, "")

	first := e.getWork(t, "harmony/subsetter")
	e.fail(t, first.WorkItem.ID, "corrupt granule")
	assert.Equal(t, models.JobStatusRunningWithErrors, e.reloadJob(t, job.ID).Status)

	second := e.getWork(t, "harmony/subsetter")
	e.fail(t, second.WorkItem.ID, "corrupt granule")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, "Maximum allowed errors 1 exceeded", done.Message)

	// The untouched third item was canceled by the cascade.
	_, err := e.dispatcher.GetWork(context.Background(), "harmony/subsetter")
	assert.ErrorIs(t, err, models.ErrNoWork)
}

func TestMaxPercentErrorsExceeded_FailsJob(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
		c.Orchestration.MinCompletedWorkItemsToCheckFailurePercentage = 2
		c.Orchestration.MaxPercentErrorsForJob = 10
	})
	job := e.createJob(t, true, 3, producerStep(`{}`), subsetterStep())

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json", "file://cat2.json"}, nil, "")

	first := e.getWork(t, "harmony/subsetter")
	e.fail(t, first.WorkItem.ID, "corrupt granule")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, "Maximum allowed percentage of errors 10 exceeded", done.Message)
}

func TestMaxPercentErrors_FractionalExceedance(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
		c.Orchestration.MinCompletedWorkItemsToCheckFailurePercentage = 2
		c.Orchestration.MaxPercentErrorsForJob = 30
	})
	job := e.createJob(t, true, 12, producerStep(`{}`), subsetterStep())

	results := make([]string, 12)
	for i := range results {
		results[i] = "file://cat.json"
	}
	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID, results, nil, "")

	for i := 0; i < 8; i++ {
		msg := e.getWork(t, "harmony/subsetter")
		e.succeed(t, msg.WorkItem.ID, []string{"file://out.json"}, nil, "")
	}
	for i := 0; i < 3; i++ {
		msg := e.getWork(t, "harmony/subsetter")
		e.fail(t, msg.WorkItem.ID, "corrupt granule")
	}
	// 3 errors in 12 completions is 25%; the job survives.
	assert.Equal(t, models.JobStatusRunningWithErrors, e.reloadJob(t, job.ID).Status)

	// 4 errors in 13 completions is 30.8%: over the 30% cap even though the
	// floored percentage reads exactly 30.
	msg := e.getWork(t, "harmony/subsetter")
	e.fail(t, msg.WorkItem.ID, "corrupt granule")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, "Maximum allowed percentage of errors 30 exceeded", done.Message)
}

// -----------------------------------------------------------------------
// Lifecycle operations
// -----------------------------------------------------------------------

func TestCancelJob_CascadesToWorkItems(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	msg := e.getWork(t, "harmony/query-cmr")

	canceled, err := e.jobs.CancelJob(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)
	assert.Equal(t, "Canceled by user", canceled.Message)

	item := e.workItem(t, msg.WorkItem.ID)
	assert.Equal(t, models.WorkItemStatusCanceled, item.Status)

	// A late report from the canceled item is dropped without error.
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &models.WorkItemUpdate{
		WorkItemID: msg.WorkItem.ID,
		Status:     models.WorkItemStatusSuccessful,
	}))
	assert.Equal(t, models.JobStatusCanceled, e.reloadJob(t, job.ID).Status)
}

func TestCancelJob_AdminMessage(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	canceled, err := e.jobs.CancelJob(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Canceled by admin", canceled.Message)
}

func TestCancelJob_TerminalConflict(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	_, err := e.jobs.CancelJob(context.Background(), job.ID, false)
	require.NoError(t, err)

	_, err = e.jobs.CancelJob(context.Background(), job.ID, false)
	var illegal *models.IllegalStateTransitionError
	assert.ErrorAs(t, err, &illegal)
}

func TestPauseAndResume(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	paused, err := e.jobs.PauseJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, paused.Status)

	_, err = e.dispatcher.GetWork(context.Background(), "harmony/query-cmr")
	assert.ErrorIs(t, err, models.ErrNoWork, "paused jobs do not dispatch")

	resumed, err := e.jobs.ResumeJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resumed.Status)

	msg := e.getWork(t, "harmony/query-cmr")
	assert.Equal(t, job.ID, msg.WorkItem.JobID)
}

func TestPausedJob_AbsorbsSuccessAndCompletesOnResume(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, producerStep(`{}`))

	msg := e.getWork(t, "harmony/query-cmr")

	paused, err := e.jobs.PauseJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPaused, paused.Status)

	// The in-flight worker reports back normally. The success must stick,
	// but the paused job must not complete yet.
	e.succeed(t, msg.WorkItem.ID, []string{"file://cat0.json"}, nil, "")

	item := e.workItem(t, msg.WorkItem.ID)
	assert.Equal(t, models.WorkItemStatusSuccessful, item.Status)
	assert.Equal(t, models.JobStatusPaused, e.reloadJob(t, job.ID).Status)

	resumed, err := e.jobs.ResumeJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccessful, resumed.Status)
	assert.Equal(t, 100, resumed.Progress)
	require.Len(t, e.reloadJob(t, job.ID).Links, 1)
}

func TestPausedJob_ToleratedFailureCompletesWithErrorsOnResume(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
	})
	job := e.createJob(t, true, 2, producerStep(`{}`), subsetterStep())

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID, []string{"file://cat0.json", "file://cat1.json"}, nil, "")

	first := e.getWork(t, "harmony/subsetter")
	second := e.getWork(t, "harmony/subsetter")

	_, err := e.jobs.PauseJob(context.Background(), job.ID)
	require.NoError(t, err)

	e.fail(t, first.WorkItem.ID, "corrupt granule")
	e.succeed(t, second.WorkItem.ID, []string{"file://out1.json"}, nil, "")
	assert.Equal(t, models.JobStatusPaused, e.reloadJob(t, job.ID).Status)

	resumed, err := e.jobs.ResumeJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteWithErrors, resumed.Status)
	require.Len(t, e.reloadJob(t, job.ID).Errors, 1)
}

func TestPausedJob_FatalFailureFailsJob(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
	})
	job := e.createJob(t, false, 1, producerStep(`{}`))

	msg := e.getWork(t, "harmony/query-cmr")

	_, err := e.jobs.PauseJob(context.Background(), job.ID)
	require.NoError(t, err)

	e.fail(t, msg.WorkItem.ID, "catalog unavailable")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, "WorkItem failed: catalog unavailable", done.Message)
}

func TestSingleNonProducerStepJobCompletes(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 1, subsetterStep())

	msg := e.getWork(t, "harmony/subsetter")
	e.succeed(t, msg.WorkItem.ID, []string{"file://out0.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.Len(t, done.Links, 1)
	assert.Equal(t, "file://out0.json", done.Links[0].Href)
}

// -----------------------------------------------------------------------
// Preview
// -----------------------------------------------------------------------

func TestPreview_PausesAfterFirstPage(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.PreviewThreshold = 5
	})
	job := e.createJob(t, false, 10,
		producerStep(`{"accessToken":"original"}`), subsetterStep())
	assert.Equal(t, models.JobStatusPreviewing, job.Status)

	// While previewing only the catalog query dispatches.
	msg := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, msg.WorkItem.ID, []string{"file://cat0.json"}, nil, "scroll-1")

	paused := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusPaused, paused.Status)
	assert.Equal(t, "The job is paused and may be resumed using the skip preview operation", paused.Message)

	_, err := e.dispatcher.GetWork(context.Background(), "harmony/query-cmr")
	assert.ErrorIs(t, err, models.ErrNoWork)
	_, err = e.dispatcher.GetWork(context.Background(), "harmony/subsetter")
	assert.ErrorIs(t, err, models.ErrNoWork)
}

func TestSkipPreview_ResumesAndRewritesToken(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.PreviewThreshold = 5
	})
	job := e.createJob(t, false, 10,
		producerStep(`{"accessToken":"original","collection":"C1"}`), subsetterStep())

	msg := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, msg.WorkItem.ID, []string{"file://cat0.json"}, nil, "scroll-1")
	require.Equal(t, models.JobStatusPaused, e.reloadJob(t, job.ID).Status)

	resumed, err := e.jobs.SkipPreview(context.Background(), job.ID, "fresh-token")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resumed.Status)

	// The scroll sibling created before pausing is dispatchable again, and
	// its operation carries the fresh token.
	sibling := e.getWork(t, "harmony/query-cmr")
	assert.Equal(t, "scroll-1", sibling.WorkItem.ScrollID)

	var operation map[string]any
	require.NoError(t, json.Unmarshal(sibling.Operation, &operation))
	assert.Equal(t, "fresh-token", operation["accessToken"])
	assert.Equal(t, "C1", operation["collection"])

	step, err := e.store.Work().GetWorkflowStep(context.Background(), job.ID, 2)
	require.NoError(t, err)
	var downstream map[string]any
	require.NoError(t, json.Unmarshal([]byte(step.Operation), &downstream))
	assert.Equal(t, "fresh-token", downstream["accessToken"], "every step operation is rewritten")
}

func TestSkipPreview_CompletesWhenNoWorkRemains(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.PreviewThreshold = 5
	})
	job := e.createJob(t, false, 10, producerStep(`{}`))

	// The only item finishes its final page while the job auto-pauses.
	msg := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, msg.WorkItem.ID, []string{"file://cat0.json"}, nil, "")
	require.Equal(t, models.JobStatusPaused, e.reloadJob(t, job.ID).Status)

	resumed, err := e.jobs.SkipPreview(context.Background(), job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccessful, resumed.Status)
	assert.Equal(t, 100, resumed.Progress)
}

// -----------------------------------------------------------------------
// Batching
// -----------------------------------------------------------------------

func TestBatching_SealsOnMaxInputs(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 2,
		producerStep(`{}`),
		StepSpec{
			ServiceID:      "harmony/concise",
			Operation:      json.RawMessage(`{}`),
			IsBatched:      true,
			MaxBatchInputs: 1,
		})

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json"}, []int64{10, 20}, "")

	first := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://cat0.json"}, first.WorkItem.Inputs)
	assert.Equal(t, int64(10), first.WorkItem.TotalItemsSize)

	second := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://cat1.json"}, second.WorkItem.Inputs)
	assert.Equal(t, int64(20), second.WorkItem.TotalItemsSize)
	assert.Greater(t, second.WorkItem.SortIndex, first.WorkItem.SortIndex)

	e.succeed(t, first.WorkItem.ID, []string{"file://merged0.json"}, nil, "")
	e.succeed(t, second.WorkItem.ID, []string{"file://merged1.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)
}

func TestBatching_FinalPartialBatchSealedOnStepClose(t *testing.T) {
	e := setupTestEnv(t, nil)
	job := e.createJob(t, false, 2,
		producerStep(`{}`),
		StepSpec{
			ServiceID:      "harmony/concise",
			Operation:      json.RawMessage(`{}`),
			IsBatched:      true,
			MaxBatchInputs: 3,
		})

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json"}, []int64{10, 20}, "")

	// Two inputs under a cap of three: the batch only seals because the
	// producer finished and no further inputs can arrive.
	aggregate := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://cat0.json", "file://cat1.json"}, aggregate.WorkItem.Inputs)
	assert.Equal(t, int64(30), aggregate.WorkItem.TotalItemsSize)

	e.succeed(t, aggregate.WorkItem.ID, []string{"file://merged.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusSuccessful, done.Status)
	require.Len(t, done.Links, 1)
	assert.Equal(t, "file://merged.json", done.Links[0].Href)
}

func TestBatching_MidStreamFailureSkipsFailedInput(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Orchestration.WorkItemRetryLimit = 0
	})
	job := e.createJob(t, true, 3,
		producerStep(`{}`),
		subsetterStep(),
		StepSpec{
			ServiceID:      "harmony/concise",
			Operation:      json.RawMessage(`{}`),
			IsBatched:      true,
			MaxBatchInputs: 1,
		})

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json", "file://cat2.json"}, nil, "")

	first := e.getWork(t, "harmony/subsetter")
	e.succeed(t, first.WorkItem.ID, []string{"file://t0.json"}, []int64{10}, "")

	agg1 := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://t0.json"}, agg1.WorkItem.Inputs)

	// The failed input contributes nothing to the batched step.
	second := e.getWork(t, "harmony/subsetter")
	e.fail(t, second.WorkItem.ID, "corrupt granule")
	_, err := e.dispatcher.GetWork(context.Background(), "harmony/concise")
	assert.ErrorIs(t, err, models.ErrNoWork)
	assert.Equal(t, models.JobStatusRunningWithErrors, e.reloadJob(t, job.ID).Status)

	third := e.getWork(t, "harmony/subsetter")
	e.succeed(t, third.WorkItem.ID, []string{"file://t2.json"}, []int64{30}, "")

	agg2 := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://t2.json"}, agg2.WorkItem.Inputs)

	e.succeed(t, agg1.WorkItem.ID, []string{"file://m0.json"}, nil, "")
	e.succeed(t, agg2.WorkItem.ID, []string{"file://m1.json"}, nil, "")

	done := e.reloadJob(t, job.ID)
	assert.Equal(t, models.JobStatusCompleteWithErrors, done.Status)
	require.Len(t, done.Errors, 1)
	assert.Len(t, done.Links, 2, "only the surviving aggregates produced outputs")

	// Exactly two aggregates ever existed.
	_, err = e.dispatcher.GetWork(context.Background(), "harmony/concise")
	assert.ErrorIs(t, err, models.ErrNoWork)
	assert.Equal(t, models.WorkItemStatusFailed, e.workItem(t, second.WorkItem.ID).Status)
}

func TestBatching_SizeCapSplitsBatches(t *testing.T) {
	e := setupTestEnv(t, nil)
	e.createJob(t, false, 2,
		producerStep(`{}`),
		StepSpec{
			ServiceID:           "harmony/concise",
			Operation:           json.RawMessage(`{}`),
			IsBatched:           true,
			MaxBatchInputs:      10,
			MaxBatchSizeInBytes: 25,
		})

	producer := e.getWork(t, "harmony/query-cmr")
	e.succeed(t, producer.WorkItem.ID,
		[]string{"file://cat0.json", "file://cat1.json"}, []int64{20, 20}, "")

	first := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://cat0.json"}, first.WorkItem.Inputs,
		"second input does not fit under the byte cap")

	second := e.getWork(t, "harmony/concise")
	assert.Equal(t, []string{"file://cat1.json"}, second.WorkItem.Inputs)
}

func TestBatching_SizesFromObjectStore(t *testing.T) {
	e := setupTestEnv(t, nil)
	require.NoError(t, e.objects.Put(context.Background(), "cat0.json", []byte("0123456789")))

	e.createJob(t, false, 1,
		producerStep(`{}`),
		StepSpec{
			ServiceID:      "harmony/concise",
			Operation:      json.RawMessage(`{}`),
			IsBatched:      true,
			MaxBatchInputs: 1,
		})

	producer := e.getWork(t, "harmony/query-cmr")
	// No reported sizes: batching stats the artifact instead.
	e.succeed(t, producer.WorkItem.ID, []string{"cat0.json"}, nil, "")

	aggregate := e.getWork(t, "harmony/concise")
	assert.Equal(t, int64(10), aggregate.WorkItem.TotalItemsSize)
}

// -----------------------------------------------------------------------
// Update intake
// -----------------------------------------------------------------------

func TestSubmitUpdate(t *testing.T) {
	e := setupTestEnv(t, nil)
	e.createJob(t, false, 1, producerStep(`{}`))
	msg := e.getWork(t, "harmony/query-cmr")
	ctx := context.Background()

	err := e.updates.SubmitUpdate(ctx, &models.WorkItemUpdate{
		WorkItemID: msg.WorkItem.ID,
		Status:     models.WorkItemStatusRunning,
	})
	var invalid *models.ValidationError
	assert.ErrorAs(t, err, &invalid, "services may only report terminal statuses")

	err = e.updates.SubmitUpdate(ctx, &models.WorkItemUpdate{
		WorkItemID: 99999,
		Status:     models.WorkItemStatusSuccessful,
	})
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, e.updates.SubmitUpdate(ctx, &models.WorkItemUpdate{
		WorkItemID: msg.WorkItem.ID,
		Status:     models.WorkItemStatusSuccessful,
	}))

	updateQueue, err := e.queues.Queue(queue.UpdateQueueName)
	require.NoError(t, err)
	depth, err := updateQueue.ApproxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Once the item finishes, further reports conflict.
	e.succeed(t, msg.WorkItem.ID, nil, nil, "")
	err = e.updates.SubmitUpdate(ctx, &models.WorkItemUpdate{
		WorkItemID: msg.WorkItem.ID,
		Status:     models.WorkItemStatusFailed,
	})
	assert.ErrorIs(t, err, models.ErrConflict)
}

// -----------------------------------------------------------------------
// Failer
// -----------------------------------------------------------------------

func TestFailer_TimesOutStuckWork(t *testing.T) {
	e := setupTestEnv(t, nil)
	e.createJob(t, false, 1, producerStep(`{}`))
	msg := e.getWork(t, "harmony/query-cmr")

	clock := &common.FixedClock{Time: time.Now().Add(10 * time.Minute)}
	failer := NewFailer(e.store, e.queues, e.config, arbor.NewLogger(), clock)

	require.NoError(t, failer.Sweep(context.Background()))

	updateQueue, err := e.queues.Queue(queue.UpdateQueueName)
	require.NoError(t, err)
	messages, err := updateQueue.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var update models.WorkItemUpdate
	require.NoError(t, json.Unmarshal(messages[0].Body, &update))
	assert.Equal(t, msg.WorkItem.ID, update.WorkItemID)
	assert.Equal(t, models.WorkItemStatusFailed, update.Status)
	assert.Contains(t, update.Message, "has exceeded the")
	assert.Contains(t, update.Message, "ms duration threshold.")

	// The synthetic failure takes the normal retry path.
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &update))
	item := e.workItem(t, msg.WorkItem.ID)
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 1, item.RetryCount)
}

func TestFailer_LeavesFreshWorkAlone(t *testing.T) {
	e := setupTestEnv(t, nil)
	e.createJob(t, false, 1, producerStep(`{}`))
	e.getWork(t, "harmony/query-cmr")

	// Real time: the item started moments ago.
	failer := NewFailer(e.store, e.queues, e.config, arbor.NewLogger(), nil)
	require.NoError(t, failer.Sweep(context.Background()))

	updateQueue, err := e.queues.Queue(queue.UpdateQueueName)
	require.NoError(t, err)
	depth, err := updateQueue.ApproxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestFailer_SkipsSweepUnderBackpressure(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		c.Failer.MaxWorkItemsOnUpdateQueueFailer = 0
	})
	e.createJob(t, false, 1, producerStep(`{}`))
	e.getWork(t, "harmony/query-cmr")

	updateQueue, err := e.queues.Queue(queue.UpdateQueueName)
	require.NoError(t, err)
	require.NoError(t, updateQueue.Send(context.Background(), []byte(`{}`), ""))

	clock := &common.FixedClock{Time: time.Now().Add(10 * time.Minute)}
	failer := NewFailer(e.store, e.queues, e.config, arbor.NewLogger(), clock)
	require.NoError(t, failer.Sweep(context.Background()))

	depth, err := updateQueue.ApproxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "backlogged update queue defers the sweep")
}

func TestFailer_OutlierThresholdFromSuccessfulDurations(t *testing.T) {
	e := setupTestEnv(t, func(c *common.Config) {
		// Make the static fallback enormous so only the observed-duration
		// threshold can fire.
		c.Failer.DefaultTimeoutSeconds = 24 * 3600
	})
	e.createJob(t, false, 4000, producerStep(`{}`), subsetterStep())

	first := e.getWork(t, "harmony/query-cmr")
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &models.WorkItemUpdate{
		WorkItemID: first.WorkItem.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"file://cat0.json"},
		ScrollID:   "scroll-1",
		DurationMs: 1000,
	}))
	second := e.getWork(t, "harmony/query-cmr")
	require.NoError(t, e.updates.ProcessUpdate(context.Background(), &models.WorkItemUpdate{
		WorkItemID: second.WorkItem.ID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    []string{"file://cat1.json"},
		ScrollID:   "scroll-2",
		DurationMs: 2000,
	}))

	// Third page is claimed and then stalls.
	third := e.getWork(t, "harmony/query-cmr")

	clock := &common.FixedClock{Time: time.Now().Add(10 * time.Minute)}
	failer := NewFailer(e.store, e.queues, e.config, arbor.NewLogger(), clock)
	require.NoError(t, failer.Sweep(context.Background()))

	updateQueue, err := e.queues.Queue(queue.UpdateQueueName)
	require.NoError(t, err)
	messages, err := updateQueue.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var update models.WorkItemUpdate
	require.NoError(t, json.Unmarshal(messages[0].Body, &update))
	assert.Equal(t, third.WorkItem.ID, update.WorkItemID)
	assert.Contains(t, update.Message, "4000 ms", "twice the slowest observed success")
}
