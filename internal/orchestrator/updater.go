// -----------------------------------------------------------------------
// Update processor - applies work item results and drives job state
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
	"github.com/harmony-eo/harmony/internal/queue"
)

// UpdateProcessor consumes work item status updates and applies them under
// the per-job transaction: item transitions, retry accounting, the error
// policy, downstream materialization, batching, progress, and completion.
type UpdateProcessor struct {
	store   interfaces.StorageManager
	queues  interfaces.QueueProvider
	objects interfaces.ObjectStore
	config  *common.Config
	logger  arbor.ILogger
}

// updateOutcome collects scheduler signals to send after the transaction
// commits. Signaling inside the transaction could wake a worker before the
// ready item is visible.
type updateOutcome struct {
	signals map[string]bool
}

func (o *updateOutcome) signal(serviceID string) {
	if o.signals == nil {
		o.signals = make(map[string]bool)
	}
	o.signals[serviceID] = true
}

// NewUpdateProcessor creates a new update processor.
func NewUpdateProcessor(store interfaces.StorageManager, queues interfaces.QueueProvider,
	objects interfaces.ObjectStore, config *common.Config, logger arbor.ILogger) *UpdateProcessor {
	return &UpdateProcessor{
		store:   store,
		queues:  queues,
		objects: objects,
		config:  config,
		logger:  logger,
	}
}

// SubmitUpdate validates an incoming update against current state and
// enqueues it. Missing items return models.ErrNotFound; items that already
// finished return models.ErrConflict so the caller can answer 409.
func (p *UpdateProcessor) SubmitUpdate(ctx context.Context, update *models.WorkItemUpdate) error {
	switch update.Status {
	case models.WorkItemStatusSuccessful, models.WorkItemStatusWarning, models.WorkItemStatusFailed:
	default:
		return &models.ValidationError{Field: "status", Reason: "must be successful, warning, or failed"}
	}

	item, err := p.store.Work().GetWorkItem(ctx, update.WorkItemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return models.ErrConflict
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	updateQueue, err := p.queues.Queue(queue.UpdateQueueName)
	if err != nil {
		return err
	}
	return updateQueue.Send(ctx, body, item.JobID)
}

// Run consumes the update queue with the configured concurrency until the
// context is canceled.
func (p *UpdateProcessor) Run(ctx context.Context) error {
	updateQueue, err := p.queues.Queue(queue.UpdateQueueName)
	if err != nil {
		return err
	}

	p.logger.Info().Int("concurrency", p.config.Orchestration.UpdateConcurrency).Msg("Update processor started")

	var wg sync.WaitGroup
	for i := 0; i < p.config.Orchestration.UpdateConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx, updateQueue)
		}()
	}
	wg.Wait()
	p.logger.Info().Msg("Update processor stopped")
	return nil
}

func (p *UpdateProcessor) consume(ctx context.Context, updateQueue interfaces.Queue) {
	ticker := time.NewTicker(p.config.QueuePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		messages, err := updateQueue.Receive(ctx, 1)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("failed to receive update")
			}
			continue
		}
		for _, msg := range messages {
			var update models.WorkItemUpdate
			if err := json.Unmarshal(msg.Body, &update); err != nil {
				p.logger.Warn().Err(err).Msg("dropping malformed update")
				_ = updateQueue.Delete(ctx, msg.Receipt)
				continue
			}
			if err := p.ProcessUpdate(ctx, &update); err != nil {
				// Leave the message for redelivery after the visibility
				// timeout; processing is idempotent on terminal items.
				p.logger.Warn().Err(err).Int64("work_item_id", update.WorkItemID).Msg("update processing failed")
				continue
			}
			_ = updateQueue.Delete(ctx, msg.Receipt)
		}
	}
}

// ProcessUpdate applies one update. Stale updates, updates for missing
// items, and updates against finished jobs are dropped without error so
// at-least-once delivery stays idempotent.
func (p *UpdateProcessor) ProcessUpdate(ctx context.Context, update *models.WorkItemUpdate) error {
	peek, err := p.store.Work().GetWorkItem(ctx, update.WorkItemID)
	if errors.Is(err, models.ErrNotFound) {
		p.logger.Warn().Int64("work_item_id", update.WorkItemID).Msg("dropping update for unknown work item")
		return nil
	}
	if err != nil {
		return err
	}

	outcome := &updateOutcome{}
	err = p.store.WithJobTx(ctx, peek.JobID, func(tx interfaces.JobTx) error {
		return p.applyUpdate(tx, peek.JobID, update, outcome)
	})
	if err != nil {
		return err
	}

	for serviceID := range outcome.signals {
		signalScheduler(ctx, p.queues, p.logger, serviceID)
	}
	return nil
}

func (p *UpdateProcessor) applyUpdate(tx interfaces.JobTx, jobID string, update *models.WorkItemUpdate, outcome *updateOutcome) error {
	job, err := tx.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		p.logger.Debug().Str("job_id", jobID).Int64("work_item_id", update.WorkItemID).Msg("dropping update for finished job")
		return nil
	}

	item, err := tx.GetWorkItem(update.WorkItemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		p.logger.Debug().Int64("work_item_id", item.ID).Str("status", string(item.Status)).Msg("dropping update for finished work item")
		return nil
	}

	step, err := tx.GetWorkflowStep(jobID, item.StepIndex)
	if err != nil {
		return err
	}

	switch update.Status {
	case models.WorkItemStatusFailed:
		if err := p.applyFailure(tx, job, step, item, update, outcome); err != nil {
			return err
		}
	case models.WorkItemStatusSuccessful, models.WorkItemStatusWarning:
		if err := p.applySuccess(tx, job, step, item, update, outcome); err != nil {
			return err
		}
	default:
		p.logger.Warn().Int64("work_item_id", item.ID).Str("status", string(update.Status)).Msg("dropping update with invalid status")
		return nil
	}

	if job.Status.IsTerminal() {
		return nil
	}

	if err := p.closeFinishedSteps(tx, job, outcome); err != nil {
		return err
	}
	if err := p.updateProgress(tx, job); err != nil {
		return err
	}
	if err := p.checkJobCompletion(tx, job); err != nil {
		return err
	}
	return tx.UpdateJob(job)
}

// applyFailure handles a failed report: retry while the budget lasts, then
// record the error and evaluate the job's error policy.
func (p *UpdateProcessor) applyFailure(tx interfaces.JobTx, job *models.Job, step *models.WorkflowStep,
	item *models.WorkItem, update *models.WorkItemUpdate, outcome *updateOutcome) error {

	message := update.Message
	if message == "" {
		message = "Unknown error"
	}
	item.Message = message
	item.RetryCount++
	if update.DurationMs > 0 {
		item.DurationMs = update.DurationMs
	}

	if item.RetryCount <= p.config.Orchestration.WorkItemRetryLimit {
		if err := tx.TransitionWorkItem(item, models.WorkItemStatusReady); err != nil {
			return err
		}
		outcome.signal(item.ServiceID)
		p.logger.Info().
			Int64("work_item_id", item.ID).
			Str("job_id", job.ID).
			Int("retry", item.RetryCount).
			Msg("Work item requeued after failure")
		return nil
	}

	if err := tx.TransitionWorkItem(item, models.WorkItemStatusFailed); err != nil {
		return err
	}
	if err := tx.AddJobError(&models.JobError{
		JobID:    job.ID,
		URL:      firstOrEmpty(item.Inputs),
		Message:  message,
		Category: models.ErrorCategoryError,
	}); err != nil {
		return err
	}

	// Catalog-query failures are always fatal: without inputs nothing
	// downstream can run, so ignoreErrors does not apply to them.
	tolerate := job.IgnoreErrors && !step.IsInputProducer
	if !tolerate {
		return p.failJob(tx, job, fmt.Sprintf("WorkItem failed: %s", message))
	}

	errorCount, _, err := tx.ErrorCounts(job.ID)
	if err != nil {
		return err
	}
	if max := p.config.Orchestration.MaxErrorsForJob; max > 0 && errorCount > max {
		return p.failJob(tx, job,
			fmt.Sprintf("Maximum allowed errors %d exceeded", max))
	}

	terminal, err := tx.TerminalWorkItemCount(job.ID)
	if err != nil {
		return err
	}
	minSample := p.config.Orchestration.MinCompletedWorkItemsToCheckFailurePercentage
	maxPercent := p.config.Orchestration.MaxPercentErrorsForJob
	// Cross-multiplied so fractional percentages are not floored away.
	if maxPercent > 0 && terminal >= minSample && 100*errorCount > maxPercent*terminal {
		return p.failJob(tx, job,
			fmt.Sprintf("Maximum allowed percentage of errors %d exceeded", maxPercent))
	}

	if job.Status == models.JobStatusRunning {
		if err := job.Transition(models.JobStatusRunningWithErrors, "", false); err != nil {
			return err
		}
	}
	return nil
}

// applySuccess handles a successful or warning report: persist the outputs,
// continue catalog paging, and materialize downstream work.
func (p *UpdateProcessor) applySuccess(tx interfaces.JobTx, job *models.Job, step *models.WorkflowStep,
	item *models.WorkItem, update *models.WorkItemUpdate, outcome *updateOutcome) error {

	item.Results = update.Results
	item.OutputItemSizes = update.OutputItemSizes
	item.Message = update.Message
	if update.DurationMs > 0 {
		item.DurationMs = update.DurationMs
	}
	item.TotalItemsSize = update.TotalItemsSize
	if item.TotalItemsSize == 0 {
		for _, size := range update.OutputItemSizes {
			item.TotalItemsSize += size
		}
	}

	if err := tx.TransitionWorkItem(item, update.Status); err != nil {
		return err
	}

	if update.Status == models.WorkItemStatusWarning && update.Message != "" {
		if err := tx.AddJobError(&models.JobError{
			JobID:    job.ID,
			URL:      firstOrEmpty(item.Inputs),
			Message:  update.Message,
			Category: models.ErrorCategoryWarning,
		}); err != nil {
			return err
		}
	}

	if step.IsInputProducer {
		if update.ScrollID != "" {
			// More catalog pages remain: spawn a sibling that continues
			// from the reported scroll position.
			sibling := models.NewWorkItem(job.ID, step.StepIndex, step.ServiceID)
			sibling.ScrollID = update.ScrollID
			sortIndex, err := tx.NextSortIndex(job.ID, step.StepIndex)
			if err != nil {
				return err
			}
			sibling.SortIndex = sortIndex
			if err := tx.CreateWorkItems([]*models.WorkItem{sibling}); err != nil {
				return err
			}
			outcome.signal(step.ServiceID)
		} else if !step.IsComplete {
			step.IsComplete = true
			if err := tx.UpdateWorkflowStep(step); err != nil {
				return err
			}
		}
	}

	if err := p.fanOutResults(tx, job, step, item, update, outcome); err != nil {
		return err
	}

	// Previewing jobs pause once the first page of results lands, so the
	// user can inspect them before committing to the full run.
	if job.Status == models.JobStatusPreviewing && step.IsInputProducer {
		if err := job.Transition(models.JobStatusPaused,
			"The job is paused and may be resumed using the skip preview operation", false); err != nil {
			return err
		}
	}
	return nil
}

// fanOutResults materializes the item's outputs: work for the next step,
// batch membership for batched steps, or job links on the final step.
func (p *UpdateProcessor) fanOutResults(tx interfaces.JobTx, job *models.Job, step *models.WorkflowStep,
	item *models.WorkItem, update *models.WorkItemUpdate, outcome *updateOutcome) error {

	if len(item.Results) == 0 {
		return nil
	}

	next, err := tx.GetWorkflowStep(job.ID, step.StepIndex+1)
	if errors.Is(err, models.ErrNotFound) {
		// Final step: surface the outputs on the job itself.
		links := make([]models.JobLink, 0, len(item.Results))
		for _, uri := range item.Results {
			links = append(links, models.JobLink{Href: uri, Rel: "data", Type: "application/json"})
		}
		return tx.AddJobLinks(job.ID, links)
	}
	if err != nil {
		return err
	}

	if !next.IsBatched {
		items := make([]*models.WorkItem, 0, len(item.Results))
		sortIndex, err := tx.NextSortIndex(job.ID, next.StepIndex)
		if err != nil {
			return err
		}
		for _, uri := range item.Results {
			downstream := models.NewWorkItem(job.ID, next.StepIndex, next.ServiceID)
			downstream.Inputs = []string{uri}
			downstream.SortIndex = sortIndex
			sortIndex++
			items = append(items, downstream)
		}
		if err := tx.CreateWorkItems(items); err != nil {
			return err
		}
		outcome.signal(next.ServiceID)
		return nil
	}

	for i, uri := range item.Results {
		size := int64(0)
		if i < len(update.OutputItemSizes) {
			size = update.OutputItemSizes[i]
		}
		if size <= 0 {
			if size, err = p.objects.SizeOf(context.Background(), uri); err != nil {
				return fmt.Errorf("failed to size batch input %s: %w", uri, err)
			}
		}
		if err := p.addToBatch(tx, job, next, uri, size, outcome); err != nil {
			return err
		}
	}
	return nil
}

// closeFinishedSteps walks the pipeline and closes each step whose inputs
// are all known and finished, sealing the successor's final batch and
// marking the successor's input set complete.
func (p *UpdateProcessor) closeFinishedSteps(tx interfaces.JobTx, job *models.Job, outcome *updateOutcome) error {
	for index := 1; ; index++ {
		step, err := tx.GetWorkflowStep(job.ID, index)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !step.IsComplete || step.ReadyCount > 0 || step.RunningCount > 0 {
			return nil
		}

		next, err := tx.GetWorkflowStep(job.ID, index+1)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if next.IsComplete {
			continue
		}

		if next.IsBatched {
			if err := p.sealFinalBatch(tx, job, next, outcome); err != nil {
				return err
			}
		}
		next.IsComplete = true
		if err := tx.UpdateWorkflowStep(next); err != nil {
			return err
		}
	}
}

// updateProgress recomputes the job's progress from terminal item counts.
// Progress never decreases and stays below 100 until the job completes.
func (p *UpdateProcessor) updateProgress(tx interfaces.JobTx, job *models.Job) error {
	steps, err := tx.ListWorkflowSteps(job.ID)
	if err != nil {
		return err
	}
	total := 0
	for _, step := range steps {
		total += step.WorkItemCount
	}
	if total == 0 {
		return nil
	}

	terminal, err := tx.TerminalWorkItemCount(job.ID)
	if err != nil {
		return err
	}
	progress := 100 * terminal / total
	if progress > 99 {
		progress = 99
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

// checkJobCompletion finishes the job once every step is complete, every
// item is terminal, and no batch remains open. Paused and previewing jobs
// keep their recorded state and re-run the check on resume, since the
// status machine has no direct path from paused to a completion status.
func (p *UpdateProcessor) checkJobCompletion(tx interfaces.JobTx, job *models.Job) error {
	switch job.Status {
	case models.JobStatusRunning, models.JobStatusRunningWithErrors:
	default:
		return nil
	}
	return completeJobIfFinished(tx, job, p.logger)
}

// completeJobIfFinished transitions a job whose work is all done to its
// terminal completion status. Shared with resume and skip-preview, whose
// jobs may have had their last items finish while paused.
func completeJobIfFinished(tx interfaces.JobTx, job *models.Job, logger arbor.ILogger) error {
	steps, err := tx.ListWorkflowSteps(job.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if !step.IsComplete || step.ReadyCount > 0 || step.RunningCount > 0 {
			return nil
		}
	}

	unsealed, err := tx.HasUnsealedBatch(job.ID)
	if err != nil {
		return err
	}
	if unsealed {
		return nil
	}

	errorCount, warningCount, err := tx.ErrorCounts(job.ID)
	if err != nil {
		return err
	}

	if errorCount > 0 {
		// Errors recorded while the job was paused never promoted it, so
		// the promotion may still be pending here.
		if job.Status == models.JobStatusRunning {
			if err := job.Transition(models.JobStatusRunningWithErrors, "", false); err != nil {
				return err
			}
		}
		if err := job.Transition(models.JobStatusCompleteWithErrors, "", false); err != nil {
			return err
		}
	} else {
		message := ""
		if warningCount > 0 {
			message = "The job has completed successfully, but some items produced warnings. See the warnings field for more details"
		}
		if err := job.Transition(models.JobStatusSuccessful, message, false); err != nil {
			return err
		}
	}

	logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("errors", errorCount).
		Int("warnings", warningCount).
		Msg("Job completed")
	return nil
}

// failJob fails the job and cancels everything still pending. A paused job
// has no direct path to failed, so it passes through running first.
func (p *UpdateProcessor) failJob(tx interfaces.JobTx, job *models.Job, message string) error {
	if !job.Status.CanTransitionTo(models.JobStatusFailed) {
		if err := job.Transition(models.JobStatusRunning, "", false); err != nil {
			return err
		}
	}
	if err := job.Transition(models.JobStatusFailed, message, false); err != nil {
		return err
	}
	if err := tx.UpdateJob(job); err != nil {
		return err
	}
	canceled, err := tx.CancelActiveWorkItems(job.ID)
	if err != nil {
		return err
	}
	p.logger.Info().
		Str("job_id", job.ID).
		Str("message", message).
		Int("canceled_work_items", canceled).
		Msg("Job failed")
	return nil
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
