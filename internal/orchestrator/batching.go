// -----------------------------------------------------------------------
// Batching - fills, seals, and aggregates batches for batched steps
// -----------------------------------------------------------------------

package orchestrator

import (
	"errors"

	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
)

// addToBatch assigns one completed input to the step's open batch, opening
// a new batch when none fits. A batch that reaches either cap is sealed
// immediately and becomes one aggregate work item.
func (p *UpdateProcessor) addToBatch(tx interfaces.JobTx, job *models.Job, step *models.WorkflowStep,
	catalogURI string, size int64, outcome *updateOutcome) error {

	batch, err := tx.OpenBatch(job.ID, step.StepIndex)
	if errors.Is(err, models.ErrNotFound) {
		batch = nil
	} else if err != nil {
		return err
	}

	if batch != nil && !step.HasBatchRoom(batch.ItemCount, batch.TotalSize, size) {
		if err := p.sealBatch(tx, job, step, batch, false, outcome); err != nil {
			return err
		}
		batch = nil
	}

	if batch == nil {
		sortIndex, err := tx.CountBatches(job.ID, step.StepIndex)
		if err != nil {
			return err
		}
		batch = &models.Batch{
			JobID:     job.ID,
			StepIndex: step.StepIndex,
			SortIndex: sortIndex,
		}
		if err := tx.CreateBatch(batch); err != nil {
			return err
		}
	}

	if err := tx.AddBatchItem(&models.BatchItem{
		BatchID:    batch.ID,
		JobID:      job.ID,
		StepIndex:  step.StepIndex,
		SortIndex:  batch.ItemCount,
		CatalogURI: catalogURI,
		Size:       size,
	}); err != nil {
		return err
	}
	batch.ItemCount++
	batch.TotalSize += size

	// Seal eagerly on a full input count so the aggregate item dispatches
	// without waiting for the next result to arrive.
	if step.MaxBatchInputs > 0 && batch.ItemCount >= step.MaxBatchInputs {
		return p.sealBatch(tx, job, step, batch, false, outcome)
	}
	return tx.UpdateBatch(batch)
}

// sealFinalBatch closes out a batched step once no further inputs can
// arrive. The open batch, if any, is sealed as the last one regardless of
// how full it is.
func (p *UpdateProcessor) sealFinalBatch(tx interfaces.JobTx, job *models.Job, step *models.WorkflowStep,
	outcome *updateOutcome) error {

	batch, err := tx.OpenBatch(job.ID, step.StepIndex)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.sealBatch(tx, job, step, batch, true, outcome)
}

// sealBatch marks the batch sealed and turns it into one aggregate work
// item carrying every member catalog as input.
func (p *UpdateProcessor) sealBatch(tx interfaces.JobTx, job *models.Job, step *models.WorkflowStep,
	batch *models.Batch, isLast bool, outcome *updateOutcome) error {

	batch.IsSealed = true
	batch.IsLast = isLast
	if err := tx.UpdateBatch(batch); err != nil {
		return err
	}

	members, err := tx.ListBatchItems(batch.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	inputs := make([]string, 0, len(members))
	for _, member := range members {
		inputs = append(inputs, member.CatalogURI)
	}

	aggregate := models.NewWorkItem(job.ID, step.StepIndex, step.ServiceID)
	aggregate.Inputs = inputs
	aggregate.SortIndex = batch.SortIndex
	aggregate.TotalItemsSize = batch.TotalSize
	if err := tx.CreateWorkItems([]*models.WorkItem{aggregate}); err != nil {
		return err
	}
	outcome.signal(step.ServiceID)

	p.logger.Debug().
		Str("job_id", job.ID).
		Int("step", step.StepIndex).
		Int("batch", batch.SortIndex).
		Int("inputs", len(inputs)).
		Bool("last", isLast).
		Msg("Batch sealed")
	return nil
}
