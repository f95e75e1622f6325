// -----------------------------------------------------------------------
// Work failer - times out stuck work through the normal update pipeline
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
	"github.com/harmony-eo/harmony/internal/queue"
)

// Failer periodically sweeps for work items that have been running or
// queued for too long and feeds synthetic failure updates into the update
// queue. The updates flow through the normal retry path, so a timed-out
// item gets its retry budget before failing for good.
type Failer struct {
	store  interfaces.StorageManager
	queues interfaces.QueueProvider
	config *common.Config
	logger arbor.ILogger
	clock  common.Clock
	cron   *cron.Cron
}

// NewFailer creates a new work failer.
func NewFailer(store interfaces.StorageManager, queues interfaces.QueueProvider,
	config *common.Config, logger arbor.ILogger, clock common.Clock) *Failer {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Failer{
		store:  store,
		queues: queues,
		config: config,
		logger: logger,
		clock:  clock,
	}
}

// Start schedules the periodic sweep.
func (f *Failer) Start() error {
	if !f.config.Failer.Enabled {
		f.logger.Info().Msg("Work failer disabled")
		return nil
	}

	f.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", f.config.Failer.WorkFailerPeriodSec)
	if _, err := f.cron.AddFunc(spec, func() {
		if err := f.Sweep(context.Background()); err != nil {
			f.logger.Warn().Err(err).Msg("work failer sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule work failer: %w", err)
	}
	f.cron.Start()
	f.logger.Info().Str("period", spec).Msg("Work failer started")
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (f *Failer) Stop() {
	if f.cron != nil {
		<-f.cron.Stop().Done()
	}
}

// Sweep pages through old running and queued items and fails the ones past
// their duration threshold. The sweep yields when the update queue is
// already deep, since failing more work would only add to the backlog.
func (f *Failer) Sweep(ctx context.Context) error {
	updateQueue, err := f.queues.Queue(queue.UpdateQueueName)
	if err != nil {
		return err
	}

	if max := f.config.Failer.MaxWorkItemsOnUpdateQueueFailer; max >= 0 {
		depth, err := updateQueue.ApproxDepth(ctx)
		if err != nil {
			return err
		}
		if depth > max {
			f.logger.Info().Int("depth", depth).Int("max", max).Msg("skipping failer sweep, update queue backlog")
			return nil
		}
	}

	now := f.clock.Now()
	cutoff := now.Add(-time.Duration(f.config.Failer.FailableWorkAgeMinutes) * time.Minute)
	batchSize := f.config.Failer.WorkFailerBatchSize

	var afterID int64
	failed := 0
	for {
		items, err := f.store.Work().GetStuckWorkItems(ctx, cutoff, afterID, batchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			afterID = item.ID

			threshold, err := f.threshold(ctx, item)
			if err != nil {
				f.logger.Warn().Err(err).Int64("work_item_id", item.ID).Msg("failed to compute duration threshold")
				continue
			}
			if now.Sub(f.referenceTime(item)) <= threshold {
				continue
			}

			update := models.WorkItemUpdate{
				WorkItemID: item.ID,
				Status:     models.WorkItemStatusFailed,
				Message: fmt.Sprintf("Work item %d has exceeded the %d ms duration threshold.",
					item.ID, threshold.Milliseconds()),
			}
			body, err := json.Marshal(update)
			if err != nil {
				return err
			}
			if err := updateQueue.Send(ctx, body, item.JobID); err != nil {
				return err
			}
			failed++
		}

		if len(items) < batchSize {
			break
		}
	}

	if failed > 0 {
		f.logger.Info().Int("count", failed).Msg("Work items timed out")
	}
	return nil
}

// threshold returns the duration after which an item counts as stuck.
// Once a (job, service, step) has at least two successful items, anything
// slower than twice the slowest success is an outlier; before that the
// per-service configuration applies.
func (f *Failer) threshold(ctx context.Context, item *models.WorkItem) (time.Duration, error) {
	durations, err := f.store.Work().SuccessfulDurations(ctx, item.JobID, item.ServiceID, item.StepIndex)
	if err != nil {
		return 0, err
	}
	if len(durations) >= 2 {
		var max int64
		for _, d := range durations {
			if d > max {
				max = d
			}
		}
		return 2 * time.Duration(max) * time.Millisecond, nil
	}
	return f.config.ServiceTimeout(item.ServiceID), nil
}

// referenceTime is when the item's current wait began.
func (f *Failer) referenceTime(item *models.WorkItem) time.Time {
	if item.Status == models.WorkItemStatusRunning && item.StartedAt != nil {
		return *item.StartedAt
	}
	return item.UpdatedAt
}
