// -----------------------------------------------------------------------
// Dispatcher - hands work to polling services, pumps the scheduler queue
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
	"github.com/harmony-eo/harmony/internal/queue"
)

// Dispatcher serves GET /work requests and runs the scheduler pump that
// fans ready work out to the per-service queues.
type Dispatcher struct {
	store   interfaces.StorageManager
	queues  interfaces.QueueProvider
	config  *common.Config
	logger  arbor.ILogger
	limiter *rate.Limiter
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(store interfaces.StorageManager, queues interfaces.QueueProvider,
	config *common.Config, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		queues: queues,
		config: config,
		logger: logger,
		limiter: rate.NewLimiter(
			rate.Limit(config.Orchestration.SchedulerRatePerSecond),
			config.Orchestration.SchedulerBatchSize),
	}
}

// GetWork returns the next work item for a polling service. The service's
// queue is drained first; deliveries for items that were canceled in the
// meantime are dropped. When the queue is empty the dispatcher claims
// directly from the database so an idle-but-ready system never makes a
// worker wait for the scheduler pump. Returns models.ErrNoWork when the
// service has nothing to do.
func (d *Dispatcher) GetWork(ctx context.Context, serviceID string) (*models.WorkMessage, error) {
	serviceQueue, err := d.queues.Queue(queue.ServiceQueueName(serviceID))
	if err != nil {
		return nil, err
	}

	for {
		messages, err := serviceQueue.Receive(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			break
		}
		msg := messages[0]

		var wqm models.WorkQueueMessage
		if err := json.Unmarshal(msg.Body, &wqm); err != nil {
			d.logger.Warn().Err(err).Str("service_id", serviceID).Msg("dropping malformed work message")
			_ = serviceQueue.Delete(ctx, msg.Receipt)
			continue
		}

		item, err := d.store.Work().MarkWorkItemRunning(ctx, wqm.WorkItemID)
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			// Canceled or already handled; drop the delivery.
			_ = serviceQueue.Delete(ctx, msg.Receipt)
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := serviceQueue.Delete(ctx, msg.Receipt); err != nil {
			d.logger.Warn().Err(err).Int64("work_item_id", item.ID).Msg("failed to ack work message")
		}
		return d.buildWorkMessage(ctx, item)
	}

	item, err := d.store.Work().ClaimWorkItem(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return d.buildWorkMessage(ctx, item)
}

// buildWorkMessage attaches the step's operation to the item. The operation
// is read at delivery time so token rewrites reach in-flight work.
func (d *Dispatcher) buildWorkMessage(ctx context.Context, item *models.WorkItem) (*models.WorkMessage, error) {
	step, err := d.store.Work().GetWorkflowStep(ctx, item.JobID, item.StepIndex)
	if err != nil {
		return nil, err
	}

	msg := &models.WorkMessage{
		WorkItem: item,
	}
	if step.Operation != "" {
		msg.Operation = json.RawMessage(step.Operation)
	}
	if step.IsInputProducer {
		msg.MaxCatalogGranules = d.config.Orchestration.CatalogMaxPageSize
	}
	return msg, nil
}

// Run drives the scheduler pump until the context is canceled. Each cycle
// drains explicit scheduler signals, folds in a periodic scan so no service
// is ever missed, and publishes claimed work to the per-service queues
// under the configured rate limit.
func (d *Dispatcher) Run(ctx context.Context) error {
	schedulerQueue, err := d.queues.Queue(queue.SchedulerQueueName)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(d.config.QueuePollInterval())
	defer ticker.Stop()

	d.logger.Info().Msg("Scheduler pump started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Scheduler pump stopped")
			return nil
		case <-ticker.C:
		}

		services := make(map[string]bool)

		messages, err := schedulerQueue.Receive(ctx, d.config.Orchestration.SchedulerBatchSize)
		if err != nil {
			d.logger.Warn().Err(err).Msg("failed to receive scheduler signals")
		}
		for _, msg := range messages {
			var signal models.SchedulerMessage
			if err := json.Unmarshal(msg.Body, &signal); err == nil && signal.ServiceID != "" {
				services[signal.ServiceID] = true
			}
			_ = schedulerQueue.Delete(ctx, msg.Receipt)
		}

		ready, err := d.store.Work().ServicesWithReadyWork(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("failed to scan for ready work")
		}
		for _, serviceID := range ready {
			services[serviceID] = true
		}

		for serviceID := range services {
			if err := d.pump(ctx, serviceID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Warn().Err(err).Str("service_id", serviceID).Msg("scheduler pump failed")
			}
		}
	}
}

// pump claims a fair-share batch of ready items for one service and
// publishes them. An item whose publish fails stays queued; the failer
// returns it to ready once it exceeds its age threshold.
func (d *Dispatcher) pump(ctx context.Context, serviceID string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	items, err := d.store.Work().ClaimQueuedWorkItems(ctx, serviceID, d.config.Orchestration.SchedulerBatchSize)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	serviceQueue, err := d.queues.Queue(queue.ServiceQueueName(serviceID))
	if err != nil {
		return err
	}

	for _, item := range items {
		body, err := json.Marshal(models.WorkQueueMessage{
			WorkItemID: item.ID,
			JobID:      item.JobID,
			ServiceID:  item.ServiceID,
		})
		if err != nil {
			return err
		}
		if err := serviceQueue.Send(ctx, body, item.JobID); err != nil {
			return err
		}
	}

	d.logger.Debug().Str("service_id", serviceID).Int("count", len(items)).Msg("work published")
	return nil
}

// signalScheduler nudges the scheduler pump for one service. Signals are a
// latency optimization on top of the periodic scan, so failures only warn.
func signalScheduler(ctx context.Context, queues interfaces.QueueProvider, logger arbor.ILogger, serviceID string) {
	schedulerQueue, err := queues.Queue(queue.SchedulerQueueName)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open scheduler queue")
		return
	}
	body, err := json.Marshal(models.SchedulerMessage{ServiceID: serviceID})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to encode scheduler signal")
		return
	}
	if err := schedulerQueue.Send(ctx, body, serviceID); err != nil {
		logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to signal scheduler")
	}
}
