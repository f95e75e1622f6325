// -----------------------------------------------------------------------
// Queue interfaces - per-service work queues, scheduler queue, update queue
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/harmony-eo/harmony/internal/models"
)

// Queue - one named at-least-once message queue. Receive leases messages
// for the provider's visibility timeout; Delete acknowledges a delivery by
// its receipt. GroupID is an ordering hint (job ID) that providers may use
// to keep one job's messages in submission order.
type Queue interface {
	Send(ctx context.Context, body []byte, groupID string) error
	Receive(ctx context.Context, max int) ([]*models.QueueMessage, error)
	Delete(ctx context.Context, receipt string) error
	ApproxDepth(ctx context.Context) (int, error)
}

// QueueProvider - creates or opens named queues on the configured backend.
type QueueProvider interface {
	Queue(name string) (Queue, error)
	Close() error
}
