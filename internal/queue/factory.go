// -----------------------------------------------------------------------
// Queue factory - named queue surfaces on the configured backend
// -----------------------------------------------------------------------

package queue

import (
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
)

// Well-known queue names. Each service gets its own work queue; the
// scheduler and update queues are shared.
const (
	SchedulerQueueName = "scheduler"
	UpdateQueueName    = "work-item-updates"
)

// ServiceQueueName returns the work queue name for one service.
func ServiceQueueName(serviceID string) string {
	return "service:" + serviceID
}

// NewProvider creates the configured queue provider. The sqlite provider
// shares the main database handle; the badger provider opens its own store.
func NewProvider(config *common.Config, db *sql.DB, logger arbor.ILogger) (interfaces.QueueProvider, error) {
	switch config.Queue.Provider {
	case "sqlite":
		return NewGoqiteProvider(db, config, logger)
	case "badger":
		return NewBadgerProvider(config, logger)
	default:
		return nil, fmt.Errorf("unknown queue provider: %s", config.Queue.Provider)
	}
}
