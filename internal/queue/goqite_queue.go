// -----------------------------------------------------------------------
// SQLite queue provider - goqite-backed named queues
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
)

// GoqiteProvider hands out goqite queues sharing one SQLite database.
type GoqiteProvider struct {
	db     *sql.DB
	config *common.Config
	logger arbor.ILogger

	mu     sync.Mutex
	queues map[string]*GoqiteQueue
}

// NewGoqiteProvider sets up the goqite schema and returns a provider.
func NewGoqiteProvider(db *sql.DB, config *common.Config, logger arbor.ILogger) (*GoqiteProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		// Ignore "already exists" errors - expected on subsequent startups
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to set up queue schema: %w", err)
		}
	}

	return &GoqiteProvider{
		db:     db,
		config: config,
		logger: logger,
		queues: make(map[string]*GoqiteQueue),
	}, nil
}

// Queue returns the named queue, creating it on first use.
func (p *GoqiteProvider) Queue(name string) (interfaces.Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.queues[name]; ok {
		return q, nil
	}

	q := &GoqiteQueue{
		q: goqite.New(goqite.NewOpts{
			DB:         p.db,
			Name:       name,
			MaxReceive: p.config.Queue.MaxReceive,
			Timeout:    p.config.QueueVisibilityTimeout(),
		}),
		db:   p.db,
		name: name,
	}
	p.queues[name] = q
	return q, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (p *GoqiteProvider) Close() error {
	return nil
}

// GoqiteQueue adapts one goqite queue to the Queue contract. goqite is
// FIFO per queue, which already preserves per-job submission order, so the
// group ID is not needed for ordering here.
type GoqiteQueue struct {
	q    *goqite.Queue
	db   *sql.DB
	name string
}

// Send enqueues one message.
func (g *GoqiteQueue) Send(ctx context.Context, body []byte, groupID string) error {
	if err := g.q.Send(ctx, goqite.Message{Body: body}); err != nil {
		return fmt.Errorf("failed to send to queue %s: %w", g.name, err)
	}
	return nil
}

// Receive leases up to max messages. An empty queue returns an empty slice.
func (g *GoqiteQueue) Receive(ctx context.Context, max int) ([]*models.QueueMessage, error) {
	var messages []*models.QueueMessage
	for len(messages) < max {
		msg, err := g.q.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to receive from queue %s: %w", g.name, err)
		}
		if msg == nil {
			break
		}
		messages = append(messages, &models.QueueMessage{
			Receipt: string(msg.ID),
			Body:    msg.Body,
		})
	}
	return messages, nil
}

// Delete acknowledges one delivery.
func (g *GoqiteQueue) Delete(ctx context.Context, receipt string) error {
	if err := g.q.Delete(ctx, goqite.ID(receipt)); err != nil {
		return fmt.Errorf("failed to delete from queue %s: %w", g.name, err)
	}
	return nil
}

// ApproxDepth counts the queue's rows, leased messages included.
func (g *GoqiteQueue) ApproxDepth(ctx context.Context) (int, error) {
	var depth int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM goqite WHERE queue = ?`, g.name).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue %s depth: %w", g.name, err)
	}
	return depth, nil
}
