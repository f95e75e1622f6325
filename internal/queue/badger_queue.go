// -----------------------------------------------------------------------
// Badger queue provider - visibility-indexed queues on one Badger store
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
)

// badgerEnvelope is the stored message wrapper. Keys index messages by
// visibility time so a receive scan stops at the first future entry.
type badgerEnvelope struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	GroupID      string    `json:"group_id,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// BadgerProvider hands out named queues on one Badger database.
type BadgerProvider struct {
	db     *badger.DB
	config *common.Config
	logger arbor.ILogger

	mu     sync.Mutex
	queues map[string]*BadgerQueue
}

// NewBadgerProvider opens the Badger store at the configured path.
func NewBadgerProvider(config *common.Config, logger arbor.ILogger) (*BadgerProvider, error) {
	opts := badger.DefaultOptions(config.Queue.BadgerPath)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger queue store: %w", err)
	}

	return &BadgerProvider{
		db:     db,
		config: config,
		logger: logger,
		queues: make(map[string]*BadgerQueue),
	}, nil
}

// Queue returns the named queue, creating it on first use.
func (p *BadgerProvider) Queue(name string) (interfaces.Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.queues[name]; ok {
		return q, nil
	}

	q := &BadgerQueue{
		db:                p.db,
		name:              name,
		visibilityTimeout: p.config.QueueVisibilityTimeout(),
		maxReceive:        p.config.Queue.MaxReceive,
	}
	p.queues[name] = q
	return q, nil
}

// Close closes the underlying Badger store.
func (p *BadgerProvider) Close() error {
	return p.db.Close()
}

// BadgerQueue is one named queue. Message data lives under a msg key; a
// separate index key sorted by visibility timestamp drives receive order,
// so enqueue order is preserved and redelivered messages sort by their new
// visibility time.
type BadgerQueue struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxReceive        int
}

// Send enqueues one message, immediately visible.
func (q *BadgerQueue) Send(ctx context.Context, body []byte, groupID string) error {
	env := badgerEnvelope{
		ID:         uuid.New().String(),
		Body:       body,
		GroupID:    groupID,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(env.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(env.VisibleAt, env.ID), []byte{})
	})
}

// Receive leases up to max visible messages, pushing their visibility out
// by the timeout. Messages that exceed maxReceive deliveries are dropped to
// keep poison messages from looping forever.
func (q *BadgerQueue) Receive(ctx context.Context, max int) ([]*models.QueueMessage, error) {
	var messages []*models.QueueMessage

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(messages) < max; it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by visibility; nothing later is ready.
				break
			}

			msgKey := q.msgKey(id)
			item, err := txn.Get(msgKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Orphaned index entry; clean it up.
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			var env badgerEnvelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			if q.maxReceive > 0 && env.ReceiveCount >= q.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey); err != nil {
					return err
				}
				continue
			}

			env.ReceiveCount++
			env.VisibleAt = now.Add(q.visibilityTimeout)
			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey, data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(env.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			messages = append(messages, &models.QueueMessage{
				Receipt: id,
				Body:    env.Body,
				GroupID: env.GroupID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from queue %s: %w", q.name, err)
	}
	return messages, nil
}

// Delete acknowledges a delivery by message ID.
func (q *BadgerQueue) Delete(ctx context.Context, receipt string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msgKey := q.msgKey(receipt)
		item, err := txn.Get(msgKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already deleted
		}
		if err != nil {
			return err
		}

		var env badgerEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(env.VisibleAt, receipt)); err != nil &&
			!errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(msgKey)
	})
}

// ApproxDepth counts the queue's messages, leased ones included.
func (q *BadgerQueue) ApproxDepth(ctx context.Context) (int, error) {
	depth := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", q.name))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			depth++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue %s depth: %w", q.name, err)
	}
	return depth, nil
}

// Key helpers

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.name, id))
}

func (q *BadgerQueue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", q.name))
}

func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.name, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digits, colon, at least one ID byte
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
