// Package writer is the local write path: every create, update or delete
// writes the record and appends its queue item in one transaction, so a crash
// can never leave an unsynced write without a queued mutation.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
)

// Payload is the body queued for every mutation.
type Payload struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	EntityType string          `json:"entityType"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// DecodePayload parses a queued payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// Writer applies local writes.
type Writer struct {
	records *record.Store
	queue   *queue.Queue
	newID   func() string
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithIDs overrides the record id generator.
func WithIDs(gen func() string) Option {
	return func(w *Writer) { w.newID = gen }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// New returns a writer over records and q, which must share one kv store.
func New(records *record.Store, q *queue.Queue, opts ...Option) *Writer {
	w := &Writer{
		records: records,
		queue:   q,
		newID:   uuid.NewString,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create stores a new unsynced record and queues its create.
func (w *Writer) Create(ctx context.Context, ownerID, entityType string, fields json.RawMessage) (*record.Record, *queue.Item, error) {
	now := w.now().UTC()
	r := &record.Record{
		ID:         w.newID(),
		OwnerID:    ownerID,
		EntityType: entityType,
		Fields:     fields,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.Validate(); err != nil {
		return nil, nil, err
	}

	var it *queue.Item
	err := w.queue.WithTx(ctx, func(tx kv.Tx) error {
		if err := w.records.PutTx(ctx, tx, r); err != nil {
			return err
		}
		var err error
		it, err = w.enqueue(ctx, tx, queue.OpCreate, r)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", entityType, err)
	}
	return r, it, nil
}

// Update replaces the record's fields and queues an update.
func (w *Writer) Update(ctx context.Context, id string, fields json.RawMessage) (*record.Record, *queue.Item, error) {
	var (
		r  *record.Record
		it *queue.Item
	)
	err := w.queue.WithTx(ctx, func(tx kv.Tx) error {
		var err error
		r, err = w.records.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		r.Fields = fields
		r.Synced = false
		r.UpdatedAt = w.now().UTC()
		if err := w.records.PutTx(ctx, tx, r); err != nil {
			return err
		}
		it, err = w.enqueue(ctx, tx, queue.OpUpdate, r)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update %s: %w", id, err)
	}
	return r, it, nil
}

// Delete removes the record locally and queues the remote delete.
func (w *Writer) Delete(ctx context.Context, id string) (*queue.Item, error) {
	var it *queue.Item
	err := w.queue.WithTx(ctx, func(tx kv.Tx) error {
		r, err := w.records.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := w.records.DeleteTx(ctx, tx, id); err != nil {
			return err
		}
		it, err = w.enqueue(ctx, tx, queue.OpDelete, r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return it, nil
}

// Reconcile queues a mutation for every unsynced record that has none, and
// returns how many it queued. Stores written by an older build, or restored
// from a backup without their queue, are repaired this way.
func (w *Writer) Reconcile(ctx context.Context) (int, error) {
	unsynced, err := w.records.ListUnsynced(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range unsynced {
		remoteID, err := w.records.RemoteID(ctx, r.ID)
		if err != nil {
			return n, err
		}
		kind := queue.OpUpdate
		if remoteID == "" && r.SyncedAt == nil {
			kind = queue.OpCreate
		}

		queued := false
		err = w.queue.WithTx(ctx, func(tx kv.Tx) error {
			outstanding, err := w.queue.HasOutstandingTx(ctx, tx, r.EntityType, r.ID, 0)
			if err != nil || outstanding {
				return err
			}
			cur, err := w.records.GetTx(ctx, tx, r.ID)
			if errors.Is(err, record.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if cur.Synced {
				return nil
			}
			if _, err := w.enqueue(ctx, tx, kind, cur); err != nil {
				return err
			}
			queued = true
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to reconcile %s: %w", r.ID, err)
		}
		if queued {
			n++
			w.logger.Info("requeued unsynced record",
				zap.String("id", r.ID), zap.String("kind", string(kind)))
		}
	}
	return n, nil
}

func (w *Writer) enqueue(ctx context.Context, tx kv.Tx, kind queue.OperationKind, r *record.Record) (*queue.Item, error) {
	payload, err := json.Marshal(Payload{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		EntityType: r.EntityType,
		Fields:     r.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return w.queue.EnqueueTx(ctx, tx, queue.Mutation{
		Kind:       kind,
		EntityType: r.EntityType,
		EntityID:   r.ID,
		Payload:    payload,
	})
}
