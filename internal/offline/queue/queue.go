// Package queue is the durable mutation queue.
//
// Each local write appends an Item. The sync coordinator leases items
// (Pending -> Syncing), sends them, and then either removes them on success or
// records the failure. Items are keyed by a monotonic sequence number, so a
// prefix scan returns them in creation order.
//
// The Queue serializes its own mutations with a mutex, and every backend's
// Update isolates transactions from other processes sharing the store. The
// Syncing lease is what keeps concurrent drains from sending the same item
// twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

var (
	// ErrNotFound is returned for ids that are not in the queue. Processed
	// items are deleted, so they are not found either.
	ErrNotFound = errors.New("queue item not found")

	// ErrLeased is returned when an item is already Syncing.
	ErrLeased = errors.New("queue item is already syncing")

	// ErrInvalidTransition is returned when a state change is not allowed from
	// the item's current status.
	ErrInvalidTransition = errors.New("invalid queue transition")

	// ErrInvalidMutation wraps Enqueue validation failures.
	ErrInvalidMutation = errors.New("invalid mutation")
)

const (
	itemPrefix = "q/"
	seqKey     = "qmeta/seq"
)

// Mutation is the input to Enqueue.
type Mutation struct {
	Kind       OperationKind
	EntityType string
	EntityID   string
	Payload    []byte
}

// Validate checks the mutation before it is queued.
func (m Mutation) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	if m.EntityType == "" {
		return fmt.Errorf("%w: entityType is required", ErrInvalidMutation)
	}
	if m.EntityID == "" {
		return fmt.Errorf("%w: entityId is required", ErrInvalidMutation)
	}
	return nil
}

// Queue is the mutation queue.
type Queue struct {
	db     kv.Store
	policy Policy
	now    func() time.Time
	newKey func() string
	logger *zap.Logger

	mu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy sets the retry policy. Zero fields fall back to defaults.
func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p.normalized() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithIdempotencyKeys overrides the idempotency key generator.
func WithIdempotencyKeys(gen func() string) Option {
	return func(q *Queue) { q.newKey = gen }
}

// New returns a queue stored in db.
func New(db kv.Store, opts ...Option) *Queue {
	q := &Queue{
		db:     db,
		policy: DefaultPolicy(),
		now:    time.Now,
		newKey: uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() Policy { return q.policy }

// WithTx runs fn in a store transaction while holding the queue lock. Use it
// to commit a record write and its queue item together. fn must only call the
// Tx variants; the lock is not reentrant.
func (q *Queue) WithTx(ctx context.Context, fn func(tx kv.Tx) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(ctx, fn)
}

// Enqueue appends a Pending item that is due immediately.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (*Item, error) {
	var it *Item
	err := q.WithTx(ctx, func(tx kv.Tx) error {
		var err error
		it, err = q.EnqueueTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// EnqueueTx is Enqueue inside a transaction opened by WithTx.
func (q *Queue) EnqueueTx(ctx context.Context, tx kv.Tx, m Mutation) (*Item, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	id, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := q.now().UTC()
	it := &Item{
		ID:             id,
		Kind:           m.Kind,
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Payload:        append([]byte(nil), m.Payload...),
		IdempotencyKey: q.newKey(),
		CreatedAt:      now,
		Status:         StatusPending,
		NextAttemptAt:  now,
		UpdatedAt:      now,
	}
	if err := putItem(ctx, tx, it); err != nil {
		return nil, err
	}

	q.logger.Debug("enqueued mutation",
		zap.Int64("id", it.ID),
		zap.String("kind", string(it.Kind)),
		zap.String("entity", it.EntityKey()))
	return it, nil
}

// Get returns the item with id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	return getItem(ctx, q.db, id)
}

// List returns every item in creation order.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	return q.list(ctx, func(*Item) bool { return true })
}

// ListPending returns Pending and Syncing items in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]*Item, error) {
	return q.list(ctx, func(it *Item) bool {
		return it.Status == StatusPending || it.Status == StatusSyncing
	})
}

// ListFailed returns Failed items in creation order.
func (q *Queue) ListFailed(ctx context.Context) ([]*Item, error) {
	return q.list(ctx, func(it *Item) bool { return it.Status == StatusFailed })
}

func (q *Queue) list(ctx context.Context, keep func(*Item) bool) ([]*Item, error) {
	items, _, err := scanItems(ctx, q.db, q.logger)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Acquire leases a Pending item for a sync attempt (Pending -> Syncing).
// It returns ErrLeased if another attempt holds the item.
func (q *Queue) Acquire(ctx context.Context, id int64) (*Item, error) {
	return q.transition(ctx, id, func(it *Item, now time.Time) error {
		switch it.Status {
		case StatusSyncing:
			return ErrLeased
		case StatusPending:
			it.Status = StatusSyncing
			return nil
		default:
			return fmt.Errorf("%w: acquire from %s", ErrInvalidTransition, it.Status)
		}
	})
}

// Release returns a leased item to Pending without counting a retry. Used
// when an attempt is abandoned before the gateway answered.
func (q *Queue) Release(ctx context.Context, id int64) (*Item, error) {
	return q.transition(ctx, id, func(it *Item, now time.Time) error {
		if it.Status != StatusSyncing {
			return fmt.Errorf("%w: release from %s", ErrInvalidTransition, it.Status)
		}
		it.Status = StatusPending
		return nil
	})
}

// MarkProcessed removes a leased item after the server acknowledged it. The
// returned copy carries StatusProcessed.
func (q *Queue) MarkProcessed(ctx context.Context, id int64) (*Item, error) {
	var it *Item
	err := q.WithTx(ctx, func(tx kv.Tx) error {
		var err error
		it, err = q.MarkProcessedTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// MarkProcessedTx is MarkProcessed inside a transaction opened by WithTx.
func (q *Queue) MarkProcessedTx(ctx context.Context, tx kv.Tx, id int64) (*Item, error) {
	it, err := getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusSyncing {
		return nil, fmt.Errorf("%w: processed from %s", ErrInvalidTransition, it.Status)
	}
	if err := tx.Delete(ctx, itemKey(id)); err != nil {
		return nil, err
	}
	it.Status = StatusProcessed
	it.UpdatedAt = q.now().UTC()
	it.LastError = ""
	return it, nil
}

// MarkFailedAttempt records a retryable failure of a leased item. The retry
// count is incremented; with budget left the item goes back to Pending with a
// backoff, otherwise it moves to Failed.
func (q *Queue) MarkFailedAttempt(ctx context.Context, id int64, cause error) (*Item, error) {
	return q.transition(ctx, id, func(it *Item, now time.Time) error {
		if it.Status != StatusSyncing {
			return fmt.Errorf("%w: failed attempt from %s", ErrInvalidTransition, it.Status)
		}
		delay := q.policy.Backoff(it.RetryCount)
		it.RetryCount++
		it.LastError = errString(cause)
		if q.policy.Exhausted(it.RetryCount) {
			it.Status = StatusFailed
			return nil
		}
		it.Status = StatusPending
		it.NextAttemptAt = now.Add(delay)
		return nil
	})
}

// MarkTerminalFailure moves an item to Failed without consuming a retry.
func (q *Queue) MarkTerminalFailure(ctx context.Context, id int64, cause error) (*Item, error) {
	return q.transition(ctx, id, func(it *Item, now time.Time) error {
		switch it.Status {
		case StatusSyncing, StatusPending:
			it.Status = StatusFailed
			it.LastError = errString(cause)
			return nil
		default:
			return fmt.Errorf("%w: terminal failure from %s", ErrInvalidTransition, it.Status)
		}
	})
}

// Requeue is the manual retry. A Failed item returns to Pending with its
// retry count reset to zero; a Pending item waiting out a backoff becomes due
// now. A Syncing item returns ErrLeased.
func (q *Queue) Requeue(ctx context.Context, id int64) (*Item, error) {
	return q.transition(ctx, id, func(it *Item, now time.Time) error {
		switch it.Status {
		case StatusSyncing:
			return ErrLeased
		case StatusFailed:
			it.RetryCount = 0
			it.LastError = ""
			fallthrough
		case StatusPending:
			it.Status = StatusPending
			it.NextAttemptAt = now
			return nil
		default:
			return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, it.Status)
		}
	})
}

// RequeueFailed requeues every Failed item and returns how many moved.
func (q *Queue) RequeueFailed(ctx context.Context) (int, error) {
	return q.sweep(ctx, func(it *Item, now time.Time) bool {
		if it.Status != StatusFailed {
			return false
		}
		it.Status = StatusPending
		it.RetryCount = 0
		it.LastError = ""
		it.NextAttemptAt = now
		return true
	})
}

// Recover returns items left Syncing by a previous process to Pending. Call
// it once at startup, before any drain.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.sweep(ctx, func(it *Item, now time.Time) bool {
		if it.Status != StatusSyncing {
			return false
		}
		it.Status = StatusPending
		return true
	})
	if n > 0 {
		q.logger.Info("recovered interrupted sync attempts", zap.Int("count", n))
	}
	return n, err
}

// Discard removes a Failed item for good.
func (q *Queue) Discard(ctx context.Context, id int64) (*Item, error) {
	var it *Item
	err := q.WithTx(ctx, func(tx kv.Tx) error {
		var err error
		it, err = getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if it.Status != StatusFailed {
			return fmt.Errorf("%w: discard from %s", ErrInvalidTransition, it.Status)
		}
		return tx.Delete(ctx, itemKey(id))
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// HasOutstandingTx reports whether any item other than exclude still targets
// the entity, in any status. An undecodable entry may target any entity, so
// its presence counts as outstanding.
func (q *Queue) HasOutstandingTx(ctx context.Context, r kv.Reader, entityType, entityID string, exclude int64) (bool, error) {
	items, corrupt, err := scanItems(ctx, r, q.logger)
	if err != nil {
		return false, err
	}
	if corrupt > 0 {
		return true, nil
	}
	for _, it := range items {
		if it.ID != exclude && it.EntityType == entityType && it.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

// Stats counts items by status. Entries that no longer decode are counted as
// Corrupt; they stay in the store until an operator removes them.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, corrupt, err := scanItems(ctx, q.db, q.logger)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Corrupt: corrupt}
	for _, it := range items {
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusSyncing:
			s.Syncing++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// NextAttempt returns the earliest NextAttemptAt among items a drain could
// attempt: the oldest Pending item of each entity that has no Syncing or
// Failed item ahead of it.
func (q *Queue) NextAttempt(ctx context.Context) (time.Time, bool, error) {
	items, err := q.List(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	var next time.Time
	found := false
	seen := make(map[string]bool)
	for _, it := range items {
		key := it.EntityKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		if it.Status != StatusPending {
			continue
		}
		if !found || it.NextAttemptAt.Before(next) {
			next = it.NextAttemptAt
			found = true
		}
	}
	return next, found, nil
}

func (q *Queue) transition(ctx context.Context, id int64, apply func(it *Item, now time.Time) error) (*Item, error) {
	var out *Item
	err := q.WithTx(ctx, func(tx kv.Tx) error {
		it, err := getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		now := q.now().UTC()
		if err := apply(it, now); err != nil {
			return err
		}
		it.UpdatedAt = now
		out = it
		return putItem(ctx, tx, it)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) sweep(ctx context.Context, apply func(it *Item, now time.Time) bool) (int, error) {
	n := 0
	err := q.WithTx(ctx, func(tx kv.Tx) error {
		items, _, err := scanItems(ctx, tx, q.logger)
		if err != nil {
			return err
		}
		now := q.now().UTC()
		for _, it := range items {
			if !apply(it, now) {
				continue
			}
			it.UpdatedAt = now
			if err := putItem(ctx, tx, it); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func nextSeq(ctx context.Context, tx kv.Tx) (int64, error) {
	var cur int64
	raw, err := tx.Get(ctx, seqKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to read queue sequence: %w", err)
	default:
		cur, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt queue sequence %q: %w", raw, err)
		}
	}
	cur++
	if err := tx.Put(ctx, seqKey, []byte(strconv.FormatInt(cur, 10))); err != nil {
		return 0, fmt.Errorf("failed to write queue sequence: %w", err)
	}
	return cur, nil
}

func getItem(ctx context.Context, r kv.Reader, id int64) (*Item, error) {
	data, err := r.Get(ctx, itemKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var it Item
	if err := it.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to decode queue item %d: %w", id, err)
	}
	return &it, nil
}

func putItem(ctx context.Context, w kv.Writer, it *Item) error {
	data, err := it.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode queue item %d: %w", it.ID, err)
	}
	if err := w.Put(ctx, itemKey(it.ID), data); err != nil {
		return fmt.Errorf("failed to write queue item %d: %w", it.ID, err)
	}
	return nil
}

// scanItems decodes every item under the queue prefix. Undecodable entries
// are logged, left in place and reported in the count.
func scanItems(ctx context.Context, r kv.Reader, logger *zap.Logger) ([]*Item, int, error) {
	entries, err := r.Scan(ctx, itemPrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan queue: %w", err)
	}
	items := make([]*Item, 0, len(entries))
	corrupt := 0
	for _, e := range entries {
		var it Item
		if err := it.UnmarshalJSON(e.Value); err != nil {
			logger.Warn("skipping undecodable queue entry",
				zap.String("key", strings.TrimPrefix(e.Key, itemPrefix)), zap.Error(err))
			corrupt++
			continue
		}
		items = append(items, &it)
	}
	return items, corrupt, nil
}

func itemKey(id int64) string {
	return fmt.Sprintf("%s%020d", itemPrefix, id)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
