package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zwoods58/WebApp-sub007/internal/logger"
	"github.com/zwoods58/WebApp-sub007/internal/metrics"
	"github.com/zwoods58/WebApp-sub007/internal/offline/connectivity"
	"github.com/zwoods58/WebApp-sub007/internal/offline/gateway"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
)

const (
	// DefaultAttemptTimeout bounds a single gateway call.
	DefaultAttemptTimeout = 15 * time.Second

	// DefaultAckTTL is how long an acknowledgement whose local commit failed
	// is remembered.
	DefaultAckTTL = 24 * time.Hour
)

// Options configures a Coordinator. The zero value is usable.
type Options struct {
	AttemptTimeout time.Duration
	AckTTL         time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Coordinator drains the queue.
type Coordinator struct {
	queue   *queue.Queue
	records *record.Store
	gateway gateway.Gateway
	conn    connectivity.Provider

	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	// acks holds gateway acknowledgements keyed by idempotency key until the
	// local commit succeeds.
	acks  *cache.Cache
	group singleflight.Group

	// runs counts drains that have started listing the queue.
	runs atomic.Uint64

	mu      sync.Mutex
	subs    map[int]func(Summary)
	nextSub int
}

// New returns a coordinator. conn may be nil, in which case drains always run.
func New(q *queue.Queue, records *record.Store, gw gateway.Gateway, conn connectivity.Provider, opts Options) *Coordinator {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.AckTTL <= 0 {
		opts.AckTTL = DefaultAckTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		queue:   q,
		records: records,
		gateway: gw,
		conn:    conn,
		timeout: opts.AttemptTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		acks:    cache.New(opts.AckTTL, opts.AckTTL),
		subs:    make(map[int]func(Summary)),
	}
}

// Subscribe registers fn to receive every drain summary. The returned
// function removes it.
func (c *Coordinator) Subscribe(fn func(Summary)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// DrainAll is Drain with the manual trigger.
func (c *Coordinator) DrainAll(ctx context.Context) Summary {
	return c.Drain(ctx, TriggerManual)
}

// Drain walks the queue once and attempts every due item. Calls that overlap
// a running drain wait for it and share its summary. Per-item failures are
// recorded on the items, never returned.
func (c *Coordinator) Drain(ctx context.Context, trigger string) Summary {
	s, _ := c.do(ctx, trigger)
	return s
}

// drainFresh is Drain for callers that just changed the queue. A shared run
// that started before the change listed the queue too early, so another run
// follows it.
func (c *Coordinator) drainFresh(ctx context.Context, trigger string) Summary {
	after := c.runs.Load()
	s, run := c.do(ctx, trigger)
	if run > after {
		return s
	}
	next, _ := c.do(ctx, trigger)
	return s.merge(next)
}

func (c *Coordinator) do(ctx context.Context, trigger string) (Summary, uint64) {
	type ran struct {
		s   Summary
		run uint64
	}
	v, _, _ := c.group.Do("drain", func() (interface{}, error) {
		run := c.runs.Add(1)
		s := c.drain(ctx, trigger)
		c.publish(ctx, s)
		return ran{s: s, run: run}, nil
	})
	r := v.(ran)
	return r.s, r.run
}

// RetryOne is the manual retry of a single item: it resets a Failed item (or
// makes a backing-off item due) and drains. Retrying an item that was
// already processed, or that is in flight, does nothing.
func (c *Coordinator) RetryOne(ctx context.Context, id int64) (Summary, error) {
	_, err := c.queue.Requeue(ctx, id)
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrLeased):
		c.logger.Debug("retry skipped", zap.Int64("id", id), zap.Error(err))
		return Summary{Trigger: TriggerManual}, nil
	case err != nil:
		return Summary{}, err
	}
	c.metrics.IncManualRetry(1)
	return c.drainFresh(ctx, TriggerManual), nil
}

// RetryAll requeues every Failed item and drains. Syncing items are left
// alone.
func (c *Coordinator) RetryAll(ctx context.Context) (Summary, error) {
	n, err := c.queue.RequeueFailed(ctx)
	if err != nil {
		return Summary{}, err
	}
	c.metrics.IncManualRetry(n)
	c.logger.Info("requeued failed items", zap.Int("count", n))
	return c.drainFresh(ctx, TriggerManual), nil
}

// Recover returns items left Syncing by a previous process to Pending.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	return c.queue.Recover(ctx)
}

// NextAttempt reports when the earliest backing-off item becomes due.
func (c *Coordinator) NextAttempt(ctx context.Context) (time.Time, bool, error) {
	return c.queue.NextAttempt(ctx)
}

// Stats counts queue items by status.
func (c *Coordinator) Stats(ctx context.Context) (queue.Stats, error) {
	return c.queue.Stats(ctx)
}

func (c *Coordinator) drain(ctx context.Context, trigger string) (s Summary) {
	s = Summary{Trigger: trigger, StartedAt: c.now().UTC()}
	defer func() { s.Duration = c.now().Sub(s.StartedAt) }()

	if c.conn != nil && !c.conn.IsOnline() {
		s.Offline = true
		c.logger.Debug("drain skipped while offline", logger.Trigger(trigger))
		return s
	}

	items, err := c.queue.List(ctx)
	if err != nil {
		c.logger.Error("failed to list queue", zap.Error(err))
		return s
	}

	// An entity is blocked once one of its items cannot go now; later items
	// for it wait so the gateway sees them in creation order.
	blocked := make(map[string]bool)
	now := c.now()
	for _, it := range items {
		key := it.EntityKey()
		if it.Status == queue.StatusFailed {
			blocked[key] = true
			continue
		}
		if blocked[key] {
			s.Skipped++
			continue
		}
		if it.Status == queue.StatusSyncing || !it.Due(now) {
			blocked[key] = true
			s.Skipped++
			continue
		}
		if ctx.Err() != nil {
			s.Skipped++
			continue
		}

		res, ok := c.attempt(ctx, it)
		if !ok {
			blocked[key] = true
			s.Skipped++
			continue
		}
		s.add(res)
		if res.Status != queue.StatusProcessed {
			blocked[key] = true
		}
	}

	c.logger.Info("drain complete",
		logger.Trigger(trigger),
		zap.Int("total", s.Total),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped))
	return s
}

// attempt runs one item through the gateway. It reports false when the item
// could not be leased.
func (c *Coordinator) attempt(ctx context.Context, it *queue.Item) (ItemResult, bool) {
	log := c.logger.With(logger.ItemID(it.ID), logger.Entity(it.EntityKey()), zap.String("kind", string(it.Kind)))

	leased, err := c.queue.Acquire(ctx, it.ID)
	if err != nil {
		if !errors.Is(err, queue.ErrLeased) && !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrInvalidTransition) {
			log.Error("failed to lease item", zap.Error(err))
		}
		return ItemResult{}, false
	}

	// State writes after the gateway answered must land even if ctx ends.
	persist := context.WithoutCancel(ctx)

	if v, ok := c.acks.Get(leased.IdempotencyKey); ok {
		log.Info("committing cached acknowledgement")
		return c.commit(persist, leased, v.(gateway.Ack)), true
	}

	remoteID, err := c.records.RemoteID(ctx, leased.EntityID)
	if err != nil {
		log.Error("failed to read remote id", zap.Error(err))
		c.release(persist, leased, log)
		return ItemResult{}, false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()
	ack, err := c.gateway.Sync(attemptCtx, gateway.Request{Item: leased, RemoteID: remoteID})
	elapsed := time.Since(start)
	cancel()

	if err == nil {
		c.acks.Set(leased.IdempotencyKey, ack, cache.DefaultExpiration)
		c.metrics.ObserveAttempt(leased.EntityType, string(leased.Kind), metrics.OutcomeSuccess, elapsed)
		return c.commit(persist, leased, ack), true
	}

	if ctx.Err() != nil {
		// Shutdown while in flight: the server may or may not have applied
		// it, so the item goes back without counting a retry.
		c.metrics.ObserveAttempt(leased.EntityType, string(leased.Kind), metrics.OutcomeAbandoned, elapsed)
		c.release(persist, leased, log)
		return result(leased, metrics.OutcomeAbandoned, queue.StatusPending, ""), true
	}

	kind := gateway.KindOf(err)
	outcome := kind.String()
	c.metrics.ObserveAttempt(leased.EntityType, string(leased.Kind), outcome, elapsed)

	var updated *queue.Item
	var markErr error
	if kind == gateway.KindTransient {
		updated, markErr = c.queue.MarkFailedAttempt(persist, leased.ID, err)
	} else {
		updated, markErr = c.queue.MarkTerminalFailure(persist, leased.ID, err)
	}
	if markErr != nil {
		log.Error("failed to record sync failure", zap.Error(markErr), zap.NamedError("cause", err))
		c.release(persist, leased, log)
		return result(leased, outcome, queue.StatusPending, err.Error()), true
	}

	if updated.Status == queue.StatusFailed {
		c.metrics.IncFailed()
		log.Warn("item failed",
			zap.String("class", outcome),
			zap.Int("retryCount", updated.RetryCount),
			zap.Error(err))
	} else {
		log.Info("sync attempt failed, will retry",
			zap.Int("retryCount", updated.RetryCount),
			zap.Time("nextAttemptAt", updated.NextAttemptAt),
			zap.Error(err))
	}
	return result(updated, outcome, updated.Status, err.Error()), true
}

// commit removes the item and reconciles the record in one transaction. If the
// commit fails the lease is released and the ack stays cached, so the next
// drain commits without calling the gateway again.
func (c *Coordinator) commit(ctx context.Context, it *queue.Item, ack gateway.Ack) ItemResult {
	at := c.now().UTC()
	var done *queue.Item
	err := c.queue.WithTx(ctx, func(tx kv.Tx) error {
		var err error
		done, err = c.queue.MarkProcessedTx(ctx, tx, it.ID)
		if err != nil {
			return err
		}

		if it.Kind == queue.OpDelete {
			return c.records.ForgetRemoteIDTx(ctx, tx, it.EntityID)
		}
		if err := c.records.SetRemoteIDTx(ctx, tx, it.EntityID, ack.RemoteID); err != nil {
			return err
		}

		outstanding, err := c.queue.HasOutstandingTx(ctx, tx, it.EntityType, it.EntityID, it.ID)
		if err != nil {
			return err
		}
		if outstanding {
			return nil
		}
		err = c.records.MarkSyncedTx(ctx, tx, it.EntityID, at)
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Error("failed to commit acknowledgement",
			logger.ItemID(it.ID), logger.Entity(it.EntityKey()), zap.Error(err))
		c.release(ctx, it, c.logger)
		return result(it, metrics.OutcomeSuccess, queue.StatusPending, "commit: "+err.Error())
	}

	c.acks.Delete(it.IdempotencyKey)
	c.logger.Debug("item synced", logger.ItemID(it.ID), logger.Entity(it.EntityKey()))
	return result(done, metrics.OutcomeSuccess, queue.StatusProcessed, "")
}

func (c *Coordinator) release(ctx context.Context, it *queue.Item, log *zap.Logger) {
	if _, err := c.queue.Release(ctx, it.ID); err != nil {
		log.Error("failed to release lease", logger.ItemID(it.ID), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, s Summary) {
	c.metrics.ObserveDrain(s.Trigger, s.StartedAt.Add(s.Duration))
	if st, err := c.queue.Stats(context.WithoutCancel(ctx)); err == nil {
		c.metrics.SetQueueDepth(st.Pending, st.Syncing, st.Failed)
	}

	c.mu.Lock()
	subs := make([]func(Summary), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func result(it *queue.Item, outcome string, status queue.Status, errText string) ItemResult {
	return ItemResult{
		ID:         it.ID,
		EntityType: it.EntityType,
		EntityID:   it.EntityID,
		Kind:       it.Kind,
		Outcome:    outcome,
		RetryCount: it.RetryCount,
		Status:     status,
		Err:        errText,
	}
}
