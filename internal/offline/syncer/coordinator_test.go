package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/metrics"
	"github.com/zwoods58/WebApp-sub007/internal/offline/connectivity"
	"github.com/zwoods58/WebApp-sub007/internal/offline/gateway"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/memory"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
	"github.com/zwoods58/WebApp-sub007/internal/offline/writer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway records every call. respond gets the 1-based call number for
// the item and decides the result.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []gateway.Request
	perItem  map[int64]int
	inflight map[int64]int
	overlap  bool
	delay    time.Duration
	respond  func(n int, req gateway.Request) (gateway.Ack, error)
}

func newFakeGateway(respond func(n int, req gateway.Request) (gateway.Ack, error)) *fakeGateway {
	if respond == nil {
		respond = func(int, gateway.Request) (gateway.Ack, error) { return gateway.Ack{}, nil }
	}
	return &fakeGateway{
		perItem:  make(map[int64]int),
		inflight: make(map[int64]int),
		respond:  respond,
	}
}

func (g *fakeGateway) Sync(ctx context.Context, req gateway.Request) (gateway.Ack, error) {
	g.mu.Lock()
	id := req.Item.ID
	g.calls = append(g.calls, gateway.Request{Item: req.Item.Clone(), RemoteID: req.RemoteID})
	g.perItem[id]++
	n := g.perItem[id]
	g.inflight[id]++
	if g.inflight[id] > 1 {
		g.overlap = true
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inflight[id]--
		g.mu.Unlock()
	}()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return g.respond(n, req)
}

func (g *fakeGateway) Calls() []gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Request(nil), g.calls...)
}

type testEnv struct {
	clock   *fakeClock
	records *record.Store
	queue   *queue.Queue
	writer  *writer.Writer
	gw      *fakeGateway
	conn    *connectivity.Manual
	coord   *Coordinator
}

func setupTestEnv(t *testing.T, gw *fakeGateway, opts Options) *testEnv {
	t.Helper()
	db := memory.New()
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	records := record.NewStore(db, record.WithClock(clock.Now))
	q := queue.New(db, queue.WithClock(clock.Now))
	seq := 0
	w := writer.New(records, q, writer.WithClock(clock.Now), writer.WithIDs(func() string {
		seq++
		return fmt.Sprintf("tx-%d", seq)
	}))
	conn := connectivity.NewManual(true)
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return &testEnv{
		clock:   clock,
		records: records,
		queue:   q,
		writer:  w,
		gw:      gw,
		conn:    conn,
		coord:   New(q, records, gw, conn, opts),
	}
}

func (e *testEnv) create(t *testing.T, fields string) *record.Record {
	t.Helper()
	r, _, err := e.writer.Create(context.Background(), "user-1", "transactions", json.RawMessage(fields))
	require.NoError(t, err)
	return r
}

// drainUntilIdle drains, advancing the clock past the maximum backoff between
// runs, and returns the summaries.
func (e *testEnv) drainUntilIdle(t *testing.T, rounds int) []Summary {
	t.Helper()
	var out []Summary
	for i := 0; i < rounds; i++ {
		out = append(out, e.coord.DrainAll(context.Background()))
		e.clock.Advance(31 * time.Second)
	}
	return out
}

// Scenario: create offline, go online, the single automatic drain syncs it.
func TestCreateOfflineThenOnline(t *testing.T) {
	gw := newFakeGateway(nil)
	env := setupTestEnv(t, gw, Options{})
	env.conn.Set(false)
	ctx := context.Background()

	r := env.create(t, `{"amount":500}`)

	s := env.coord.DrainAll(ctx)
	assert.True(t, s.Offline)
	assert.Empty(t, gw.Calls())

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.StatusPending, pending[0].Status)

	var drains atomic.Int32
	env.coord.Subscribe(func(s Summary) {
		if s.Trigger == TriggerOnline {
			drains.Add(1)
		}
	})
	stop := connectivity.OnOnline(env.conn, 10*time.Millisecond, func() {
		env.coord.Drain(ctx, TriggerOnline)
	})
	defer stop()

	env.conn.Set(true)
	assert.Eventually(t, func() bool { return drains.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), drains.Load())

	items, err := env.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	got, err := env.records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	require.NotNil(t, got.SyncedAt)
	assert.Len(t, gw.Calls(), 1)
}

// Scenario: three transient failures, then success.
func TestTransientFailuresThenSuccess(t *testing.T) {
	gw := newFakeGateway(func(n int, req gateway.Request) (gateway.Ack, error) {
		if n <= 3 {
			return gateway.Ack{}, gateway.Transient(errors.New("503"))
		}
		return gateway.Ack{RemoteID: "srv-1"}, nil
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	r := env.create(t, `{"amount":500}`)

	// Not due yet: a drain right after a failure makes no call.
	first := env.coord.DrainAll(ctx)
	assert.Equal(t, 1, first.Failed)
	again := env.coord.DrainAll(ctx)
	assert.Equal(t, 0, again.Total)
	assert.Equal(t, 1, again.Skipped)

	var final ItemResult
	for _, s := range env.drainUntilIdle(t, 6) {
		for _, res := range s.Results {
			if res.Status == queue.StatusProcessed {
				final = res
			}
		}
	}

	assert.Len(t, gw.Calls(), 4)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, metrics.OutcomeSuccess, final.Outcome)

	items, err := env.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	got, err := env.records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "srv-1", got.RemoteID)
}

// Scenario: the gateway always fails.
func TestRetriesExhausted(t *testing.T) {
	gw := newFakeGateway(func(int, gateway.Request) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient(errors.New("unreachable"))
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	r := env.create(t, `{"amount":500}`)

	env.drainUntilIdle(t, 10)
	assert.Len(t, gw.Calls(), 5)

	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, queue.StatusFailed, failed[0].Status)
	assert.Equal(t, 5, failed[0].RetryCount)
	assert.Contains(t, failed[0].LastError, "unreachable")

	env.drainUntilIdle(t, 3)
	assert.Len(t, gw.Calls(), 5, "failed items are not attempted automatically")

	got, err := env.records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)
}

// Scenario: update then delete of the same entity reach the server in order.
func TestSameEntityOrdering(t *testing.T) {
	var (
		mu    sync.Mutex
		state = map[string]string{}
	)
	gw := newFakeGateway(func(n int, req gateway.Request) (gateway.Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		switch req.Item.Kind {
		case queue.OpCreate:
			state["srv-"+req.Item.EntityID] = "created"
			return gateway.Ack{RemoteID: "srv-" + req.Item.EntityID}, nil
		case queue.OpUpdate:
			if state[req.TargetID()] != "created" && state[req.TargetID()] != "updated" {
				return gateway.Ack{}, gateway.Permanent(errors.New("404"))
			}
			state[req.TargetID()] = "updated"
		case queue.OpDelete:
			state[req.TargetID()] = "deleted"
		}
		return gateway.Ack{}, nil
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()

	e := env.create(t, `{"amount":1}`)
	other := env.create(t, `{"amount":2}`)
	_, _, err := env.writer.Update(ctx, e.ID, json.RawMessage(`{"amount":10}`))
	require.NoError(t, err)
	_, err = env.writer.Delete(ctx, e.ID)
	require.NoError(t, err)

	s := env.coord.DrainAll(ctx)
	assert.Equal(t, 4, s.Succeeded)
	assert.Equal(t, 0, s.Failed)

	var kinds []queue.OperationKind
	for _, c := range gw.Calls() {
		if c.Item.EntityID == e.ID {
			kinds = append(kinds, c.Item.Kind)
		}
	}
	assert.Equal(t, []queue.OperationKind{queue.OpCreate, queue.OpUpdate, queue.OpDelete}, kinds)

	calls := gw.Calls()
	assert.Equal(t, "srv-"+e.ID, calls[2].RemoteID, "update addresses the server id")
	assert.Equal(t, "deleted", state["srv-"+e.ID])

	remote, err := env.records.RemoteID(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, remote, "mapping dropped after delete")

	got, err := env.records.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
}

func TestFailureBlocksLaterItemsOfSameEntity(t *testing.T) {
	gw := newFakeGateway(func(n int, req gateway.Request) (gateway.Ack, error) {
		if req.Item.Kind == queue.OpUpdate && n == 1 {
			return gateway.Ack{}, gateway.Transient(errors.New("timeout"))
		}
		return gateway.Ack{RemoteID: "srv-1"}, nil
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()

	r := env.create(t, `{"amount":1}`)
	_, _, err := env.writer.Update(ctx, r.ID, json.RawMessage(`{"amount":2}`))
	require.NoError(t, err)
	_, err = env.writer.Delete(ctx, r.ID)
	require.NoError(t, err)

	s := env.coord.DrainAll(ctx)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Len(t, gw.Calls(), 2, "delete waits behind the failed update")

	env.clock.Advance(time.Second)
	s = env.coord.DrainAll(ctx)
	assert.Equal(t, 2, s.Succeeded)

	calls := gw.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, queue.OpUpdate, calls[2].Item.Kind)
	assert.Equal(t, queue.OpDelete, calls[3].Item.Kind)
}

func TestSyncedOnlyAfterLastOutstandingItem(t *testing.T) {
	gw := newFakeGateway(func(n int, req gateway.Request) (gateway.Ack, error) {
		if req.Item.Kind == queue.OpUpdate {
			return gateway.Ack{}, gateway.Transient(errors.New("503"))
		}
		return gateway.Ack{RemoteID: "srv-7"}, nil
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()

	r := env.create(t, `{"amount":1}`)
	_, _, err := env.writer.Update(ctx, r.ID, json.RawMessage(`{"amount":2}`))
	require.NoError(t, err)

	env.coord.DrainAll(ctx)

	got, err := env.records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced, "update still outstanding")
	assert.Equal(t, "srv-7", got.RemoteID)
}

func TestPermanentAndCorruptSkipRetries(t *testing.T) {
	gw := newFakeGateway(func(n int, req gateway.Request) (gateway.Ack, error) {
		if req.Item.EntityID == "tx-1" {
			return gateway.Ack{}, gateway.Permanent(errors.New("422"))
		}
		return gateway.Ack{}, gateway.Corrupt(errors.New("bad payload"))
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	env.create(t, `{"amount":1}`)
	env.create(t, `{"amount":2}`)

	s := env.coord.DrainAll(ctx)
	assert.Equal(t, 2, s.Failed)
	require.Len(t, s.Results, 2)
	assert.Equal(t, metrics.OutcomePermanent, s.Results[0].Outcome)
	assert.Equal(t, metrics.OutcomeCorrupt, s.Results[1].Outcome)

	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, it := range failed {
		assert.Zero(t, it.RetryCount)
	}
}

func TestRetryOne(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	gw := newFakeGateway(func(int, gateway.Request) (gateway.Ack, error) {
		if fail.Load() {
			return gateway.Ack{}, gateway.Permanent(errors.New("403"))
		}
		return gateway.Ack{}, nil
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	env.create(t, `{"amount":1}`)

	env.coord.DrainAll(ctx)
	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	id := failed[0].ID

	fail.Store(false)
	s, err := env.coord.RetryOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Succeeded)
	assert.Len(t, gw.Calls(), 2)

	// Already processed: no-op.
	s, err = env.coord.RetryOne(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Len(t, gw.Calls(), 2)
}

func TestRetryOne_DuringRunningDrain(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	started := make(chan struct{})
	release := make(chan struct{})
	gw := newFakeGateway(func(n int, req gateway.Request) (gateway.Ack, error) {
		if req.Item.EntityID == "tx-2" {
			close(started)
			<-release
			return gateway.Ack{}, nil
		}
		if fail.Load() {
			return gateway.Ack{}, gateway.Permanent(errors.New("403"))
		}
		return gateway.Ack{}, nil
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()

	env.create(t, `{"amount":1}`)
	env.coord.DrainAll(ctx)
	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	retried := failed[0].ID
	fail.Store(false)

	env.create(t, `{"amount":2}`)
	slow := make(chan Summary, 1)
	go func() { slow <- env.coord.Drain(ctx, TriggerPeriodic) }()
	<-started

	retry := make(chan Summary, 1)
	go func() {
		s, err := env.coord.RetryOne(ctx, retried)
		assert.NoError(t, err)
		retry <- s
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	<-slow
	var s Summary
	select {
	case s = <-retry:
	case <-time.After(2 * time.Second):
		t.Fatal("RetryOne did not return")
	}

	var ids []int64
	for _, r := range s.Results {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, retried)

	items, err := env.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "the retried item is sent, not left pending")
}

func TestRetryAll(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	gw := newFakeGateway(func(int, gateway.Request) (gateway.Ack, error) {
		if fail.Load() {
			return gateway.Ack{}, gateway.Permanent(errors.New("400"))
		}
		return gateway.Ack{}, nil
	})
	env := setupTestEnv(t, gw, Options{Metrics: metrics.New()})
	ctx := context.Background()
	env.create(t, `{"amount":1}`)
	env.create(t, `{"amount":2}`)
	env.coord.DrainAll(ctx)

	fail.Store(false)
	s, err := env.coord.RetryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Succeeded)

	st, err := env.coord.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total())
}

func TestConcurrentDrainsNeverOverlap(t *testing.T) {
	gw := newFakeGateway(nil)
	gw.delay = 5 * time.Millisecond
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		env.create(t, fmt.Sprintf(`{"amount":%d}`, i))
	}

	// A second coordinator over the same queue bypasses the drain collapse,
	// so only the lease keeps the two apart.
	other := New(env.queue, env.records, gw, nil, Options{Now: env.clock.Now})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.coord.DrainAll(ctx)
		}()
		go func() {
			defer wg.Done()
			other.DrainAll(ctx)
		}()
	}
	wg.Wait()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.False(t, gw.overlap)
	assert.Len(t, gw.perItem, 10)
	for id, n := range gw.perItem {
		assert.Equal(t, 1, n, "item %d", id)
	}
}

func TestCancelledDrainReleasesLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := newFakeGateway(func(_ int, _ gateway.Request) (gateway.Ack, error) {
		cancel()
		return gateway.Ack{}, gateway.Transient(context.Canceled)
	})
	env := setupTestEnv(t, gw, Options{})
	env.create(t, `{"amount":1}`)

	s := env.coord.DrainAll(ctx)
	require.Len(t, s.Results, 1)
	assert.Equal(t, metrics.OutcomeAbandoned, s.Results[0].Outcome)
	assert.Zero(t, s.Failed)

	pending, err := env.queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.StatusPending, pending[0].Status)
	assert.Zero(t, pending[0].RetryCount)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	env := setupTestEnv(t, newFakeGateway(nil), Options{AttemptTimeout: 10 * time.Millisecond})
	env.coord.gateway = gateway.Func(func(ctx context.Context, req gateway.Request) (gateway.Ack, error) {
		<-ctx.Done()
		return gateway.Ack{}, ctx.Err()
	})
	env.create(t, `{"amount":1}`)

	s := env.coord.DrainAll(context.Background())
	require.Len(t, s.Results, 1)
	assert.Equal(t, metrics.OutcomeTransient, s.Results[0].Outcome)
	assert.Equal(t, 1, s.Results[0].RetryCount)
	assert.Equal(t, queue.StatusPending, s.Results[0].Status)
}

func TestCachedAckCommitsWithoutResend(t *testing.T) {
	gw := newFakeGateway(nil)
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	r := env.create(t, `{"amount":1}`)

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	env.coord.acks.Set(pending[0].IdempotencyKey, gateway.Ack{RemoteID: "srv-cached"}, cache.DefaultExpiration)

	s := env.coord.DrainAll(ctx)
	assert.Equal(t, 1, s.Succeeded)
	assert.Empty(t, gw.Calls())

	got, err := env.records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "srv-cached", got.RemoteID)
	assert.Zero(t, env.coord.acks.ItemCount())
}

func TestRecoverAndNextAttempt(t *testing.T) {
	gw := newFakeGateway(func(int, gateway.Request) (gateway.Ack, error) {
		return gateway.Ack{}, gateway.Transient(errors.New("503"))
	})
	env := setupTestEnv(t, gw, Options{})
	ctx := context.Background()
	env.create(t, `{"amount":1}`)

	env.coord.DrainAll(ctx)
	next, ok, err := env.coord.NextAttempt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(env.clock.Now().Add(time.Second)), "next attempt %s", next)

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	_, err = env.queue.Acquire(ctx, pending[0].ID)
	require.NoError(t, err)

	n, err := env.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
