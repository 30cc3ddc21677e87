package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/memory"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
)

func setupTestWriter(t *testing.T) (*Writer, *record.Store, *queue.Queue) {
	t.Helper()
	db := memory.New()
	t.Cleanup(func() { _ = db.Close() })

	now := func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	seq := 0
	ids := func() string {
		seq++
		return fmt.Sprintf("rec-%d", seq)
	}
	records := record.NewStore(db, record.WithClock(now))
	q := queue.New(db, queue.WithClock(now))
	return New(records, q, WithIDs(ids), WithClock(now)), records, q
}

func TestCreate_WritesRecordAndQueueItem(t *testing.T) {
	w, records, q := setupTestWriter(t)
	ctx := context.Background()

	r, it, err := w.Create(ctx, "user-1", "transactions", json.RawMessage(`{"amount":500}`))
	require.NoError(t, err)
	assert.Equal(t, "rec-1", r.ID)
	assert.False(t, r.Synced)

	stored, err := records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":500}`, string(stored.Fields))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, it.ID, pending[0].ID)
	assert.Equal(t, queue.OpCreate, pending[0].Kind)
	assert.Equal(t, queue.StatusPending, pending[0].Status)
	assert.Equal(t, r.ID, pending[0].EntityID)

	p, err := DecodePayload(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.OwnerID)
	assert.JSONEq(t, `{"amount":500}`, string(p.Fields))
}

func TestCreate_InvalidFieldsQueueNothing(t *testing.T) {
	w, _, q := setupTestWriter(t)
	ctx := context.Background()

	_, _, err := w.Create(ctx, "user-1", "transactions", json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, record.ErrInvalid)

	items, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUpdateAndDelete(t *testing.T) {
	w, records, q := setupTestWriter(t)
	ctx := context.Background()

	r, _, err := w.Create(ctx, "user-1", "transactions", json.RawMessage(`{"amount":500}`))
	require.NoError(t, err)

	updated, _, err := w.Update(ctx, r.ID, json.RawMessage(`{"amount":750}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":750}`, string(updated.Fields))

	_, err = w.Delete(ctx, r.ID)
	require.NoError(t, err)

	_, err = records.Get(ctx, r.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)

	items, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, queue.OpCreate, items[0].Kind)
	assert.Equal(t, queue.OpUpdate, items[1].Kind)
	assert.Equal(t, queue.OpDelete, items[2].Kind)

	_, _, err = w.Update(ctx, r.ID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, record.ErrNotFound)
	_, err = w.Delete(ctx, "missing")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestUpdate_ClearsSynced(t *testing.T) {
	w, records, _ := setupTestWriter(t)
	ctx := context.Background()

	r, _, err := w.Create(ctx, "user-1", "transactions", json.RawMessage(`{"amount":1}`))
	require.NoError(t, err)
	require.NoError(t, records.MarkSynced(ctx, r.ID, time.Now()))

	_, _, err = w.Update(ctx, r.ID, json.RawMessage(`{"amount":2}`))
	require.NoError(t, err)

	got, err := records.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.NotNil(t, got.SyncedAt, "last sync time is kept")
}

func TestReconcile(t *testing.T) {
	w, records, q := setupTestWriter(t)
	ctx := context.Background()

	// A record written without a queue item, as if restored from a backup.
	orphan := &record.Record{
		ID:         "orphan",
		OwnerID:    "user-1",
		EntityType: "transactions",
		Fields:     json.RawMessage(`{"amount":3}`),
	}
	require.NoError(t, records.Put(ctx, orphan))

	// A previously synced record edited without a queue item.
	seen := &record.Record{
		ID:         "seen",
		OwnerID:    "user-1",
		EntityType: "transactions",
		Fields:     json.RawMessage(`{"amount":4}`),
	}
	require.NoError(t, records.Put(ctx, seen))
	require.NoError(t, q.WithTx(ctx, func(tx kv.Tx) error {
		return records.SetRemoteIDTx(ctx, tx, "seen", "srv-9")
	}))

	// Covered by an outstanding item already.
	_, _, err := w.Create(ctx, "user-1", "transactions", json.RawMessage(`{"amount":5}`))
	require.NoError(t, err)

	n, err := w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := q.List(ctx)
	require.NoError(t, err)
	kinds := map[string]queue.OperationKind{}
	for _, it := range items {
		kinds[it.EntityID] = it.Kind
	}
	assert.Equal(t, queue.OpCreate, kinds["orphan"])
	assert.Equal(t, queue.OpUpdate, kinds["seen"])
	assert.Len(t, items, 3)

	n, err = w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second pass finds nothing to do")
}
