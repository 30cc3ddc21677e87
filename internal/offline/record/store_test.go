package record

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) (*Store, kv.Store) {
	t.Helper()
	db := memory.New()
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, WithClock(func() time.Time { return t0 })), db
}

func newRecord(id, owner string) *Record {
	return &Record{
		ID:         id,
		OwnerID:    owner,
		EntityType: "transactions",
		Fields:     json.RawMessage(`{"amount":500}`),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr bool
	}{
		{"valid", func(r *Record) {}, false},
		{"missing id", func(r *Record) { r.ID = "" }, true},
		{"missing owner", func(r *Record) { r.OwnerID = "" }, true},
		{"missing entity type", func(r *Record) { r.EntityType = "" }, true},
		{"missing fields", func(r *Record) { r.Fields = nil }, true},
		{"array fields", func(r *Record) { r.Fields = json.RawMessage(`[1,2]`) }, true},
		{"broken json", func(r *Record) { r.Fields = json.RawMessage(`{"a":`) }, true},
		{"missing createdAt", func(r *Record) { r.CreatedAt = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecord("r1", "u1")
			r.CreatedAt = t0
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPutGet(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newRecord("r1", "u1")))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerID)
	assert.False(t, got.Synced)
	assert.Equal(t, t0, got.CreatedAt)

	var amount int
	ok, err := got.Field("amount", &amount)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 500, amount)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryByOwner(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newRecord("b", "u1")))
	require.NoError(t, s.Put(ctx, newRecord("a", "u1")))
	require.NoError(t, s.Put(ctx, newRecord("c", "u2")))

	got, err := s.QueryByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	// Moving a record to another owner moves the index entry.
	moved := newRecord("a", "u2")
	require.NoError(t, s.Put(ctx, moved))

	got, err = s.QueryByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = s.QueryByOwner(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMarkSynced(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newRecord("r1", "u1")))

	at := t0.Add(time.Minute)
	require.NoError(t, s.MarkSynced(ctx, "r1", at))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Synced)
	require.NotNil(t, got.SyncedAt)
	assert.True(t, at.Equal(*got.SyncedAt))

	unsynced, err := s.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	assert.ErrorIs(t, s.MarkSynced(ctx, "missing", at), ErrNotFound)
}

func TestDelete_KeepsRemoteID(t *testing.T) {
	s, db := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newRecord("r1", "u1")))

	err := db.Update(ctx, func(tx kv.Tx) error {
		return s.SetRemoteIDTx(ctx, tx, "r1", "srv-42")
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "srv-42", got.RemoteID)

	require.NoError(t, s.Delete(ctx, "r1"))
	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	owned, err := s.QueryByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, owned)

	rid, err := s.RemoteID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "srv-42", rid)

	assert.ErrorIs(t, s.Delete(ctx, "r1"), ErrNotFound)
}
