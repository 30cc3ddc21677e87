package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

// Key layout:
//
//	rec/<id>          record JSON
//	own/<owner>/<id>  owner index (empty value)
//	rid/<id>          server-assigned id, kept after local delete
const (
	recordPrefix   = "rec/"
	ownerPrefix    = "own/"
	remoteIDPrefix = "rid/"
)

// Store is the durable local store. Each method has a Tx variant so callers
// can combine record writes with queue writes in one kv transaction.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a record store on top of db.
func NewStore(db kv.Store, opts ...Option) *Store {
	s := &Store{kv: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put upserts r. Durable on return.
func (s *Store) Put(ctx context.Context, r *Record) error {
	return s.kv.Update(ctx, func(tx kv.Tx) error {
		return s.PutTx(ctx, tx, r)
	})
}

// PutTx upserts r inside tx, moving the owner index if the owner changed.
func (s *Store) PutTx(ctx context.Context, tx kv.Tx, r *Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now().UTC()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	if err := r.Validate(); err != nil {
		return err
	}

	prev, err := s.GetTx(ctx, tx, r.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case prev.OwnerID != r.OwnerID:
		if err := tx.Delete(ctx, ownerKey(prev.OwnerID, r.ID)); err != nil {
			return fmt.Errorf("failed to move owner index: %w", err)
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := tx.Put(ctx, recordKey(r.ID), data); err != nil {
		return err
	}
	return tx.Put(ctx, ownerKey(r.OwnerID, r.ID), nil)
}

// Get returns the record with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return s.GetTx(ctx, s.kv, id)
}

// GetTx is Get against any kv.Reader.
func (s *Store) GetTx(ctx context.Context, r kv.Reader, id string) (*Record, error) {
	data, err := r.Get(ctx, recordKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// QueryByOwner returns the owner's records ordered by id.
func (s *Store) QueryByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	entries, err := s.kv.Scan(ctx, ownerPrefix+ownerID+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to scan owner index: %w", err)
	}

	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimPrefix(e.Key, ownerPrefix+ownerID+"/")
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Stale index entry from an interrupted non-transactional write.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// List returns every record ordered by id.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	entries, err := s.kv.Scan(ctx, recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		r, err := decode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", strings.TrimPrefix(e.Key, recordPrefix), err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ListUnsynced returns records whose latest write is not yet acknowledged.
func (s *Store) ListUnsynced(ctx context.Context) ([]*Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if !r.Synced {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkSynced sets synced=true and syncedAt=at.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.kv.Update(ctx, func(tx kv.Tx) error {
		return s.MarkSyncedTx(ctx, tx, id, at)
	})
}

// MarkSyncedTx is MarkSynced inside tx.
func (s *Store) MarkSyncedTx(ctx context.Context, tx kv.Tx, id string, at time.Time) error {
	r, err := s.GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	at = at.UTC()
	r.Synced = true
	r.SyncedAt = &at
	return s.write(ctx, tx, r)
}

// Delete removes the record and its owner index entry. The remote id mapping
// is kept so a queued delete can still address the server copy.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Update(ctx, func(tx kv.Tx) error {
		return s.DeleteTx(ctx, tx, id)
	})
}

// DeleteTx is Delete inside tx. Deleting a missing record returns ErrNotFound.
func (s *Store) DeleteTx(ctx context.Context, tx kv.Tx, id string) error {
	r, err := s.GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, ownerKey(r.OwnerID, id)); err != nil {
		return err
	}
	return tx.Delete(ctx, recordKey(id))
}

// SetRemoteIDTx records the server id for a local id, and on the record
// itself when it still exists.
func (s *Store) SetRemoteIDTx(ctx context.Context, tx kv.Tx, id, remoteID string) error {
	if remoteID == "" {
		return nil
	}
	if err := tx.Put(ctx, remoteIDKey(id), []byte(remoteID)); err != nil {
		return err
	}

	r, err := s.GetTx(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.RemoteID = remoteID
	return s.write(ctx, tx, r)
}

// RemoteID returns the server id for a local id, or "" if none is known.
func (s *Store) RemoteID(ctx context.Context, id string) (string, error) {
	v, err := s.kv.Get(ctx, remoteIDKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// ForgetRemoteIDTx drops the mapping once a delete has been acknowledged.
func (s *Store) ForgetRemoteIDTx(ctx context.Context, tx kv.Tx, id string) error {
	return tx.Delete(ctx, remoteIDKey(id))
}

func (s *Store) write(ctx context.Context, tx kv.Tx, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return tx.Put(ctx, recordKey(r.ID), data)
}

func decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &r, nil
}

func recordKey(id string) string { return recordPrefix + id }

func ownerKey(owner, id string) string { return ownerPrefix + owner + "/" + id }

func remoteIDKey(id string) string { return remoteIDPrefix + id }
