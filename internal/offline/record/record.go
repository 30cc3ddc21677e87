// Package record provides the durable local store for user-owned records.
//
// Records are the client's source of truth while offline. Every write sets
// Synced to false; only the sync coordinator flips it back, after the server
// has acknowledged the last outstanding mutation for that record.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid record")
)

// Record is a single user-owned domain entity (a transaction, a product, ...).
type Record struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	EntityType string          `json:"entityType"`
	Fields     json.RawMessage `json:"fields"`

	// RemoteID is the server-assigned id, known once a create is acknowledged.
	RemoteID string `json:"remoteId,omitempty"`

	Synced    bool       `json:"synced"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Validate checks required fields and that Fields is a JSON object.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if r.OwnerID == "" {
		return fmt.Errorf("%w: ownerId is required", ErrInvalid)
	}
	if r.EntityType == "" {
		return fmt.Errorf("%w: entityType is required", ErrInvalid)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("%w: fields are required", ErrInvalid)
	}
	trimmed := bytes.TrimSpace(r.Fields)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: fields must be a JSON object", ErrInvalid)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: createdAt is required", ErrInvalid)
	}
	return nil
}

// Field decodes a single top-level field into v. It returns false when the
// field is absent.
func (r *Record) Field(name string, v any) (bool, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(r.Fields, &m); err != nil {
		return false, fmt.Errorf("failed to decode fields: %w", err)
	}
	raw, ok := m[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode field %q: %w", name, err)
	}
	return true, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = append(json.RawMessage(nil), r.Fields...)
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		cp.SyncedAt = &t
	}
	return &cp
}
