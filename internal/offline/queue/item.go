package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind is the mutation a queue item carries to the server.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperationKind parses "create", "update" or "delete".
func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}

// Status is the lifecycle state of a queue item.
//
//	Pending --lease--> Syncing --ack--> Processed (deleted)
//	                   Syncing --transient, budget left--> Pending (backoff)
//	                   Syncing --exhausted|permanent|corrupt--> Failed
//	Failed --manual retry--> Pending
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Item is a single pending mutation.
type Item struct {
	ID             int64
	Kind           OperationKind
	EntityType     string
	EntityID       string
	Payload        []byte
	IdempotencyKey string
	CreatedAt      time.Time
	RetryCount     int
	Status         Status
	NextAttemptAt  time.Time
	LastError      string
	UpdatedAt      time.Time
}

// EntityKey identifies the entity an item mutates. Items sharing a key are
// delivered in creation order.
func (it *Item) EntityKey() string {
	return it.EntityType + "/" + it.EntityID
}

// Due reports whether the item may be attempted at now.
func (it *Item) Due(now time.Time) bool {
	return it.Status == StatusPending && !now.Before(it.NextAttemptAt)
}

// Clone returns a deep copy.
func (it *Item) Clone() *Item {
	cp := *it
	cp.Payload = append([]byte(nil), it.Payload...)
	return &cp
}

// wireItem is the persisted shape. Timestamps are epoch milliseconds.
type wireItem struct {
	ID             int64         `json:"id"`
	Kind           OperationKind `json:"operationKind"`
	EntityType     string        `json:"entityType"`
	EntityID       string        `json:"entityId"`
	Payload        []byte        `json:"payload"`
	IdempotencyKey string        `json:"idempotencyKey"`
	CreatedAt      int64         `json:"createdAt"`
	RetryCount     int           `json:"retryCount"`
	Status         Status        `json:"status"`
	NextAttemptAt  int64         `json:"nextAttemptAt"`
	LastError      string        `json:"lastError,omitempty"`
	UpdatedAt      int64         `json:"updatedAt"`
}

// MarshalJSON encodes the persisted shape.
func (it *Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireItem{
		ID:             it.ID,
		Kind:           it.Kind,
		EntityType:     it.EntityType,
		EntityID:       it.EntityID,
		Payload:        it.Payload,
		IdempotencyKey: it.IdempotencyKey,
		CreatedAt:      toMillis(it.CreatedAt),
		RetryCount:     it.RetryCount,
		Status:         it.Status,
		NextAttemptAt:  toMillis(it.NextAttemptAt),
		LastError:      it.LastError,
		UpdatedAt:      toMillis(it.UpdatedAt),
	})
}

// UnmarshalJSON decodes the persisted shape.
func (it *Item) UnmarshalJSON(data []byte) error {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*it = Item{
		ID:             w.ID,
		Kind:           w.Kind,
		EntityType:     w.EntityType,
		EntityID:       w.EntityID,
		Payload:        w.Payload,
		IdempotencyKey: w.IdempotencyKey,
		CreatedAt:      fromMillis(w.CreatedAt),
		RetryCount:     w.RetryCount,
		Status:         w.Status,
		NextAttemptAt:  fromMillis(w.NextAttemptAt),
		LastError:      w.LastError,
		UpdatedAt:      fromMillis(w.UpdatedAt),
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Stats counts items per status. Corrupt counts stored entries that no longer
// decode.
type Stats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Corrupt int `json:"corrupt,omitempty"`
}

// Total is the number of items still in the queue.
func (s Stats) Total() int { return s.Pending + s.Syncing + s.Failed + s.Corrupt }
