// Package kv defines the key-value contract the offline store and the
// mutation queue are built on.
//
// Every backend (embedded SQLite, PostgreSQL, Redis, in-memory) satisfies
// Store. Keys are plain strings, values are opaque bytes. Scan returns entries
// sorted by key, which the queue relies on for creation ordering.
//
// Update runs fn against a transaction. All writes made through the Tx become
// visible together when fn returns nil, and none of them when it returns an
// error. Reads inside the transaction observe the transaction's own writes.
package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Entry is a single key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Reader is the read half of a store or transaction.
type Reader interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Scan returns every entry whose key starts with prefix, sorted by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}

// Writer is the write half of a store or transaction.
type Writer interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Tx is a transaction handle passed to Store.Update.
type Tx interface {
	Reader
	Writer
}

// Store is a durable key-value store with atomic multi-key updates.
type Store interface {
	Reader
	Writer

	// Update runs fn in a transaction and commits if fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the store's resources.
	Close() error
}

// Overlay buffers writes on top of a Reader. Backends without native
// read-your-writes transactions use it to stage a Tx before committing.
type Overlay struct {
	base    Reader
	puts    map[string][]byte
	deletes map[string]struct{}
}

// NewOverlay returns an empty overlay reading through to base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{
		base:    base,
		puts:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// Get implements Reader.
func (o *Overlay) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := o.puts[key]; ok {
		return clone(v), nil
	}
	if _, ok := o.deletes[key]; ok {
		return nil, ErrNotFound
	}
	return o.base.Get(ctx, key)
}

// Scan implements Reader.
func (o *Overlay) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := o.base.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}

	merged := make(map[string][]byte, len(entries)+len(o.puts))
	for _, e := range entries {
		if _, gone := o.deletes[e.Key]; gone {
			continue
		}
		merged[e.Key] = e.Value
	}
	for k, v := range o.puts {
		if strings.HasPrefix(k, prefix) {
			merged[k] = clone(v)
		}
	}
	return SortedEntries(merged), nil
}

// Put implements Writer.
func (o *Overlay) Put(_ context.Context, key string, value []byte) error {
	delete(o.deletes, key)
	o.puts[key] = clone(value)
	return nil
}

// Delete implements Writer.
func (o *Overlay) Delete(_ context.Context, key string) error {
	delete(o.puts, key)
	o.deletes[key] = struct{}{}
	return nil
}

// Puts returns the staged writes.
func (o *Overlay) Puts() map[string][]byte { return o.puts }

// Deletes returns the staged deletions.
func (o *Overlay) Deletes() []string {
	keys := make([]string, 0, len(o.deletes))
	for k := range o.deletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Empty reports whether nothing has been staged.
func (o *Overlay) Empty() bool {
	return len(o.puts) == 0 && len(o.deletes) == 0
}

// SortedEntries converts a map into entries ordered by key.
func SortedEntries(m map[string][]byte) []Entry {
	out := make([]Entry, 0, len(m))
	for k, v := range m {
		out = append(out, Entry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
