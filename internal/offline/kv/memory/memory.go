// Package memory is an in-process kv.Store used by tests and by the CLI's
// --store=memory mode. Nothing survives a restart.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

// Store is a map-backed kv.Store. Update holds the write lock for the whole
// transaction, so transactions are fully serialized.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get implements kv.Reader.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	return s.get(key)
}

func (s *Store) get(key string) ([]byte, error) {
	v, ok := s.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Scan implements kv.Reader.
func (s *Store) Scan(_ context.Context, prefix string) ([]kv.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	return s.scan(prefix), nil
}

func (s *Store) scan(prefix string) []kv.Entry {
	matched := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			matched[k] = cp
		}
	}
	return kv.SortedEntries(matched)
}

// Put implements kv.Writer.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

// Delete implements kv.Writer.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	delete(s.data, key)
	return nil
}

// Update implements kv.Store.
func (s *Store) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}

	staged := kv.NewOverlay(lockedReader{s})
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, k := range staged.Deletes() {
		delete(s.data, k)
	}
	for k, v := range staged.Puts() {
		s.data[k] = v
	}
	return nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// lockedReader reads the map while Update already holds the lock.
type lockedReader struct{ s *Store }

func (r lockedReader) Get(_ context.Context, key string) ([]byte, error) {
	return r.s.get(key)
}

func (r lockedReader) Scan(_ context.Context, prefix string) ([]kv.Entry, error) {
	return r.s.scan(prefix), nil
}
