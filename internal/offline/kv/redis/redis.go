// Package redis provides a kv.Store on top of go-redis.
//
// Keys are namespaced with a configurable prefix. Update stages writes in a
// kv.Overlay and commits them with MULTI/EXEC, so a transaction's writes land
// together. Every Update WATCHes one fence key and bumps it on commit: when
// two processes race, the later EXEC aborts and its transaction reruns
// against fresh reads.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

// DefaultNamespace prefixes every key written by the store.
const DefaultNamespace = "outbox:"

const (
	// fenceKey is bumped by every committing Update. It sorts before any
	// key the store hands out and is hidden from Scan.
	fenceKey = "\x00fence"

	maxTxAttempts = 100
)

// ErrConflict is returned when an Update lost every optimistic retry.
var ErrConflict = errors.New("redis: transaction kept conflicting")

// Config configures the client.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Store implements kv.Store on a Redis server.
type Store struct {
	client goredis.UniversalClient
	ns     string
	owned  bool
}

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	s := New(client, cfg.Namespace)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close does not close a client passed in here.
func New(client goredis.UniversalClient, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{client: client, ns: namespace}
}

// Close closes the client if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Get implements kv.Reader.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.ns+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return v, nil
}

// Scan implements kv.Reader. It walks the keyspace with SCAN MATCH, then
// fetches values with a single MGET.
func (s *Store) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.ns+prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %d keys: %w", len(keys), err)
	}

	entries := make([]kv.Entry, 0, len(keys))
	fence := s.ns + fenceKey
	for i, raw := range vals {
		if keys[i] == fence {
			continue
		}
		// A key deleted between SCAN and MGET comes back nil.
		str, ok := raw.(string)
		if !ok {
			continue
		}
		entries = append(entries, kv.Entry{
			Key:   strings.TrimPrefix(keys[i], s.ns),
			Value: []byte(str),
		})
	}
	return entries, nil
}

// Put implements kv.Writer.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.ns+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Delete implements kv.Writer.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.ns+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Update implements kv.Store. fn may run more than once; it must not have
// effects outside the transaction.
func (s *Store) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	fence := s.ns + fenceKey
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		var fnErr error
		err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
			staged := kv.NewOverlay(s)
			if fnErr = fn(staged); fnErr != nil {
				return fnErr
			}
			if staged.Empty() {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Incr(ctx, fence)
				for _, k := range staged.Deletes() {
					pipe.Del(ctx, s.ns+k)
				}
				for k, v := range staged.Puts() {
					pipe.Set(ctx, s.ns+k, v, 0)
				}
				return nil
			})
			return err
		}, fence)

		switch {
		case fnErr != nil:
			return fnErr
		case err == nil:
			return nil
		case !errors.Is(err, goredis.TxFailedErr):
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		wait := time.Duration(rand.Int64N(int64(attempt)*int64(time.Millisecond) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("failed to commit transaction after %d attempts: %w", maxTxAttempts, ErrConflict)
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
