// Package postgres provides a kv.Store backed by a single PostgreSQL table,
// for hosts that already run a database next to the client process.
//
// Several processes may share one table; Update serializes them with an
// advisory lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "outbox_kv"

// Config configures the pool.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

// Store implements kv.Store on pgxpool.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects, pings and creates the table if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool, table: pgx.Identifier{cfg.Table}.Sanitize()}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewFromPool wraps an existing pool. The table must already exist.
func NewFromPool(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Get implements kv.Reader.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, s.pool, key)
}

// Scan implements kv.Reader.
func (s *Store) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	return s.scan(ctx, s.pool, prefix)
}

// Put implements kv.Writer.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, s.pool, key, value)
}

// Delete implements kv.Writer.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.del(ctx, s.pool, key)
}

// Update implements kv.Store. Every Update takes a transaction-scoped
// advisory lock keyed by the table name, so read-modify-write transactions
// from separate processes sharing the table run one at a time.
func (s *Store) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.table); err != nil {
			return fmt.Errorf("failed to lock %s: %w", s.table, err)
		}
		return fn(&txn{s: s, tx: tx})
	})
}

// conn is satisfied by *pgxpool.Pool and pgx.Tx.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txn struct {
	s  *Store
	tx pgx.Tx
}

func (t *txn) Get(ctx context.Context, key string) ([]byte, error) { return t.s.get(ctx, t.tx, key) }
func (t *txn) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	return t.s.scan(ctx, t.tx, prefix)
}
func (t *txn) Put(ctx context.Context, key string, value []byte) error {
	return t.s.put(ctx, t.tx, key, value)
}
func (t *txn) Delete(ctx context.Context, key string) error { return t.s.del(ctx, t.tx, key) }

func (s *Store) get(ctx context.Context, c conn, key string) ([]byte, error) {
	var value []byte
	err := c.QueryRow(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) scan(ctx context.Context, c conn, prefix string) ([]kv.Entry, error) {
	rows, err := c.Query(ctx, fmt.Sprintf(
		`SELECT key, value FROM %s WHERE starts_with(key, $1) ORDER BY key COLLATE "C"`, s.table), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []kv.Entry
	for rows.Next() {
		var e kv.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

func (s *Store) put(ctx context.Context, c conn, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := c.Exec(ctx, fmt.Sprintf(`
	INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.table), key, value)
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, c conn, key string) error {
	if _, err := c.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}
