// Package sqlite provides the embedded kv.Store backend.
//
// The store is a single WITHOUT ROWID table in a SQLite database file opened
// through the ncruces/go-sqlite3 driver. WAL mode lets readers proceed while
// the coordinator commits, and transactions take the write lock up front
// (_txlock=immediate) so two writers never deadlock on lock upgrade.
//
// Architecture:
//   - Database file: <data dir>/outbox.db
//   - Table: kv(key TEXT PRIMARY KEY, value BLOB, updated_at TEXT)
//   - Scan: prefix match on key, ordered by key
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

// DB wraps the SQLite connection pool and implements kv.Store.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := sqlite.Open(".outbox/outbox.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, logger *zap.Logger) (*DB, error) {
	return OpenContext(context.Background(), path, logger)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, logger: logger}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitSchemaContext creates the kv table if it does not exist. Idempotent.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	) WITHOUT ROWID;
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB { return db.conn }

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// Get implements kv.Reader.
func (db *DB) Get(ctx context.Context, key string) ([]byte, error) {
	if db.conn == nil {
		return nil, kv.ErrClosed
	}
	return get(ctx, db.conn, key)
}

// Scan implements kv.Reader.
func (db *DB) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	if db.conn == nil {
		return nil, kv.ErrClosed
	}
	return scan(ctx, db.conn, prefix)
}

// Put implements kv.Writer.
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	if db.conn == nil {
		return kv.ErrClosed
	}
	return put(ctx, db.conn, key, value)
}

// Delete implements kv.Writer.
func (db *DB) Delete(ctx context.Context, key string) error {
	if db.conn == nil {
		return kv.ErrClosed
	}
	return del(ctx, db.conn, key)
}

// Update implements kv.Store.
func (db *DB) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	if db.conn == nil {
		return kv.ErrClosed
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txn{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txn struct{ tx *sql.Tx }

func (t *txn) Get(ctx context.Context, key string) ([]byte, error) { return get(ctx, t.tx, key) }
func (t *txn) Scan(ctx context.Context, prefix string) ([]kv.Entry, error) {
	return scan(ctx, t.tx, prefix)
}
func (t *txn) Put(ctx context.Context, key string, value []byte) error {
	return put(ctx, t.tx, key, value)
}
func (t *txn) Delete(ctx context.Context, key string) error { return del(ctx, t.tx, key) }

func get(ctx context.Context, q querier, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func scan(ctx context.Context, q querier, prefix string) ([]kv.Entry, error) {
	// substr counts characters, not bytes.
	rows, err := q.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		utf8.RuneCountInString(prefix), prefix)
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

func put(ctx context.Context, q querier, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func del(ctx context.Context, q querier, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}
