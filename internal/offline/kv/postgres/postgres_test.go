package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/kvtest"
)

// Requires a reachable server: OUTBOX_TEST_POSTGRES_DSN=postgres://...
func TestConformance(t *testing.T) {
	dsn := os.Getenv("OUTBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OUTBOX_TEST_POSTGRES_DSN not set")
	}

	kvtest.Run(t, func(t *testing.T) kv.Store {
		table := "outbox_kv_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		s, err := Open(context.Background(), Config{DSN: dsn, Table: table})
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		t.Cleanup(func() {
			// The suite has closed s by now.
			pool, err := pgxpool.New(context.Background(), dsn)
			if err != nil {
				return
			}
			defer pool.Close()
			_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.table)
		})
		return s
	})
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("Open() with empty DSN should fail")
	}
}
