package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/memory"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/sqlite"
)

func TestRun_Memory(t *testing.T) {
	db := memory.New()
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := Run(ctx, db, Config{
		Writers:         8,
		WritesPerWriter: 10,
		UpdateRatio:     0.4,
		FailureRate:     0.2,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 80, res.Writes.Count)
	assert.Zero(t, res.WriteErrors)
	assert.Equal(t, 80, res.Drain.Delivered, "every local write is delivered once")
	assert.Zero(t, res.Drain.Failed)
	assert.GreaterOrEqual(t, res.Drain.Calls, int64(80))
	assert.Positive(t, res.Drain.InjectedFails)
	assert.True(t, res.Violations.Ok(), "%+v", res.Violations)

	var buf bytes.Buffer
	res.Print(&buf)
	assert.Contains(t, buf.String(), "Duplicates:   0")
}

func TestRun_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sqlite load test in short mode")
	}
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "load.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := Run(ctx, db, Config{Writers: 4, WritesPerWriter: 10, UpdateRatio: 0.3, FailureRate: 0.1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Drain.Delivered)
	assert.True(t, res.Violations.Ok(), "%+v", res.Violations)
}

func TestCheckQueued_HoldsBeforeAndAfterDrain(t *testing.T) {
	db := memory.New()
	defer db.Close()
	ctx := context.Background()

	env := NewEnv(db, Config{Writers: 3, WritesPerWriter: 5, UpdateRatio: 0.5}, nil)
	_, _, err := env.RunWriters(ctx)
	require.NoError(t, err)

	orphans, err := env.CheckQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	_, err = env.DrainUntilEmpty(ctx)
	require.NoError(t, err)

	orphans, err = env.CheckQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	v, err := env.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, v.Ok(), "%+v", v)
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.P99)
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}
