// Package kvtest is a conformance suite every kv.Store backend runs.
package kvtest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) kv.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"ScanPrefixOrdered", testScanPrefixOrdered},
		{"UpdateCommits", testUpdateCommits},
		{"UpdateRollsBack", testUpdateRollsBack},
		{"UpdateReadsOwnWrites", testUpdateReadsOwnWrites},
		{"ConcurrentUpdatesDoNotLoseWrites", testConcurrentUpdates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s kv.Store) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testPutGet(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("1")))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func testOverwrite(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "a", []byte("2")))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func testDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"), "deleting a missing key is not an error")

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testScanPrefixOrdered(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for _, k := range []string{"q/003", "q/001", "r/001", "q/002", "qq/001"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}

	entries, err := s.Scan(ctx, "q/")
	require.NoError(t, err)

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
		assert.Equal(t, []byte(e.Key), e.Value)
	}
	assert.Equal(t, []string{"q/001", "q/002", "q/003"}, keys)
}

func testUpdateCommits(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "gone", []byte("x")))

	err := s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(ctx, "a", []byte("1")); err != nil {
			return err
		}
		if err := tx.Put(ctx, "b", []byte("2")); err != nil {
			return err
		}
		return tx.Delete(ctx, "gone")
	})
	require.NoError(t, err)

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		v, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, want, string(v))
	}
	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testUpdateRollsBack(t *testing.T, s kv.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(ctx, "a", []byte("1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrNotFound, "write from failed transaction must not be visible")
}

func testUpdateReadsOwnWrites(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "p/1", []byte("old")))

	err := s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(ctx, "p/2", []byte("new")); err != nil {
			return err
		}
		if err := tx.Delete(ctx, "p/1"); err != nil {
			return err
		}

		v, err := tx.Get(ctx, "p/2")
		if err != nil {
			return err
		}
		assert.Equal(t, "new", string(v))

		entries, err := tx.Scan(ctx, "p/")
		if err != nil {
			return err
		}
		require.Len(t, entries, 1)
		assert.Equal(t, "p/2", entries[0].Key)
		return nil
	})
	require.NoError(t, err)
}

// Each Update reads a counter and writes it back incremented, the way the
// queue allocates sequence numbers. No increment may be lost.
func testConcurrentUpdates(t *testing.T, s kv.Store) {
	ctx := context.Background()
	const workers, perWorker = 8, 25

	increment := func() error {
		return s.Update(ctx, func(tx kv.Tx) error {
			var n int
			raw, err := tx.Get(ctx, "counter")
			switch {
			case errors.Is(err, kv.ErrNotFound):
			case err != nil:
				return err
			default:
				if n, err = strconv.Atoi(string(raw)); err != nil {
					return err
				}
			}
			return tx.Put(ctx, "counter", []byte(strconv.Itoa(n+1)))
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := increment(); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	v, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*perWorker), string(v))
}
