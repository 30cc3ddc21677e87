package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/gateway"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	keys     []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.keys = append(f.keys, r.Header.Get(gateway.IdempotencyHeader))
	n := len(f.requests)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"srv-%d"}`, n)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// setupCLI writes a config file pointing at a temp sqlite store and api.
func setupCLI(t *testing.T, api http.Handler) (configPath, dataDir string) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	dataDir = t.TempDir()
	configPath = filepath.Join(dataDir, "outbox.yaml")
	body := fmt.Sprintf(`data_dir: %q
store:
  driver: sqlite
gateway:
  base_url: %q
daemon:
  periodic_interval: 0s
log:
  level: error
`, dataDir, srv.URL)
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return configPath, dataDir
}

// run executes the CLI and returns stdout. Package flag state is reset so
// calls do not leak into each other.
func run(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	jsonOutput = false
	cfgFile = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--config", configPath, "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCLI_CreateListSyncStatus(t *testing.T) {
	api := &fakeAPI{}
	configPath, _ := setupCLI(t, api)

	var created struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
		Item queue.Item `json:"item"`
	}
	out := run(t, configPath, "record", "create", "--json",
		"--type", "transactions", "--owner", "user-1", "--fields", `{"amount":500}`)
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.Record.ID)
	assert.Equal(t, queue.OpCreate, created.Item.Kind)

	var items []queue.Item
	require.NoError(t, json.Unmarshal([]byte(run(t, configPath, "queue", "list", "--json")), &items))
	require.Len(t, items, 1)
	assert.Equal(t, queue.StatusPending, items[0].Status)

	var summary syncer.Summary
	require.NoError(t, json.Unmarshal([]byte(run(t, configPath, "sync", "--json")), &summary))
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	api.mu.Lock()
	assert.Equal(t, []string{"POST /transactions"}, api.requests)
	assert.Equal(t, created.Item.IdempotencyKey, api.keys[0])
	api.mu.Unlock()

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(run(t, configPath, "status", "--json")), &report))
	assert.True(t, report.Online)
	assert.Zero(t, report.Queue.Total())
	assert.Zero(t, report.UnsyncedRecs)
	assert.Nil(t, report.NextAttempt)
}

func TestCLI_UpdateUsesServerID(t *testing.T) {
	api := &fakeAPI{}
	configPath, _ := setupCLI(t, api)

	var created struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	out := run(t, configPath, "record", "create", "--json",
		"--type", "notes", "--owner", "user-1", "--fields", `{"text":"a"}`)
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	run(t, configPath, "record", "update", created.Record.ID, "--json", "--fields", `{"text":"b"}`)
	run(t, configPath, "sync", "--json")

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"POST /notes", "PUT /notes/srv-1"}, api.requests)
	assert.NotEqual(t, api.keys[0], api.keys[1])
}

func TestCLI_Wake(t *testing.T) {
	configPath, dataDir := setupCLI(t, &fakeAPI{})

	out := run(t, configPath, "wake")
	assert.Contains(t, out, "Wake requested")

	matches, err := filepath.Glob(filepath.Join(dataDir, "wake", "background-sync.*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCLI_ConfigShow(t *testing.T) {
	configPath, _ := setupCLI(t, &fakeAPI{})

	out := run(t, configPath, "config", "show")
	assert.Contains(t, out, "# "+configPath)
	assert.Contains(t, out, "driver: sqlite")
	assert.Contains(t, out, "periodic_interval: 0s")
}

func TestCLI_ExportJSONL(t *testing.T) {
	configPath, dataDir := setupCLI(t, &fakeAPI{})
	run(t, configPath, "record", "create", "--type", "notes", "--owner", "u", "--fields", `{"n":1}`)
	run(t, configPath, "record", "create", "--type", "notes", "--owner", "u", "--fields", `{"n":2}`)

	path := filepath.Join(dataDir, "export", "queue.jsonl")
	run(t, configPath, "queue", "export", "--output", path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestCLI_Bench(t *testing.T) {
	configPath, _ := setupCLI(t, &fakeAPI{})

	out := run(t, configPath, "bench", "--json", "--store", "memory",
		"--writers", "3", "--writes", "4", "--latency", "0s", "--fail-rate", "0.25")

	var res struct {
		Drain struct {
			Delivered int `json:"delivered"`
		} `json:"drain"`
		Violations struct {
			Duplicates int64 `json:"duplicates"`
			Unsynced   int   `json:"unsynced"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 12, res.Drain.Delivered)
	assert.Zero(t, res.Violations.Duplicates)
	assert.Zero(t, res.Violations.Unsynced)
}
