package export

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
)

func failedItem(id int64) *queue.Item {
	at := time.UnixMilli(1772355600000).UTC()
	return &queue.Item{
		ID:             id,
		Kind:           queue.OpUpdate,
		EntityType:     "transactions",
		EntityID:       "tx-1",
		Payload:        []byte(`{"amount":500}`),
		IdempotencyKey: "key-1",
		CreatedAt:      at,
		RetryCount:     5,
		Status:         queue.StatusFailed,
		NextAttemptAt:  at,
		LastError:      "transient sync error: 503",
		UpdatedAt:      at,
	}
}

func TestWriteJSONL_OneLinePerItem(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, []*queue.Item{failedItem(1), failedItem(2)}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"status":"failed"`)
	assert.Contains(t, lines[0], `"createdAt":1772355600000`)
}

func TestReadJSONL_PreservesFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, []*queue.Item{failedItem(7)}))
	buf.WriteString("\n")

	items, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, failedItem(7), items[0])
}

func TestReadJSONL_Invalid(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"id\":1}\nnot json\n"))
	assert.ErrorContains(t, err, "item 2")
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "failed.jsonl")
	require.NoError(t, WriteFile(path, []*queue.Item{failedItem(3)}))

	items, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].ID)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
