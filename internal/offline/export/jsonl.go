// Package export writes queue items as JSON Lines for operator inspection,
// typically the dead-lettered (Failed) items.
package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
)

// WriteJSONL writes one item per line in the persisted item shape.
func WriteJSONL(w io.Writer, items []*queue.Item) error {
	bw := bufio.NewWriter(w)
	for _, it := range items {
		data, err := it.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal item %d: %w", it.ID, err)
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadJSONL parses items written by WriteJSONL. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]*queue.Item, error) {
	var items []*queue.Item
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var it queue.Item
		if err := decoder.Decode(&it); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at item %d: %w", lineNum+1, err)
		}
		lineNum++
		items = append(items, &it)
	}

	return items, nil
}

// WriteFile writes items to path atomically via a temp file.
func WriteFile(path string, items []*queue.Item) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := WriteJSONL(f, items); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadFile reads items from path.
func ReadFile(path string) ([]*queue.Item, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()
	return ReadJSONL(f)
}
