package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/syncer"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode output: %v", err)
	}
}

func parseItemID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid item id %q", arg)
	}
	return id
}

func printSummary(w io.Writer, s syncer.Summary) {
	if jsonOutput {
		printJSON(w, s)
		return
	}
	if s.Offline {
		fmt.Fprintf(w, "%s Offline: nothing was sent\n", ui.RenderWarn("⚠"))
		return
	}

	mark := ui.RenderPass("✓")
	if s.Failed > 0 {
		mark = ui.RenderFail("✗")
	}
	fmt.Fprintf(w, "%s Drain (%s) finished in %v: %d succeeded, %d failed, %d skipped\n",
		mark, s.Trigger, s.Duration.Round(time.Millisecond), s.Succeeded, s.Failed, s.Skipped)

	for _, r := range s.Results {
		line := fmt.Sprintf("   #%d %s %s/%s  %s", r.ID, r.Kind, r.EntityType, r.EntityID, ui.RenderStatus(string(r.Status)))
		if r.RetryCount > 0 {
			line += fmt.Sprintf("  retries %d", r.RetryCount)
		}
		if r.Err != "" {
			line += "  " + ui.RenderMuted(r.Err)
		}
		fmt.Fprintln(w, line)
	}
}

func printItems(w io.Writer, items []*queue.Item) {
	if jsonOutput {
		if items == nil {
			items = []*queue.Item{}
		}
		printJSON(w, items)
		return
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}

	now := time.Now()
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		next := "-"
		if it.Status == queue.StatusPending {
			next = ui.Since(it.NextAttemptAt, now)
		}
		rows = append(rows, []string{
			strconv.FormatInt(it.ID, 10),
			string(it.Kind),
			it.EntityKey(),
			ui.RenderStatus(string(it.Status)),
			strconv.Itoa(it.RetryCount),
			next,
			truncate(it.LastError, 48),
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"ID", "KIND", "ENTITY", "STATUS", "RETRIES", "NEXT", "LAST ERROR"}, rows))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
