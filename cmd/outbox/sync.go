package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zwoods58/WebApp-sub007/internal/offline/daemon"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the queue once",
	Long: `Attempt every due queue item once and print the outcome.

Items of the same entity are sent in creation order; an item that fails
holds back later items of its entity until it succeeds. Transient failures
are rescheduled with exponential backoff, other failures move to the failed
list.

Use --recover after a crash to return items stuck in syncing to pending.
It refuses to run while a daemon holds the data directory lock.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openSyncStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		if recoverFlag, _ := cmd.Flags().GetBool("recover"); recoverFlag {
			lock, err := daemon.AcquireLock(filepath.Join(cfg.DataDir, daemon.LockFile))
			if errors.Is(err, daemon.ErrLocked) {
				fatalf("a daemon is running for %s; it recovers interrupted items itself", cfg.DataDir)
			}
			if err != nil {
				fatalf("%v", err)
			}
			defer lock.Release()

			n, err := s.coord.Recover(ctx)
			if err != nil {
				fatalf("failed to recover interrupted items: %v", err)
			}
			if n > 0 && !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Returned %d interrupted item(s) to pending\n", ui.RenderWarn("⚠"), n)
			}
		}
		s.checkConnectivity(ctx)

		summary := s.coord.DrainAll(ctx)
		printSummary(cmd.OutOrStdout(), summary)
	},
}

type statusReport struct {
	Online       bool         `json:"online"`
	Store        string       `json:"store"`
	Config       string       `json:"config,omitempty"`
	Queue        queue.Stats  `json:"queue"`
	NextAttempt  *time.Time   `json:"nextAttempt,omitempty"`
	UnsyncedRecs int          `json:"unsyncedRecords"`
	Policy       queue.Policy `json:"policy"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and connectivity status",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		report, err := buildStatus(ctx, s)
		if err != nil {
			fatalf("%v", err)
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			printJSON(w, report)
			return
		}

		fmt.Fprintf(w, "\n%s Outbox Status\n\n", ui.RenderAccent("📊"))
		fmt.Fprintf(w, "Connectivity: %s\n", ui.RenderOnline(report.Online))
		fmt.Fprintf(w, "Store: %s\n", report.Store)
		if report.Config != "" {
			fmt.Fprintf(w, "Config: %s\n", report.Config)
		}
		fmt.Fprintf(w, "Pending: %d\n", report.Queue.Pending)
		fmt.Fprintf(w, "Syncing: %d\n", report.Queue.Syncing)
		if report.Queue.Failed > 0 {
			fmt.Fprintf(w, "Failed: %s\n", ui.RenderFail(fmt.Sprint(report.Queue.Failed)))
		} else {
			fmt.Fprintf(w, "Failed: 0\n")
		}
		if report.Queue.Corrupt > 0 {
			fmt.Fprintf(w, "Corrupt: %s\n", ui.RenderFail(fmt.Sprint(report.Queue.Corrupt)))
		}
		fmt.Fprintf(w, "Unsynced records: %d\n", report.UnsyncedRecs)
		if report.NextAttempt != nil {
			fmt.Fprintf(w, "Next attempt: %s\n", ui.Since(*report.NextAttempt, time.Now()))
		}
		fmt.Fprintln(w)
	},
}

func buildStatus(ctx context.Context, s *stack) (statusReport, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	unsynced, err := s.records.ListUnsynced(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("failed to list unsynced records: %w", err)
	}
	report := statusReport{
		Online:       probeOnce(ctx),
		Store:        storeLocation(),
		Config:       cfg.Source,
		Queue:        stats,
		UnsyncedRecs: len(unsynced),
		Policy:       s.queue.Policy(),
	}
	next, ok, err := s.queue.NextAttempt(ctx)
	if err != nil {
		return statusReport{}, fmt.Errorf("failed to read next attempt: %w", err)
	}
	if ok {
		report.NextAttempt = &next
	}
	return report, nil
}

// probeOnce reports reachability without opening the full sync stack. With
// no probe configured the host is assumed online.
func probeOnce(ctx context.Context) bool {
	if cfg.Probe.URL == "" {
		return true
	}
	s := &stack{}
	if err := attachConnectivity(s, cfg); err != nil {
		return false
	}
	return s.checkConnectivity(ctx)
}

func init() {
	syncCmd.Flags().Bool("recover", false, "return items left in syncing to pending first")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
