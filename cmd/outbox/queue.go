package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zwoods58/WebApp-sub007/internal/offline/export"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and manage queued mutations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items in creation order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		failed, _ := cmd.Flags().GetBool("failed")
		var items []*queue.Item
		if failed {
			items, err = s.queue.ListFailed(ctx)
		} else {
			items, err = s.queue.List(ctx)
		}
		if err != nil {
			fatalf("failed to list queue: %v", err)
		}
		printItems(cmd.OutOrStdout(), items)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry one failed item now",
	Long: `Move a failed item back to pending with its retry count reset, then drain.

A pending item is simply drained. An item that is syncing or already gone is
left alone.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseItemID(args[0])
		ctx := cmd.Context()
		s, err := openSyncStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()
		s.checkConnectivity(ctx)

		summary, err := s.coord.RetryOne(ctx, id)
		if err != nil {
			fatalf("failed to retry item %d: %v", id, err)
		}
		printSummary(cmd.OutOrStdout(), summary)
	},
}

var queueRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry every failed item now",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openSyncStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()
		s.checkConnectivity(ctx)

		summary, err := s.coord.RetryAll(ctx)
		if err != nil {
			fatalf("failed to retry failed items: %v", err)
		}
		printSummary(cmd.OutOrStdout(), summary)
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a failed item without sending it",
	Long: `Remove a failed item from the queue. The local record keeps its current
content and stays unsynced; 'outbox record reconcile' queues it again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseItemID(args[0])
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		it, err := s.queue.Discard(ctx, id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			fatalf("item %d not found", id)
		case errors.Is(err, queue.ErrInvalidTransition):
			fatalf("item %d is not failed; only failed items can be discarded", id)
		case err != nil:
			fatalf("failed to discard item %d: %v", id, err)
		}

		if jsonOutput {
			printJSON(cmd.OutOrStdout(), it)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Discarded #%d %s %s\n", ui.RenderPass("✓"), it.ID, it.Kind, it.EntityKey())
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export queue items as JSONL",
	Long: `Write queue items, one JSON object per line, in the persisted shape.

Useful for inspecting dead letters (--failed) or attaching them to a bug
report. Writes to stdout unless --output is given.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		failed, _ := cmd.Flags().GetBool("failed")
		output, _ := cmd.Flags().GetString("output")

		var items []*queue.Item
		if failed {
			items, err = s.queue.ListFailed(ctx)
		} else {
			items, err = s.queue.List(ctx)
		}
		if err != nil {
			fatalf("failed to list queue: %v", err)
		}

		if output == "" {
			if err := export.WriteJSONL(cmd.OutOrStdout(), items); err != nil {
				fatalf("%v", err)
			}
			return
		}
		if err := export.WriteFile(output, items); err != nil {
			fatalf("%v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d item(s) to %s\n", ui.RenderPass("✓"), len(items), output)
	},
}

func init() {
	queueListCmd.Flags().Bool("failed", false, "only failed items")
	queueExportCmd.Flags().Bool("failed", false, "only failed items")
	queueExportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRetryAllCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queueExportCmd)
	rootCmd.AddCommand(queueCmd)
}
