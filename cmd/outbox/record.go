package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
	"github.com/zwoods58/WebApp-sub007/internal/offline/record"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "records",
	Short:   "Write and read local records",
	Long: `Write and read records in the local store.

Every write is applied locally right away and queues the matching remote
mutation in the same transaction. Records show as unsynced until the server
has acknowledged their last queued mutation.`,
}

// readFields returns the --fields value, or stdin when it is "-".
func readFields(cmd *cobra.Command) json.RawMessage {
	raw, _ := cmd.Flags().GetString("fields")
	if raw == "-" {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Enter a JSON object, then Ctrl+D:")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("failed to read fields from stdin: %v", err)
		}
		raw = string(data)
	}
	if !json.Valid([]byte(raw)) {
		fatalf("--fields must be a JSON object")
	}
	return json.RawMessage(raw)
}

func printWrite(cmd *cobra.Command, verb string, r *record.Record, it *queue.Item) {
	w := cmd.OutOrStdout()
	if jsonOutput {
		printJSON(w, struct {
			Record *record.Record `json:"record,omitempty"`
			Item   *queue.Item    `json:"item"`
		}{r, it})
		return
	}
	fmt.Fprintf(w, "%s %s %s (queued #%d)\n", ui.RenderPass("✓"), verb, it.EntityKey(), it.ID)
}

var recordCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a record and queue its create",
	Example: `  outbox record create --type transactions --owner user-1 --fields '{"amount":500}'
  cat tx.json | outbox record create --type transactions --owner user-1 --fields -`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		entityType, _ := cmd.Flags().GetString("type")
		owner, _ := cmd.Flags().GetString("owner")
		fields := readFields(cmd)

		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		r, it, err := s.writer.Create(ctx, owner, entityType, fields)
		if err != nil {
			fatalf("%v", err)
		}
		printWrite(cmd, "Created", r, it)
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace a record's fields and queue an update",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fields := readFields(cmd)

		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		r, it, err := s.writer.Update(ctx, args[0], fields)
		if errors.Is(err, record.ErrNotFound) {
			fatalf("record %s not found", args[0])
		}
		if err != nil {
			fatalf("%v", err)
		}
		printWrite(cmd, "Updated", r, it)
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record locally and queue the remote delete",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		it, err := s.writer.Delete(ctx, args[0])
		if errors.Is(err, record.ErrNotFound) {
			fatalf("record %s not found", args[0])
		}
		if err != nil {
			fatalf("%v", err)
		}
		printWrite(cmd, "Deleted", nil, it)
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local records",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		owner, _ := cmd.Flags().GetString("owner")
		unsynced, _ := cmd.Flags().GetBool("unsynced")

		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		var records []*record.Record
		switch {
		case owner != "":
			records, err = s.records.QueryByOwner(ctx, owner)
		case unsynced:
			records, err = s.records.ListUnsynced(ctx)
		default:
			records, err = s.records.List(ctx)
		}
		if err != nil {
			fatalf("failed to list records: %v", err)
		}
		if owner != "" && unsynced {
			records = filterUnsynced(records)
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			if records == nil {
				records = []*record.Record{}
			}
			printJSON(w, records)
			return
		}
		if len(records) == 0 {
			fmt.Fprintln(w, "No records")
			return
		}
		now := time.Now()
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			synced := ui.RenderWarn("no")
			if r.Synced {
				synced = ui.RenderPass("yes")
			}
			rows = append(rows, []string{
				r.ID, r.EntityType, r.OwnerID, r.RemoteID, synced,
				ui.Since(r.UpdatedAt, now), truncate(string(r.Fields), 40),
			})
		}
		fmt.Fprintln(w, ui.Table([]string{"ID", "TYPE", "OWNER", "REMOTE ID", "SYNCED", "UPDATED", "FIELDS"}, rows))
	},
}

func filterUnsynced(in []*record.Record) []*record.Record {
	out := in[:0]
	for _, r := range in {
		if !r.Synced {
			out = append(out, r)
		}
	}
	return out
}

var recordReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Queue a mutation for unsynced records that have none",
	Long: `Queue a create or update for every unsynced record without an outstanding
queue item, e.g. after discarding a failed item or restoring a backup.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()

		n, err := s.writer.Reconcile(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(cmd.OutOrStdout(), map[string]int{"queued": n})
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Queued %s record(s)\n", ui.RenderPass("✓"), strconv.Itoa(n))
	},
}

func init() {
	recordCreateCmd.Flags().String("type", "", "entity type (required)")
	recordCreateCmd.Flags().String("owner", "", "owner id (required)")
	recordCreateCmd.Flags().String("fields", "{}", "JSON object, or - to read stdin")
	_ = recordCreateCmd.MarkFlagRequired("type")
	_ = recordCreateCmd.MarkFlagRequired("owner")

	recordUpdateCmd.Flags().String("fields", "", "JSON object, or - to read stdin (required)")
	_ = recordUpdateCmd.MarkFlagRequired("fields")

	recordListCmd.Flags().String("owner", "", "only records of this owner")
	recordListCmd.Flags().Bool("unsynced", false, "only records not yet confirmed by the server")

	recordCmd.AddCommand(recordCreateCmd)
	recordCmd.AddCommand(recordUpdateCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordReconcileCmd)
	rootCmd.AddCommand(recordCmd)
}
