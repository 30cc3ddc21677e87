package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zwoods58/WebApp-sub007/internal/logger"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/memory"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/sqlite"
	"github.com/zwoods58/WebApp-sub007/internal/offline/loadtest"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Load test local writes and delivery against a simulated server",
	Long: `Run concurrent local writers, then drain the queue against a simulated
server that injects latency and transient failures.

The run measures local write latency and delivery throughput, and checks
that every write was delivered exactly once and in per-entity order. It uses
a scratch store and never touches the configured one.

Examples:
  # 50 writers, 20 writes each, 10% transient failures
  outbox bench

  # Heavier run on an in-memory store
  outbox bench --store memory --writers 200 --writes 50 --fail-rate 0.3

  # Output results as JSON
  outbox bench --json`,
	Args: cobra.NoArgs,
	Run:  runBench,
}

func init() {
	benchCmd.Flags().Int("writers", 50, "number of concurrent writers")
	benchCmd.Flags().Int("writes", 20, "writes per writer")
	benchCmd.Flags().Float64("updates", 0.3, "fraction of writes that update an existing record (0.0-1.0)")
	benchCmd.Flags().Duration("latency", 2*time.Millisecond, "simulated server latency per call")
	benchCmd.Flags().Float64("fail-rate", 0.1, "fraction of server calls that fail transiently (0.0-1.0)")
	benchCmd.Flags().String("store", "sqlite", "scratch store: sqlite or memory")
	benchCmd.Flags().Int64("seed", 42, "random seed for the failure pattern")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	writers, _ := cmd.Flags().GetInt("writers")
	writes, _ := cmd.Flags().GetInt("writes")
	updates, _ := cmd.Flags().GetFloat64("updates")
	latency, _ := cmd.Flags().GetDuration("latency")
	failRate, _ := cmd.Flags().GetFloat64("fail-rate")
	storeKind, _ := cmd.Flags().GetString("store")
	seed, _ := cmd.Flags().GetInt64("seed")

	if writers <= 0 {
		fatalf("--writers must be positive")
	}
	if writes <= 0 {
		fatalf("--writes must be positive")
	}
	if updates < 0 || updates > 1 {
		fatalf("--updates must be between 0.0 and 1.0")
	}
	// A rate of 1 would never deliver anything.
	if failRate < 0 || failRate >= 1 {
		fatalf("--fail-rate must be at least 0.0 and below 1.0")
	}

	var db kv.Store
	switch storeKind {
	case "memory":
		db = memory.New()
	case "sqlite":
		dir, err := os.MkdirTemp("", "outbox-bench-")
		if err != nil {
			fatalf("%v", err)
		}
		defer os.RemoveAll(dir)
		sdb, err := sqlite.Open(filepath.Join(dir, "bench.db"), logger.Named("sqlite"))
		if err != nil {
			fatalf("%v", err)
		}
		db = sdb
	default:
		fatalf("--store must be 'sqlite' or 'memory'")
	}
	defer db.Close()

	w := cmd.OutOrStdout()
	if !jsonOutput {
		fmt.Fprintf(w, "%s Running load test on %s store...\n", ui.RenderAccent("⏱"), storeKind)
		fmt.Fprintf(w, "Configuration: %d writers, %d writes/writer, %.0f%% updates, %v latency, %.0f%% failures\n\n",
			writers, writes, updates*100, latency, failRate*100)
	}

	res, err := loadtest.Run(cmd.Context(), db, loadtest.Config{
		Writers:         writers,
		WritesPerWriter: writes,
		UpdateRatio:     updates,
		GatewayLatency:  latency,
		FailureRate:     failRate,
		Seed:            seed,
	}, logger.Named("bench"))
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		printJSON(w, res)
	} else {
		res.Print(w)
	}

	// Non-zero exit for CI when a guarantee broke.
	if !res.Violations.Ok() || res.WriteErrors > 0 {
		fmt.Fprintf(os.Stderr, "%s delivery guarantees violated\n", ui.RenderFail("✗"))
		os.Exit(1)
	}
}
