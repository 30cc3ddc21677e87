package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/config"
	"github.com/zwoods58/WebApp-sub007/internal/offline/daemon"
	"github.com/zwoods58/WebApp-sub007/internal/offline/dashboard"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Returns items left in syncing by a crash to pending
  2. Drains the queue once at startup
  3. Drains when connectivity returns (debounced)
  4. Drains periodically and when the next retry is due
  5. Drains when a wake file appears (see 'outbox wake')

With --dashboard it also serves queue state over HTTP and WebSocket:
  GET  /queue, /queue/failed, /health, /metrics
  POST /sync, /queue/{id}/retry, /queue/retry-all
  ws://<addr>/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("addr") {
			cfg.Dashboard.Addr, _ = cmd.Flags().GetString("addr")
		}

		lock, err := daemon.AcquireLock(filepath.Join(cfg.DataDir, daemon.LockFile))
		if errors.Is(err, daemon.ErrLocked) {
			fatalf("a daemon is already running for %s", cfg.DataDir)
		}
		if err != nil {
			fatalf("%v", err)
		}
		defer lock.Release()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSyncStack(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer s.Close()
		log := s.logger.Named("daemon")

		d, err := daemon.NewWithConfig(s.coord, s.conn, &daemon.Config{
			PeriodicInterval: cfg.Daemon.PeriodicInterval,
			DebounceInterval: cfg.Daemon.DebounceInterval,
			WakeDir:          cfg.Daemon.WakeDir,
			WakeTag:          cfg.Daemon.WakeTag,
			Logger:           log,
			Metrics:          s.metrics,
		})
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(s.coord, s.queue, &dashboard.Config{
				Addr:    cfg.Dashboard.Addr,
				Logger:  s.logger.Named("dashboard"),
				Metrics: s.metrics,
			})
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					log.Warn("dashboard shutdown failed", zap.Error(err))
				}
			}()

			handler := dashboard.NewHandler(server, s.logger.Named("dashboard"))
			defer s.coord.Subscribe(handler.OnSummary)()
			defer s.conn.Subscribe(handler.OnConnectivity)()

			fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
		}

		if s.probe != nil {
			if err := s.probe.Start(ctx); err != nil {
				fatalf("failed to start connectivity probe: %v", err)
			}
		}

		fmt.Printf("%s Starting outbox daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", storeLocation())
		fmt.Printf("   Server: %s\n", cfg.Gateway.BaseURL)
		fmt.Printf("   Wake dir: %s\n", cfg.Daemon.WakeDir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
		fmt.Println("\nDaemon stopped")
	},
}

// storeLocation describes the configured backend without secrets.
func storeLocation() string {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return cfg.Store.Path
	case config.DriverPostgres:
		return "postgres table " + cfg.Store.Table
	case config.DriverRedis:
		return "redis " + cfg.Store.Addr
	default:
		return cfg.Store.Driver
	}
}

var wakeCmd = &cobra.Command{
	Use:     "wake",
	GroupID: "sync",
	Short:   "Ask a running daemon to drain now",
	Long: `Drop a wake file into the daemon's wake directory.

A platform scheduler (cron, launchd, WorkManager-style jobs) can run this to
request a background sync. The daemon consumes the file and drains once; wake
files left while the daemon was down are picked up at its next start.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path, err := daemon.Wake(cfg.Daemon.WakeDir, cfg.Daemon.WakeTag)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wake requested (%s)\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the status dashboard (overrides dashboard.enabled)")
	daemonCmd.Flags().String("addr", "", "dashboard listen address (overrides dashboard.addr)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(wakeCmd)
}
