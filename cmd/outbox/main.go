// Command outbox manages an offline-first mutation queue: local writes are
// recorded immediately and delivered to the server when it is reachable.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zwoods58/WebApp-sub007/internal/config"
	"github.com/zwoods58/WebApp-sub007/internal/logger"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	cfgFile    string
	envFile    string
	jsonOutput bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Offline-first mutation queue",
	Long: `outbox records local writes durably and delivers them to a remote API
once the server is reachable.

Every create, update or delete is stored locally together with a queue item.
The daemon drains the queue when connectivity returns, periodically, when a
retry becomes due, or when a wake file appears. Items that keep failing are
moved to the failed list for manual retry.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.LoadOptions{File: cfgFile, EnvFile: envFile})
		if err != nil {
			return err
		}
		cfg = loaded
		logger.Init(logger.Config{
			Env:         cfg.Log.Env,
			Level:       cfg.Log.Level,
			ServiceName: "outbox",
			Version:     Version,
			File:        cfg.Log.File,
			MaxSizeMB:   cfg.Log.MaxSizeMB,
			MaxBackups:  cfg.Log.MaxBackups,
			MaxAgeDays:  cfg.Log.MaxAgeDays,
		})
		cmd.SetContext(logger.ToContext(cmd.Context(), logger.With(logger.Component(cmd.Name()))))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./outbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "queue", Title: "Queue:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
