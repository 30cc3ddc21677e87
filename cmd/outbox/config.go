package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zwoods58/WebApp-sub007/internal/config"
	"github.com/zwoods58/WebApp-sub007/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show or create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, .env and OUTBOX_*
environment variables have been applied. Secrets are redacted unless
--secrets is given.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		secrets, _ := cmd.Flags().GetBool("secrets")
		if cfg.Source != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", cfg.Source)
		}
		if err := config.Render(cmd.OutOrStdout(), cfg, secrets); err != nil {
			fatalf("%v", err)
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := config.FileName + ".yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteFile(path, config.Default()); err != nil {
			fatalf("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	configShowCmd.Flags().Bool("secrets", false, "show secrets in clear text")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
