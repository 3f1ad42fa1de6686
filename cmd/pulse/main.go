package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/pulse/cmd/pulse/commands"
	"github.com/teranos/pulse/config"
	"github.com/teranos/pulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - process-local job scheduler",
	Long: `Pulse - background job scheduling daemon.

Pulse provides:
  - Recurring job execution (cron, interval, one-shot schedules)
  - Priority-ordered dispatch with global and per-job concurrency limits
  - Retry policies with fixed, linear and exponential backoff
  - Execution history and crash recovery via SQLite

Examples:
  pulse start              # Start the daemon in foreground
  pulse jobs ls            # List persisted jobs
  pulse jobs history <id>  # Show a job's execution history
  pulse version            # Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
