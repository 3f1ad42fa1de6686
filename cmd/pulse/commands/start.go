package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/pulse/config"
	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/scheduler"
)

// StartCmd starts the pulse daemon
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pulse daemon",
	Long: `Start the pulse daemon in foreground mode.

The daemon will:
- Recover orphaned jobs from a previous run
- Tick the scheduler and dispatch due jobs by priority
- Prune old execution history on the configured schedule
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if maxConcurrent > 0 {
			cfg.Scheduler.MaxConcurrent = maxConcurrent
		}

		database, err := db.Open(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.Migrate(database, logger.Logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		store := scheduler.NewStore(database)
		sched := scheduler.New(scheduler.Config{
			TickInterval:   cfg.Scheduler.TickInterval(),
			MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
			DefaultTimeout: cfg.Scheduler.DefaultTimeout(),
			RecheckDelay:   cfg.Scheduler.RecheckDelay(),
		}, store, logger.Logger)

		records, err := sched.RestoreMetadata()
		if err != nil {
			return fmt.Errorf("failed to restore job metadata: %w", err)
		}
		for _, rec := range records {
			logger.Logger.Infow("Restored job metadata, awaiting handler re-registration",
				"job_id", rec.ID,
				"name", rec.Name,
				"status", rec.Status,
			)
		}

		if err := registerHistoryPrune(sched, store, cfg); err != nil {
			return err
		}

		sched.Start()

		fmt.Println("Pulse daemon started")
		fmt.Printf("  Database: %s\n", cfg.Database.Path)
		fmt.Printf("  Tick interval: %v\n", cfg.Scheduler.TickInterval())
		fmt.Printf("  Max concurrent: %d\n", cfg.Scheduler.MaxConcurrent)
		fmt.Printf("  Restored jobs: %d\n", len(records))
		fmt.Println("\nPress Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.StopContext(shutdownCtx); err != nil {
			logger.Logger.Warnw("Shutdown deadline exceeded, some jobs may not have finished", "error", err)
		}

		fmt.Println("Pulse daemon stopped")
		return nil
	},
}

// registerHistoryPrune installs the built-in retention job that trims
// execution history past the configured window.
func registerHistoryPrune(sched *scheduler.Scheduler, store *scheduler.Store, cfg *config.Config) error {
	retention := cfg.History.Retention()
	if retention <= 0 {
		return nil
	}

	job := scheduler.NewJobConfig(
		"pulse.history-prune",
		"execution history prune",
		func(ctx context.Context, ec scheduler.ExecutionContext) error {
			cutoff := time.Now().Add(-retention)
			n, err := store.PruneExecutions(cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Logger.Infow("Pruned execution history", "removed", n, "cutoff", cutoff)
			}
			return nil
		},
		scheduler.Cron(cfg.History.PruneSchedule),
	)
	job.Priority = scheduler.PriorityBackground

	if err := sched.Register(job); err != nil {
		return fmt.Errorf("failed to register history prune job: %w", err)
	}
	return nil
}

func init() {
	StartCmd.Flags().Int("max-concurrent", 0, "Override global concurrency limit")
}
