package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/pulse/config"
	"github.com/teranos/pulse/db"
	"github.com/teranos/pulse/scheduler"
)

// JobsCmd groups commands for inspecting persisted jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted jobs and execution history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists persisted job projections
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		records, err := store.ListJobs()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No jobs found")
			return nil
		}

		fmt.Printf("%-28s %-12s %-10s %-20s %s\n", "JOB ID", "STATUS", "PRIORITY", "NEXT RUN", "RUNS (OK/FAIL)")
		fmt.Printf("%-28s %-12s %-10s %-20s %s\n", "------", "------", "--------", "--------", "--------------")
		for _, rec := range records {
			nextRun := "-"
			if rec.NextRunAt != nil {
				nextRun = rec.NextRunAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-28s %-12s %-10s %-20s %d (%d/%d)\n",
				rec.ID, rec.Status, rec.Priority, nextRun,
				rec.ExecutionCount, rec.SuccessCount, rec.FailureCount)
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(records))
		return nil
	},
}

// JobsHistoryCmd shows execution history for one job
var JobsHistoryCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show a job's execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		executions, err := store.ListExecutions(args[0], limit)
		if err != nil {
			return err
		}
		if len(executions) == 0 {
			fmt.Println("No executions recorded")
			return nil
		}

		fmt.Printf("%-12s %-20s %-10s %-9s %s\n", "STATUS", "STARTED", "DURATION", "ATTEMPTS", "ERROR")
		for _, e := range executions {
			errMsg := "-"
			if e.Error != "" {
				errMsg = e.Error
			}
			fmt.Printf("%-12s %-20s %-10s %-9d %s\n",
				e.Status,
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
				e.Duration.Round(time.Millisecond),
				e.Attempts,
				errMsg)
		}
		return nil
	},
}

// JobsRmCmd removes a persisted job projection and its history
var JobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a persisted job and its execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeDB, err := openStore()
		if err != nil {
			return err
		}
		defer closeDB()

		if _, err := store.GetJob(args[0]); err != nil {
			return err
		}
		if err := store.DeleteJob(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed job %s\n", args[0])
		return nil
	},
}

// openStore opens the configured database and wraps it in a store.
// The returned func closes the underlying connection.
func openStore() (*scheduler.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	database, err := db.Open(cfg.Database.Path, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(database, nil); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return scheduler.NewStore(database), func() { database.Close() }, nil
}

func init() {
	JobsHistoryCmd.Flags().Int("limit", 20, "Maximum executions to show")
	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsHistoryCmd)
	JobsCmd.AddCommand(JobsRmCmd)
}
