package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyfold/nbworker/pkg/config"
	"github.com/skyfold/nbworker/pkg/journal"
)

var (
	journalPath string
	jobsLimit   int
)

func init() {
	jobsCmd.Flags().StringVar(&journalPath, "journal", "", "Path to the job journal (overrides config)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of results to show")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show recent job results from the local journal",
	Long: `Show the most recent job results this worker recorded in its local
journal, newest first. Useful when debugging a worker whose results never
reached the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := journalPath
		if path == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("no --journal given and config could not be loaded: %w", err)
			}
			path = cfg.Journal.Path
		}

		jrnl, err := journal.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer jrnl.Close()

		results, err := jrnl.RecentResults(jobsLimit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results recorded.")
			return nil
		}

		fmt.Printf("%-36s %-10s %-14s %-20s %s\n", "JOB", "STATUS", "ERROR", "FINISHED", "ELAPSED")
		for _, r := range results {
			code := "-"
			if r.Error != nil {
				code = string(r.Error.Code)
			}
			fmt.Printf("%-36s %-10s %-14s %-20s %s\n",
				r.JobID,
				r.Status,
				code,
				r.FinishTime.Format("2006-01-02 15:04:05"),
				r.FinishTime.Sub(r.StartTime).Round(time.Millisecond),
			)
		}
		return nil
	},
}
