package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/loadtest"
)

func newBenchCmd(a *app) *cobra.Command {
	opts := loadtest.DefaultOptions("")
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test the queue against an in-memory origin",
		Long: `Run concurrent enqueuers against background and manual sync cycles on a
throwaway store, then check that every operation reached the origin
exactly once. Reports enqueue and delivery latency percentiles.

The global --data-dir is not used; each run gets a fresh temporary store.`,
		Args:    cobra.NoArgs,
		GroupID: "maint",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "offsync-bench-*")
			if err != nil {
				return fmt.Errorf("failed to create temp dir: %w", err)
			}
			defer os.RemoveAll(dir)

			opts.DataDir = dir
			opts.Logger = a.logger()
			if !jsonOut {
				fmt.Fprintf(a.stdout, "Running %d enqueuers x %d operations, %d manual syncers...\n\n",
					opts.Enqueuers, opts.OpsPerEnqueuer, opts.Syncers)
			}

			report, err := loadtest.Run(a.ctx, opts)
			if err != nil {
				return fmt.Errorf("load test failed: %w", err)
			}

			if jsonOut {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, string(data))
			} else {
				report.Print(a.stdout)
				fmt.Fprintln(a.stdout)
			}

			if !report.OK() {
				return fmt.Errorf("delivery check failed: %d lost, %d duplicated", len(report.Lost), len(report.Duplicated))
			}
			if !jsonOut {
				fmt.Fprintln(a.stdout, a.ui.Pass("Every operation delivered exactly once"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Enqueuers, "enqueuers", opts.Enqueuers, "Concurrent producers")
	cmd.Flags().IntVar(&opts.OpsPerEnqueuer, "ops", opts.OpsPerEnqueuer, "Operations per producer")
	cmd.Flags().IntVar(&opts.Syncers, "syncers", opts.Syncers, "Goroutines calling manual sync")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "Sync batch size")
	cmd.Flags().Float64Var(&opts.TransientRate, "transient-rate", opts.TransientRate, "Share of first deliveries failed transiently")
	cmd.Flags().DurationVar(&opts.Drain, "drain", opts.Drain, "Maximum wait for the queue to empty")
	cmd.Flags().Int64Var(&opts.Seed, "seed", opts.Seed, "Random seed for injected failures")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	return cmd
}
