package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/offline"
	"github.com/steveyegge/offsync/internal/schema"
)

func newOpsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ops",
		Short:   "Inspect and manage queued operations",
		GroupID: "sync",
	}

	var statuses []string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and failed operations in dequeue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]schema.Status, 0, len(statuses))
			for _, s := range statuses {
				st := schema.Status(s)
				if !st.IsValid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, st)
			}
			return a.withManager(func(m *offline.Manager) error {
				ops := m.ListOperations(filter...)
				if len(ops) == 0 {
					fmt.Fprintln(a.stdout, a.ui.Muted("No operations"))
					return nil
				}
				printOperations(a.stdout, a.ui, ops)
				return nil
			})
		},
	}
	listCmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show these statuses (pending, retrying, in_progress, failed)")

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed operation with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m *offline.Manager) error {
				if err := m.RetryOperation(a.ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, a.ui.Pass("Re-queued "+args[0]))
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued operation",
		Long: `Cancel a queued operation. An operation parked behind a manual conflict
is dropped and its conflict closed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m *offline.Manager) error {
				if err := m.CancelOperation(a.ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, a.ui.Pass("Cancelled "+args[0]))
				return nil
			})
		},
	}

	var olderThan string
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete failed operations",
		Long: `Delete failed operations last updated before a point in time.

--older-than takes a Go duration ("72h") or a natural-language time
("3 days ago", "last monday"). Without it every failed operation goes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff := time.Now()
			if olderThan != "" {
				t, err := parseCutoff(olderThan, time.Now())
				if err != nil {
					return err
				}
				cutoff = t
			}
			return a.withManager(func(m *offline.Manager) error {
				n, err := m.ClearFailed(a.ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, a.ui.Pass(fmt.Sprintf("Pruned %d failed operations", n)))
				return nil
			})
		},
	}
	pruneCmd.Flags().StringVar(&olderThan, "older-than", "", `Cutoff, e.g. "72h" or "2 weeks ago"`)

	cmd.AddCommand(listCmd, retryCmd, cancelCmd, pruneCmd)
	return cmd
}

// parseCutoff reads a duration before now or a natural-language time.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration must not be negative: %s", s)
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("not a duration or time: %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("cutoff %q is in the future", s)
	}
	return r.Time, nil
}

func printOperations(w io.Writer, ui *styles, ops []*schema.Operation) {
	for _, op := range ops {
		status := string(op.Status)
		switch {
		case op.AwaitingResolution():
			status = ui.Warn("conflict")
		case op.Status == schema.StatusFailed:
			status = ui.Fail(status)
		case op.Status == schema.StatusRetrying:
			status = ui.Warn(status)
		}

		line := fmt.Sprintf("%s  %-8s %-7s %s/%s  %s", ui.Accent(op.ID), op.Priority, op.Kind,
			op.EntityType, op.EntityID, status)
		if op.RetryCount > 0 {
			line += ui.Muted(fmt.Sprintf("  retries %d/%d", op.RetryCount, op.MaxRetries))
		}
		if len(op.Dependencies) > 0 {
			line += ui.Muted("  after " + strings.Join(op.Dependencies, ","))
		}
		fmt.Fprintln(w, line)
		if op.Error != "" {
			fmt.Fprintln(w, "    "+ui.Muted(op.Error))
		}
	}
}
