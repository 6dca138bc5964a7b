package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/offline"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued operations now",
		Long: `Run one full sync: deliver every eligible operation in batches, resolve
conflicts, then pull remote changes into the snapshot cache.

Fails when the origin is unreachable or another sync is running.`,
		Args:    cobra.NoArgs,
		GroupID: "sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m *offline.Manager) error {
				result, err := m.ManualSync(a.ctx)
				switch {
				case errors.Is(err, offline.ErrOffline):
					return fmt.Errorf("origin is offline; operations stay queued")
				case errors.Is(err, engine.ErrSyncInProgress):
					return fmt.Errorf("a sync is already running")
				case err != nil:
					return err
				}
				printResult(a, result)
				return nil
			})
		},
	}
	return cmd
}

func printResult(a *app, r *engine.Result) {
	summary := fmt.Sprintf("Synced %d operations: %d succeeded, %d failed, %d retrying (%s)",
		r.Attempted, r.Succeeded, r.Failed, r.Retried, r.Duration.Round(time.Millisecond))
	if r.Failed > 0 {
		fmt.Fprintln(a.stdout, a.ui.Warn(summary))
	} else {
		fmt.Fprintln(a.stdout, a.ui.Pass(summary))
	}
	if r.Conflicts > 0 {
		fmt.Fprintf(a.stdout, "  Conflicts: %d detected, %d resolved, %d awaiting manual resolution\n",
			r.Conflicts, r.Resolved, r.Deferred)
	}
	if r.Discarded > 0 {
		fmt.Fprintf(a.stdout, "  Discarded: %d superseded by the origin\n", r.Discarded)
	}
	if r.Pulled > 0 {
		fmt.Fprintf(a.stdout, "  Pulled:    %d remote changes\n", r.Pulled)
	}
}
