package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/offsync/internal/offline"
	"github.com/steveyegge/offsync/internal/schema"
)

// statusReport is what status --format json|yaml prints.
type statusReport struct {
	Status schema.OfflineStatus `json:"status" yaml:"status"`
	Stats  schema.OfflineStats  `json:"stats" yaml:"stats"`
}

func newStatusCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and sync health",
		Long: `Probe the origin and print the current status and statistics.

Formats:
  text  human-readable summary (default)
  json  {"status": ..., "stats": ...}
  yaml  the same document as YAML`,
		Args:    cobra.NoArgs,
		GroupID: "sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
			}
			return a.withManager(func(m *offline.Manager) error {
				report := statusReport{
					Status: m.CheckStatus(a.ctx),
					Stats:  m.GetStats(a.ctx),
				}
				switch format {
				case "json":
					data, err := json.MarshalIndent(report, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintln(a.stdout, string(data))
				case "yaml":
					enc := yaml.NewEncoder(a.stdout)
					enc.SetIndent(2)
					if err := enc.Encode(report); err != nil {
						return err
					}
					return enc.Close()
				default:
					printStatus(a.stdout, a.ui, report)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json or yaml")
	return cmd
}

func printStatus(w io.Writer, ui *styles, r statusReport) {
	st, stats := r.Status, r.Stats

	online := ui.Fail("offline")
	if st.IsOnline {
		online = ui.Pass(fmt.Sprintf("online (%s, %s)", st.ConnectionQuality, stats.NetworkLatency.Round(time.Millisecond)))
	}
	fmt.Fprintln(w, ui.Row("Origin", online))

	mode := "on"
	if !st.OfflineMode {
		mode = "off (background loops paused)"
	}
	fmt.Fprintln(w, ui.Row("Offline mode", mode))

	queue := fmt.Sprintf("%d pending", stats.PendingOperations)
	if stats.RetainedFailures > 0 {
		queue += fmt.Sprintf(", %d failed", stats.RetainedFailures)
	}
	fmt.Fprintln(w, ui.Row("Queue", queue))

	conflicts := ui.Muted("none")
	if st.HasConflicts {
		conflicts = ui.Warn(fmt.Sprintf("%d awaiting resolution", stats.OpenConflicts))
	}
	fmt.Fprintln(w, ui.Row("Conflicts", conflicts))

	fmt.Fprintln(w, ui.Row("Last sync", ago(st.LastSyncTime)))
	fmt.Fprintln(w, ui.Row("Next sync", ago(st.NextSyncTime)))

	battery := string(st.BatteryStatus)
	if stats.BatteryLevel >= 0 {
		battery += fmt.Sprintf(" (%.0f%%)", stats.BatteryLevel)
	}
	fmt.Fprintln(w, ui.Row("Battery", battery))

	storage := fmt.Sprintf("%s (%s used", st.StorageStatus, humanize.IBytes(uint64(max(stats.StorageUsed, 0))))
	if stats.StorageAvailable >= 0 {
		storage += fmt.Sprintf(", %s available", humanize.IBytes(uint64(stats.StorageAvailable)))
	}
	fmt.Fprintln(w, ui.Row("Storage", storage+")"))

	var health string
	switch st.SyncHealth {
	case schema.HealthHealthy:
		health = ui.Pass(string(st.SyncHealth))
	case schema.HealthDegraded:
		health = ui.Warn(string(st.SyncHealth))
	default:
		health = ui.Fail(string(st.SyncHealth))
	}
	fmt.Fprintln(w, ui.Row("Health", health))
}

// ago formats an optional timestamp relative to now.
func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}
