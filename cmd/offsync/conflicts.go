package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/offsync/internal/offline"
	"github.com/steveyegge/offsync/internal/schema"
)

func newConflictsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Short:   "Inspect and resolve conflicts",
		GroupID: "conflicts",
	}

	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting manual resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := schema.ConflictOpen
			if all {
				status = ""
			}
			return a.withManager(func(m *offline.Manager) error {
				conflicts, err := m.ListConflicts(a.ctx, status)
				if err != nil {
					return err
				}
				if len(conflicts) == 0 {
					fmt.Fprintln(a.stdout, a.ui.Pass("No conflicts"))
					return nil
				}
				for _, c := range conflicts {
					printConflict(a.stdout, a.ui, c)
				}
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "Include resolved conflicts")

	var (
		choice  string
		payload string
	)
	resolveCmd := &cobra.Command{
		Use:   "resolve <op-id|conflict-id>",
		Short: "Settle a conflict parked for manual resolution",
		Long: `Settle a conflict parked for manual resolution.

Choices:
  local            re-send the local payload on top of the remote version
  remote           keep the origin's state and drop the local operation
  payload          send --payload instead
  last_write_wins  pick the newer side by timestamp
  field_merge      merge JSON fields (remote wins on a clash)

Without --choice the command asks interactively on a terminal. Repeating
a resolution reports the recorded outcome and changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m *offline.Manager) error {
				answer := schema.ManualResolution{Choice: schema.ManualChoice(choice)}
				if choice == "" {
					picked, err := promptChoice(a)
					if err != nil {
						return err
					}
					answer.Choice = picked
				}
				if payload != "" {
					answer.Payload = schema.Payload(payload)
				}

				res, err := m.ResolveConflict(a.ctx, args[0], answer)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("Resolved %s: %s", res.ConflictID, res.Decision)
				if res.Replayed {
					msg = fmt.Sprintf("Already resolved %s: %s", res.ConflictID, res.Decision)
				}
				fmt.Fprintln(a.stdout, a.ui.Pass(msg))
				return nil
			})
		},
	}
	resolveCmd.Flags().StringVar(&choice, "choice", "", "local, remote, payload, last_write_wins or field_merge")
	resolveCmd.Flags().StringVar(&payload, "payload", "", "JSON payload for --choice payload")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Resolve every open conflict in favour of the origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m *offline.Manager) error {
				n, err := m.ClearConflicts(a.ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, a.ui.Pass(fmt.Sprintf("Cleared %d conflicts", n)))
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, resolveCmd, clearCmd)
	return cmd
}

// promptChoice asks for a resolution when stdin is a terminal.
func promptChoice(a *app) (schema.ManualChoice, error) {
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("--choice is required when not running interactively")
	}

	var picked string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("How should this conflict be resolved?").
			Options(
				huh.NewOption("Keep local changes", string(schema.ChoiceLocal)),
				huh.NewOption("Keep the origin's version", string(schema.ChoiceRemote)),
				huh.NewOption("Last write wins", string(schema.ChoiceLastWriteWins)),
				huh.NewOption("Merge fields", string(schema.ChoiceFieldMerge)),
			).
			Value(&picked),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", fmt.Errorf("resolution cancelled")
		}
		return "", err
	}
	return schema.ManualChoice(picked), nil
}

func printConflict(w io.Writer, ui *styles, c *schema.Conflict) {
	state := ui.Warn(string(c.Status))
	if c.Status == schema.ConflictResolved {
		state = ui.Pass(string(c.Status))
	}
	fmt.Fprintf(w, "%s  %s/%s  %s\n", ui.Accent(c.ID), c.EntityType, c.EntityID, state)
	fmt.Fprintf(w, "    operation %s (%s, based on v%d), origin at v%d\n",
		c.OperationID, c.Kind, c.BaseVersion, c.Remote.Version)
	if len(c.LocalPayload) > 0 {
		fmt.Fprintf(w, "    local:  %s\n", ui.Muted(string(c.LocalPayload)))
	}
	if len(c.Remote.Payload) > 0 {
		fmt.Fprintf(w, "    remote: %s\n", ui.Muted(string(c.Remote.Payload)))
	}
	if c.Resolution != nil {
		fmt.Fprintf(w, "    resolution: %s via %s\n", c.Resolution.Decision, c.Resolution.Strategy)
	}
}
