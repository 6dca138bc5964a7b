package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/offline"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Manage the settings file",
		GroupID: "maint",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default settings file",
		Long: `Write a commented TOML settings file with every key at its default.

The file goes to --config, or to config.toml in the data directory. An
existing file is kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := config.DefaultSettings()
			a.applyFlags(s)
			path := a.configFile()
			if err := config.WriteTemplate(path, s, force); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, a.ui.Pass("Wrote "+path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Replace an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective engine options",
		Long: `Print the engine options as the manager applies them: the settings
file, OFFSYNC_* environment overrides, then overrides persisted by
earlier configure calls.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSettings()
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			overrides, err := config.LoadOverrides(a.ctx, st)
			if err != nil {
				return err
			}
			opts, err := s.Engine.Apply(overrides)
			if err != nil {
				return fmt.Errorf("persisted overrides no longer apply: %w", err)
			}
			data, err := json.MarshalIndent(opts, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, string(data))
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <json>",
		Short: "Persist option overrides",
		Long: `Apply a partial set of options and persist it in the operation log,
e.g. '{"syncBatchSize": 20, "conflictStrategies": {"card": "manual"}}'.
Durations are nanoseconds. Overrides survive restarts and settings reloads.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p config.Partial
			if err := json.Unmarshal([]byte(args[0]), &p); err != nil {
				return fmt.Errorf("invalid options: %w", err)
			}
			if p.IsEmpty() {
				return fmt.Errorf("no options given")
			}
			return a.withManager(func(m *offline.Manager) error {
				if _, err := m.Configure(a.ctx, p); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, a.ui.Pass("Options updated"))
				return nil
			})
		},
	}

	cmd.AddCommand(initCmd, showCmd, setCmd)
	return cmd
}
