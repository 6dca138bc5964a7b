package main

import (
	"context"
	"io"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/offline"
	"github.com/steveyegge/offsync/internal/store"
)

// app carries process state for one invocation. Commands are built per
// invocation so tests can run several in one process.
type app struct {
	ctx    context.Context
	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// Global flags
	configPath string
	dataDir    string
	originURL  string
	noColor    bool
	verbose    bool

	settings *config.Settings
	ui       *styles
}

func run(ctx context.Context, dir string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{ctx: ctx, dir: dir, stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "offsync",
		Short: "Offline operation queue with background sync",
		Long: `offsync records mutations in a durable local log while the origin is
unreachable and delivers them, in priority and dependency order, once
connectivity returns. Conflicting writes are resolved by per-entity
strategies or parked for manual resolution.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.ui = newStyles(a.stdout, a.noColor)
		},
	}

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Queue and Sync:"},
		&cobra.Group{ID: "conflicts", Title: "Conflicts:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Settings file (default <data-dir>/config.toml)")
	flags.StringVar(&a.dataDir, "data-dir", "", "Directory holding the operation log")
	flags.StringVar(&a.originURL, "origin", "", "Origin base URL")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Log component activity to stderr")

	root.AddCommand(
		newConfigCmd(a),
		newDaemonCmd(a),
		newEnqueueCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newOpsCmd(a),
		newConflictsCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newOriginCmd(a),
		newBenchCmd(a),
	)
	return root
}

// path resolves p against the invocation's working directory.
func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.dir, p)
}

// configFile returns the settings file to read or write.
func (a *app) configFile() string {
	if a.configPath != "" {
		return a.path(a.configPath)
	}
	dir := config.DefaultDataDir()
	if a.dataDir != "" {
		dir = a.path(a.dataDir)
	}
	return filepath.Join(dir, "config.toml")
}

// loadSettings reads the settings file once and applies the global flags.
func (a *app) loadSettings() (*config.Settings, error) {
	if a.settings != nil {
		return a.settings, nil
	}
	s, err := config.Load(a.configFile())
	if err != nil {
		return nil, err
	}
	a.applyFlags(s)
	a.settings = s
	return s, nil
}

func (a *app) applyFlags(s *config.Settings) {
	if a.dataDir != "" {
		s.Store.DataDir = a.path(a.dataDir)
	}
	if a.originURL != "" {
		s.Origin.URL = a.originURL
	}
	s.Plugins.Dir = a.path(s.Plugins.Dir)
	s.Log.File = a.path(s.Log.File)
}

// logger returns the component logger for one-shot commands.
func (a *app) logger() *log.Logger {
	if a.verbose {
		return log.New(a.stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// openManager opens and starts a manager for a one-shot command. Background
// loops stay off; only the daemon runs them.
func (a *app) openManager() (*offline.Manager, error) {
	s, err := a.loadSettings()
	if err != nil {
		return nil, err
	}
	oneShot := *s
	oneShot.Engine = *s.Engine.Clone()
	oneShot.Engine.EnableBackgroundSync = false
	oneShot.Engine.EnableHealthChecks = false

	m, err := offline.Open(a.ctx, &oneShot, nil, nil, a.logger())
	if err != nil {
		return nil, err
	}
	if err := m.Start(a.ctx); err != nil {
		_ = m.Destroy()
		return nil, err
	}
	return m, nil
}

// withManager runs fn against a started manager and destroys it afterwards.
func (a *app) withManager(fn func(m *offline.Manager) error) error {
	m, err := a.openManager()
	if err != nil {
		return err
	}
	err = fn(m)
	if derr := m.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}

// openStore opens the operation log without starting a manager.
func (a *app) openStore() (*store.Store, error) {
	s, err := a.loadSettings()
	if err != nil {
		return nil, err
	}
	return store.OpenContext(a.ctx, s.Store.DBPath(), store.WithMaxSize(s.Engine.MaxStorageSize))
}
