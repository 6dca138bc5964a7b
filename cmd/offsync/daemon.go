package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/dashboard"
	"github.com/steveyegge/offsync/internal/offline"
)

func newDaemonCmd(a *app) *cobra.Command {
	var (
		dashboardPort int
		noWatch       bool
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the manager with background sync and health checks",
		Long: `Run the offline manager in the foreground until interrupted.

The daemon syncs in the background whenever the origin is reachable, runs
periodic health checks and reloads the settings file when it changes.
With --dashboard-port (or dashboard.addr) it also serves the event stream:

  GET /ws      every manager event as JSON over WebSocket
  GET /status  current status and statistics
  GET /health  dashboard liveness

Logs go to log.file, rotated by size, or to stderr when unset.`,
		Args:    cobra.NoArgs,
		GroupID: "sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSettings()
			if err != nil {
				return err
			}
			out, closeLog := daemonLog(s.Log, a.stderr)
			defer closeLog()
			logger := log.New(out, "", log.LstdFlags)
			named := func(component string) *log.Logger {
				return log.New(out, "["+component+"] ", log.LstdFlags)
			}

			m, err := offline.Open(a.ctx, s, nil, nil, logger)
			if err != nil {
				return err
			}
			if err := m.Start(a.ctx); err != nil {
				_ = m.Destroy()
				return err
			}

			g, ctx := errgroup.WithContext(a.ctx)

			addr := s.Dashboard.Addr
			if dashboardPort > 0 {
				addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(dashboardPort))
			}
			if addr != "" {
				server := dashboard.NewServer(&dashboard.Config{
					Addr:   addr,
					Source: m,
					Logger: named("dashboard"),
				})
				if err := server.Start(); err != nil {
					_ = m.Destroy()
					return err
				}
				detach := dashboard.NewHandler(server, named("dashboard")).Attach(m.Events())
				fmt.Fprintf(a.stdout, "Dashboard on http://%s\n", server.GetAddr())
				g.Go(func() error {
					<-ctx.Done()
					detach()
					return server.Stop()
				})
			}

			if path := a.configFile(); !noWatch {
				if err := watchSettings(ctx, g, a, m, path, named("config")); err != nil {
					logger.Printf("Warning: settings reload disabled: %v", err)
				}
			}

			logger.Printf("Daemon running (data %s, origin %s)", s.Store.DBPath(), s.Origin.URL)
			g.Go(func() error {
				<-ctx.Done()
				return nil
			})
			werr := g.Wait()

			logger.Println("Shutting down")
			if err := m.Destroy(); err != nil && werr == nil {
				werr = err
			}
			return werr
		},
	}

	cmd.Flags().IntVar(&dashboardPort, "dashboard-port", 0, "Serve the event stream on 127.0.0.1:<port>")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the settings file on change")
	return cmd
}

// watchSettings reloads engine options from path when it changes. Global
// flags keep precedence over the file.
func watchSettings(ctx context.Context, g *errgroup.Group, a *app, m *offline.Manager, path string, logger *log.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	w, err := config.NewWatcher(path, logger)
	if err != nil {
		return err
	}
	err = w.Start(func(next *config.Settings) {
		a.applyFlags(next)
		if err := m.Reload(&next.Engine); err != nil {
			logger.Printf("Warning: ignoring reloaded settings: %v", err)
			return
		}
		logger.Printf("Reloaded engine options from %s", path)
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return w.Stop()
	})
	return nil
}

// daemonLog returns the daemon's log destination and a func that closes it.
func daemonLog(s config.LogSettings, fallback io.Writer) (io.Writer, func()) {
	if s.File == "" {
		return fallback, func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   s.File,
		MaxSize:    s.MaxSizeMB,
		MaxBackups: s.MaxBackups,
		MaxAge:     s.MaxAgeDays,
		Compress:   s.Compress,
	}
	return lj, func() { _ = lj.Close() }
}
