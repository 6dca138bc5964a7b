package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/remote"
)

func newOriginCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "origin",
		Short:   "Development origin",
		GroupID: "maint",
	}

	var (
		addr string
		seed string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory origin over HTTP",
		Long: `Serve an in-memory origin implementing the sync protocol, for local
development and demos. State is lost on exit.

The optional seed file is YAML:

  entities:
    - type: card
      id: c1
      version: 2
      payload: {title: Draft}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(a.stderr, "[origin] ", log.LstdFlags)
			origin := remote.NewMemoryOrigin()
			if seed != "" {
				n, err := origin.LoadSeedFile(a.path(seed))
				if err != nil {
					return err
				}
				logger.Printf("Seeded %d entities from %s", n, seed)
			}
			return serveOrigin(a.ctx, addr, origin, logger)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7420", "Address to listen on")
	serveCmd.Flags().StringVar(&seed, "seed", "", "YAML file of pre-existing entities")

	cmd.AddCommand(serveCmd)
	return cmd
}

// serveOrigin serves origin until ctx is cancelled.
func serveOrigin(ctx context.Context, addr string, origin remote.Origin, logger *log.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           remote.NewHandler(origin, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Origin listening on http://%s", ln.Addr())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("origin shutdown error: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Println("Origin stopped")
	return nil
}
