package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/api"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/db"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety"
)

func newServeCmd() *cobra.Command {
	var storePath, listen, reportDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded runs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if storePath == "" {
				return errors.New("--store is required")
			}
			store, err := db.NewDB(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			handler, err := adminHandler(store, reportDir)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on http://%s/api/runs\n", storePath, listen)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				safety.Opsf("shutdown: %v", err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&storePath, "store", "", "SQLite event store path")
	f.StringVar(&listen, "listen", "127.0.0.1:8081", "HTTP listen address")
	f.StringVar(&reportDir, "report-dir", "", "Directory POST /api/runs/{id}/charts may write into")
	return cmd
}

// adminHandler serves the run API and the store's /debug/ routes.
func adminHandler(store *db.DB, reportDir string) (http.Handler, error) {
	mux := http.NewServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	api.NewServer(store, reportDir).Register(mux)
	return api.LoggingMiddleware(mux), nil
}
