package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/txguard/internal/metrics"
	"github.com/hed1ad/txguard/internal/server"
	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/artifact"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		port    int
		devMode bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the alert review API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			// Without a saved model the review endpoints still work; only
			// uploads are refused.
			var model *artifact.Bundle
			if b, err := artifact.Load(a.cfg.ArtifactDir); err == nil {
				model = &b
			} else {
				a.log.Warn().Err(err).Msg("No model loaded, POST /api/score disabled")
			}

			srv := server.New(server.Config{
				Addr:          a.cfg.Addr(),
				Log:           a.log,
				Lifecycle:     alerts.NewLifecycle(store, alerts.WithLogger(a.log)),
				Metrics:       metrics.New(),
				Pipeline:      a.pipeline(),
				Model:         model,
				Contamination: a.cfg.Contamination,
				ListLimit:     a.cfg.ListLimit,
				DefaultSnooze: a.cfg.DefaultSnooze,
				DevMode:       devMode,
			})

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error().Err(err).Msg("Server forced to shutdown")
				return err
			}
			a.log.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (TXGUARD_PORT)")
	cmd.Flags().BoolVar(&devMode, "dev", false, "disable response compression")
	return cmd
}
