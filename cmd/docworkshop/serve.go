package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/app"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			go a.Sweeper.Run(ctx)

			errCh := make(chan error, 1)
			go func() {
				slog.Info("HTTP server listening.", "address", cfg.Server.Address)
				errCh <- a.Router.Start(cfg.Server.Address)
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("Shutting down.")
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			return a.Router.Shutdown(shutdownCtx)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}
