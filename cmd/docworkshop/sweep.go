package main

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/docworkshop/internal/app"
	"github.com/spf13/cobra"
)

func sweepCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired sessions and artifacts once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			slog.Info("Sweep finished.", "removed", removed)
			return nil
		},
	}
}
