package main

import (
	"log/slog"
	"os"

	"github.com/Lllllllleong/docworkshop/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:          "docworkshop",
		Short:        "Upload documents and run compress, merge, split, lock and convert on them",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (defaults and DOCWORKSHOP_* env when empty)")

	root.AddCommand(serveCMD(&cfgPath), sweepCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the JSON logger at the configured level.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}
