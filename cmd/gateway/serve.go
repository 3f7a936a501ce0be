package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/provider-gateway/internal/app"
	"github.com/nulpointcorp/provider-gateway/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long:  "Run the gateway HTTP server until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Graceful shutdown on SIGINT / SIGTERM.
			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			a, err := app.New(ctx, cfg, log, version)
			if err != nil {
				log.Error("startup failed", slog.String("error", err.Error()))
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				log.Error("gateway stopped", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
	return cmd
}

// loadConfig reads configuration, applies the --log-level override and
// installs the shared logger as the slog default.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	log := buildLogger(cfg.LogLevel)
	slog.SetDefault(log)
	return cfg, log, nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
