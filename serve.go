package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sendany/drivebroker/internal/broker"
	"github.com/sendany/drivebroker/internal/config"
	"github.com/sendany/drivebroker/internal/server"
)

const pidFileName = "serve.pid"

func newServeCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry reaper and the usage reconciler",
		Long: `Run the HTTP API until SIGINT or SIGTERM.

The reaper sweeps expired workspaces every reaper.interval and the usage
reconciler resets drifted counters every reaper.reconcile_interval. An
interval of "0" disables that schedule.

With the sqlite driver a PID file guards the database against a second
serve process; pass --pid-file to move it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), pidFile)
		},
	}

	cmd.Flags().String("listen", "", "listen address (overrides server.listen_addr)")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "PID file path (sqlite only)")

	return cmd
}

func runServe(parent context.Context, pidFile string) error {
	cfg := resolvedCfg
	if err := config.ValidateServe(cfg); err != nil {
		return fmt.Errorf("serve configuration: %w", err)
	}

	logger := buildLogger(os.Stderr)

	if cfg.DatabaseDriver == config.DriverSQLite {
		if pidFile == "" {
			pidFile = filepath.Join(filepath.Dir(cfg.DatabaseDSN), pidFileName)
		}

		release, err := writePIDFile(pidFile)
		if err != nil {
			return err
		}
		defer release()
	}

	ctx := shutdownContext(parent, logger)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	reaper := broker.NewReaper(a.broker, cfg.ReaperConcurrency, logger)

	srvCfg := server.Config{
		Broker:          a.broker,
		Sweeper:         reaper,
		Auth:            server.NewAuth(cfg.JWTSecret, cfg.JWTIssuer, cfg.StateTTL),
		Health:          a.store,
		AppURL:          cfg.AppURL,
		CleanupSecret:   cfg.CleanupSecret,
		MaxUploadMemory: cfg.MaxUploadMemory,
		MaxUploadSize:   cfg.Limits.MaxFileSize,
	}

	// A nil *oauth.Provider must stay a nil interface.
	if a.provider != nil {
		srvCfg.Consent = a.provider
	}

	if cfg.CleanupSecret == "" {
		logger.Info("cleanup endpoint disabled, no cleanup secret configured")
	}

	handler := server.New(srvCfg, logger).Handler()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx, cfg.ListenAddr, handler, cfg.ReadHeaderTimeout, cfg.ShutdownTimeout, logger)
	})

	g.Go(func() error {
		reaper.Run(gctx, cfg.ReaperInterval)
		return nil
	})

	g.Go(func() error {
		a.broker.RunReconciler(gctx, cfg.ReconcileInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete", slog.String("version", version))

	return nil
}
