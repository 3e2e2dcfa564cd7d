package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sendany/drivebroker/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "drivebroker",
		Short:   "Workspace storage broker for Google Drive",
		Long:    "Stores workspace uploads in each owner's Google Drive, enforces storage quotas, and reaps expired workspaces.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReapCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newUsageCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores it in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		addr := f.Value.String()
		cli.ListenAddr = &addr
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates the process logger. Config-file level is the
// baseline; --verbose and --quiet override it. Format "auto" picks JSON
// when w is not a terminal.
func buildLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = resolvedCfg.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
