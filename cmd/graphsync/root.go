package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"graphsync/internal/config"
	"graphsync/internal/paths"
	"graphsync/internal/slogutil"
	"graphsync/internal/version"
)

var (
	workspaceFlag string
	formatFlag    string
	verbosity     int
	quiet         bool
)

var rootCmd = &cobra.Command{
	Use:   "graphsync",
	Short: "graphsync - incremental code graph synchronization",
	Long: `graphsync watches a workspace, re-indexes only the files whose content changed,
and keeps a persistent code graph of files, symbols and their relationships in sync.

Run "graphsync monitor" to follow a workspace in the foreground, or use the
one-shot commands to refresh the index, inspect the graph or estimate the
impact of changing a file.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("graphsync version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", string(FormatHuman), "Output format (human, json, yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output")
}

// workspaceRoot returns the absolute workspace root from the flag or the
// working directory.
func workspaceRoot() (string, error) {
	root := workspaceFlag
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	return filepath.Abs(root)
}

// loadConfig reads the workspace configuration and pins the monitored path to
// the workspace root.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.LoadConfig(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Monitor.WorkspacePath = root
	return cfg, nil
}

// newLogger writes to stderr so stdout stays machine readable. Without -v or
// -q the configured level applies. When logging.file is set, records are
// also appended to that file at the configured level; the returned func
// closes it.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	configured := slogutil.LevelFromString(cfg.Logging.Level)
	level := slogutil.LevelFromVerbosity(verbosity, quiet)
	if verbosity == 0 && !quiet && cfg.Logging.Level != "" {
		level = configured
	}
	logger := slogutil.NewFormatLogger(os.Stderr, cfg.Logging.Format, level)
	if cfg.Logging.File == "" {
		return logger, func() {}, nil
	}

	path, err := logFilePath(cfg)
	if err != nil {
		return nil, nil, err
	}
	fileHandler, f, err := slogutil.NewFileHandler(path, cfg.Logging.Format, configured)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	tee := slog.New(slogutil.NewTeeHandler(logger.Handler(), fileHandler))
	return tee, func() { _ = f.Close() }, nil
}

func logFilePath(cfg *config.Config) (string, error) {
	if filepath.IsAbs(cfg.Logging.File) {
		return cfg.Logging.File, nil
	}
	dataDir, err := paths.ResolveDataDir(cfg.Storage.DataDir)
	if err != nil {
		return "", err
	}
	dir, err := paths.EnsureDir(paths.GetLogsDir(dataDir))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, cfg.Logging.File), nil
}

func newContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
