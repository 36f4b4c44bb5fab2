package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"graphsync/internal/config"
	"graphsync/internal/envelope"
	"graphsync/internal/monitor"
)

// cliClient identifies the command line as a session manager client.
const cliClient = "cli"

// commandEnv is what every command needs before it talks to the manager.
type commandEnv struct {
	root   string
	cfg    *config.Config
	logger *slog.Logger
	format OutputFormat
	close  func()
}

func setup() (*commandEnv, error) {
	format, err := parseFormat(formatFlag)
	if err != nil {
		return nil, err
	}
	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &commandEnv{root: root, cfg: cfg, logger: logger, format: format, close: closeLog}, nil
}

// withSession runs fn against a short-lived monitoring session so one-shot
// commands see an index and a graph that match the workspace on disk.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, env *commandEnv, m *monitor.Manager) envelope.Result, human humanFunc) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()
	m, err := monitor.Open(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx := newContext(cmd)
	if r := m.StartMonitoring(ctx, cliClient, env.cfg.Monitor); r.Status() == envelope.StatusError {
		return render(cmd.OutOrStdout(), env.format, r, nil)
	}
	defer m.StopMonitoring(cliClient)

	return render(cmd.OutOrStdout(), env.format, fn(ctx, env, m), human)
}
