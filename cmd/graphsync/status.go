package main

import (
	"context"

	"github.com/spf13/cobra"

	"graphsync/internal/envelope"
	"graphsync/internal/monitor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and graph status for the workspace",
	Long:  "Index the workspace, sync the graph and report session totals, classifier counters and index size.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(_ context.Context, _ *commandEnv, m *monitor.Manager) envelope.Result {
			return m.GetMonitoringStatus(cliClient)
		}, humanStatus)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
