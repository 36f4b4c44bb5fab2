package main

import (
	"context"

	"github.com/spf13/cobra"

	"graphsync/internal/envelope"
	"graphsync/internal/monitor"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show incremental indexer metrics",
	Long: `Display cache and analysis metrics of the incremental indexer.

A high hit rate means most files were reused from the content cache instead of
being re-analyzed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(_ context.Context, _ *commandEnv, m *monitor.Manager) envelope.Result {
			return m.GetIndexerMetrics()
		}, humanMetrics)
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}
