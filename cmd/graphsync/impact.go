package main

import (
	"context"

	"github.com/spf13/cobra"

	"graphsync/internal/envelope"
	"graphsync/internal/monitor"
)

var impactCmd = &cobra.Command{
	Use:   "impact <file>",
	Short: "Estimate the impact of changing a file",
	Long: `Analyze who depends on a file and how risky changing it is.

Direct dependents reference the file's symbols; indirect dependents reach it
through other files, up to monitor.impactDepth hops (default 3). The file path may be
absolute or relative to the workspace root.

Examples:
  graphsync impact internal/query/engine.go
  graphsync impact --format=json pkg/api/handler.go`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, env *commandEnv, m *monitor.Manager) envelope.Result {
			return m.AnalyzeImpact(ctx, cliClient, args[0])
		}, humanImpact)
	},
}

func init() {
	rootCmd.AddCommand(impactCmd)
}
