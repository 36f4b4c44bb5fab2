package main

import (
	"context"

	"github.com/spf13/cobra"

	"graphsync/internal/envelope"
	"graphsync/internal/monitor"
)

var refreshForce bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-index the workspace and sync the graph",
	Long: `Re-index the workspace and bring the graph up to date.

Files whose content hash matches the cache are reused. With --force every
file is re-analyzed and the cache is rewritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, env *commandEnv, m *monitor.Manager) envelope.Result {
			return m.RefreshProjectIndex(ctx, env.root, refreshForce)
		}, humanRefresh)
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Re-analyze every file, ignoring the cache")
	rootCmd.AddCommand(refreshCmd)
}
