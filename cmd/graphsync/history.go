package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"graphsync/internal/envelope"
	gserrors "graphsync/internal/errors"
	"graphsync/internal/paths"
	"graphsync/internal/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently applied graph batches",
	Long: `List the batch log recorded for the workspace, newest first.

The log is read straight from the database; no session is started.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of batches to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()
	dataDir, err := paths.ResolveDataDir(env.cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	db, err := storage.Open(dataDir, env.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var r envelope.Result
	records, err := db.RecentBatches(newContext(cmd), paths.WorkspaceKey(env.root), historyLimit)
	if err != nil {
		r = envelope.Fail(gserrors.Wrap(gserrors.StoreUnavailable, "failed to read batch log", err))
	} else {
		r = envelope.Success{Data: records, Summary: fmt.Sprintf("%d batches for %s", len(records), env.root)}
	}
	return render(cmd.OutOrStdout(), env.format, r, humanHistory)
}
