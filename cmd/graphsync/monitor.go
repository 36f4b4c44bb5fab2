package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"graphsync/internal/envelope"
	"graphsync/internal/monitor"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a workspace and keep its graph in sync",
	Long: `Start a monitoring session in the foreground.

The workspace is indexed (reusing the content cache when possible), the graph
is brought up to date, and every later file change is classified, re-indexed
and applied to the graph. Processed changes are printed as they happen.
Press Ctrl+C to stop; the session summary is printed on exit.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", time.Second, "How often to print processed changes")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
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

	ctx, stop := signal.NotifyContext(newContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if err := render(out, env.format, m.StartMonitoring(ctx, cliClient, env.cfg.Monitor), humanStart); err != nil {
		return err
	}
	if env.format == FormatHuman {
		fmt.Fprintln(out, "\nPress Ctrl+C to stop")
	}

	follow(ctx, out, env.format, m)

	env.logger.Info("Received shutdown signal")
	return render(out, env.format, m.StopMonitoring(cliClient), humanSession)
}

// follow prints changes processed since the last tick until ctx is done.
func follow(ctx context.Context, w io.Writer, format OutputFormat, m *monitor.Manager) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		recent, ok := envelope.DataOf(m.GetRecentChanges(cliClient, 0)).(monitor.RecentChanges)
		if !ok {
			continue
		}
		// Newest first; print oldest first.
		var fresh []monitor.RecentChange
		for _, c := range recent.Changes {
			if !c.ProcessedAt.After(last) {
				break
			}
			fresh = append(fresh, c)
		}
		for i := len(fresh) - 1; i >= 0; i-- {
			printChange(w, format, fresh[i])
		}
		if len(fresh) > 0 {
			last = fresh[0].ProcessedAt
		}
	}
}

func printChange(w io.Writer, format OutputFormat, c monitor.RecentChange) {
	if format != FormatHuman {
		// One JSON object per line, whatever the format, so output can be streamed.
		if data, err := json.Marshal(c); err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8s %s", c.ProcessedAt.Format("15:04:05"), c.Type, c.Path)
	if c.OldPath != "" {
		fmt.Fprintf(&b, " (from %s)", c.OldPath)
	}
	if c.LinesAdded+c.LinesRemoved+c.LinesModified > 0 {
		fmt.Fprintf(&b, " +%d -%d ~%d", c.LinesAdded, c.LinesRemoved, c.LinesModified)
	}
	switch {
	case c.Error != "":
		fmt.Fprintf(&b, " ✗ %s", c.Error)
	case c.Unchanged:
		b.WriteString(" (content unchanged)")
	}
	fmt.Fprintln(w, b.String())
}
