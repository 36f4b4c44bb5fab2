package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"graphsync/internal/impact"
	"graphsync/internal/incremental"
	"graphsync/internal/monitor"
	"graphsync/internal/storage"
)

func humanStart(b *strings.Builder, data interface{}) {
	res, ok := data.(monitor.StartResult)
	if !ok {
		return
	}
	fmt.Fprintf(b, "Session: %s (%s)\n", res.Session.SessionID, res.Session.State)
	fmt.Fprintf(b, "Workspace: %s\n\n", res.Session.Workspace)
	if res.Index != nil {
		writeIndexReport(b, res.Index)
	}
	fmt.Fprintf(b, "Graph changes applied: %s\n", humanize.Comma(int64(res.GraphChanges)))
}

func writeIndexReport(b *strings.Builder, r *incremental.IndexReport) {
	b.WriteString("Index:\n")
	fmt.Fprintf(b, "  Files: %s, Symbols: %s, Dependencies: %s\n",
		humanize.Comma(int64(r.Files)), humanize.Comma(int64(r.Symbols)), humanize.Comma(int64(r.Dependencies)))
	fmt.Fprintf(b, "  Analyzed: %d, Reused from cache: %d, Removed: %d\n", r.Analyzed, r.Reused, r.Removed)
	mode := "incremental"
	if r.FullIndex {
		mode = "full"
	}
	fmt.Fprintf(b, "  Mode: %s (cache loaded: %v) in %s\n", mode, r.CacheLoaded, r.Duration.Round(time.Millisecond))
	if len(r.Errors) > 0 {
		fmt.Fprintf(b, "  Parse errors: %d\n", len(r.Errors))
		for _, e := range r.Errors[:min(10, len(r.Errors))] {
			fmt.Fprintf(b, "    ✗ %s: %s\n", e.Path, e.Error)
		}
		if len(r.Errors) > 10 {
			fmt.Fprintf(b, "    ... and %d more\n", len(r.Errors)-10)
		}
	}
}

func humanSession(b *strings.Builder, data interface{}) {
	sum, ok := data.(monitor.SessionSummary)
	if !ok {
		return
	}
	writeSession(b, sum)
}

func writeSession(b *strings.Builder, sum monitor.SessionSummary) {
	fmt.Fprintf(b, "Session: %s (%s)\n", sum.SessionID, sum.State)
	fmt.Fprintf(b, "Workspace: %s\n", sum.Workspace)
	fmt.Fprintf(b, "Started: %s, up %s\n", humanize.Time(sum.StartedAt), sum.Uptime.Round(time.Second))
	if sum.LastEventAt != nil {
		fmt.Fprintf(b, "Last event: %s\n", humanize.Time(*sum.LastEventAt))
	}
	t := sum.Totals
	b.WriteString("\nTotals:\n")
	fmt.Fprintf(b, "  Events: %s processed, %s dropped\n", humanize.Comma(t.EventsProcessed), humanize.Comma(t.DroppedEvents))
	fmt.Fprintf(b, "  Files: %s re-analyzed, %s unchanged, %s parse errors\n",
		humanize.Comma(t.FilesReanalyzed), humanize.Comma(t.FilesUnchanged), humanize.Comma(t.ParseErrors))
	fmt.Fprintf(b, "  Batches: %d applied, %d failed, %d skipped, %d resyncs\n",
		t.BatchesApplied, t.BatchesFailed, t.BatchesSkipped, t.Resyncs)
	fmt.Fprintf(b, "  Graph: %s changes, %s nodes affected, %d broken references\n",
		humanize.Comma(t.ChangesApplied), humanize.Comma(t.NodesAffected), t.BrokenReferences)
}

func humanStatus(b *strings.Builder, data interface{}) {
	st, ok := data.(monitor.Status)
	if !ok {
		return
	}
	writeSession(b, st.Session)
	fmt.Fprintf(b, "\nIndex: %s files, %s symbols\n", humanize.Comma(int64(st.Files)), humanize.Comma(int64(st.Symbols)))
	fmt.Fprintf(b, "Classifier: %d received, %d filtered, %d coalesced, %d emitted, %d pending\n",
		st.Classifier.Received, st.Classifier.Filtered, st.Classifier.Coalesced, st.Classifier.Emitted, st.Classifier.Pending)
	fmt.Fprintf(b, "Batch history: %d retained, %d buffered events\n", st.History, st.Buffered)
	if len(st.ParseErrors) > 0 {
		b.WriteString("\nParse Errors:\n")
		for _, e := range st.ParseErrors {
			fmt.Fprintf(b, "  %s: %s\n", e.Path, e.Error)
		}
	}
}

func humanImpact(b *strings.Builder, data interface{}) {
	r, ok := data.(*impact.Report)
	if !ok {
		return
	}
	if r.Risk != nil {
		fmt.Fprintf(b, "Risk Level: %s (score: %.2f)\n", r.Risk.Level, r.Risk.Score)
		fmt.Fprintf(b, "Explanation: %s\n\n", r.Risk.Explanation)
	}
	fmt.Fprintf(b, "Symbols: %d (%d public)\n", r.Symbols, r.PublicSymbols)
	fmt.Fprintf(b, "Directories affected: %d, depth reached %d of %d\n\n", r.DirsAffected, r.DepthReached, r.Depth)

	writeDependents(b, "Direct Dependents", r.Direct)
	writeDependents(b, "Indirect Dependents", r.Indirect)

	if len(r.Broken) > 0 {
		b.WriteString("Broken References:\n")
		for _, br := range r.Broken {
			fmt.Fprintf(b, "  ✗ %s (%s) since %s\n", br.Name, br.Type, humanize.Time(br.Since))
		}
		b.WriteString("\n")
	}
	if len(r.Suggestions) > 0 {
		b.WriteString("Suggestions:\n")
		for i, s := range r.Suggestions {
			fmt.Fprintf(b, "  %d. [%s] %s\n", i+1, s.Severity, s.Message)
		}
	}
}

func writeDependents(b *strings.Builder, title string, deps []impact.Dependent) {
	fmt.Fprintf(b, "%s: %d\n", title, len(deps))
	for _, d := range deps[:min(10, len(deps))] {
		fmt.Fprintf(b, "  - %s (%s, confidence %.2f)", d.Path, d.Kind, d.Confidence)
		if d.Distance > 1 {
			fmt.Fprintf(b, " via %s", d.Via)
		}
		b.WriteString("\n")
	}
	if len(deps) > 10 {
		fmt.Fprintf(b, "  ... and %d more\n", len(deps)-10)
	}
	b.WriteString("\n")
}

func humanRefresh(b *strings.Builder, data interface{}) {
	res, ok := data.(monitor.RefreshResult)
	if !ok {
		return
	}
	if res.Report != nil {
		writeIndexReport(b, res.Report)
	}
	fmt.Fprintf(b, "Graph changes applied: %s\n", humanize.Comma(int64(res.GraphChanges)))
}

func humanMetrics(b *strings.Builder, data interface{}) {
	m, ok := data.(monitor.IndexerMetrics)
	if !ok {
		return
	}
	b.WriteString("Cache:\n")
	fmt.Fprintf(b, "  Hit Rate: %.1f%% (%s hits, %s misses, %d errors)\n",
		m.HitRate*100, humanize.Comma(m.CacheHits), humanize.Comma(m.CacheMisses), m.CacheErrors)
	fmt.Fprintf(b, "  Size: %s\n", humanize.Bytes(uint64(max(m.IndexSizeBytes, 0))))
	b.WriteString("Indexing:\n")
	fmt.Fprintf(b, "  Full indexes: %d, incremental updates: %d\n", m.FullIndexes, m.IncrementalUpdates)
	fmt.Fprintf(b, "  Files re-analyzed: %s, skipped: %s\n", humanize.Comma(m.FilesReanalyzed), humanize.Comma(m.FilesSkipped))
	fmt.Fprintf(b, "  Analysis time: %s total, %s average\n",
		m.TotalAnalysisTime.Round(time.Millisecond), m.AverageAnalysisTime.Round(time.Microsecond))
	fmt.Fprintf(b, "  Parse errors: %d\n", m.ParseErrors)
	b.WriteString("Sessions:\n")
	fmt.Fprintf(b, "  Active: %d, dropped events: %d, broken references: %d\n",
		m.ActiveSessions, m.DroppedEvents, m.BrokenReferences)
}

func humanHistory(b *strings.Builder, data interface{}) {
	records, ok := data.([]storage.BatchRecord)
	if !ok {
		return
	}
	for _, r := range records {
		icon := "✓"
		if !r.Success {
			icon = "✗"
		}
		fmt.Fprintf(b, "%s %s  %s  %d changes, %d nodes affected\n",
			icon, r.ID, humanize.Time(r.CreatedAt), r.ChangeCount, r.NodesAffected)
		if r.Error != "" {
			fmt.Fprintf(b, "    %s\n", r.Error)
		}
	}
}
