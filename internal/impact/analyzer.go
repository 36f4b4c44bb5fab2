package impact

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"graphsync/internal/graph"
	"graphsync/internal/incremental"
)

// DefaultDepth is the number of hops analyzed: dependents of dependents of
// dependents.
const DefaultDepth = 3

// Options configures an Analyzer.
type Options struct {
	// Depth bounds how many hops from the file are followed. Hop 1 yields
	// direct dependents, hops 2..Depth indirect ones.
	Depth   int
	Weights graph.EdgeWeights
}

// Analyzer performs impact analysis on files.
type Analyzer struct {
	depth   int
	weights graph.EdgeWeights
	tracker *Tracker
	logger  *slog.Logger
}

// NewAnalyzer creates an analyzer. tracker may be nil.
func NewAnalyzer(opts Options, tracker *Tracker, logger *slog.Logger) *Analyzer {
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}
	if opts.Weights == nil {
		opts.Weights = graph.DefaultEdgeWeights()
	}
	return &Analyzer{depth: opts.Depth, weights: opts.Weights, tracker: tracker, logger: logger}
}

// Analyze reports the dependents of file p, the risk of changing it and
// suggested follow-ups. p is workspace-relative. idx may be nil, in which case
// only the graph is consulted.
func (a *Analyzer) Analyze(ctx context.Context, workspaceID string, r graph.Reader, idx *incremental.ProjectIndex, p string) (*Report, error) {
	start := time.Now()
	report := &Report{Path: p, Depth: a.depth}

	var entry *incremental.FileEntry
	if idx != nil {
		entry, report.Indexed = idx.Entry(p)
	}
	if entry == nil {
		report.Notes = append(report.Notes, "file is not in the current index; dependents come from the graph alone")
	}

	dir := path.Dir(p)
	deps := make(map[string]*Dependent)
	usedElsewhere := make(map[string]bool) // qualified symbol names referenced from other directories
	flow := graph.NewWeightedGraph()
	frontier := []string{p}
	for distance := 1; distance <= a.depth && len(frontier) > 0; distance++ {
		var next []string
		for _, file := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			seeds, err := seedsOf(ctx, r, file)
			if err != nil {
				return nil, err
			}
			for _, seed := range seeds {
				in, err := r.RelationshipsTo(ctx, seed)
				if err != nil {
					return nil, fmt.Errorf("failed to read dependents of %s: %w", seed, err)
				}
				toPackage := strings.HasPrefix(seed, "pkg:")
				for _, rel := range in {
					origin := rel.Origin
					if origin == "" || origin == file {
						continue
					}
					kind, confidence, ok := Classify(rel, toPackage)
					if !ok {
						continue
					}
					flow.AddEdge(graph.FileNodeID(file), graph.FileNodeID(origin), a.weights[rel.Type])
					sym := symbolName(seed)
					if distance == 1 && !toPackage && path.Dir(origin) != dir {
						if _, q, isSym := graph.ParseSymbolID(seed); isSym {
							usedElsewhere[q] = true
						}
					}
					if origin == p {
						continue
					}

					if d, seen := deps[origin]; seen {
						if d.Distance == distance {
							if kindRank(kind) > kindRank(d.Kind) {
								d.Kind = kind
							}
							d.Confidence = max(d.Confidence, confidence)
							if strings.HasPrefix(seed, "sym:") {
								d.Symbols = appendUnique(d.Symbols, sym)
							}
						}
						continue
					}
					d := &Dependent{Path: origin, Kind: kind, Distance: distance, Via: file, Confidence: confidence}
					if distance > 1 {
						if kind == DirectCaller {
							d.Kind = TransitiveCaller
						}
						d.Confidence = min(confidence, transitiveConfidence(distance))
					}
					if strings.HasPrefix(seed, "sym:") {
						d.Symbols = []string{sym}
					}
					deps[origin] = d
					next = append(next, origin)
				}
			}
		}
		if len(next) > 0 {
			report.DepthReached = distance
		}
		frontier = next
	}

	for _, d := range deps {
		sort.Strings(d.Symbols)
		if d.Distance == 1 {
			report.Direct = append(report.Direct, *d)
		} else {
			report.Indirect = append(report.Indirect, *d)
		}
	}
	sort.Slice(report.Direct, func(i, j int) bool {
		if report.Direct[i].Confidence != report.Direct[j].Confidence {
			return report.Direct[i].Confidence > report.Direct[j].Confidence
		}
		return report.Direct[i].Path < report.Direct[j].Path
	})
	if err := a.rankIndirect(ctx, flow, p, report.Indirect); err != nil {
		report.Notes = append(report.Notes, "indirect dependents are not ranked: "+err.Error())
	}

	widest := VisibilityUnknown
	if entry != nil {
		report.Symbols = len(entry.Symbols)
		for _, s := range entry.Symbols {
			v := DeriveVisibility(s, entry.Language, usedElsewhere[s.QualifiedName()])
			if v.Visibility == VisibilityPublic {
				report.PublicSymbols++
			}
			if visibilityRisk(v.Visibility) > visibilityRisk(widest) {
				widest = v.Visibility
			}
		}
		if entry.ParseError != "" {
			report.Notes = append(report.Notes, "last analysis failed: "+entry.ParseError)
		}
	}
	if a.tracker != nil {
		report.Broken = a.tracker.Broken(workspaceID, p, idx)
	}

	report.DirsAffected = affectedDirs(report.Direct, report.Indirect)
	report.Risk = ComputeRiskScore(RiskInput{
		Direct:     report.Direct,
		Indirect:   report.Indirect,
		Visibility: widest,
		Broken:     len(report.Broken),
		ParseError: entry != nil && entry.ParseError != "",
	})
	report.Suggestions = suggest(report)
	report.AnalysisTime = time.Since(start)

	a.logger.Debug("Analyzed impact",
		"workspace", workspaceID,
		"path", p,
		"direct", len(report.Direct),
		"indirect", len(report.Indirect),
		"risk", report.Risk.Level,
	)
	return report, nil
}

// seedsOf returns the nodes whose dependents are dependents of file: the file
// itself, the symbols it defines and its package.
func seedsOf(ctx context.Context, r graph.Reader, file string) ([]string, error) {
	fileID := graph.FileNodeID(file)
	seeds := []string{fileID}
	rels, err := r.RelationshipsByOrigin(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read relationships of %s: %w", file, err)
	}
	for _, rel := range rels {
		if rel.Type == graph.RelDefines && rel.From == fileID {
			seeds = append(seeds, rel.To)
		}
	}
	return append(seeds, graph.PackageNodeID(path.Dir(file))), nil
}

// rankIndirect orders indirect dependents by personalized PageRank from the
// analyzed file over the dependency flow, then by distance and path.
func (a *Analyzer) rankIndirect(ctx context.Context, flow *graph.WeightedGraph, p string, deps []Dependent) error {
	if len(deps) == 0 {
		return nil
	}
	opts := graph.DefaultRankOptions()
	opts.TopK = flow.Len()
	out, err := flow.Rank(ctx, []string{graph.FileNodeID(p)}, opts)
	if err == nil {
		scores := make(map[string]float64, len(out.Results))
		for _, res := range out.Results {
			scores[res.NodeID] = res.Score
		}
		for i := range deps {
			deps[i].Score = scores[graph.FileNodeID(deps[i].Path)]
		}
	}
	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].Score != deps[j].Score {
			return deps[i].Score > deps[j].Score
		}
		if deps[i].Distance != deps[j].Distance {
			return deps[i].Distance < deps[j].Distance
		}
		return deps[i].Path < deps[j].Path
	})
	return err
}

func suggest(r *Report) []Suggestion {
	var out []Suggestion
	if len(r.Broken) > 0 {
		names := make([]string, 0, len(r.Broken))
		for _, b := range r.Broken {
			names = appendUnique(names, b.Name)
		}
		out = append(out, Suggestion{
			Type:     "fix",
			Severity: "error",
			Message: fmt.Sprintf("%s still uses %d deleted symbol(s): %s",
				r.Path, len(names), strings.Join(names, ", ")),
		})
	}
	for _, n := range r.Notes {
		if strings.HasPrefix(n, "last analysis failed") {
			out = append(out, Suggestion{Type: "fix", Severity: "warning", Message: "Fix the syntax errors in " + r.Path + " so its dependencies can be tracked"})
		}
	}

	var tests []string
	for _, list := range [][]Dependent{r.Direct, r.Indirect} {
		for _, d := range list {
			if d.Kind == TestDependency {
				tests = append(tests, d.Path)
			}
		}
	}
	switch {
	case len(tests) > 0:
		out = append(out, Suggestion{
			Type:     "test",
			Severity: "info",
			Message:  fmt.Sprintf("Run the tests in %s", strings.Join(tests, ", ")),
		})
	case len(r.Direct) > 0:
		out = append(out, Suggestion{
			Type:     "coverage",
			Severity: "warning",
			Message:  "No tests depend on " + r.Path + "; consider adding coverage before changing it",
		})
	}

	if n := len(r.Direct); n > 0 {
		out = append(out, Suggestion{
			Type:     "review",
			Severity: "info",
			Message:  fmt.Sprintf("Review %d direct dependent(s), starting with %s", n, r.Direct[0].Path),
		})
	}
	if r.Risk != nil && r.Risk.Level == RiskHigh {
		out = append(out, Suggestion{
			Type:     "split",
			Severity: "warning",
			Message:  fmt.Sprintf("The change reaches %d directories; consider splitting it", r.DirsAffected),
		})
	}
	if len(out) == 0 {
		out = append(out, Suggestion{Type: "review", Severity: "info", Message: "No dependents found; the change is isolated"})
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
