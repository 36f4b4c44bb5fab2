package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// EdgeWeights maps relationship types to ranking weights.
type EdgeWeights map[string]float64

// DefaultEdgeWeights favors behavioral edges over structural ones.
func DefaultEdgeWeights() EdgeWeights {
	return EdgeWeights{
		RelCall:        1.0,
		RelReferences:  0.8,
		RelInheritance: 0.7,
		RelImport:      0.6,
		RelDependsOn:   0.5,
		RelDefines:     0.3,
		RelContains:    0.3,
	}
}

// RankOptions configures personalized PageRank.
type RankOptions struct {
	Damping       float64 // probability of following an edge (default 0.85)
	MaxIterations int     // default 20
	Tolerance     float64 // default 1e-6
	TopK          int     // default 20
}

// DefaultRankOptions returns the default options.
func DefaultRankOptions() RankOptions {
	return RankOptions{Damping: 0.85, MaxIterations: 20, Tolerance: 1e-6, TopK: 20}
}

// Ranked is one scored node.
type Ranked struct {
	NodeID string  `json:"nodeId"`
	Score  float64 `json:"score"`
}

// RankOutput is the result of Rank.
type RankOutput struct {
	Results    []Ranked `json:"results"`
	Iterations int      `json:"iterations"`
	Converged  bool     `json:"converged"`
}

// WeightedGraph is a compact adjacency structure for ranking a subgraph
// loaded from a store.
type WeightedGraph struct {
	ids   []string
	index map[string]int
	out   [][]weightedEdge
}

type weightedEdge struct {
	to     int
	weight float64
}

// NewWeightedGraph creates an empty graph.
func NewWeightedGraph() *WeightedGraph {
	return &WeightedGraph{index: make(map[string]int)}
}

func (g *WeightedGraph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.out = append(g.out, nil)
	return i
}

// AddEdge adds a directed weighted edge. Non-positive weights are ignored.
func (g *WeightedGraph) AddEdge(from, to string, weight float64) {
	if weight <= 0 {
		return
	}
	f, t := g.node(from), g.node(to)
	g.out[f] = append(g.out[f], weightedEdge{to: t, weight: weight})
}

// Len returns the number of nodes.
func (g *WeightedGraph) Len() int { return len(g.ids) }

// Rank computes personalized PageRank teleporting uniformly to seeds.
func (g *WeightedGraph) Rank(ctx context.Context, seeds []string, opts RankOptions) (*RankOutput, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed nodes provided")
	}
	def := DefaultRankOptions()
	if opts.Damping <= 0 || opts.Damping >= 1 {
		opts.Damping = def.Damping
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}

	n := len(g.ids)
	teleport := make([]float64, n)
	var seeded int
	for _, s := range seeds {
		if i, ok := g.index[s]; ok && teleport[i] == 0 {
			teleport[i] = 1
			seeded++
		}
	}
	if seeded == 0 {
		return &RankOutput{}, nil
	}
	for i := range teleport {
		teleport[i] /= float64(seeded)
	}

	outWeight := make([]float64, n)
	for i, edges := range g.out {
		for _, e := range edges {
			outWeight[i] += e.weight
		}
	}

	scores := append([]float64(nil), teleport...)
	next := make([]float64, n)
	out := &RankOutput{}
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Iterations = iter + 1
		clear(next)
		for i, edges := range g.out {
			if outWeight[i] == 0 {
				continue
			}
			share := scores[i] / outWeight[i]
			for _, e := range edges {
				next[e.to] += share * e.weight
			}
		}
		var delta float64
		for i := range next {
			next[i] = opts.Damping*next[i] + (1-opts.Damping)*teleport[i]
			delta = math.Max(delta, math.Abs(next[i]-scores[i]))
		}
		scores, next = next, scores
		if delta < opts.Tolerance {
			out.Converged = true
			break
		}
	}

	for i, s := range scores {
		if s > 0 {
			out.Results = append(out.Results, Ranked{NodeID: g.ids[i], Score: s})
		}
	}
	sort.Slice(out.Results, func(i, j int) bool {
		if out.Results[i].Score != out.Results[j].Score {
			return out.Results[i].Score > out.Results[j].Score
		}
		return out.Results[i].NodeID < out.Results[j].NodeID
	})
	if len(out.Results) > opts.TopK {
		out.Results = out.Results[:opts.TopK]
	}
	return out, nil
}
