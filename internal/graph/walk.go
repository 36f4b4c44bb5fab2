package graph

import (
	"context"
	"slices"
)

// Direction selects which edges a walk follows.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// WalkOptions bounds a traversal.
type WalkOptions struct {
	MaxDepth  int
	Types     []string // relationship types to follow; empty follows all
	Direction Direction
	// Visit is called once per reached node, seeds included at depth 0.
	// Returning an error stops the walk.
	Visit func(ctx context.Context, id string, depth int) error
}

// WalkResult describes the nodes reached by Walk.
type WalkResult struct {
	Depths       map[string]int
	Order        []string
	DepthReached int
	// Via records the node each reached node was first discovered from.
	Via map[string]string
	// Complete is false when the walk was cut short by the context.
	Complete bool
}

// Walk performs a breadth-first traversal from seeds. Each node is visited at
// most once and never further than MaxDepth hops from the nearest seed. On
// context expiry the partial result is returned together with ctx.Err().
func Walk(ctx context.Context, r Reader, seeds []string, opts WalkOptions) (*WalkResult, error) {
	res := &WalkResult{Depths: make(map[string]int), Via: make(map[string]string)}
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, seen := res.Depths[id]; seen {
			continue
		}
		res.Depths[id] = 0
		res.Order = append(res.Order, id)
		frontier = append(frontier, id)
	}
	if opts.Visit != nil {
		for _, id := range frontier {
			if err := opts.Visit(ctx, id, 0); err != nil {
				return res, err
			}
		}
	}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			neighbors, err := neighborsOf(ctx, r, id, opts)
			if err != nil {
				return res, err
			}
			for _, nb := range neighbors {
				if _, seen := res.Depths[nb]; seen {
					continue
				}
				res.Depths[nb] = depth
				res.Via[nb] = id
				res.Order = append(res.Order, nb)
				res.DepthReached = depth
				next = append(next, nb)
				if opts.Visit != nil {
					if err := opts.Visit(ctx, nb, depth); err != nil {
						return res, err
					}
				}
			}
		}
		frontier = next
	}
	res.Complete = true
	return res, nil
}

func neighborsOf(ctx context.Context, r Reader, id string, opts WalkOptions) ([]string, error) {
	var out []string
	follow := func(rels []*Relationship, outgoing bool) {
		for _, rel := range rels {
			if len(opts.Types) > 0 && !slices.Contains(opts.Types, rel.Type) {
				continue
			}
			if outgoing {
				out = append(out, rel.To)
			} else {
				out = append(out, rel.From)
			}
		}
	}
	if opts.Direction == Outgoing || opts.Direction == Both {
		rels, err := r.RelationshipsFrom(ctx, id)
		if err != nil {
			return nil, err
		}
		follow(rels, true)
	}
	if opts.Direction == Incoming || opts.Direction == Both {
		rels, err := r.RelationshipsTo(ctx, id)
		if err != nil {
			return nil, err
		}
		follow(rels, false)
	}
	return out, nil
}
