package propagation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	gserrors "graphsync/internal/errors"
	"graphsync/internal/graph"
)

// propagate walks both directions from the batch's touched nodes, refreshing
// fan-in/fan-out on every reached node and the resolved flag on its outgoing
// relationships. Reads honour the timeout; each write, once issued, completes.
func (e *Engine) propagate(ctx context.Context, store graph.Store, batch *graph.Batch) *Result {
	start := time.Now()
	res := &Result{BatchID: batch.ID}
	if !batch.Success {
		res.Warnings = append(res.Warnings, "batch was not applied; propagation skipped")
		return res
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	writeCtx := context.WithoutCancel(ctx)

	walk, err := graph.Walk(wctx, store, batch.Touched(), graph.WalkOptions{
		MaxDepth:  e.opts.MaxDepth,
		Types:     e.opts.Types,
		Direction: graph.Both,
		Visit: func(vctx context.Context, id string, _ int) error {
			found, nodeChanged, rels, err := e.recompute(vctx, writeCtx, store, id)
			if err != nil {
				return err
			}
			if found {
				res.NodesAffected++
			}
			if nodeChanged {
				res.NodesUpdated++
			}
			res.RelationshipsUpdated += rels
			return nil
		},
	})
	if walk != nil {
		res.DepthReached = walk.DepthReached
	}
	res.ExecutionTime = time.Since(start)

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		res.Partial = true
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"propagation stopped after %s at depth %d; derived data beyond it may be stale",
			res.ExecutionTime.Round(time.Millisecond), res.DepthReached))
		e.count(func(s *Stats) { s.PropagationTimeouts++ })
		e.logger.Warn("Propagation stopped early", "code", gserrors.PropagationTimeout,
			"workspace", batch.WorkspaceID, "batch", batch.ID, "depth", res.DepthReached, "error", err)
	default:
		res.Partial = true
		res.Warnings = append(res.Warnings, "propagation failed: "+err.Error())
		e.logger.Warn("Propagation failed", "workspace", batch.WorkspaceID, "batch", batch.ID, "error", err)
	}

	e.count(func(s *Stats) {
		s.NodesAffected += int64(res.NodesAffected)
		s.RelationshipsUpdated += int64(res.RelationshipsUpdated)
	})
	return res
}

// recompute refreshes the derived data of one node. It writes only values
// that changed and reports whether the node exists.
func (e *Engine) recompute(ctx, writeCtx context.Context, store graph.Store, id string) (found, nodeChanged bool, relsUpdated int, err error) {
	n, err := store.GetNode(ctx, id)
	if errors.Is(err, graph.ErrNotFound) {
		return false, false, 0, nil
	}
	if err != nil {
		return false, false, 0, err
	}
	out, err := store.RelationshipsFrom(ctx, id)
	if err != nil {
		return true, false, 0, err
	}
	in, err := store.RelationshipsTo(ctx, id)
	if err != nil {
		return true, false, 0, err
	}

	for _, r := range out {
		_, terr := store.GetNode(ctx, r.To)
		if terr != nil && !errors.Is(terr, graph.ErrNotFound) {
			return true, false, relsUpdated, terr
		}
		resolved := strconv.FormatBool(terr == nil)
		if r.Properties[graph.PropResolved] == resolved {
			continue
		}
		next := r.Clone()
		if next.Properties == nil {
			next.Properties = make(map[string]string, 1)
		}
		next.Properties[graph.PropResolved] = resolved
		if err := store.PutRelationship(writeCtx, next); err != nil {
			return true, false, relsUpdated, err
		}
		relsUpdated++
	}

	fanIn := strconv.Itoa(e.countTyped(in))
	fanOut := strconv.Itoa(e.countTyped(out))
	if n.Properties[graph.PropFanIn] == fanIn && n.Properties[graph.PropFanOut] == fanOut {
		return true, false, relsUpdated, nil
	}
	next := n.Clone()
	if next.Properties == nil {
		next.Properties = make(map[string]string, 2)
	}
	next.Properties[graph.PropFanIn] = fanIn
	next.Properties[graph.PropFanOut] = fanOut
	if err := store.PutNode(writeCtx, next); err != nil {
		return true, false, relsUpdated, err
	}
	return true, true, relsUpdated, nil
}

func (e *Engine) countTyped(rels []*graph.Relationship) int {
	n := 0
	for _, r := range rels {
		if slices.Contains(e.opts.Types, r.Type) {
			n++
		}
	}
	return n
}
