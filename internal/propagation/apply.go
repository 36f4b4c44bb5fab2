package propagation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"graphsync/internal/graph"
)

// capture reads the current state of every entity the changes touch, once
// per entity, in first-seen order.
func capture(ctx context.Context, r graph.Reader, changes []graph.Change) ([]graph.Preimage, error) {
	seen := make(map[string]bool, len(changes))
	out := make([]graph.Preimage, 0, len(changes))
	for _, c := range changes {
		if seen[c.EntityID] {
			continue
		}
		seen[c.EntityID] = true

		p := graph.Preimage{IsNode: c.Kind.IsNode(), ID: c.EntityID}
		var err error
		if p.IsNode {
			p.Node, err = r.GetNode(ctx, c.EntityID)
		} else {
			p.Relationship, err = r.GetRelationship(ctx, c.EntityID)
		}
		if err != nil && !errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("failed to read %s: %w", c.EntityID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// phase applies changes in order, inside one transaction when the store
// supports it. written collects the IDs of every entity a write was attempted on.
func phase(ctx context.Context, store graph.Store, changes []graph.Change, written map[string]bool) error {
	if len(changes) == 0 {
		return nil
	}
	run := func(s graph.Store) error {
		for _, c := range changes {
			written[c.EntityID] = true
			if err := write(ctx, s, c); err != nil {
				return fmt.Errorf("%s %s: %w", c.Kind, c.EntityID, err)
			}
		}
		return nil
	}
	if tx, ok := store.(graph.Transactional); ok {
		return tx.WithTx(ctx, run)
	}
	return run(store)
}

func write(ctx context.Context, s graph.Store, c graph.Change) error {
	now := time.Now()
	switch c.Kind {
	case graph.NodeAdded, graph.NodeUpdated:
		if c.NewNode == nil {
			return errors.New("change carries no node")
		}
		n := c.NewNode.Clone()
		n.UpdatedAt = now
		return s.PutNode(ctx, n)
	case graph.NodeDeleted:
		return s.DeleteNode(ctx, c.EntityID)
	case graph.RelationshipAdded, graph.RelationshipUpdated:
		if c.NewRel == nil {
			return errors.New("change carries no relationship")
		}
		r := c.NewRel.Clone()
		r.UpdatedAt = now
		return s.PutRelationship(ctx, r)
	case graph.RelationshipDeleted:
		return s.DeleteRelationship(ctx, c.EntityID)
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
}

// restore replays pre-images as compensating writes, relationships before
// nodes and each group in reverse capture order. When only is non-nil just
// those entities are restored.
func restore(ctx context.Context, store graph.Store, pre []graph.Preimage, only map[string]bool) error {
	run := func(s graph.Store) error {
		for _, nodes := range []bool{false, true} {
			for i := len(pre) - 1; i >= 0; i-- {
				p := pre[i]
				if p.IsNode != nodes || (only != nil && !only[p.ID]) {
					continue
				}
				if err := replay(ctx, s, p); err != nil {
					return fmt.Errorf("restore %s: %w", p.ID, err)
				}
			}
		}
		return nil
	}
	if tx, ok := store.(graph.Transactional); ok {
		return tx.WithTx(ctx, run)
	}
	return run(store)
}

func replay(ctx context.Context, s graph.Store, p graph.Preimage) error {
	switch {
	case p.IsNode && p.Node != nil:
		return s.PutNode(ctx, p.Node)
	case p.IsNode:
		return s.DeleteNode(ctx, p.ID)
	case p.Relationship != nil:
		return s.PutRelationship(ctx, p.Relationship)
	default:
		return s.DeleteRelationship(ctx, p.ID)
	}
}
