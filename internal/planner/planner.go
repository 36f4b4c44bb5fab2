// Package planner turns index changes into minimal, ordered graph mutations.
package planner

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sort"
	"strings"

	"graphsync/internal/graph"
	"graphsync/internal/incremental"
	"graphsync/internal/watcher"
)

// DefaultBatchSize bounds the number of changes in one batch.
const DefaultBatchSize = 50

// Planner diffs the graph implied by an index against a store.
type Planner struct {
	logger *slog.Logger
}

// New creates a planner.
func New(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan computes the changes needed for the files named by events and delta.
// idx is the index after the update, normally delta.New. Files whose new
// symbols may satisfy previously unresolved references elsewhere are
// re-planned too.
func (p *Planner) Plan(ctx context.Context, workspaceID string, events []watcher.FileChangeEvent,
	delta *incremental.Delta, idx *incremental.ProjectIndex, r graph.Reader) ([]graph.Change, error) {
	files := make(map[string]bool)
	for _, ev := range events {
		addPath(files, ev.Path)
		addPath(files, ev.OldPath)
	}
	if delta != nil {
		for _, f := range delta.Files {
			addPath(files, f.Path)
			addPath(files, f.RenamedFrom)
		}
	}
	res := &resolver{idx: idx}
	if err := p.expand(ctx, res, r, files); err != nil {
		return nil, err
	}
	changes, err := p.diff(ctx, res, r, files, nil)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Planned graph changes", "workspace", workspaceID, "files", len(files), "changes", len(changes))
	return changes, nil
}

// PlanSync diffs the whole index against the store, removing anything the
// index no longer implies.
func (p *Planner) PlanSync(ctx context.Context, workspaceID string, idx *incremental.ProjectIndex, r graph.Reader) ([]graph.Change, error) {
	files := make(map[string]bool)
	for _, f := range idx.Paths() {
		files[f] = true
	}
	nodes, err := r.ListNodes(ctx, "")
	if err != nil {
		return nil, err
	}
	extra := make([]string, 0, len(nodes))
	for _, n := range nodes {
		extra = append(extra, n.ID)
		if f, ok := graph.FilePath(n.ID); ok {
			files[f] = true
		}
	}
	rels, err := r.ListRelationships(ctx)
	if err != nil {
		return nil, err
	}
	for _, rel := range rels {
		addPath(files, rel.Origin)
	}

	changes, err := p.diff(ctx, &resolver{idx: idx}, r, files, extra)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Planned graph sync", "workspace", workspaceID, "files", len(files), "changes", len(changes))
	return changes, nil
}

// Chunk splits ordered changes into batches of at most size changes.
func Chunk(workspaceID string, changes []graph.Change, size int) []*graph.Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches []*graph.Batch
	for start := 0; start < len(changes); start += size {
		end := min(start+size, len(changes))
		batches = append(batches, graph.NewBatch(workspaceID, changes[start:end:end]))
	}
	return batches
}

func addPath(set map[string]bool, p string) {
	if p != "" {
		set[p] = true
	}
}

// expand adds files whose references may now resolve: files in directories
// gaining symbols, files importing those directories, and files importing an
// external name that a new file may now satisfy.
func (p *Planner) expand(ctx context.Context, res *resolver, r graph.Reader, files map[string]bool) error {
	dirs := make(map[string]bool)
	var newFiles []string
	for f := range files {
		e, ok := res.idx.Entry(f)
		if !ok {
			continue
		}
		exists, err := nodeExists(ctx, r, graph.FileNodeID(f))
		if err != nil {
			return err
		}
		if !exists {
			newFiles = append(newFiles, f)
		}
		for _, s := range e.Symbols {
			exists, err := nodeExists(ctx, r, graph.SymbolNodeID(dirOf(f), s.QualifiedName()))
			if err != nil {
				return err
			}
			if !exists {
				dirs[dirOf(f)] = true
				break
			}
		}
	}

	importers := func(nodeID string) error {
		rels, err := r.RelationshipsTo(ctx, nodeID)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			if rel.Type == graph.RelImport {
				addPath(files, rel.Origin)
			}
		}
		return nil
	}
	for dir := range dirs {
		for _, f := range res.idx.FilesInDir(dir) {
			files[f] = true
			if err := importers(graph.FileNodeID(f)); err != nil {
				return err
			}
		}
		if err := importers(graph.PackageNodeID(dir)); err != nil {
			return err
		}
	}

	if len(newFiles) == 0 {
		return nil
	}
	externals, err := r.ListNodes(ctx, graph.NodeExternal)
	if err != nil {
		return err
	}
	for _, ext := range externals {
		if satisfies(res.idx, ext.Name, newFiles) {
			if err := importers(ext.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// satisfies reports whether an external import name might now refer to one
// of the new files.
func satisfies(idx *incremental.ProjectIndex, name string, newFiles []string) bool {
	dir, goOK := idx.ResolveGoImport(name)
	last := name
	if i := strings.LastIndexAny(name, "/."); i >= 0 {
		last = name[i+1:]
	}
	for _, f := range newFiles {
		if goOK && dirOf(f) == dir {
			return true
		}
		base := path.Base(f)
		stem := strings.TrimSuffix(base, path.Ext(base))
		if stem == last || (stem == "index" || stem == "__init__") && path.Base(dirOf(f)) == last {
			return true
		}
	}
	return false
}

func nodeExists(ctx context.Context, r graph.Reader, id string) (bool, error) {
	_, err := r.GetNode(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, graph.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// relUpdate pairs the stored and desired versions of a relationship.
type relUpdate struct {
	old, new *graph.Relationship
}

func (p *Planner) diff(ctx context.Context, res *resolver, r graph.Reader, files map[string]bool, extra []string) ([]graph.Change, error) {
	relDeletes := make(map[string]*graph.Relationship)
	relAdds := make(map[string]*graph.Relationship)
	relUpdates := make(map[string]relUpdate)
	candidates := make(map[string]bool)
	for _, id := range extra {
		candidates[id] = true
	}

	for _, f := range sortedKeys(files) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desired := res.fileRelationships(f)
		current, err := r.RelationshipsByOrigin(ctx, f)
		if err != nil {
			return nil, err
		}
		candidates[graph.FileNodeID(f)] = true
		candidates[graph.PackageNodeID(dirOf(f))] = true
		for _, cur := range current {
			candidates[cur.From] = true
			candidates[cur.To] = true
			want, ok := desired[cur.ID]
			switch {
			case !ok:
				relDeletes[cur.ID] = cur
			case !want.SameStructure(cur):
				next := want.Clone()
				next.Properties = graph.CarryDerived(next.Properties, cur.Properties)
				relUpdates[cur.ID] = relUpdate{old: cur, new: next}
			}
			delete(desired, cur.ID)
		}
		for id, want := range desired {
			relAdds[id] = want
			candidates[want.From] = true
			candidates[want.To] = true
		}
	}

	var nodeDeletes, nodeUpserts []graph.Change
	removed := make(map[string]bool)
	for _, id := range sortedKeys(candidates) {
		cur, err := r.GetNode(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			cur = nil
		} else if err != nil {
			return nil, err
		}

		var want *graph.Node
		if strings.HasPrefix(id, "ext:") {
			referenced, err := stillReferenced(ctx, r, id, relDeletes, relAdds)
			if err != nil {
				return nil, err
			}
			if referenced {
				want = &graph.Node{ID: id, Type: graph.NodeExternal, Name: strings.TrimPrefix(id, "ext:")}
			}
		} else {
			want = res.desiredNode(id)
		}

		switch {
		case cur == nil && want == nil:
		case cur == nil:
			nodeUpserts = append(nodeUpserts, graph.NewNodeChange(graph.NodeAdded, nil, want))
		case want == nil:
			nodeDeletes = append(nodeDeletes, graph.NewNodeChange(graph.NodeDeleted, cur, nil))
			removed[id] = true
		case cur.Properties["kind"] != want.Properties["kind"]:
			// A symbol changing kind is replaced rather than updated.
			nodeDeletes = append(nodeDeletes, graph.NewNodeChange(graph.NodeDeleted, cur, nil))
			nodeUpserts = append(nodeUpserts, graph.NewNodeChange(graph.NodeAdded, nil, want))
		case !want.SameStructure(cur):
			want.Properties = graph.CarryDerived(want.Properties, cur.Properties)
			nodeUpserts = append(nodeUpserts, graph.NewNodeChange(graph.NodeUpdated, cur, want))
		}
	}

	// Edges from other files that touch removed nodes go with them.
	for _, id := range sortedKeys(removed) {
		in, err := r.RelationshipsTo(ctx, id)
		if err != nil {
			return nil, err
		}
		out, err := r.RelationshipsFrom(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, rel := range append(in, out...) {
			relDeletes[rel.ID] = rel
			delete(relUpdates, rel.ID)
		}
	}
	for id, rel := range relAdds {
		if removed[rel.From] || removed[rel.To] {
			delete(relAdds, id)
		}
	}

	changes := make([]graph.Change, 0, len(relDeletes)+len(nodeDeletes)+len(nodeUpserts)+len(relAdds)+len(relUpdates))
	for _, id := range sortedKeys(relDeletes) {
		changes = append(changes, graph.NewRelationshipChange(graph.RelationshipDeleted, relDeletes[id], nil))
	}
	changes = append(changes, nodeDeletes...)
	changes = append(changes, nodeUpserts...)
	var relUpserts []graph.Change
	for _, rel := range relAdds {
		relUpserts = append(relUpserts, graph.NewRelationshipChange(graph.RelationshipAdded, nil, rel))
	}
	for _, u := range relUpdates {
		relUpserts = append(relUpserts, graph.NewRelationshipChange(graph.RelationshipUpdated, u.old, u.new))
	}
	sort.Slice(relUpserts, func(i, j int) bool { return relUpserts[i].EntityID < relUpserts[j].EntityID })
	return append(changes, relUpserts...), nil
}

// stillReferenced reports whether an external node keeps at least one
// incoming edge once the planned deletions and additions are applied.
func stillReferenced(ctx context.Context, r graph.Reader, id string, deletes, adds map[string]*graph.Relationship) (bool, error) {
	for _, rel := range adds {
		if rel.To == id {
			return true, nil
		}
	}
	in, err := r.RelationshipsTo(ctx, id)
	if err != nil {
		return false, err
	}
	for _, rel := range in {
		if _, gone := deletes[rel.ID]; !gone {
			return true, nil
		}
	}
	return false, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
