package impact

import (
	"sort"
	"strings"
	"sync"
	"time"

	"graphsync/internal/graph"
	"graphsync/internal/incremental"
)

// Tracker remembers call and reference edges that applied batches removed
// because their target symbol was deleted. Such references are dangling until
// the symbol comes back or the referencing file stops using it.
type Tracker struct {
	mu     sync.Mutex
	broken map[string]map[string]map[string]BrokenReference // workspace -> origin -> relationship ID
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{broken: make(map[string]map[string]map[string]BrokenReference)}
}

// Observe updates the tracker from an applied batch. Failed batches are ignored.
func (t *Tracker) Observe(batch *graph.Batch) {
	if batch == nil || !batch.Success {
		return
	}
	when := time.Now()
	if batch.AppliedAt != nil {
		when = *batch.AppliedAt
	}
	t.ObserveChanges(batch.WorkspaceID, batch.Changes, when)
}

// ObserveChanges updates the tracker from changes that were all applied.
// A relationship delete and the delete of its target may sit in different
// batches of one plan, so callers pass the applied changes of a plan together.
func (t *Tracker) ObserveChanges(workspaceID string, changes []graph.Change, when time.Time) {
	deleted := make(map[string]bool)
	var added []string
	for _, c := range changes {
		switch c.Kind {
		case graph.NodeDeleted:
			deleted[c.EntityID] = true
		case graph.NodeAdded:
			added = append(added, c.EntityID)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.broken[workspaceID]
	if ws == nil {
		ws = make(map[string]map[string]BrokenReference)
		t.broken[workspaceID] = ws
	}

	for _, c := range changes {
		if c.Kind != graph.RelationshipDeleted || c.OldRel == nil {
			continue
		}
		r := c.OldRel
		if r.Type != graph.RelCall && r.Type != graph.RelReferences && r.Type != graph.RelInheritance {
			continue
		}
		if !deleted[r.To] || r.Origin == "" || deleted[graph.FileNodeID(r.Origin)] {
			continue
		}
		refs := ws[r.Origin]
		if refs == nil {
			refs = make(map[string]BrokenReference)
			ws[r.Origin] = refs
		}
		refs[r.ID] = BrokenReference{Origin: r.Origin, Target: r.To, Name: symbolName(r.To), Type: r.Type, Since: when}
	}

	// A deleted file takes its references along; a re-added symbol heals them.
	for id := range deleted {
		if p, ok := graph.FilePath(id); ok {
			delete(ws, p)
		}
	}
	for _, id := range added {
		for origin, refs := range ws {
			for relID, b := range refs {
				if b.Target == id {
					delete(refs, relID)
				}
			}
			if len(refs) == 0 {
				delete(ws, origin)
			}
		}
	}
}

// Broken returns the dangling references held by origin. When idx is given,
// references the file no longer makes are dropped.
func (t *Tracker) Broken(workspaceID, origin string, idx *incremental.ProjectIndex) []BrokenReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := t.broken[workspaceID][origin]
	if len(refs) == 0 {
		return nil
	}

	var entry *incremental.FileEntry
	if idx != nil {
		if e, ok := idx.Entry(origin); ok {
			entry = e
		} else {
			delete(t.broken[workspaceID], origin)
			return nil
		}
	}

	out := make([]BrokenReference, 0, len(refs))
	for relID, b := range refs {
		if entry != nil && !stillUses(entry, b.Name) {
			delete(refs, relID)
			continue
		}
		out = append(out, b)
	}
	if len(refs) == 0 {
		delete(t.broken[workspaceID], origin)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Count returns the number of dangling references in a workspace.
func (t *Tracker) Count(workspaceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, refs := range t.broken[workspaceID] {
		n += len(refs)
	}
	return n
}

// Forget drops everything known about a workspace.
func (t *Tracker) Forget(workspaceID string) {
	t.mu.Lock()
	delete(t.broken, workspaceID)
	t.mu.Unlock()
}

func symbolName(nodeID string) string {
	_, qualified, ok := graph.ParseSymbolID(nodeID)
	if !ok {
		return nodeID
	}
	if i := strings.LastIndex(qualified, "."); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

// stillUses reports whether a file still has a call, reference or
// inheritance dependency naming the symbol.
func stillUses(e *incremental.FileEntry, name string) bool {
	for _, d := range e.Dependencies {
		if d.Kind == graph.RelImport || d.Kind == graph.RelDependsOn {
			continue
		}
		if d.Target == name || strings.HasSuffix(d.Target, "."+name) {
			return true
		}
	}
	return false
}
