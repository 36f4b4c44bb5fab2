package impact

import (
	"testing"
	"time"

	"graphsync/internal/graph"
)

func callRel(from, to, origin string) *graph.Relationship {
	return &graph.Relationship{
		ID:     graph.RelationshipID(graph.RelCall, from, to, origin),
		Type:   graph.RelCall,
		From:   from,
		To:     to,
		Origin: origin,
	}
}

func deleteSymbol(id string) graph.Change {
	return graph.NewNodeChange(graph.NodeDeleted, &graph.Node{ID: id, Type: graph.NodeSymbol}, nil)
}

func TestTracker_RecordsReferencesToDeletedSymbols(t *testing.T) {
	tr := NewTracker()
	kept := callRel("sym:.::main", "sym:util::Other", "main.go")
	tr.ObserveChanges("ws", []graph.Change{
		graph.NewRelationshipChange(graph.RelationshipDeleted, callRel("sym:.::main", "sym:util::Helper", "main.go"), nil),
		graph.NewRelationshipChange(graph.RelationshipDeleted, kept, nil),
		deleteSymbol("sym:util::Helper"),
	}, time.Now())

	got := tr.Broken("ws", "main.go", nil)
	if len(got) != 1 || got[0].Name != "Helper" || got[0].Target != "sym:util::Helper" {
		t.Fatalf("broken = %+v", got)
	}
	if tr.Count("ws") != 1 || tr.Count("other") != 0 {
		t.Errorf("counts = %d, %d", tr.Count("ws"), tr.Count("other"))
	}
}

func TestTracker_IgnoresStructuralRelationships(t *testing.T) {
	tr := NewTracker()
	defines := &graph.Relationship{
		ID:     graph.RelationshipID(graph.RelDefines, "file:util/util.go", "sym:util::Helper", "util/util.go"),
		Type:   graph.RelDefines,
		From:   "file:util/util.go",
		To:     "sym:util::Helper",
		Origin: "util/util.go",
	}
	tr.ObserveChanges("ws", []graph.Change{
		graph.NewRelationshipChange(graph.RelationshipDeleted, defines, nil),
		deleteSymbol("sym:util::Helper"),
	}, time.Now())
	if tr.Count("ws") != 0 {
		t.Errorf("defines edge tracked as broken")
	}
}

func TestTracker_HealsWhenSymbolReturns(t *testing.T) {
	tr := NewTracker()
	tr.ObserveChanges("ws", []graph.Change{
		graph.NewRelationshipChange(graph.RelationshipDeleted, callRel("sym:.::main", "sym:util::Helper", "main.go"), nil),
		deleteSymbol("sym:util::Helper"),
	}, time.Now())

	tr.ObserveChanges("ws", []graph.Change{
		graph.NewNodeChange(graph.NodeAdded, nil, &graph.Node{ID: "sym:util::Helper", Type: graph.NodeSymbol}),
	}, time.Now())
	if got := tr.Broken("ws", "main.go", nil); len(got) != 0 {
		t.Errorf("broken after re-add = %+v", got)
	}
}

func TestTracker_DeletedOriginDropsReferences(t *testing.T) {
	tr := NewTracker()
	tr.ObserveChanges("ws", []graph.Change{
		graph.NewRelationshipChange(graph.RelationshipDeleted, callRel("sym:.::main", "sym:util::Helper", "main.go"), nil),
		deleteSymbol("sym:util::Helper"),
	}, time.Now())
	tr.ObserveChanges("ws", []graph.Change{
		graph.NewNodeChange(graph.NodeDeleted, &graph.Node{ID: graph.FileNodeID("main.go"), Type: graph.NodeFile}, nil),
	}, time.Now())
	if tr.Count("ws") != 0 {
		t.Errorf("references of a deleted file survived")
	}
}

func TestTracker_ObserveIgnoresFailedBatches(t *testing.T) {
	tr := NewTracker()
	batch := graph.NewBatch("ws", []graph.Change{
		graph.NewRelationshipChange(graph.RelationshipDeleted, callRel("sym:.::main", "sym:util::Helper", "main.go"), nil),
		deleteSymbol("sym:util::Helper"),
	})
	tr.Observe(batch)
	if tr.Count("ws") != 0 {
		t.Fatal("unapplied batch was observed")
	}

	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	batch.Success = true
	batch.AppliedAt = &applied
	tr.Observe(batch)
	got := tr.Broken("ws", "main.go", nil)
	if len(got) != 1 || !got[0].Since.Equal(applied) {
		t.Fatalf("broken = %+v", got)
	}

	tr.Forget("ws")
	if tr.Count("ws") != 0 {
		t.Error("Forget kept references")
	}
}
