package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"graphsync/internal/graph"
	"graphsync/internal/incremental"
	"graphsync/internal/parser"
	"graphsync/internal/slogutil"
	"graphsync/internal/testutil"
	"graphsync/internal/watcher"
)

type env struct {
	t       *testing.T
	root    string
	ix      *incremental.Indexer
	store   *graph.MemoryStore
	planner *Planner
}

func newEnv(t *testing.T, files map[string]string) *env {
	t.Helper()
	root := testutil.Workspace(t, files)
	m, err := watcher.NewMatcher([]string{"**/*.go", "**/go.mod", "**/*.py"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := parser.NewRouter(parser.NewManifestParser(), parser.NewLexicalParser())
	ix, err := incremental.New(incremental.Options{Parser: p, Matcher: m}, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{t: t, root: root, ix: ix, store: graph.NewMemoryStore(), planner: New(slogutil.NewDiscardLogger())}
	e.sync()
	return e
}

func (e *env) sync() []graph.Change {
	e.t.Helper()
	ctx := context.Background()
	idx, _, err := e.ix.GetOrCreateIndex(ctx, e.root)
	if err != nil {
		e.t.Fatal(err)
	}
	changes, err := e.planner.PlanSync(ctx, "ws", idx, e.store)
	if err != nil {
		e.t.Fatal(err)
	}
	e.apply(changes)
	return changes
}

// update feeds events through the indexer and planner and applies the result.
func (e *env) update(events ...watcher.FileChangeEvent) []graph.Change {
	e.t.Helper()
	ctx := context.Background()
	delta, err := e.ix.UpdateFromChanges(ctx, e.root, events)
	if err != nil {
		e.t.Fatal(err)
	}
	changes, err := e.planner.Plan(ctx, "ws", events, delta, delta.New, e.store)
	if err != nil {
		e.t.Fatal(err)
	}
	e.apply(changes)
	return changes
}

func (e *env) apply(changes []graph.Change) {
	e.t.Helper()
	ctx := context.Background()
	for _, c := range changes {
		var err error
		switch c.Kind {
		case graph.NodeAdded, graph.NodeUpdated:
			err = e.store.PutNode(ctx, c.NewNode)
		case graph.NodeDeleted:
			err = e.store.DeleteNode(ctx, c.EntityID)
		case graph.RelationshipAdded, graph.RelationshipUpdated:
			err = e.store.PutRelationship(ctx, c.NewRel)
		case graph.RelationshipDeleted:
			err = e.store.DeleteRelationship(ctx, c.EntityID)
		}
		if err != nil {
			e.t.Fatal(err)
		}
	}
}

func (e *env) hasNode(id string) bool {
	_, err := e.store.GetNode(context.Background(), id)
	return err == nil
}

func find(changes []graph.Change, kind graph.ChangeKind, entityID string) int {
	for i, c := range changes {
		if c.Kind == kind && c.EntityID == entityID {
			return i
		}
	}
	return -1
}

const (
	goMod    = "module example.com/demo\n\ngo 1.22\n"
	mainGo   = "package main\n\nimport (\n\t\"fmt\"\n\t\"example.com/demo/util\"\n)\n\nfunc main() {\n\tfmt.Println(util.Helper())\n}\n"
	helperGo = "package util\n\n// Helper does things.\nfunc Helper() int {\n\treturn 1\n}\n"
)

func demo() map[string]string {
	return map[string]string{"go.mod": goMod, "main.go": mainGo, "util/util.go": helperGo}
}

func TestPlanSync_BuildsGraph(t *testing.T) {
	e := newEnv(t, demo())
	for _, id := range []string{
		"file:main.go", "file:util/util.go", "file:go.mod",
		"pkg:.", "pkg:util",
		"sym:.::main", "sym:util::Helper",
		"ext:fmt",
	} {
		if !e.hasNode(id) {
			t.Errorf("missing node %s", id)
		}
	}
	ctx := context.Background()
	for _, id := range []string{
		graph.RelationshipID(graph.RelImport, "file:main.go", "pkg:util", "main.go"),
		graph.RelationshipID(graph.RelCall, "sym:.::main", "sym:util::Helper", "main.go"),
		graph.RelationshipID(graph.RelDefines, "file:util/util.go", "sym:util::Helper", "util/util.go"),
		graph.RelationshipID(graph.RelContains, "pkg:util", "file:util/util.go", "util/util.go"),
	} {
		if _, err := e.store.GetRelationship(ctx, id); err != nil {
			t.Errorf("missing relationship %s", id)
		}
	}

	if again := e.sync(); len(again) != 0 {
		t.Errorf("second sync produced %d changes, want 0", len(again))
	}
}

func TestPlan_LineShiftIsNotAChange(t *testing.T) {
	e := newEnv(t, demo())
	testutil.WriteFile(t, e.root, "util/util.go", "package util\n\n\n\n// Helper does things.\nfunc Helper() int {\n\treturn 1\n}\n")
	changes := e.update(watcher.FileChangeEvent{Path: "util/util.go", Type: watcher.ChangeModified})
	if len(changes) != 0 {
		t.Errorf("line shift produced changes: %+v", changes)
	}
}

func TestPlan_ReorderedDependenciesAreNotAChange(t *testing.T) {
	e := newEnv(t, demo())
	testutil.WriteFile(t, e.root, "main.go", "package main\n\nimport (\n\t\"example.com/demo/util\"\n\t\"fmt\"\n)\n\nfunc main() {\n\tfmt.Println(util.Helper())\n}\n")
	changes := e.update(watcher.FileChangeEvent{Path: "main.go", Type: watcher.ChangeModified})
	if len(changes) != 0 {
		t.Errorf("reordered imports produced changes: %+v", changes)
	}
}

func TestPlan_SignatureChangeUpdatesSymbol(t *testing.T) {
	e := newEnv(t, demo())
	testutil.WriteFile(t, e.root, "util/util.go", "package util\n\nfunc Helper() int {\n\treturn 1\n}\n")
	changes := e.update(watcher.FileChangeEvent{Path: "util/util.go", Type: watcher.ChangeModified})
	i := find(changes, graph.NodeUpdated, "sym:util::Helper")
	if i < 0 {
		t.Fatalf("docstring removal not reported: %+v", changes)
	}
	if changes[i].NewNode.Properties["doc"] != "false" || changes[i].OldNode.Properties["doc"] != "true" {
		t.Errorf("update = %+v -> %+v", changes[i].OldNode, changes[i].NewNode)
	}
}

func TestPlan_DeletedFile(t *testing.T) {
	e := newEnv(t, demo())
	testutil.RemoveFile(t, e.root, "util/util.go")
	changes := e.update(watcher.FileChangeEvent{Path: "util/util.go", Type: watcher.ChangeDeleted})

	for _, want := range []struct {
		kind graph.ChangeKind
		id   string
	}{
		{graph.NodeDeleted, "file:util/util.go"},
		{graph.NodeDeleted, "sym:util::Helper"},
		{graph.NodeDeleted, "pkg:util"},
		{graph.RelationshipDeleted, graph.RelationshipID(graph.RelCall, "sym:.::main", "sym:util::Helper", "main.go")},
		{graph.RelationshipDeleted, graph.RelationshipID(graph.RelDefines, "file:util/util.go", "sym:util::Helper", "util/util.go")},
	} {
		if find(changes, want.kind, want.id) < 0 {
			t.Errorf("missing %s %s", want.kind, want.id)
		}
	}
	if e.hasNode("sym:.::main") == false {
		t.Error("unrelated symbol was removed")
	}
	assertOrdered(t, changes)

	rels, _ := e.store.ListRelationships(context.Background())
	for _, r := range rels {
		if !e.hasNode(r.From) && r.From != "" && r.Type != graph.RelCall {
			t.Errorf("dangling relationship %s", r.ID)
		}
		if r.To == "sym:util::Helper" || r.From == "file:util/util.go" {
			t.Errorf("relationship %s survived deletion", r.ID)
		}
	}
}

func TestPlan_KindChangeDeletesBeforeAdding(t *testing.T) {
	e := newEnv(t, demo())
	testutil.WriteFile(t, e.root, "util/util.go", "package util\n\n// Helper does things.\ntype Helper struct {\n\tN int\n}\n")
	changes := e.update(watcher.FileChangeEvent{Path: "util/util.go", Type: watcher.ChangeModified})
	del := find(changes, graph.NodeDeleted, "sym:util::Helper")
	add := find(changes, graph.NodeAdded, "sym:util::Helper")
	if del < 0 || add < 0 || del > add {
		t.Fatalf("kind change: delete at %d, add at %d", del, add)
	}
	assertOrdered(t, changes)
	n, err := e.store.GetNode(context.Background(), "sym:util::Helper")
	if err != nil || n.Properties["kind"] != "type" {
		t.Errorf("symbol after kind change = %+v, %v", n, err)
	}
}

func TestPlan_NewSymbolResolvesExistingReference(t *testing.T) {
	files := demo()
	files["main.go"] = "package main\n\nimport \"example.com/demo/util\"\n\nfunc main() {\n\tutil.Helper()\n\tutil.Extra()\n}\n"
	e := newEnv(t, files)
	callExtra := graph.RelationshipID(graph.RelCall, "sym:.::main", "sym:util::Extra", "main.go")
	if _, err := e.store.GetRelationship(context.Background(), callExtra); err == nil {
		t.Fatal("unresolved call should not have an edge yet")
	}

	testutil.WriteFile(t, e.root, "util/extra.go", "package util\n\nfunc Extra() {}\n")
	changes := e.update(watcher.FileChangeEvent{Path: "util/extra.go", Type: watcher.ChangeCreated})
	if find(changes, graph.RelationshipAdded, callExtra) < 0 {
		t.Errorf("call edge to new symbol not added: %+v", changes)
	}
}

func TestPlan_RenamedFile(t *testing.T) {
	e := newEnv(t, demo())
	if err := os.Rename(filepath.Join(e.root, "util", "util.go"), filepath.Join(e.root, "util", "helper.go")); err != nil {
		t.Fatal(err)
	}
	changes := e.update(watcher.FileChangeEvent{Path: "util/helper.go", OldPath: "util/util.go", Type: watcher.ChangeRenamed})
	if find(changes, graph.NodeDeleted, "file:util/util.go") < 0 || find(changes, graph.NodeAdded, "file:util/helper.go") < 0 {
		t.Errorf("rename changes = %+v", changes)
	}
	// The symbol survives because the package still defines it.
	if find(changes, graph.NodeDeleted, "sym:util::Helper") >= 0 {
		t.Error("symbol deleted across rename")
	}
	if again := e.sync(); len(again) != 0 {
		t.Errorf("sync after rename produced %d changes", len(again))
	}
}

// assertOrdered checks relationship deletes, node deletes, node upserts and
// relationship upserts appear in that order.
func assertOrdered(t *testing.T, changes []graph.Change) {
	t.Helper()
	rank := func(k graph.ChangeKind) int {
		switch k {
		case graph.RelationshipDeleted:
			return 0
		case graph.NodeDeleted:
			return 1
		case graph.NodeAdded, graph.NodeUpdated:
			return 2
		default:
			return 3
		}
	}
	for i := 1; i < len(changes); i++ {
		if rank(changes[i].Kind) < rank(changes[i-1].Kind) {
			t.Fatalf("change %d (%s) after %s", i, changes[i].Kind, changes[i-1].Kind)
		}
	}
}

func TestChunk(t *testing.T) {
	changes := make([]graph.Change, 120)
	for i := range changes {
		changes[i] = graph.NewNodeChange(graph.NodeAdded, nil, &graph.Node{ID: fmt.Sprintf("n%d", i), Type: graph.NodeFile})
	}
	batches := Chunk("ws", changes, 50)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	sizes := []int{50, 50, 20}
	for i, b := range batches {
		if len(b.Changes) != sizes[i] || b.WorkspaceID != "ws" || b.ID == "" {
			t.Errorf("batch %d: %d changes, workspace %q", i, len(b.Changes), b.WorkspaceID)
		}
	}
	if batches[1].Changes[0].EntityID != "n50" {
		t.Error("chunking reordered changes")
	}
	if len(Chunk("ws", changes, 0)) != 3 {
		t.Error("size 0 should use the default batch size")
	}
}
