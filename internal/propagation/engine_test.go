package propagation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gserrors "graphsync/internal/errors"
	"graphsync/internal/graph"
	"graphsync/internal/slogutil"
	"graphsync/internal/storage"
)

const testWS = "ws-test"

// staticProvider serves one store for every workspace.
type staticProvider struct{ store graph.Store }

func (p staticProvider) Workspace(context.Context, string) (graph.Store, error) { return p.store, nil }
func (p staticProvider) Close() error                                           { return nil }

// faultyStore fails the failAt-th write, or any put of failID. The embedded
// interface hides WithTx, so the engine sees a store without transactions.
type faultyStore struct {
	graph.Store
	mu     *sync.Mutex
	writes *int
	failAt int
	failID string
}

func newFaultyStore(inner graph.Store, failAt int, failID string) *faultyStore {
	return &faultyStore{Store: inner, mu: &sync.Mutex{}, writes: new(int), failAt: failAt, failID: failID}
}

func (s *faultyStore) check(id string, put bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.writes++
	if *s.writes == s.failAt || (put && s.failID != "" && id == s.failID) {
		return fmt.Errorf("simulated store failure on write %d (%s)", *s.writes, id)
	}
	return nil
}

func (s *faultyStore) PutNode(ctx context.Context, n *graph.Node) error {
	if err := s.check(n.ID, true); err != nil {
		return err
	}
	return s.Store.PutNode(ctx, n)
}

func (s *faultyStore) DeleteNode(ctx context.Context, id string) error {
	if err := s.check(id, false); err != nil {
		return err
	}
	return s.Store.DeleteNode(ctx, id)
}

func (s *faultyStore) PutRelationship(ctx context.Context, r *graph.Relationship) error {
	if err := s.check(r.ID, true); err != nil {
		return err
	}
	return s.Store.PutRelationship(ctx, r)
}

func (s *faultyStore) DeleteRelationship(ctx context.Context, id string) error {
	if err := s.check(id, false); err != nil {
		return err
	}
	return s.Store.DeleteRelationship(ctx, id)
}

// faultyTxStore is a transactional store whose transactions fail like faultyStore.
type faultyTxStore struct {
	*faultyStore
	mem *graph.MemoryStore
}

func (s *faultyTxStore) WithTx(ctx context.Context, fn func(tx graph.Store) error) error {
	return s.mem.WithTx(ctx, func(tx graph.Store) error {
		return fn(&faultyStore{Store: tx, mu: s.mu, writes: s.writes, failAt: s.failAt, failID: s.failID})
	})
}

// slowStore delays node reads once enabled.
type slowStore struct {
	graph.Store
	mu    sync.Mutex
	delay time.Duration
}

func (s *slowStore) setDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *slowStore) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Store.GetNode(ctx, id)
}

func node(id string, props ...string) *graph.Node {
	n := &graph.Node{ID: id, Type: graph.NodeSymbol, Name: id, Properties: map[string]string{}}
	for i := 0; i+1 < len(props); i += 2 {
		n.Properties[props[i]] = props[i+1]
	}
	return n
}

func rel(typ, from, to string) *graph.Relationship {
	return &graph.Relationship{
		ID: graph.RelationshipID(typ, from, to, "a.go"), Type: typ, From: from, To: to, Origin: "a.go",
	}
}

func seed(t *testing.T, s graph.Store, nodes []*graph.Node, rels []*graph.Relationship) {
	t.Helper()
	ctx := context.Background()
	for _, n := range nodes {
		if err := s.PutNode(ctx, n); err != nil {
			t.Fatalf("PutNode: %v", err)
		}
	}
	for _, r := range rels {
		if err := s.PutRelationship(ctx, r); err != nil {
			t.Fatalf("PutRelationship: %v", err)
		}
	}
}

func newEngine(store graph.Store, opts Options) *Engine {
	return New(staticProvider{store: store}, opts, nil, slogutil.NewDiscardLogger())
}

// fiveChanges seeds A and r0, and returns a batch that updates A, adds B and C,
// deletes r0 and links A to B.
func fiveChanges(t *testing.T, s graph.Store) (*graph.Batch, *graph.Relationship) {
	t.Helper()
	r0 := rel(graph.RelCall, "A", "Z")
	seed(t, s, []*graph.Node{node("A", "v", "1"), node("Z")}, []*graph.Relationship{r0})
	return graph.NewBatch(testWS, []graph.Change{
		graph.NewRelationshipChange(graph.RelationshipDeleted, r0, nil),
		graph.NewNodeChange(graph.NodeUpdated, node("A", "v", "1"), node("A", "v", "2")),
		graph.NewNodeChange(graph.NodeAdded, nil, node("B")),
		graph.NewNodeChange(graph.NodeAdded, nil, node("C")),
		graph.NewRelationshipChange(graph.RelationshipAdded, nil, rel(graph.RelCall, "A", "B")),
	}), r0
}

func TestApply_FailureLeavesNoMutationVisible(t *testing.T) {
	for _, transactional := range []bool{false, true} {
		for failAt := 1; failAt <= 5; failAt++ {
			t.Run(fmt.Sprintf("tx=%v/fail=%d", transactional, failAt), func(t *testing.T) {
				ctx := context.Background()
				mem := graph.NewMemoryStore()
				batch, r0 := fiveChanges(t, mem)

				faulty := newFaultyStore(mem, failAt, "")
				var store graph.Store = faulty
				if transactional {
					store = &faultyTxStore{faultyStore: faulty, mem: mem}
				}
				e := newEngine(store, Options{})

				if e.Apply(ctx, batch) {
					t.Fatal("Apply succeeded despite a store failure")
				}
				if batch.Success || !strings.Contains(batch.Error, string(gserrors.BatchFailed)) {
					t.Errorf("batch = success %v error %q, want BATCH_FAILED", batch.Success, batch.Error)
				}
				if batch.AppliedAt == nil {
					t.Error("AppliedAt not set")
				}

				a, err := mem.GetNode(ctx, "A")
				if err != nil || a.Properties["v"] != "1" {
					t.Errorf("A = %+v, %v; want the original node", a, err)
				}
				for _, id := range []string{"B", "C"} {
					if _, err := mem.GetNode(ctx, id); !errors.Is(err, graph.ErrNotFound) {
						t.Errorf("node %s visible after failed batch (err=%v)", id, err)
					}
				}
				if _, err := mem.GetRelationship(ctx, r0.ID); err != nil {
					t.Errorf("deleted relationship not restored: %v", err)
				}
				if _, err := mem.GetRelationship(ctx, rel(graph.RelCall, "A", "B").ID); !errors.Is(err, graph.ErrNotFound) {
					t.Errorf("added relationship visible after failed batch (err=%v)", err)
				}
			})
		}
	}
}

func TestApply_SuccessCapturesPreimages(t *testing.T) {
	ctx := context.Background()
	mem := graph.NewMemoryStore()
	batch, r0 := fiveChanges(t, mem)
	e := newEngine(mem, Options{})

	if !e.Apply(ctx, batch) {
		t.Fatalf("Apply failed: %s", batch.Error)
	}
	if len(batch.Rollback) != 5 {
		t.Fatalf("captured %d pre-images, want 5", len(batch.Rollback))
	}
	for _, p := range batch.Rollback {
		switch p.ID {
		case "A":
			if p.Node == nil || p.Node.Properties["v"] != "1" {
				t.Errorf("pre-image of A = %+v", p.Node)
			}
		case "B", "C":
			if p.Node != nil {
				t.Errorf("pre-image of new node %s = %+v, want nil", p.ID, p.Node)
			}
		case r0.ID:
			if p.Relationship == nil {
				t.Error("pre-image of deleted relationship missing")
			}
		}
	}
	nodes, rels := mem.Counts()
	if nodes != 4 || rels != 1 {
		t.Errorf("store has %d nodes / %d rels, want 4 / 1", nodes, rels)
	}
	if got := e.Stats(); got.BatchesApplied != 1 || got.ChangesApplied != 5 {
		t.Errorf("stats = %+v", got)
	}
}

func TestPropagate_CyclicGraphRespectsDepth(t *testing.T) {
	ctx := context.Background()
	build := func() *graph.MemoryStore {
		mem := graph.NewMemoryStore()
		seed(t, mem,
			[]*graph.Node{node("A"), node("B"), node("C"), node("D")},
			[]*graph.Relationship{
				rel(graph.RelCall, "A", "B"),
				rel(graph.RelCall, "B", "C"),
				rel(graph.RelCall, "C", "A"),
				rel(graph.RelCall, "C", "D"),
				rel(graph.RelCall, "D", "missing"),
			})
		return mem
	}
	touchA := func() *graph.Batch {
		return graph.NewBatch(testWS, []graph.Change{graph.NewNodeChange(graph.NodeUpdated, node("A"), node("A", "v", "2"))})
	}

	t.Run("bounded", func(t *testing.T) {
		mem := build()
		e := newEngine(mem, Options{MaxDepth: 1})
		b := touchA()
		if !e.Apply(ctx, b) {
			t.Fatalf("Apply failed: %s", b.Error)
		}
		res := e.Propagate(ctx, b)
		if res.Partial || res.DepthReached != 1 {
			t.Errorf("result = %+v, want complete at depth 1", res)
		}
		if res.NodesAffected != 3 {
			t.Errorf("NodesAffected = %d, want 3 (A, B, C)", res.NodesAffected)
		}
		a, _ := mem.GetNode(ctx, "A")
		if a.Properties[graph.PropFanIn] != "1" || a.Properties[graph.PropFanOut] != "1" {
			t.Errorf("A props = %v", a.Properties)
		}
		d, _ := mem.GetNode(ctx, "D")
		if _, ok := d.Properties[graph.PropFanIn]; ok {
			t.Error("D is two hops away and must not be visited")
		}
	})

	t.Run("full", func(t *testing.T) {
		mem := build()
		e := newEngine(mem, Options{})
		b := touchA()
		e.Apply(ctx, b)
		res := e.Propagate(ctx, b)
		if res.NodesAffected != 4 {
			t.Errorf("NodesAffected = %d, want each of 4 nodes once", res.NodesAffected)
		}
		if res.DepthReached > DefaultMaxDepth {
			t.Errorf("DepthReached = %d", res.DepthReached)
		}
		r, _ := mem.GetRelationship(ctx, rel(graph.RelCall, "D", "missing").ID)
		if r.Properties[graph.PropResolved] != "false" {
			t.Errorf("dangling relationship resolved = %q", r.Properties[graph.PropResolved])
		}
		r, _ = mem.GetRelationship(ctx, rel(graph.RelCall, "A", "B").ID)
		if r.Properties[graph.PropResolved] != "true" {
			t.Errorf("A->B resolved = %q", r.Properties[graph.PropResolved])
		}

		// A second pass finds nothing to update.
		again := e.Propagate(ctx, b)
		if again.NodesUpdated != 0 || again.RelationshipsUpdated != 0 {
			t.Errorf("second pass updated %d nodes / %d rels", again.NodesUpdated, again.RelationshipsUpdated)
		}
	})
}

func TestPropagate_TimeoutReturnsPartialResult(t *testing.T) {
	ctx := context.Background()
	slow := &slowStore{Store: graph.NewMemoryStore()}
	seed(t, slow, []*graph.Node{node("A"), node("B")}, []*graph.Relationship{rel(graph.RelCall, "A", "B")})
	e := newEngine(slow, Options{Timeout: 20 * time.Millisecond})

	b := graph.NewBatch(testWS, []graph.Change{graph.NewNodeChange(graph.NodeUpdated, node("A"), node("A", "v", "2"))})
	if !e.Apply(ctx, b) {
		t.Fatalf("Apply failed: %s", b.Error)
	}
	slow.setDelay(200 * time.Millisecond)
	res := e.Propagate(ctx, b)
	if !res.Partial || len(res.Warnings) == 0 {
		t.Fatalf("result = %+v, want partial with a warning", res)
	}
	if res.ExecutionTime > 150*time.Millisecond {
		t.Errorf("propagation ran %s past its timeout", res.ExecutionTime)
	}
	if got := e.Stats().PropagationTimeouts; got != 1 {
		t.Errorf("PropagationTimeouts = %d", got)
	}
}

func TestPropagate_SkipsFailedBatch(t *testing.T) {
	e := newEngine(graph.NewMemoryStore(), Options{})
	b := graph.NewBatch(testWS, nil)
	b.Success = false
	res := e.Propagate(context.Background(), b)
	if res.NodesAffected != 0 || len(res.Warnings) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func nodeAdds(ids ...string) []graph.Change {
	out := make([]graph.Change, 0, len(ids))
	for _, id := range ids {
		out = append(out, graph.NewNodeChange(graph.NodeAdded, nil, node(id)))
	}
	return out
}

func TestProcess_HistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(graph.NewMemoryStore(), Options{BatchSize: 2, HistorySize: 3})
	var ids []string
	for i := range 10 {
		ids = append(ids, fmt.Sprintf("n%d", i))
	}
	outcomes := e.Process(ctx, testWS, nodeAdds(ids...))
	if len(outcomes) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(outcomes))
	}
	for i, o := range outcomes {
		if !o.Applied || o.Propagation == nil {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	hist := e.History(testWS)
	if len(hist) != 3 {
		t.Fatalf("history has %d batches, want 3", len(hist))
	}
	if hist[0].ID != outcomes[4].Batch.ID || hist[2].ID != outcomes[2].Batch.ID {
		t.Error("history is not newest-first over the last three batches")
	}
	if len(e.History("other")) != 0 {
		t.Error("history leaked across workspaces")
	}
}

func TestProcess_StopsAfterFailedBatch(t *testing.T) {
	ctx := context.Background()
	mem := graph.NewMemoryStore()
	e := newEngine(newFaultyStore(mem, 0, "n3"), Options{BatchSize: 2})

	outcomes := e.Process(ctx, testWS, nodeAdds("n0", "n1", "n2", "n3", "n4", "n5"))
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	if !outcomes[0].Applied {
		t.Errorf("first batch: %+v", outcomes[0])
	}
	if outcomes[1].Applied || outcomes[1].Error == "" {
		t.Errorf("second batch should fail: %+v", outcomes[1])
	}
	if !outcomes[2].Skipped || outcomes[2].Batch.AppliedAt != nil {
		t.Errorf("third batch should be skipped: %+v", outcomes[2])
	}
	for id, want := range map[string]bool{"n0": true, "n1": true, "n2": false, "n3": false, "n4": false} {
		_, err := mem.GetNode(ctx, id)
		if got := err == nil; got != want {
			t.Errorf("node %s present = %v, want %v", id, got, want)
		}
	}
	if got := e.Stats(); got.BatchesFailed != 1 || got.BatchesSkipped != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestProcess_CancelledContextSkipsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mem := graph.NewMemoryStore()
	e := newEngine(mem, Options{})
	outcomes := e.Process(ctx, testWS, nodeAdds("a", "b"))
	if len(outcomes) != 1 || !outcomes[0].Skipped {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if n, _ := mem.Counts(); n != 0 {
		t.Errorf("%d nodes written after cancellation", n)
	}
}

func TestProcess_SequentialPerWorkspace(t *testing.T) {
	ctx := context.Background()
	provider := graph.NewMemoryProvider()
	e := New(provider, Options{BatchSize: 1}, nil, slogutil.NewDiscardLogger())

	var wg sync.WaitGroup
	for w := range 2 {
		for g := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids := []string{fmt.Sprintf("g%d-a", g), fmt.Sprintf("g%d-b", g)}
				for _, o := range e.Process(ctx, fmt.Sprintf("ws%d", w), nodeAdds(ids...)) {
					if !o.Applied {
						t.Errorf("batch failed: %s", o.Error)
					}
				}
			}()
		}
	}
	wg.Wait()

	for w := range 2 {
		id := fmt.Sprintf("ws%d", w)
		if got := len(e.History(id)); got != 8 {
			t.Errorf("%s history = %d, want 8", id, got)
		}
		s, _ := provider.Workspace(ctx, id)
		nodes, _ := s.(*graph.MemoryStore).Counts()
		if nodes != 8 {
			t.Errorf("%s has %d nodes, want 8", id, nodes)
		}
	}
}

func TestRollbackBatch(t *testing.T) {
	ctx := context.Background()
	mem := graph.NewMemoryStore()
	e := newEngine(mem, Options{})

	first := e.Process(ctx, testWS, []graph.Change{
		graph.NewNodeChange(graph.NodeAdded, nil, node("A", "v", "1")),
		graph.NewNodeChange(graph.NodeAdded, nil, node("B")),
		graph.NewRelationshipChange(graph.RelationshipAdded, nil, rel(graph.RelCall, "A", "B")),
	})[0].Batch
	a, _ := mem.GetNode(ctx, "A")
	second := e.Process(ctx, testWS, []graph.Change{
		graph.NewNodeChange(graph.NodeUpdated, a, node("A", "v", "2")),
	})[0].Batch

	_, err := e.RollbackBatch(ctx, testWS, first.ID)
	if gserrors.CodeOf(err) != gserrors.RollbackFailed {
		t.Fatalf("rolling back a superseded batch: err = %v, want ROLLBACK_FAILED", err)
	}

	if _, err := e.RollbackBatch(ctx, testWS, second.ID); err != nil {
		t.Fatalf("RollbackBatch(second): %v", err)
	}
	a, _ = mem.GetNode(ctx, "A")
	if a.Properties["v"] != "1" {
		t.Errorf("A.v = %q after rollback, want 1", a.Properties["v"])
	}
	if _, err := e.RollbackBatch(ctx, testWS, second.ID); gserrors.CodeOf(err) != gserrors.RollbackFailed {
		t.Errorf("double rollback: err = %v", err)
	}

	// With the later batch undone, the first one can go too.
	res, err := e.RollbackBatch(ctx, testWS, first.ID)
	if err != nil {
		t.Fatalf("RollbackBatch(first): %v", err)
	}
	if res == nil {
		t.Fatal("no propagation result")
	}
	if nodes, rels := mem.Counts(); nodes != 0 || rels != 0 {
		t.Errorf("store has %d nodes / %d rels after rolling everything back", nodes, rels)
	}
	if hist := e.History(testWS); hist[1].RolledBackAt == nil {
		t.Error("RolledBackAt not recorded in history")
	}

	if _, err := e.RollbackBatch(ctx, testWS, "nope"); gserrors.CodeOf(err) != gserrors.BatchNotFound {
		t.Errorf("unknown batch: err = %v", err)
	}
}

func TestEngine_RecordsBatches(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(t.TempDir(), slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	e := New(graph.NewSQLiteProvider(db), Options{BatchSize: 1, HistorySize: 2}, db, slogutil.NewDiscardLogger())
	outcomes := e.Process(ctx, testWS, nodeAdds("a", "b", "c"))
	for _, o := range outcomes {
		if !o.Applied {
			t.Fatalf("batch failed: %s", o.Error)
		}
	}

	recs, err := db.RecentBatches(ctx, testWS, 10)
	if err != nil {
		t.Fatalf("RecentBatches: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("batch log has %d records, want 2 after pruning", len(recs))
	}
	for _, r := range recs {
		if !r.Success || r.ChangeCount != 1 || r.NodesAffected != 1 || r.AppliedAt == nil {
			t.Errorf("record = %+v", r)
		}
	}
}
