// Package propagation applies graph update batches all-or-nothing and then
// recomputes derived graph data outward from the entities a batch touched.
//
// Batches of one workspace are applied strictly one at a time; different
// workspaces proceed concurrently. Before a batch writes anything its
// pre-images are captured, so a failure part way through is undone by
// replaying them even on stores without transactions.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gserrors "graphsync/internal/errors"
	"graphsync/internal/graph"
	"graphsync/internal/planner"
	"graphsync/internal/storage"
)

const (
	DefaultMaxDepth    = 10
	DefaultTimeout     = 30 * time.Second
	DefaultHistorySize = 100
)

// Options configures an Engine.
type Options struct {
	MaxDepth    int
	Timeout     time.Duration
	BatchSize   int
	HistorySize int
	// Types are the relationship types walked and counted. Empty means
	// graph.PropagationTypes.
	Types []string
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = planner.DefaultBatchSize
	}
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if len(o.Types) == 0 {
		o.Types = graph.PropagationTypes
	}
	return o
}

// Recorder persists a summary of each applied batch. *storage.DB implements it.
type Recorder interface {
	RecordBatch(ctx context.Context, r storage.BatchRecord) error
	PruneBatches(ctx context.Context, workspaceID string, keep int) (int64, error)
}

// Result describes one propagation pass.
type Result struct {
	BatchID string `json:"batchId"`
	// NodesAffected counts the nodes reached by the walk.
	NodesAffected int `json:"nodesAffected"`
	// NodesUpdated counts the nodes whose derived data changed.
	NodesUpdated         int           `json:"nodesUpdated"`
	RelationshipsUpdated int           `json:"relationshipsUpdated"`
	DepthReached         int           `json:"depthReached"`
	ExecutionTime        time.Duration `json:"executionTime"`
	Warnings             []string      `json:"warnings,omitempty"`
	// Partial is set when the walk stopped before covering its bound.
	Partial bool `json:"partial,omitempty"`
}

// BatchOutcome reports what happened to one batch of a Process call.
type BatchOutcome struct {
	Batch       *graph.Batch `json:"batch"`
	Applied     bool         `json:"applied"`
	Skipped     bool         `json:"skipped,omitempty"`
	Propagation *Result      `json:"propagation,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Stats are cumulative engine counters.
type Stats struct {
	BatchesApplied       int64 `json:"batchesApplied"`
	BatchesFailed        int64 `json:"batchesFailed"`
	BatchesSkipped       int64 `json:"batchesSkipped"`
	BatchesRolledBack    int64 `json:"batchesRolledBack"`
	ChangesApplied       int64 `json:"changesApplied"`
	NodesAffected        int64 `json:"nodesAffected"`
	RelationshipsUpdated int64 `json:"relationshipsUpdated"`
	PropagationTimeouts  int64 `json:"propagationTimeouts"`
}

// Engine applies batches and propagates their effects.
type Engine struct {
	provider graph.Provider
	opts     Options
	recorder Recorder
	logger   *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspaceState
	stats      Stats
}

type workspaceState struct {
	mu      sync.Mutex // single writer
	history []*graph.Batch
}

// New creates an engine. recorder may be nil.
func New(provider graph.Provider, opts Options, recorder Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		provider:   provider,
		opts:       opts.withDefaults(),
		recorder:   recorder,
		logger:     logger,
		workspaces: make(map[string]*workspaceState),
	}
}

func (e *Engine) workspace(id string) *workspaceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws, ok := e.workspaces[id]
	if !ok {
		ws = &workspaceState{}
		e.workspaces[id] = ws
	}
	return ws
}

// Apply applies one batch. On failure every write made by the batch is
// undone, the batch is marked unsuccessful and false is returned.
func (e *Engine) Apply(ctx context.Context, batch *graph.Batch) bool {
	ws := e.workspace(batch.WorkspaceID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	store, err := e.provider.Workspace(ctx, batch.WorkspaceID)
	if err != nil {
		e.finish(batch, gserrors.Wrap(gserrors.StoreUnavailable, "graph store unavailable", err))
	} else {
		e.apply(ctx, store, batch)
	}
	e.remember(ctx, ws, batch, nil)
	return batch.Success
}

// Propagate recomputes derived data around an applied batch. It never fails:
// store errors and timeouts produce a partial result with warnings.
func (e *Engine) Propagate(ctx context.Context, batch *graph.Batch) *Result {
	ws := e.workspace(batch.WorkspaceID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	store, err := e.provider.Workspace(ctx, batch.WorkspaceID)
	if err != nil {
		return &Result{BatchID: batch.ID, Partial: true, Warnings: []string{"graph store unavailable: " + err.Error()}}
	}
	return e.propagate(ctx, store, batch)
}

// Process chunks changes into batches and applies them in order, propagating
// after each successful batch. Processing stops at the first failed batch;
// the batches after it are reported as skipped. Once a batch has started it
// runs to completion even if ctx is cancelled.
func (e *Engine) Process(ctx context.Context, workspaceID string, changes []graph.Change) []BatchOutcome {
	batches := planner.Chunk(workspaceID, changes, e.opts.BatchSize)
	if len(batches) == 0 {
		return nil
	}
	ws := e.workspace(workspaceID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	outcomes := make([]BatchOutcome, 0, len(batches))
	var halt string
	store, err := e.provider.Workspace(ctx, workspaceID)
	if err != nil {
		halt = gserrors.Wrap(gserrors.StoreUnavailable, "graph store unavailable", err).Error()
	}
	for _, b := range batches {
		if halt == "" {
			if err := ctx.Err(); err != nil {
				halt = "processing cancelled: " + err.Error()
			}
		}
		if halt != "" {
			outcomes = append(outcomes, BatchOutcome{Batch: b, Skipped: true, Error: halt})
			e.count(func(s *Stats) { s.BatchesSkipped++ })
			continue
		}

		out := BatchOutcome{Batch: b}
		if e.apply(ctx, store, b) {
			out.Applied = true
			out.Propagation = e.propagate(ctx, store, b)
		} else {
			out.Error = b.Error
			halt = fmt.Sprintf("skipped after batch %s failed", b.ID)
		}
		e.remember(ctx, ws, b, out.Propagation)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// History returns copies of the retained batches of a workspace, newest first.
func (e *Engine) History(workspaceID string) []*graph.Batch {
	ws := e.workspace(workspaceID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*graph.Batch, 0, len(ws.history))
	for i := len(ws.history) - 1; i >= 0; i-- {
		b := *ws.history[i]
		out = append(out, &b)
	}
	return out
}

// RollbackBatch undoes a retained, successfully applied batch by replaying its
// pre-images, then re-propagates around it. A batch cannot be rolled back once
// a later applied batch has touched one of its entities.
func (e *Engine) RollbackBatch(ctx context.Context, workspaceID, batchID string) (*Result, error) {
	ws := e.workspace(workspaceID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	pos := -1
	for i, b := range ws.history {
		if b.ID == batchID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, gserrors.New(gserrors.BatchNotFound, fmt.Sprintf("batch %s is not in the retained history", batchID))
	}
	b := ws.history[pos]
	switch {
	case !b.Success:
		return nil, gserrors.New(gserrors.RollbackFailed, fmt.Sprintf("batch %s was never applied", batchID))
	case b.RolledBackAt != nil:
		return nil, gserrors.New(gserrors.RollbackFailed, fmt.Sprintf("batch %s is already rolled back", batchID))
	}

	owned := make(map[string]bool, len(b.Rollback))
	for _, p := range b.Rollback {
		owned[p.ID] = true
	}
	for _, later := range ws.history[pos+1:] {
		if !later.Success || later.RolledBackAt != nil {
			continue
		}
		for _, c := range later.Changes {
			if owned[c.EntityID] {
				return nil, gserrors.New(gserrors.RollbackFailed,
					fmt.Sprintf("batch %s was superseded by batch %s", batchID, later.ID)).
					WithDetails(map[string]string{"entity": c.EntityID})
			}
		}
	}

	store, err := e.provider.Workspace(ctx, workspaceID)
	if err != nil {
		return nil, gserrors.Wrap(gserrors.StoreUnavailable, "graph store unavailable", err)
	}
	if err := restore(context.WithoutCancel(ctx), store, b.Rollback, nil); err != nil {
		return nil, gserrors.Wrap(gserrors.RollbackFailed, fmt.Sprintf("failed to roll back batch %s", batchID), err)
	}
	now := time.Now()
	b.RolledBackAt = &now
	e.count(func(s *Stats) { s.BatchesRolledBack++ })
	e.logger.Info("Rolled back graph batch", "workspace", workspaceID, "batch", batchID, "changes", len(b.Changes))
	return e.propagate(ctx, store, b), nil
}

// Stats returns a copy of the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) count(fn func(*Stats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// apply runs the node phase, then the relationship phase. Writes ignore
// cancellation of ctx so a started batch is never left half applied.
func (e *Engine) apply(ctx context.Context, store graph.Store, batch *graph.Batch) bool {
	ctx = context.WithoutCancel(ctx)
	pre, err := capture(ctx, store, batch.Changes)
	if err != nil {
		e.finish(batch, gserrors.Wrap(gserrors.BatchFailed, "failed to capture pre-images", err))
		return false
	}
	batch.Rollback = pre

	var nodes, rels []graph.Change
	for _, c := range batch.Changes {
		if c.Kind.IsNode() {
			nodes = append(nodes, c)
		} else {
			rels = append(rels, c)
		}
	}
	written := make(map[string]bool, len(batch.Changes))
	err = phase(ctx, store, nodes, written)
	if err == nil {
		err = phase(ctx, store, rels, written)
	}
	if err == nil {
		e.finish(batch, nil)
		return true
	}

	failure := gserrors.Wrap(gserrors.BatchFailed, "graph batch failed", err)
	if rerr := restore(ctx, store, pre, written); rerr != nil {
		failure = gserrors.Wrap(gserrors.RollbackFailed, "graph batch failed and could not be rolled back", errors.Join(err, rerr))
		e.logger.Error("Failed to roll back graph batch", "workspace", batch.WorkspaceID, "batch", batch.ID, "error", rerr)
	} else {
		e.logger.Warn("Graph batch rolled back", "workspace", batch.WorkspaceID, "batch", batch.ID,
			"changes", len(batch.Changes), "error", err)
	}
	e.finish(batch, failure)
	return false
}

func (e *Engine) finish(batch *graph.Batch, err error) {
	now := time.Now()
	batch.AppliedAt = &now
	batch.Success = err == nil
	batch.Error = ""
	if err != nil {
		batch.Error = err.Error()
	}
	e.count(func(s *Stats) {
		if batch.Success {
			s.BatchesApplied++
			s.ChangesApplied += int64(len(batch.Changes))
		} else {
			s.BatchesFailed++
		}
	})
}

// remember appends the batch to the history ring and records it.
func (e *Engine) remember(ctx context.Context, ws *workspaceState, b *graph.Batch, res *Result) {
	ws.history = append(ws.history, b)
	if over := len(ws.history) - e.opts.HistorySize; over > 0 {
		clear(ws.history[:over])
		ws.history = ws.history[over:]
	}
	if e.recorder == nil {
		return
	}

	rec := storage.BatchRecord{
		ID:          b.ID,
		WorkspaceID: b.WorkspaceID,
		ChangeCount: len(b.Changes),
		Success:     b.Success,
		Error:       b.Error,
		CreatedAt:   b.CreatedAt,
		AppliedAt:   b.AppliedAt,
	}
	if res != nil {
		rec.NodesAffected = res.NodesAffected
		rec.RelationshipsUpdated = res.RelationshipsUpdated
		rec.DepthReached = res.DepthReached
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.recorder.RecordBatch(ctx, rec); err != nil {
		e.logger.Warn("Failed to record batch", "batch", b.ID, "error", err)
		return
	}
	if _, err := e.recorder.PruneBatches(ctx, b.WorkspaceID, e.opts.HistorySize); err != nil {
		e.logger.Warn("Failed to prune batch log", "workspace", b.WorkspaceID, "error", err)
	}
}
