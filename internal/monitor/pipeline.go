package monitor

import (
	"context"
	"time"

	"graphsync/internal/graph"
	"graphsync/internal/incremental"
	"graphsync/internal/watcher"
)

// maxDrain bounds how many queued events are folded into one update.
const maxDrain = 256

// run is the session pipeline: classified events in arrival order through the
// indexer, the planner and the propagation engine.
func (m *Manager) run(ctx context.Context, s *Session) {
	defer s.wg.Done()
	events := s.classifier.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resumed:
			if pending := s.takeBuffered(); len(pending) > 0 {
				m.process(ctx, s, pending)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			batch := drain(events, []watcher.FileChangeEvent{ev})
			if s.hold(batch) {
				m.logger.Debug("Buffered events while paused", "session", s.id, "events", len(batch))
				continue
			}
			if pending := s.takeBuffered(); len(pending) > 0 {
				batch = coalesce(append(pending, batch...))
			}
			m.process(ctx, s, batch)
		}
	}
}

// drain appends whatever is already queued without waiting.
func drain(ch <-chan watcher.FileChangeEvent, batch []watcher.FileChangeEvent) []watcher.FileChangeEvent {
	for len(batch) < maxDrain {
		select {
		case ev, ok := <-ch:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (m *Manager) process(ctx context.Context, s *Session, events []watcher.FileChangeEvent) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	delta, err := m.indexer.UpdateFromChanges(ctx, s.root, events)
	if err != nil {
		m.logger.Warn("Index update failed", "session", s.id, "events", len(events), "error", err.Error())
		s.setError(err.Error())
		s.recordEvents(events, nil, err.Error())
		return
	}
	s.recordEvents(events, delta, "")

	changes, err := m.planner.Plan(ctx, s.workspaceID, events, delta, delta.New, s.store)
	if err != nil {
		m.logger.Warn("Graph planning failed", "session", s.id, "error", err.Error())
		s.setError(err.Error())
		s.needsResync = true
		return
	}
	if !m.apply(ctx, s, changes) || s.needsResync {
		m.resync(ctx, s, delta.New)
	}
}

// apply runs changes through the engine and records the outcome. It reports
// false when any batch was not applied.
func (m *Manager) apply(ctx context.Context, s *Session, changes []graph.Change) bool {
	if len(changes) == 0 {
		return true
	}
	outcomes := s.engine.Process(ctx, s.workspaceID, changes)
	var applied []graph.Change
	ok := true
	s.update(func(t *Totals) {
		for _, o := range outcomes {
			switch {
			case o.Applied:
				t.BatchesApplied++
				t.ChangesApplied += int64(len(o.Batch.Changes))
				applied = append(applied, o.Batch.Changes...)
				if o.Propagation != nil {
					t.NodesAffected += int64(o.Propagation.NodesAffected)
					t.PropagationWarnings += int64(len(o.Propagation.Warnings))
				}
			case o.Skipped:
				t.BatchesSkipped++
				ok = false
			default:
				t.BatchesFailed++
				ok = false
			}
		}
	})
	for _, o := range outcomes {
		if !o.Applied && !o.Skipped {
			s.setError(o.Error)
		}
	}
	m.tracker.ObserveChanges(s.workspaceID, applied, time.Now())
	s.update(func(t *Totals) { t.BrokenReferences = m.tracker.Count(s.workspaceID) })
	return ok
}

// resync brings the graph back in line with the index after a batch failed.
func (m *Manager) resync(ctx context.Context, s *Session, idx *incremental.ProjectIndex) {
	if ctx.Err() != nil {
		s.needsResync = true
		return
	}
	s.update(func(t *Totals) { t.Resyncs++ })
	if n, ok := m.sync(ctx, s, idx); ok {
		m.logger.Info("Resynced graph", "session", s.id, "changes", n)
	} else {
		m.logger.Warn("Resync left the graph out of date; retrying with the next change", "session", s.id)
	}
}

// sync diffs the whole index against the graph and applies the difference.
// Callers hold procMu or own the session exclusively.
func (m *Manager) sync(ctx context.Context, s *Session, idx *incremental.ProjectIndex) (int, bool) {
	changes, err := m.planner.PlanSync(ctx, s.workspaceID, idx, s.store)
	if err != nil {
		m.logger.Warn("Graph sync planning failed", "session", s.id, "error", err.Error())
		s.setError(err.Error())
		s.needsResync = true
		return 0, false
	}
	s.needsResync = !m.apply(ctx, s, changes)
	return len(changes), !s.needsResync
}

// recordEvents adds processed events to the recent ring and the totals.
func (s *Session) recordEvents(events []watcher.FileChangeEvent, delta *incremental.Delta, errMsg string) {
	outcome := make(map[string]incremental.FileDelta)
	if delta != nil {
		for _, fd := range delta.Files {
			outcome[fd.Path] = fd
		}
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		rc := RecentChange{FileChangeEvent: ev, ProcessedAt: now, Error: errMsg}
		if fd, ok := outcome[ev.Path]; ok {
			rc.Unchanged = fd.Unchanged
			rc.Reanalyzed = !fd.Unchanged && fd.New != nil && fd.Error == ""
			if fd.Error != "" {
				rc.Error = fd.Error
			}
		}
		s.recent.push(rc)
	}
	s.totals.EventsProcessed += int64(len(events))
	if delta != nil {
		s.totals.FilesReanalyzed += int64(delta.Reanalyzed)
		s.totals.FilesUnchanged += int64(delta.Unchanged)
		s.totals.ParseErrors += int64(len(delta.Errors))
	}
	s.lastEventAt = &now
}
