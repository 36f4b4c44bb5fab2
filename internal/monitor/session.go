package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"graphsync/internal/config"
	"graphsync/internal/graph"
	"graphsync/internal/propagation"
	"graphsync/internal/watcher"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// canTransition reports whether a session may move from one state to another.
// Stopped is terminal.
func canTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateActive || to == StateStopped
	case StateActive:
		return to == StatePaused || to == StateStopped
	case StatePaused:
		return to == StateActive || to == StateStopped
	}
	return false
}

// Totals are the cumulative counters of a session.
type Totals struct {
	EventsProcessed     int64 `json:"eventsProcessed"`
	FilesReanalyzed     int64 `json:"filesReanalyzed"`
	FilesUnchanged      int64 `json:"filesUnchanged"`
	ParseErrors         int64 `json:"parseErrors"`
	BatchesApplied      int64 `json:"batchesApplied"`
	BatchesFailed       int64 `json:"batchesFailed"`
	BatchesSkipped      int64 `json:"batchesSkipped"`
	ChangesApplied      int64 `json:"changesApplied"`
	NodesAffected       int64 `json:"nodesAffected"`
	PropagationWarnings int64 `json:"propagationWarnings"`
	Resyncs             int64 `json:"resyncs"`
	PipelineErrors      int64 `json:"pipelineErrors"`
	DroppedEvents       int64 `json:"droppedEvents"`
	BrokenReferences    int   `json:"brokenReferences"`
}

// SessionSummary describes a session at a point in time.
type SessionSummary struct {
	SessionID   string        `json:"sessionId"`
	ClientID    string        `json:"clientId"`
	WorkspaceID string        `json:"workspaceId"`
	Workspace   string        `json:"workspace"`
	State       State         `json:"state"`
	StartedAt   time.Time     `json:"startedAt"`
	StoppedAt   *time.Time    `json:"stoppedAt,omitempty"`
	Uptime      time.Duration `json:"uptime"`
	Totals      Totals        `json:"totals"`
	LastEventAt *time.Time    `json:"lastEventAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// RecentChange is one processed change event with its indexing outcome.
type RecentChange struct {
	watcher.FileChangeEvent
	Reanalyzed  bool      `json:"reanalyzed"`
	Unchanged   bool      `json:"unchanged"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// ring keeps the last len(buf) values.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// newest returns up to limit values, most recent first. limit <= 0 means all.
func (r *ring[T]) newest(limit int) []T {
	n := r.len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}

// Session is one client's monitoring of one workspace. The pipeline goroutine
// is the only writer of the workspace graph while the session runs.
type Session struct {
	id          string
	clientID    string
	root        string
	workspaceID string
	cfg         config.MonitorConfig

	source     watcher.Source
	classifier *watcher.Classifier
	engine     *propagation.Engine
	store      graph.Store

	cancel  context.CancelFunc // set under mu
	wg      sync.WaitGroup
	resumed chan struct{}

	// procMu serializes event processing with refreshes and resyncs.
	procMu      sync.Mutex
	needsResync bool

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	stoppedAt   *time.Time
	lastEventAt *time.Time
	lastError   string
	totals      Totals
	recent      *ring[RecentChange]
	buffered    []watcher.FileChangeEvent
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("session %s cannot move from %s to %s", s.id, s.state, to)
	}
	s.state = to
	return nil
}

// activate moves a starting session to active, publishing the cancel func of
// its pipeline and accounting for the workers about to be launched. A session
// stopped while it was starting cannot be activated.
func (s *Session) activate(cancel context.CancelFunc, workers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("session %s cannot move from %s to %s", s.id, s.state, StateActive)
	}
	s.state = StateActive
	s.cancel = cancel
	s.wg.Add(workers)
	return nil
}

// halt moves the session to stopped and returns the pipeline's cancel func,
// which is nil when the session never became active.
func (s *Session) halt() (context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, StateStopped) {
		return nil, fmt.Errorf("session %s cannot move from %s to %s", s.id, s.state, StateStopped)
	}
	s.state = StateStopped
	now := time.Now()
	s.stoppedAt = &now
	return s.cancel, nil
}

func (s *Session) summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := SessionSummary{
		SessionID:   s.id,
		ClientID:    s.clientID,
		WorkspaceID: s.workspaceID,
		Workspace:   s.root,
		State:       s.state,
		StartedAt:   s.startedAt,
		StoppedAt:   s.stoppedAt,
		Totals:      s.totals,
		LastEventAt: s.lastEventAt,
		LastError:   s.lastError,
	}
	end := time.Now()
	if s.stoppedAt != nil {
		end = *s.stoppedAt
	}
	sum.Uptime = end.Sub(s.startedAt)
	if d, ok := s.source.(interface{ Dropped() int64 }); ok {
		sum.Totals.DroppedEvents = d.Dropped()
	}
	return sum
}

func (s *Session) update(fn func(t *Totals)) {
	s.mu.Lock()
	fn(&s.totals)
	s.mu.Unlock()
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.totals.PipelineErrors++
	s.mu.Unlock()
}

// hold buffers events while the session is paused. It reports false when the
// session is not paused and the events should be processed now.
func (s *Session) hold(events []watcher.FileChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return false
	}
	s.buffered = append(s.buffered, events...)
	return true
}

// takeBuffered returns the coalesced buffer when the session is active.
func (s *Session) takeBuffered() []watcher.FileChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || len(s.buffered) == 0 {
		return nil
	}
	out := coalesce(s.buffered)
	s.buffered = nil
	return out
}

func (s *Session) bufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

// coalesce merges events on the same path into their net effect, keeping the
// order in which paths first appeared.
func coalesce(events []watcher.FileChangeEvent) []watcher.FileChangeEvent {
	var order []string
	net := make(map[string]*watcher.FileChangeEvent)
	for _, ev := range events {
		prev, seen := net[ev.Path]
		if !seen {
			e := ev
			net[ev.Path] = &e
			order = append(order, ev.Path)
			continue
		}
		merged, keep := mergeEvents(*prev, ev)
		if !keep {
			delete(net, ev.Path)
			continue
		}
		*prev = merged
	}

	out := make([]watcher.FileChangeEvent, 0, len(net))
	for _, p := range order {
		if e, ok := net[p]; ok {
			out = append(out, *e)
			delete(net, p)
		}
	}
	return out
}

// mergeEvents combines an earlier and a later event on one path. keep is
// false when the two cancel out.
func mergeEvents(prev, next watcher.FileChangeEvent) (merged watcher.FileChangeEvent, keep bool) {
	merged = next
	switch prev.Type {
	case watcher.ChangeCreated:
		switch next.Type {
		case watcher.ChangeDeleted:
			return merged, false
		case watcher.ChangeModified:
			merged.Type = watcher.ChangeCreated
		}
	case watcher.ChangeDeleted:
		if next.Type == watcher.ChangeCreated {
			merged.Type = watcher.ChangeModified
		}
	case watcher.ChangeRenamed:
		switch next.Type {
		case watcher.ChangeModified:
			merged.Type = watcher.ChangeRenamed
			merged.OldPath = prev.OldPath
		case watcher.ChangeDeleted:
			// The file left both paths; only the old one was ever indexed.
			merged.Path = prev.OldPath
			merged.OldPath = ""
		}
	}
	return merged, true
}
