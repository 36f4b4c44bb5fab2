// Package monitor runs monitoring sessions: one watcher and one pipeline per
// client, keeping a workspace's graph in step with its files.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"graphsync/internal/config"
	"graphsync/internal/envelope"
	gserrors "graphsync/internal/errors"
	"graphsync/internal/graph"
	"graphsync/internal/impact"
	"graphsync/internal/incremental"
	"graphsync/internal/paths"
	"graphsync/internal/planner"
	"graphsync/internal/propagation"
	"graphsync/internal/watcher"
)

// Options wires a Manager to its collaborators.
type Options struct {
	Indexer  *incremental.Indexer
	Provider graph.Provider
	// Recorder persists batch summaries. Optional.
	Recorder propagation.Recorder
	// NewSource creates the raw event source of a session. The default
	// watches the filesystem with fsnotify.
	NewSource func(matcher *watcher.Matcher) watcher.Source
}

// Manager owns the monitoring sessions of a process.
type Manager struct {
	indexer   *incremental.Indexer
	provider  graph.Provider
	recorder  propagation.Recorder
	newSource func(*watcher.Matcher) watcher.Source
	planner   *planner.Planner
	tracker   *impact.Tracker
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by client ID
}

// NewManager creates a manager.
func NewManager(opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.Indexer == nil {
		return nil, errors.New("monitor requires an indexer")
	}
	if opts.Provider == nil {
		return nil, errors.New("monitor requires a graph provider")
	}
	m := &Manager{
		indexer:   opts.Indexer,
		provider:  opts.Provider,
		recorder:  opts.Recorder,
		newSource: opts.NewSource,
		planner:   planner.New(logger),
		tracker:   impact.NewTracker(),
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
	if m.newSource == nil {
		m.newSource = func(matcher *watcher.Matcher) watcher.Source {
			return watcher.NewFSNotifySource(matcher, logger)
		}
	}
	return m, nil
}

// StartResult is returned by StartMonitoring.
type StartResult struct {
	Session      SessionSummary           `json:"session"`
	Index        *incremental.IndexReport `json:"index"`
	GraphChanges int                      `json:"graphChanges"`
}

// StartMonitoring validates cfg, indexes the workspace, brings its graph up
// to date and starts watching it for clientID.
func (m *Manager) StartMonitoring(ctx context.Context, clientID string, cfg config.MonitorConfig) envelope.Result {
	if clientID == "" {
		return envelope.Error{Code: string(gserrors.InvalidConfig), Message: "client id is required"}
	}
	if err := cfg.Validate(); err != nil {
		code := gserrors.InvalidConfig
		var ce *config.ConfigError
		if errors.As(err, &ce) && ce.Field == "monitor.workspacePath" {
			code = gserrors.InvalidWorkspace
		}
		return envelope.Error{Code: string(code), Message: err.Error()}
	}
	root, err := filepath.Abs(cfg.WorkspacePath)
	if err != nil {
		return envelope.Fail(gserrors.Wrap(gserrors.InvalidWorkspace, "cannot resolve workspace path", err))
	}
	root = filepath.Clean(root)

	s := &Session{
		id:          uuid.NewString(),
		clientID:    clientID,
		root:        root,
		workspaceID: paths.WorkspaceKey(root),
		cfg:         cfg,
		resumed:     make(chan struct{}, 1),
		state:       StateCreated,
		startedAt:   time.Now(),
		recent:      newRing[RecentChange](cfg.RecentChangesSize),
	}
	if res := m.reserve(s); res != nil {
		return res
	}

	res, err := m.start(ctx, s)
	if err != nil {
		m.release(s)
		m.indexer.Release(root)
		m.logger.Warn("Failed to start monitoring", "client", clientID, "workspace", root, "error", err.Error())
		return envelope.Fail(err)
	}
	return res
}

// reserve registers s for its client, refusing a second session per client
// or per workspace.
func (m *Manager) reserve(s *Session) envelope.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.clientID]; ok {
		return envelope.Fail(gserrors.New(gserrors.SessionExists,
			fmt.Sprintf("client %s already monitors %s", s.clientID, existing.root)))
	}
	for _, other := range m.sessions {
		if other.workspaceID == s.workspaceID {
			return envelope.Fail(gserrors.New(gserrors.SessionExists,
				fmt.Sprintf("%s is already monitored by client %s", s.root, other.clientID)))
		}
	}
	m.sessions[s.clientID] = s
	return nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.sessions[s.clientID] == s {
		delete(m.sessions, s.clientID)
	}
	m.mu.Unlock()
}

func (m *Manager) start(ctx context.Context, s *Session) (envelope.Result, error) {
	cfg := s.cfg
	logger := m.logger.With("session", s.id)

	matcher, err := watcher.NewMatcher(cfg.WatchPatterns, cfg.IgnorePatterns)
	if err != nil {
		return nil, gserrors.Wrap(gserrors.InvalidConfig, "invalid watch patterns", err)
	}
	if err := m.indexer.Register(s.root, matcher); err != nil {
		return nil, err
	}
	s.store, err = m.provider.Workspace(ctx, s.workspaceID)
	if err != nil {
		return nil, gserrors.Wrap(gserrors.StoreUnavailable, "cannot open workspace graph", err)
	}
	s.engine = propagation.New(m.provider, propagation.Options{
		MaxDepth:    cfg.MaxPropagationDepth,
		Timeout:     cfg.PropagationTimeout(),
		BatchSize:   cfg.BatchSize,
		HistorySize: cfg.CacheHistorySize,
	}, m.recorder, logger)
	s.classifier = watcher.NewClassifier(watcher.Options{
		Root:            s.root,
		Matcher:         matcher,
		Debounce:        cfg.DebounceDelay(),
		ContentAnalysis: cfg.EnableContentAnalysis,
		MaxFileSize:     cfg.MaxFileSizeBytes,
		BufferSize:      cfg.EventBufferSize,
	}, logger)
	s.source = m.newSource(matcher)

	// Watch before indexing so nothing written during the initial pass is missed.
	runCtx, cancel := context.WithCancel(context.Background())
	raw := make(chan watcher.RawEvent, cfg.EventBufferSize)
	if err := s.source.Watch(runCtx, s.root, raw); err != nil {
		cancel()
		if gserrors.CodeOf(err) == gserrors.InternalError {
			err = gserrors.Wrap(gserrors.WatcherFailed, "cannot watch "+s.root, err)
		}
		return nil, err
	}

	idx, report, err := m.indexer.GetOrCreateIndex(ctx, s.root)
	if err != nil {
		cancel()
		return nil, err
	}
	s.classifier.Seed(idx.Paths())
	changes, err := m.planner.PlanSync(ctx, s.workspaceID, idx, s.store)
	if err != nil {
		cancel()
		return nil, gserrors.Wrap(gserrors.StoreUnavailable, "cannot plan initial graph sync", err)
	}
	if err := s.activate(cancel, 2); err != nil {
		cancel()
		return nil, gserrors.Wrap(gserrors.InvalidState, "cannot activate session", err)
	}
	s.needsResync = !m.apply(ctx, s, changes)
	s.update(func(t *Totals) { t.ParseErrors += int64(len(report.Errors)) })

	go func() {
		defer s.wg.Done()
		if err := s.classifier.Run(runCtx, raw); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Classifier stopped", "error", err.Error())
		}
	}()
	go m.run(runCtx, s)

	logger.Info("Started monitoring",
		"client", s.clientID,
		"workspace", s.root,
		"files", report.Files,
		"analyzed", report.Analyzed,
		"graphChanges", len(changes),
	)

	b := envelope.New().
		Data(StartResult{Session: s.summary(), Index: report, GraphChanges: len(changes)}).
		Summary(fmt.Sprintf("Monitoring %s: %d files, %d symbols, %d parse errors",
			s.root, report.Files, report.Symbols, len(report.Errors)))
	b.Warnings(report.Warnings...)
	for _, fe := range report.Errors {
		b.WarningWithCode(string(gserrors.ParseFailed), fe.Path+": "+fe.Error)
	}
	if s.needsResync {
		b.WarningWithCode(string(gserrors.BatchFailed), "initial graph sync did not complete; it is retried with the next change")
	}
	return b.Build(), nil
}

// StopMonitoring tears down the client's session. An in-flight batch
// finishes before the watcher is released.
func (m *Manager) StopMonitoring(clientID string) envelope.Result {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	delete(m.sessions, clientID)
	m.mu.Unlock()
	if !ok {
		return envelope.NoActiveSession(clientID)
	}
	m.stop(s)
	sum := s.summary()
	return envelope.Success{
		Data: sum,
		Summary: fmt.Sprintf("Stopped monitoring %s after %s: %d events, %d batches applied",
			s.root, sum.Uptime.Round(time.Second), sum.Totals.EventsProcessed, sum.Totals.BatchesApplied),
	}
}

func (m *Manager) stop(s *Session) {
	cancel, err := s.halt()
	if err != nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.classifier != nil {
		s.classifier.Stop()
	}
	m.indexer.Release(s.root)
	m.tracker.Forget(s.workspaceID)
	m.logger.Info("Stopped monitoring", "session", s.id, "client", s.clientID, "workspace", s.root)
}

func (m *Manager) session(clientID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// started returns the client's session once it has finished starting.
func (m *Manager) started(clientID string) (*Session, envelope.Result) {
	s, ok := m.session(clientID)
	if !ok {
		return nil, envelope.NoActiveSession(clientID)
	}
	if s.State() == StateCreated {
		return nil, envelope.Error{Code: string(gserrors.InvalidState), Message: "session " + s.id + " is still starting"}
	}
	return s, nil
}

// Status is returned by GetMonitoringStatus.
type Status struct {
	Active     bool              `json:"active"`
	SessionID  string            `json:"sessionId"`
	Session    SessionSummary    `json:"session"`
	Classifier watcher.Stats     `json:"classifier"`
	Engine     propagation.Stats `json:"engine"`
	Buffered   int               `json:"buffered"`
	History    int               `json:"history"`
	Files      int               `json:"files"`
	Symbols    int               `json:"symbols"`

	// ParseErrors lists files whose last analysis failed.
	ParseErrors []incremental.FileError `json:"parseErrors,omitempty"`
}

// GetMonitoringStatus reports the client's session state and totals.
func (m *Manager) GetMonitoringStatus(clientID string) envelope.Result {
	s, ok := m.session(clientID)
	if !ok {
		return envelope.NoActiveSession(clientID)
	}
	sum := s.summary()
	st := Status{
		Active:    sum.State == StateActive || sum.State == StatePaused,
		SessionID: s.id,
		Session:   sum,
		Buffered:  s.bufferedCount(),
	}
	if sum.State != StateCreated {
		st.Classifier = s.classifier.Stats()
		st.Engine = s.engine.Stats()
		st.History = len(s.engine.History(s.workspaceID))
	}
	if idx := m.indexer.Index(s.root); idx != nil {
		st.Files = idx.FileCount()
		st.Symbols = idx.SymbolCount()
		st.ParseErrors = idx.ParseErrors()
	}

	b := envelope.New().Data(st).Summary(fmt.Sprintf("%s for %s: %d events, %d batches applied, %d failed",
		sum.State, sum.Uptime.Round(time.Second), sum.Totals.EventsProcessed,
		sum.Totals.BatchesApplied, sum.Totals.BatchesFailed))
	if sum.LastError != "" {
		b.Warning("last pipeline error: " + sum.LastError)
	}
	if sum.Totals.DroppedEvents > 0 {
		b.Warning(fmt.Sprintf("%d raw events were dropped; run a refresh to resynchronize", sum.Totals.DroppedEvents))
	}
	if n := len(st.ParseErrors); n > 0 {
		b.Warning(fmt.Sprintf("%d files failed to parse", n))
	}
	return b.Build()
}

// RecentChanges is returned by GetRecentChanges.
type RecentChanges struct {
	Changes []RecentChange `json:"changes"`
	Total   int            `json:"total"`
}

// GetRecentChanges returns up to limit processed changes, newest first.
func (m *Manager) GetRecentChanges(clientID string, limit int) envelope.Result {
	s, ok := m.session(clientID)
	if !ok {
		return envelope.NoActiveSession(clientID)
	}
	s.mu.Lock()
	changes := s.recent.newest(limit)
	total := s.recent.len()
	s.mu.Unlock()
	return envelope.Success{
		Data:    RecentChanges{Changes: changes, Total: total},
		Summary: fmt.Sprintf("%d of %d recent changes", len(changes), total),
	}
}

// AnalyzeImpact reports who depends on filePath, how risky changing it is and
// what to do about it. filePath is absolute or workspace-relative.
func (m *Manager) AnalyzeImpact(ctx context.Context, clientID, filePath string) envelope.Result {
	s, res := m.started(clientID)
	if res != nil {
		return res
	}
	rel, err := workspacePath(s.root, filePath)
	if err != nil {
		return envelope.Fail(err)
	}

	analyzer := impact.NewAnalyzer(impact.Options{Depth: s.cfg.ImpactDepth}, m.tracker, m.logger)
	report, err := analyzer.Analyze(ctx, s.workspaceID, s.store, m.indexer.Index(s.root), rel)
	if err != nil {
		return envelope.Fail(gserrors.Wrap(gserrors.StoreUnavailable, "impact analysis failed", err))
	}
	return envelope.New().
		Data(report).
		Summary(fmt.Sprintf("%s risk: %d direct and %d indirect dependents",
			report.Risk.Level, len(report.Direct), len(report.Indirect))).
		Warnings(report.Notes...).
		Build()
}

func workspacePath(root, p string) (string, error) {
	rel := p
	if filepath.IsAbs(p) {
		var err error
		rel, err = paths.CanonicalizePath(p, root)
		if err != nil {
			return "", gserrors.Wrap(gserrors.InvalidWorkspace, "cannot resolve "+p, err)
		}
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", gserrors.New(gserrors.InvalidWorkspace, p+" is not a file inside "+root)
	}
	return rel, nil
}

// RefreshResult is returned by RefreshProjectIndex.
type RefreshResult struct {
	SupportedFiles int                      `json:"supportedFiles"`
	TotalSymbols   int                      `json:"totalSymbols"`
	GraphChanges   int                      `json:"graphChanges"`
	Report         *incremental.IndexReport `json:"report"`
}

// RefreshProjectIndex re-indexes a workspace. With forceFull every file is
// re-analyzed and the cache blob rewritten. A monitored workspace also gets
// its graph brought up to date.
func (m *Manager) RefreshProjectIndex(ctx context.Context, workspacePath string, forceFull bool) envelope.Result {
	root, err := filepath.Abs(workspacePath)
	if err != nil {
		return envelope.Fail(gserrors.Wrap(gserrors.InvalidWorkspace, "cannot resolve workspace path", err))
	}
	s := m.sessionFor(filepath.Clean(root))
	if s != nil {
		s.procMu.Lock()
		defer s.procMu.Unlock()
	}

	idx, report, err := m.indexer.Refresh(ctx, root, forceFull)
	if err != nil {
		return envelope.Fail(err)
	}
	res := RefreshResult{SupportedFiles: idx.FileCount(), TotalSymbols: idx.SymbolCount(), Report: report}

	b := envelope.New()
	if st := sessionState(s); st == StateActive || st == StatePaused {
		s.classifier.Seed(idx.Paths())
		n, ok := m.sync(ctx, s, idx)
		res.GraphChanges = n
		if !ok {
			b.WarningWithCode(string(gserrors.BatchFailed), "graph update after refresh did not complete")
		}
	}
	b.Warnings(report.Warnings...)
	for _, fe := range report.Errors {
		b.WarningWithCode(string(gserrors.ParseFailed), fe.Path+": "+fe.Error)
	}
	return b.Data(res).
		Summary(fmt.Sprintf("Indexed %d files (%d analyzed, %d reused), %d symbols",
			report.Files, report.Analyzed, report.Reused, report.Symbols)).
		Build()
}

func sessionState(s *Session) State {
	if s == nil {
		return ""
	}
	return s.State()
}

func (m *Manager) sessionFor(root string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.root == root {
			return s
		}
	}
	return nil
}

// IndexerMetrics is returned by GetIndexerMetrics.
type IndexerMetrics struct {
	incremental.Metrics
	HitRate          float64 `json:"hitRate"`
	ActiveSessions   int     `json:"activeSessions"`
	DroppedEvents    int64   `json:"droppedEvents"`
	BrokenReferences int     `json:"brokenReferences"`
}

// GetIndexerMetrics aggregates indexer counters and session totals.
func (m *Manager) GetIndexerMetrics() envelope.Result {
	im := m.indexer.Metrics()
	out := IndexerMetrics{Metrics: im, HitRate: im.HitRate()}
	for _, sum := range m.Sessions() {
		out.ActiveSessions++
		out.DroppedEvents += sum.Totals.DroppedEvents
		out.BrokenReferences += sum.Totals.BrokenReferences
	}
	return envelope.Success{Data: out, Summary: im.String()}
}

// Sessions lists the running sessions ordered by client ID.
func (m *Manager) Sessions() []SessionSummary {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]SessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, s.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// PauseMonitoring stops delivering events to the pipeline. Events keep being
// classified and are buffered until ResumeMonitoring.
func (m *Manager) PauseMonitoring(clientID string) envelope.Result {
	s, ok := m.session(clientID)
	if !ok {
		return envelope.NoActiveSession(clientID)
	}
	if err := s.transition(StatePaused); err != nil {
		return envelope.Fail(gserrors.Wrap(gserrors.InvalidState, "cannot pause", err))
	}
	m.logger.Info("Paused monitoring", "session", s.id)
	return envelope.Success{Data: s.summary(), Summary: "Paused monitoring " + s.root}
}

// ResumeMonitoring resumes event delivery; buffered events are replayed
// coalesced per path.
func (m *Manager) ResumeMonitoring(clientID string) envelope.Result {
	s, ok := m.session(clientID)
	if !ok {
		return envelope.NoActiveSession(clientID)
	}
	if err := s.transition(StateActive); err != nil {
		return envelope.Fail(gserrors.Wrap(gserrors.InvalidState, "cannot resume", err))
	}
	buffered := s.bufferedCount()
	select {
	case s.resumed <- struct{}{}:
	default:
	}
	m.logger.Info("Resumed monitoring", "session", s.id, "buffered", buffered)
	return envelope.Success{
		Data:    s.summary(),
		Summary: fmt.Sprintf("Resumed monitoring %s, replaying %d buffered events", s.root, buffered),
	}
}

// RollbackBatch restores the graph to its state before a retained batch.
func (m *Manager) RollbackBatch(ctx context.Context, clientID, batchID string) envelope.Result {
	s, res := m.started(clientID)
	if res != nil {
		return res
	}
	s.procMu.Lock()
	defer s.procMu.Unlock()
	out, err := s.engine.RollbackBatch(ctx, s.workspaceID, batchID)
	if err != nil {
		return envelope.Fail(err)
	}
	return envelope.New().
		Data(out).
		Summary(fmt.Sprintf("Rolled back batch %s, %d nodes re-propagated", batchID, out.NodesAffected)).
		Warnings(out.Warnings...).
		Build()
}

// BatchInfo summarizes a retained batch.
type BatchInfo struct {
	ID           string     `json:"id"`
	Changes      int        `json:"changes"`
	CreatedAt    time.Time  `json:"createdAt"`
	AppliedAt    *time.Time `json:"appliedAt,omitempty"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	RolledBackAt *time.Time `json:"rolledBackAt,omitempty"`
}

// GetBatchHistory lists up to limit retained batches, newest first.
func (m *Manager) GetBatchHistory(clientID string, limit int) envelope.Result {
	s, res := m.started(clientID)
	if res != nil {
		return res
	}
	history := s.engine.History(s.workspaceID)
	if limit > 0 && limit < len(history) {
		history = history[:limit]
	}
	out := make([]BatchInfo, 0, len(history))
	for _, b := range history {
		out = append(out, BatchInfo{
			ID:           b.ID,
			Changes:      len(b.Changes),
			CreatedAt:    b.CreatedAt,
			AppliedAt:    b.AppliedAt,
			Success:      b.Success,
			Error:        b.Error,
			RolledBackAt: b.RolledBackAt,
		})
	}
	return envelope.Success{Data: out, Summary: fmt.Sprintf("%d retained batches", len(out))}
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.stop(s)
		}()
	}
	wg.Wait()
}

// Close stops every session and closes the graph provider.
func (m *Manager) Close() error {
	m.Shutdown()
	return m.provider.Close()
}
