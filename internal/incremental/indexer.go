package incremental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	gserrors "graphsync/internal/errors"
	"graphsync/internal/parser"
	"graphsync/internal/paths"
	"graphsync/internal/storage"
	"graphsync/internal/watcher"
)

// Options configures an Indexer.
type Options struct {
	Parser  parser.Parser
	Blobs   storage.BlobStore // nil disables persistence
	Matcher *watcher.Matcher  // default matcher for workspaces not registered explicitly
	// MaxFileSize skips larger files; 0 means unlimited.
	MaxFileSize int64
	Concurrency int
}

// Indexer owns the per-workspace caches. Each workspace has a single writer;
// different workspaces index concurrently.
type Indexer struct {
	parser      parser.Parser
	blobs       storage.BlobStore
	matcher     *watcher.Matcher
	maxFileSize int64
	concurrency int
	logger      *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspaceState
	metrics    metricsCollector
}

type workspaceState struct {
	mu       sync.Mutex
	id       string
	root     string
	matcher  *watcher.Matcher
	index    atomic.Pointer[ProjectIndex]
	released bool // set under mu once the state left ix.workspaces
}

// New creates an indexer.
func New(opts Options, logger *slog.Logger) (*Indexer, error) {
	if opts.Parser == nil {
		return nil, errors.New("indexer requires a parser")
	}
	if opts.Matcher == nil {
		return nil, errors.New("indexer requires a matcher")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	return &Indexer{
		parser:      opts.Parser,
		blobs:       opts.Blobs,
		matcher:     opts.Matcher,
		maxFileSize: opts.MaxFileSize,
		concurrency: opts.Concurrency,
		logger:      logger,
		workspaces:  make(map[string]*workspaceState),
	}, nil
}

// Register sets the matcher used for a workspace. It must be called before
// the workspace is first indexed for the patterns to apply to the initial pass.
func (ix *Indexer) Register(root string, matcher *watcher.Matcher) error {
	ws, err := ix.lockWorkspace(root)
	if err != nil {
		return err
	}
	ws.matcher = matcher
	ws.mu.Unlock()
	return nil
}

// Release drops the in-memory state of a workspace once its current writer
// is done. The persisted cache is kept.
func (ix *Indexer) Release(root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	key := paths.WorkspaceKey(filepath.Clean(abs))
	ix.mu.Lock()
	ws := ix.workspaces[key]
	ix.mu.Unlock()
	if ws == nil {
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.released = true
	ix.mu.Lock()
	if ix.workspaces[key] == ws {
		delete(ix.workspaces, key)
	}
	ix.mu.Unlock()
}

// Index returns the current snapshot for a workspace, or nil if it has not
// been indexed in this process.
func (ix *Indexer) Index(root string) *ProjectIndex {
	abs, err := absRoot(root)
	if err != nil {
		return nil
	}
	ix.mu.Lock()
	ws := ix.workspaces[paths.WorkspaceKey(abs)]
	ix.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.index.Load()
}

// Metrics returns aggregated counters for all workspaces.
func (ix *Indexer) Metrics() Metrics {
	m := ix.metrics.snapshot()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m.Workspaces = len(ix.workspaces)
	for _, ws := range ix.workspaces {
		if idx := ws.index.Load(); idx != nil {
			m.IndexSizeBytes += idx.ApproxSize()
		}
	}
	return m
}

// GetOrCreateIndex returns a fresh index for root. The first call in a process
// loads the persisted cache (or analyzes everything when there is none);
// every call re-verifies tracked files by content hash.
func (ix *Indexer) GetOrCreateIndex(ctx context.Context, root string) (*ProjectIndex, *IndexReport, error) {
	ws, err := ix.lockWorkspace(root)
	if err != nil {
		return nil, nil, err
	}
	defer ws.mu.Unlock()
	return ix.indexLocked(ctx, ws, false)
}

// Refresh re-indexes root. With forceFull, both the persisted cache and the
// in-memory index are ignored and the cache blob is overwritten.
func (ix *Indexer) Refresh(ctx context.Context, root string, forceFull bool) (*ProjectIndex, *IndexReport, error) {
	ws, err := ix.lockWorkspace(root)
	if err != nil {
		return nil, nil, err
	}
	defer ws.mu.Unlock()
	return ix.indexLocked(ctx, ws, forceFull)
}

func (ix *Indexer) indexLocked(ctx context.Context, ws *workspaceState, force bool) (*ProjectIndex, *IndexReport, error) {
	start := time.Now()
	report := &IndexReport{Workspace: ws.root}

	current := ws.index.Load()
	var base map[string]*FileEntry
	switch {
	case force:
	case current != nil:
		base = current.files
	default:
		base = ix.loadCache(ctx, ws, report)
	}
	report.FullIndex = base == nil

	files, err := scanWorkspace(ws.root, ws.matcher)
	if err != nil {
		return nil, nil, gserrors.Wrap(gserrors.InvalidWorkspace, "cannot scan workspace", err)
	}
	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	results := make([]fileResult, len(rels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for i, rel := range rels {
		g.Go(func() error {
			r, err := ix.examine(gctx, ws.root, rel, files[rel], base[rel])
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var pass passStats
	entries := make(map[string]*FileEntry, len(rels))
	for _, r := range results {
		pass.add(r)
		if r.errMsg != "" {
			report.Errors = append(report.Errors, FileError{Path: r.path, Error: r.errMsg})
		}
		if r.entry != nil {
			entries[r.path] = r.entry
		}
	}
	for p := range base {
		if _, ok := entries[p]; !ok {
			report.Removed++
		}
	}

	changed := force || pass.analyzed > 0 || pass.touches > 0 || report.Removed > 0 ||
		len(entries) != len(base) || (current == nil && !report.CacheLoaded)
	idx := current
	if changed || idx == nil {
		var gen uint64 = 1
		if current != nil {
			gen = current.Generation + 1
		}
		idx = newProjectIndex(ws.id, ws.root, gen, entries)
		ws.index.Store(idx)
	}
	if changed {
		ix.saveCache(ctx, ws, idx, report)
	}
	ix.metrics.record(&pass, report.FullIndex, false)

	report.Files = idx.FileCount()
	report.Symbols = idx.SymbolCount()
	report.Dependencies = idx.DependencyCount()
	report.Reused = int(pass.hits)
	report.Analyzed = int(pass.analyzed)
	report.Duration = time.Since(start)

	ix.logger.Info("Index ready",
		"workspace", ws.root,
		"files", report.Files,
		"analyzed", report.Analyzed,
		"reused", report.Reused,
		"removed", report.Removed,
		"errors", len(report.Errors),
		"full", report.FullIndex,
		"duration", report.Duration,
	)
	return idx, report, nil
}

// UpdateFromChanges applies classified events in arrival order. Files whose
// content hash is unchanged are not re-analyzed.
func (ix *Indexer) UpdateFromChanges(ctx context.Context, root string, events []watcher.FileChangeEvent) (*Delta, error) {
	ws, err := ix.lockWorkspace(root)
	if err != nil {
		return nil, err
	}
	defer ws.mu.Unlock()

	current := ws.index.Load()
	if current == nil {
		if _, _, err := ix.indexLocked(ctx, ws, false); err != nil {
			return nil, err
		}
		current = ws.index.Load()
	}

	start := time.Now()
	u := &update{
		ix:      ix,
		ws:      ws,
		current: current,
		changed: make(map[string]*FileEntry),
		removed: make(map[string]bool),
		seen:    make(map[string]bool),
		delta:   &Delta{Workspace: ws.root, Old: current},
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch ev.Type {
		case watcher.ChangeDeleted:
			u.remove(ev.Path)
		case watcher.ChangeRenamed:
			u.remove(ev.OldPath)
			if err := u.refresh(ctx, ev.Path, watcher.ChangeCreated, ev.OldPath); err != nil {
				return nil, err
			}
		default:
			if err := u.refresh(ctx, ev.Path, ev.Type, ""); err != nil {
				return nil, err
			}
		}
	}

	next := current
	if len(u.changed) > 0 || len(u.removed) > 0 {
		next = current.with(u.changed, u.removed)
		ws.index.Store(next)
		var report IndexReport
		ix.saveCache(ctx, ws, next, &report)
	}
	for _, p := range next.Paths() {
		if !u.seen[p] {
			u.delta.Carried++
		}
	}
	u.pass.hits += int64(u.delta.Carried)
	u.pass.skipped += int64(u.delta.Carried)
	ix.metrics.record(&u.pass, false, true)

	u.delta.New = next
	u.delta.Duration = time.Since(start)
	ix.logger.Debug("Applied file changes",
		"workspace", ws.root,
		"events", len(events),
		"reanalyzed", u.delta.Reanalyzed,
		"unchanged", u.delta.Unchanged,
		"removed", u.delta.Removed,
		"carried", u.delta.Carried,
	)
	return u.delta, nil
}

// update tracks the working state of one UpdateFromChanges call.
type update struct {
	ix      *Indexer
	ws      *workspaceState
	current *ProjectIndex
	changed map[string]*FileEntry
	removed map[string]bool
	seen    map[string]bool // paths examined or removed by this update
	delta   *Delta
	pass    passStats
}

func (u *update) lookup(p string) *FileEntry {
	if u.removed[p] {
		return nil
	}
	if e, ok := u.changed[p]; ok {
		return e
	}
	e, _ := u.current.Entry(p)
	return e
}

func (u *update) remove(p string) {
	u.seen[p] = true
	old := u.lookup(p)
	if old == nil {
		return
	}
	delete(u.changed, p)
	if _, tracked := u.current.Entry(p); tracked {
		u.removed[p] = true
	}
	u.delta.Files = append(u.delta.Files, FileDelta{Path: p, Change: watcher.ChangeDeleted, Old: old})
	u.delta.Removed++
}

func (u *update) refresh(ctx context.Context, p string, change watcher.ChangeType, renamedFrom string) error {
	if !u.ws.matcher.Match(p) {
		return nil
	}
	info, err := os.Stat(paths.JoinRoot(u.ws.root, p))
	if err != nil || !info.Mode().IsRegular() {
		// Gone again before we got to it.
		u.remove(p)
		return nil
	}

	u.seen[p] = true
	prev := u.lookup(p)
	r, err := u.ix.examine(ctx, u.ws.root, p, fileStat{size: info.Size(), modTime: info.ModTime()}, prev)
	if err != nil {
		return err
	}
	if r.entry == nil && r.errMsg == "" {
		u.remove(p)
		return nil
	}
	u.pass.add(r)

	fd := FileDelta{Path: p, Change: change, RenamedFrom: renamedFrom, Old: prev, New: r.entry, Unchanged: r.reused, Error: r.errMsg}
	if r.errMsg != "" {
		u.delta.Errors = append(u.delta.Errors, FileError{Path: p, Error: r.errMsg})
	}
	switch {
	case r.reused:
		u.delta.Unchanged++
	case r.analyzed:
		u.delta.Reanalyzed++
	}
	if r.entry != nil && r.entry != prev {
		u.changed[p] = r.entry
		delete(u.removed, p)
	}
	u.delta.Files = append(u.delta.Files, fd)
	return nil
}

type fileResult struct {
	path     string
	entry    *FileEntry // nil drops the file from the index
	reused   bool
	touched  bool
	analyzed bool
	parseErr bool
	symbols  int
	duration time.Duration
	errMsg   string
}

func (p *passStats) add(r fileResult) {
	switch {
	case r.reused:
		p.hits++
		p.skipped++
		if r.touched {
			p.touches++
		}
	case r.analyzed:
		p.misses++
		p.analyzed++
		p.symbols += int64(r.symbols)
		p.analysisTime += r.duration
	}
	if r.parseErr {
		p.parseErrs++
	}
}

// examine hashes one file and re-analyzes it unless prev already describes
// the same content. Only context cancellation is returned as an error; all
// other failures are recorded on the result.
func (ix *Indexer) examine(ctx context.Context, root, rel string, st fileStat, prev *FileEntry) (fileResult, error) {
	r := fileResult{path: rel, entry: prev}
	if ix.maxFileSize > 0 && st.size > ix.maxFileSize {
		r.errMsg = fmt.Sprintf("file size %d exceeds limit %d", st.size, ix.maxFileSize)
		return r, nil
	}
	content, err := os.ReadFile(paths.JoinRoot(root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			r.entry = nil
			return r, nil
		}
		r.errMsg = err.Error()
		return r, nil
	}
	hash := HashContent(content)
	size := int64(len(content))

	if prev != nil && prev.Hash == hash && prev.ParseError == "" {
		r.reused = true
		if prev.Size != size || !prev.ModTime.Equal(st.modTime) {
			touched := *prev
			touched.Size = size
			touched.ModTime = st.modTime
			r.entry = &touched
			r.touched = true
		}
		return r, nil
	}

	r.analyzed = true
	if !ix.parser.Supports(rel) {
		r.entry = newEntry(rel, hash, size, st.modTime, &parser.Analysis{Language: parser.DetectLanguage(rel)})
		return r, nil
	}

	began := time.Now()
	a, err := ix.parser.Analyze(ctx, rel, content)
	r.duration = time.Since(began)
	if err != nil {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		r.parseErr = true
		r.errMsg = err.Error()
		var failed FileEntry
		if prev != nil {
			failed = *prev
		} else {
			failed = FileEntry{Path: rel, Language: parser.DetectLanguage(rel), Hash: hash, Size: size, ModTime: st.modTime}
		}
		failed.ParseError = err.Error()
		failed.AnalyzedAt = time.Now()
		r.entry = &failed
		ix.logger.Warn("Analysis failed", "path", rel, "error", err)
		return r, nil
	}
	r.entry = newEntry(rel, hash, size, st.modTime, a)
	r.symbols = len(a.Symbols)
	ix.logger.Debug("Analyzed file", "path", rel, "analyzer", a.Analyzer, "symbols", len(a.Symbols), "duration", r.duration)
	return r, nil
}

func (ix *Indexer) loadCache(ctx context.Context, ws *workspaceState, report *IndexReport) map[string]*FileEntry {
	if ix.blobs == nil {
		return nil
	}
	data, err := ix.blobs.Get(ctx, ws.id)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil
	}
	if err != nil {
		ix.discardCache(ws, report, err)
		return nil
	}
	state, err := DecodeCache(data)
	if err != nil {
		ix.discardCache(ws, report, err)
		return nil
	}
	if state.Workspace != ws.root {
		ix.discardCache(ws, report, fmt.Errorf("cache belongs to %s", state.Workspace))
		return nil
	}
	report.CacheLoaded = true
	return state.Entries
}

func (ix *Indexer) discardCache(ws *workspaceState, report *IndexReport, err error) {
	ix.metrics.cacheError()
	report.Warnings = append(report.Warnings, "index cache discarded: "+err.Error())
	ix.logger.Warn("Discarding index cache", "workspace", ws.root, "code", gserrors.CodeOf(err), "error", err)
}

func (ix *Indexer) saveCache(ctx context.Context, ws *workspaceState, idx *ProjectIndex, report *IndexReport) {
	if ix.blobs == nil {
		return
	}
	syms, deps := idx.Hashes()
	state := &CacheState{
		Version:          CacheFormatVersion,
		Workspace:        ws.root,
		SavedAt:          time.Now().UTC(),
		SymbolsHash:      syms,
		DependenciesHash: deps,
		Entries:          idx.persistable(),
	}
	data, err := EncodeCache(state)
	if err == nil {
		err = ix.blobs.Put(ctx, ws.id, data)
	}
	if err != nil {
		ix.metrics.cacheError()
		report.Warnings = append(report.Warnings, "index cache not saved: "+err.Error())
		ix.logger.Warn("Failed to save index cache", "workspace", ws.root, "error", err)
	}
}

func (ix *Indexer) workspace(root string) (*workspaceState, error) {
	abs, err := absRoot(root)
	if err != nil {
		return nil, err
	}
	key := paths.WorkspaceKey(abs)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ws, ok := ix.workspaces[key]
	if !ok {
		ws = &workspaceState{id: key, root: abs, matcher: ix.matcher}
		ix.workspaces[key] = ws
	}
	return ws, nil
}

// lockWorkspace returns the live state for root with its mutex held. A state
// released while the caller waited for it is skipped for a fresh one.
func (ix *Indexer) lockWorkspace(root string) (*workspaceState, error) {
	for {
		ws, err := ix.workspace(root)
		if err != nil {
			return nil, err
		}
		ws.mu.Lock()
		if !ws.released {
			return ws, nil
		}
		ws.mu.Unlock()
	}
}

func absRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", gserrors.Wrap(gserrors.InvalidWorkspace, "cannot resolve workspace path", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", gserrors.Wrap(gserrors.InvalidWorkspace, "workspace is not accessible", err)
	}
	if !info.IsDir() {
		return "", gserrors.New(gserrors.InvalidWorkspace, abs+" is not a directory")
	}
	return filepath.Clean(abs), nil
}
