package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"graphsync/internal/parser"
	"graphsync/internal/paths"
)

// Options configures a Classifier.
type Options struct {
	Root            string
	Matcher         *Matcher
	Debounce        time.Duration
	ContentAnalysis bool
	MaxFileSize     int64
	BufferSize      int
}

// Stats counts classifier activity.
type Stats struct {
	Received   int64 `json:"received"`
	Filtered   int64 `json:"filtered"`
	Coalesced  int64 `json:"coalesced"`
	Emitted    int64 `json:"emitted"`
	DiffErrors int64 `json:"diffErrors"`
	Pending    int   `json:"pending"`
}

// pendingChange accumulates one debounce window for a path.
type pendingChange struct {
	existedBefore bool
	oldPath       string // set by a paired rename into this path
	oldExisted    bool
	gen           uint64
}

type readySignal struct {
	path string
	gen  uint64
}

// Classifier coalesces raw events per path and emits one FileChangeEvent per
// quiet period. The net effect of a burst is decided by whether the path
// existed before the burst and whether it exists when the window closes.
type Classifier struct {
	opts   Options
	logger *slog.Logger

	out   chan FileChangeEvent
	ready chan readySignal
	flush chan chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	pending   map[string]*pendingChange
	known     map[string]bool
	baselines map[string][]byte
	timers    *Debouncer

	received   atomic.Int64
	filtered   atomic.Int64
	coalesced  atomic.Int64
	emitted    atomic.Int64
	diffErrors atomic.Int64
}

// NewClassifier creates a classifier. Run must be called to process events.
func NewClassifier(opts Options, logger *slog.Logger) *Classifier {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	c := &Classifier{
		opts:      opts,
		logger:    logger,
		out:       make(chan FileChangeEvent, opts.BufferSize),
		ready:     make(chan readySignal),
		flush:     make(chan chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingChange),
		known:     make(map[string]bool),
		baselines: make(map[string][]byte),
	}
	c.timers = NewDebouncer(opts.Debounce, func(path string, gen uint64) {
		select {
		case c.ready <- readySignal{path: path, gen: gen}:
		case <-c.done:
		}
	})
	return c
}

// Events returns the classified output. It is closed when Run returns.
func (c *Classifier) Events() <-chan FileChangeEvent {
	return c.out
}

// Seed records files known to exist, typically the indexed file set, and
// captures their content as the diff baseline when content analysis is on.
func (c *Classifier) Seed(files []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		c.known[f] = true
		if !c.opts.ContentAnalysis {
			continue
		}
		if content, full := c.readForDiff(paths.JoinRoot(c.opts.Root, f)); full && !IsBinary(content) {
			c.baselines[f] = content
		}
	}
}

// Run consumes raw events until ctx is done or in is closed.
func (c *Classifier) Run(ctx context.Context, in <-chan RawEvent) error {
	defer close(c.out)
	defer c.Stop()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			c.handle(ev)
		case sig := <-c.ready:
			c.fire(ctx, sig)
		case ack := <-c.flush:
			c.flushAll(ctx)
			close(ack)
		}
	}
}

// Flush closes every open debounce window immediately.
func (c *Classifier) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case c.flush <- ack:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels all pending timers and discards open windows.
func (c *Classifier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers.CancelAll()
	clear(c.pending)
}

// Stats returns a snapshot of the counters.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return Stats{
		Received:   c.received.Load(),
		Filtered:   c.filtered.Load(),
		Coalesced:  c.coalesced.Load(),
		Emitted:    c.emitted.Load(),
		DiffErrors: c.diffErrors.Load(),
		Pending:    pending,
	}
}

func (c *Classifier) handle(ev RawEvent) {
	c.received.Add(1)
	switch ev.Op {
	case OpChmod:
		c.filtered.Add(1)
		return
	case OpRename:
		if ev.OldPath != "" {
			c.handleRename(ev)
			return
		}
		// Unpaired rename: the path is gone, a create follows for the target.
		ev.Op = OpRemove
	}

	if !c.opts.Matcher.Match(ev.Path) {
		if ev.Op == OpRemove && c.removeTree(ev.Path) {
			return
		}
		c.filtered.Add(1)
		return
	}

	c.mu.Lock()
	c.touchLocked(ev.Path, ev.Op)
	c.mu.Unlock()
}

func (c *Classifier) handleRename(ev RawEvent) {
	oldMatch := c.opts.Matcher.Match(ev.OldPath)
	newMatch := c.opts.Matcher.Match(ev.Path)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !oldMatch && !newMatch:
		c.filtered.Add(1)
		return
	case !oldMatch:
		c.touchLocked(ev.Path, OpCreate)
		return
	case !newMatch:
		c.touchLocked(ev.OldPath, OpRemove)
		return
	}

	oldExisted := true
	if known, ok := c.known[ev.OldPath]; ok {
		oldExisted = known
	}
	if p, ok := c.pending[ev.OldPath]; ok {
		oldExisted = p.existedBefore
		c.timers.Cancel(ev.OldPath)
		delete(c.pending, ev.OldPath)
		c.coalesced.Add(1)
	}

	p := c.touchLocked(ev.Path, OpCreate)
	p.oldPath = ev.OldPath
	p.oldExisted = oldExisted
}

// touchLocked opens or extends the window for path. c.mu must be held.
func (c *Classifier) touchLocked(path string, op Op) *pendingChange {
	p, ok := c.pending[path]
	if ok {
		c.coalesced.Add(1)
	} else {
		p = &pendingChange{}
		if known, seen := c.known[path]; seen {
			p.existedBefore = known
		} else {
			p.existedBefore = op != OpCreate
		}
		c.pending[path] = p
	}

	p.gen = c.timers.Schedule(path)
	return p
}

// removeTree expands removal of a directory into removals of the known files
// beneath it. It reports whether any file was affected.
func (c *Classifier) removeTree(dir string) bool {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for path, exists := range c.known {
		if exists && strings.HasPrefix(path, prefix) {
			c.touchLocked(path, OpRemove)
			found = true
		}
	}
	return found
}

func (c *Classifier) fire(ctx context.Context, sig readySignal) {
	c.mu.Lock()
	p, ok := c.pending[sig.path]
	if !ok || p.gen != sig.gen {
		// Superseded by a later event on the same path.
		c.mu.Unlock()
		return
	}
	delete(c.pending, sig.path)
	ev, emit := c.classifyLocked(sig.path, p)
	c.mu.Unlock()

	if emit {
		c.send(ctx, ev)
	}
}

func (c *Classifier) flushAll(ctx context.Context) {
	c.mu.Lock()
	var events []FileChangeEvent
	c.timers.CancelAll()
	for path, p := range c.pending {
		delete(c.pending, path)
		if ev, emit := c.classifyLocked(path, p); emit {
			events = append(events, ev)
		}
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.send(ctx, ev)
	}
}

func (c *Classifier) send(ctx context.Context, ev FileChangeEvent) {
	select {
	case c.out <- ev:
		c.emitted.Add(1)
		c.logger.Debug("classified change", "path", ev.Path, "type", string(ev.Type),
			"added", ev.LinesAdded, "removed", ev.LinesRemoved, "modified", ev.LinesModified)
	case <-ctx.Done():
	}
}

// classifyLocked decides the net effect of a closed window and updates the
// known set and diff baselines. c.mu must be held.
func (c *Classifier) classifyLocked(path string, p *pendingChange) (FileChangeEvent, bool) {
	abs := paths.JoinRoot(c.opts.Root, path)
	info, err := os.Lstat(abs)
	existsAfter := err == nil && info.Mode().IsRegular()

	var (
		typ      ChangeType
		emitPath = path
		oldPath  string
	)
	switch {
	case p.oldPath != "" && existsAfter && p.oldExisted:
		typ, oldPath = ChangeRenamed, p.oldPath
	case p.oldPath != "" && existsAfter:
		typ = ChangeCreated
		if p.existedBefore {
			typ = ChangeModified
		}
	case p.oldPath != "" && p.oldExisted:
		typ, emitPath = ChangeDeleted, p.oldPath
	case p.oldPath != "":
		return FileChangeEvent{}, false
	case !p.existedBefore && existsAfter:
		typ = ChangeCreated
	case p.existedBefore && existsAfter:
		typ = ChangeModified
	case p.existedBefore:
		typ = ChangeDeleted
	default:
		// Created and removed inside one window.
		return FileChangeEvent{}, false
	}

	ev := FileChangeEvent{
		ID:        uuid.NewString(),
		Path:      emitPath,
		OldPath:   oldPath,
		Type:      typ,
		Timestamp: time.Now(),
		Language:  parser.DetectLanguage(emitPath),
	}

	var content []byte
	fullContent := false
	if existsAfter {
		ev.Size = info.Size()
		content, fullContent = c.readForDiff(abs)
		ev.IsBinary = IsBinary(content)
	}

	baseKey := emitPath
	if typ == ChangeRenamed {
		baseKey = oldPath
	}
	if c.opts.ContentAnalysis && !ev.IsBinary && (fullContent || !existsAfter) {
		stats, err := ComputeDiffStats(c.baselines[baseKey], content)
		if err != nil {
			c.diffErrors.Add(1)
			c.logger.Warn("diff stats unavailable", "path", emitPath, "error", err)
		}
		ev.LinesAdded, ev.LinesRemoved, ev.LinesModified = stats.Added, stats.Removed, stats.Modified
	}

	if typ == ChangeRenamed {
		c.known[oldPath] = false
		delete(c.baselines, oldPath)
	}
	c.known[emitPath] = existsAfter
	if c.opts.ContentAnalysis && fullContent && !ev.IsBinary {
		c.baselines[emitPath] = content
	} else {
		delete(c.baselines, emitPath)
	}
	return ev, true
}

// readForDiff reads a file for diffing. Files above the size limit yield only
// the sniff prefix and full=false.
func (c *Classifier) readForDiff(abs string) (content []byte, full bool) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	if c.opts.MaxFileSize > 0 {
		if info, err := f.Stat(); err == nil && info.Size() > c.opts.MaxFileSize {
			buf := make([]byte, binarySniffLen)
			n, _ := io.ReadFull(f, buf)
			return buf[:n], false
		}
	}
	content, err = io.ReadAll(f)
	if err != nil {
		return nil, false
	}
	return content, true
}
