package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	gserrors "graphsync/internal/errors"
	"graphsync/internal/paths"
)

// FSNotifySource watches a workspace tree with fsnotify. Directories matched
// by the ignore patterns are never watched. Directories created later are
// added on the fly, and the files already inside them are reported as created.
type FSNotifySource struct {
	matcher *Matcher
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewFSNotifySource creates a source filtering directories with matcher.
func NewFSNotifySource(matcher *Matcher, logger *slog.Logger) *FSNotifySource {
	return &FSNotifySource{matcher: matcher, logger: logger}
}

// Dropped returns how many events were discarded because out was full.
func (s *FSNotifySource) Dropped() int64 {
	return s.dropped.Load()
}

// Watch registers the tree under root and starts forwarding events.
func (s *FSNotifySource) Watch(ctx context.Context, root string, out chan<- RawEvent) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return gserrors.Wrap(gserrors.WatcherFailed, "failed to create filesystem watcher", err)
	}
	if err := s.addTree(w, root, root, nil); err != nil {
		w.Close()
		return gserrors.Wrap(gserrors.WatcherFailed, "failed to watch "+root, err)
	}

	s.logger.Debug("filesystem watch established", "root", root, "dirs", len(w.WatchList()))
	go s.loop(ctx, w, root, out)
	return nil
}

// addTree watches dir and every non-ignored directory beneath it. When out is
// non-nil, files found are reported as created.
func (s *FSNotifySource) addTree(w *fsnotify.Watcher, root, dir string, out chan<- RawEvent) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		rel, relErr := paths.CanonicalizePath(path, root)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if s.matcher.Ignored(rel) {
				return filepath.SkipDir
			}
			if err := w.Add(path); err != nil {
				if path == dir {
					return err
				}
				s.logger.Warn("cannot watch directory", "path", rel, "error", err)
			}
			return nil
		}
		if out != nil {
			s.send(out, RawEvent{Op: OpCreate, Path: rel, Time: time.Now()})
		}
		return nil
	})
}

func (s *FSNotifySource) loop(ctx context.Context, w *fsnotify.Watcher, root string, out chan<- RawEvent) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handle(w, root, ev, out)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (s *FSNotifySource) handle(w *fsnotify.Watcher, root string, ev fsnotify.Event, out chan<- RawEvent) {
	rel, err := paths.CanonicalizePath(ev.Name, root)
	if err != nil || rel == "." {
		return
	}

	var op Op
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreate
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if s.matcher.Ignored(rel) {
				return
			}
			if err := s.addTree(w, root, ev.Name, out); err != nil {
				s.logger.Warn("cannot watch new directory", "path", rel, "error", err)
			}
			return
		}
	case ev.Op.Has(fsnotify.Write):
		op = OpWrite
	case ev.Op.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Op.Has(fsnotify.Rename):
		op = OpRename
	default:
		return // chmod only
	}
	s.send(out, RawEvent{Op: op, Path: rel, Time: time.Now()})
}

// send never blocks the notification path.
func (s *FSNotifySource) send(out chan<- RawEvent, ev RawEvent) {
	select {
	case out <- ev:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("raw event buffer full, dropping event", "path", ev.Path, "op", ev.Op.String(), "dropped", n)
	}
}

// ChannelSource delivers events pushed through Emit. It backs tests and
// editors that report changes directly instead of through the filesystem.
type ChannelSource struct {
	events  chan RawEvent
	dropped atomic.Int64
}

// NewChannelSource creates a source with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{events: make(chan RawEvent, buffer)}
}

// Emit queues an event without blocking. It reports false when the buffer is
// full and the event was dropped.
func (s *ChannelSource) Emit(ev RawEvent) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events Emit discarded.
func (s *ChannelSource) Dropped() int64 {
	return s.dropped.Load()
}

// Watch forwards queued events to out until ctx is done.
func (s *ChannelSource) Watch(ctx context.Context, _ string, out chan<- RawEvent) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}
