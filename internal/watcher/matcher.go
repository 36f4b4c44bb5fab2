package watcher

import (
	"fmt"
	"sync"

	"github.com/moby/patternmatcher"
)

// Matcher applies watch and ignore globs to workspace-relative paths.
// patternmatcher caches compiled state and is not safe for concurrent use.
type Matcher struct {
	mu     sync.Mutex
	watch  *patternmatcher.PatternMatcher
	ignore *patternmatcher.PatternMatcher
}

// NewMatcher compiles the watch and ignore pattern sets.
func NewMatcher(watch, ignore []string) (*Matcher, error) {
	if len(watch) == 0 {
		return nil, fmt.Errorf("at least one watch pattern is required")
	}
	w, err := patternmatcher.New(watch)
	if err != nil {
		return nil, fmt.Errorf("invalid watch pattern: %w", err)
	}
	i, err := patternmatcher.New(ignore)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore pattern: %w", err)
	}
	return &Matcher{watch: w, ignore: i}, nil
}

// Match reports whether a file path is watched and not ignored.
func (m *Matcher) Match(rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ignored, err := m.ignore.MatchesOrParentMatches(rel); err != nil || ignored {
		return false
	}
	ok, err := m.watch.MatchesOrParentMatches(rel)
	return err == nil && ok
}

// Ignored reports whether a path or one of its parents is ignored. Used to
// prune directories from the watch tree.
func (m *Matcher) Ignored(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ignored, err := m.ignore.MatchesOrParentMatches(rel)
	return err == nil && ignored
}
