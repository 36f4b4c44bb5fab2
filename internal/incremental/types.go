// Package incremental maintains a content-addressed index of a workspace:
// per-file analysis results keyed by content hash, merged into an immutable
// project-wide snapshot and persisted as a compressed cache blob.
package incremental

import (
	"time"

	"graphsync/internal/parser"
	"graphsync/internal/watcher"
)

// FileEntry is the cached contribution of one file. Entries are immutable
// once published in a ProjectIndex.
type FileEntry struct {
	Path            string              `json:"path"`
	Language        string              `json:"language"`
	Hash            string              `json:"hash"`
	Size            int64               `json:"size"`
	ModTime         time.Time           `json:"modTime"`
	AnalyzedAt      time.Time           `json:"analyzedAt"`
	SymbolCount     int                 `json:"symbolCount"`
	DependencyCount int                 `json:"dependencyCount"`
	Module          string              `json:"module,omitempty"`
	Complexity      int                 `json:"complexity,omitempty"`
	Analyzer        string              `json:"analyzer,omitempty"`
	Symbols         []parser.Symbol     `json:"symbols,omitempty"`
	Dependencies    []parser.Dependency `json:"dependencies,omitempty"`
	SyntaxErrors    int                 `json:"syntaxErrors,omitempty"`
	// ParseError is set when the last analysis failed. The entry then keeps
	// the previous contribution, if any, and is not persisted.
	ParseError string `json:"parseError,omitempty"`
}

func newEntry(path, hash string, size int64, modTime time.Time, a *parser.Analysis) *FileEntry {
	return &FileEntry{
		Path:            path,
		Language:        a.Language,
		Hash:            hash,
		Size:            size,
		ModTime:         modTime,
		AnalyzedAt:      time.Now(),
		SymbolCount:     len(a.Symbols),
		DependencyCount: len(a.Dependencies),
		Module:          a.Module,
		Complexity:      a.Complexity,
		Analyzer:        a.Analyzer,
		Symbols:         a.Symbols,
		Dependencies:    a.Dependencies,
		SyntaxErrors:    len(a.SyntaxErrors),
	}
}

// FileError records a per-file failure that did not abort indexing.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// IndexReport summarizes a GetOrCreateIndex or Refresh pass.
type IndexReport struct {
	Workspace    string        `json:"workspace"`
	Files        int           `json:"files"`
	Symbols      int           `json:"symbols"`
	Dependencies int           `json:"dependencies"`
	Reused       int           `json:"reused"`
	Analyzed     int           `json:"analyzed"`
	Removed      int           `json:"removed"`
	FullIndex    bool          `json:"fullIndex"`
	CacheLoaded  bool          `json:"cacheLoaded"`
	Warnings     []string      `json:"warnings,omitempty"`
	Errors       []FileError   `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// FileDelta is the before/after contribution of one file in an update.
// Old is nil for a created file and New is nil for a deleted one.
type FileDelta struct {
	Path        string             `json:"path"`
	Change      watcher.ChangeType `json:"change"`
	RenamedFrom string             `json:"renamedFrom,omitempty"`
	Old         *FileEntry         `json:"-"`
	New         *FileEntry         `json:"-"`
	// Unchanged is set when the recomputed hash matched the cached one.
	Unchanged bool   `json:"unchanged,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Delta is the result of UpdateFromChanges. Carried counts indexed files no
// event touched; their cache entries are reused as they are.
type Delta struct {
	Workspace  string        `json:"workspace"`
	Old        *ProjectIndex `json:"-"`
	New        *ProjectIndex `json:"-"`
	Files      []FileDelta   `json:"files"`
	Reanalyzed int           `json:"reanalyzed"`
	Unchanged  int           `json:"unchanged"`
	Removed    int           `json:"removed"`
	Carried    int           `json:"carried"`
	Errors     []FileError   `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Changed reports whether any file contribution differs.
func (d *Delta) Changed() bool {
	for _, f := range d.Files {
		if !f.Unchanged && f.Error == "" {
			return true
		}
	}
	return false
}
