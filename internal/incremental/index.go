package incremental

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"graphsync/internal/parser"
)

// ProjectIndex is an immutable snapshot of a workspace's analyzed files.
// Updates produce a new snapshot; readers may hold an old one indefinitely.
type ProjectIndex struct {
	Workspace  string
	Root       string
	Generation uint64
	BuiltAt    time.Time

	files        map[string]*FileEntry
	dirFiles     map[string][]string
	symbolDefs   map[string][]string
	modules      map[string]string // module path -> directory holding go.mod
	symbols      int
	dependencies int

	hashOnce sync.Once
	symHash  string
	depHash  string
}

func newProjectIndex(workspace, root string, generation uint64, files map[string]*FileEntry) *ProjectIndex {
	idx := &ProjectIndex{
		Workspace:  workspace,
		Root:       root,
		Generation: generation,
		BuiltAt:    time.Now(),
		files:      files,
		dirFiles:   make(map[string][]string),
		symbolDefs: make(map[string][]string),
		modules:    make(map[string]string),
	}
	for p, e := range files {
		dir := path.Dir(p)
		idx.dirFiles[dir] = append(idx.dirFiles[dir], p)
		idx.symbols += len(e.Symbols)
		idx.dependencies += len(e.Dependencies)
		for _, s := range e.Symbols {
			idx.symbolDefs[s.Name] = append(idx.symbolDefs[s.Name], p)
		}
		if e.Module != "" && path.Base(p) == "go.mod" {
			idx.modules[e.Module] = dir
		}
	}
	for _, list := range idx.dirFiles {
		sort.Strings(list)
	}
	for name, list := range idx.symbolDefs {
		idx.symbolDefs[name] = dedupeSorted(list)
	}
	return idx
}

// with returns a new snapshot with changed entries replaced and removed
// paths dropped. The receiver is left untouched.
func (idx *ProjectIndex) with(changed map[string]*FileEntry, removed map[string]bool) *ProjectIndex {
	files := make(map[string]*FileEntry, len(idx.files)+len(changed))
	for p, e := range idx.files {
		if !removed[p] {
			files[p] = e
		}
	}
	for p, e := range changed {
		files[p] = e
	}
	return newProjectIndex(idx.Workspace, idx.Root, idx.Generation+1, files)
}

// Entry returns the entry for a workspace-relative path.
func (idx *ProjectIndex) Entry(p string) (*FileEntry, bool) {
	e, ok := idx.files[p]
	return e, ok
}

// Paths returns all tracked paths in sorted order.
func (idx *ProjectIndex) Paths() []string {
	out := make([]string, 0, len(idx.files))
	for p := range idx.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (idx *ProjectIndex) FileCount() int       { return len(idx.files) }
func (idx *ProjectIndex) SymbolCount() int     { return idx.symbols }
func (idx *ProjectIndex) DependencyCount() int { return idx.dependencies }

// FilesInDir lists tracked files directly inside dir ("." for the root).
func (idx *ProjectIndex) FilesInDir(dir string) []string {
	return idx.dirFiles[dir]
}

// DefiningFiles lists files declaring a symbol with the given name.
func (idx *ProjectIndex) DefiningFiles(name string) []string {
	return idx.symbolDefs[name]
}

// ResolveGoImport maps an import path onto a workspace directory using the
// go.mod files in the index. The longest matching module path wins.
func (idx *ProjectIndex) ResolveGoImport(importPath string) (string, bool) {
	best := ""
	for mod := range idx.modules {
		if (importPath == mod || strings.HasPrefix(importPath, mod+"/")) && len(mod) > len(best) {
			best = mod
		}
	}
	if best == "" {
		return "", false
	}
	dir := idx.modules[best]
	rest := strings.TrimPrefix(strings.TrimPrefix(importPath, best), "/")
	if rest == "" {
		return dir, true
	}
	return path.Join(dir, rest), true
}

// ParseErrors lists entries whose last analysis failed.
func (idx *ProjectIndex) ParseErrors() []FileError {
	var out []FileError
	for _, p := range idx.Paths() {
		if e := idx.files[p]; e.ParseError != "" {
			out = append(out, FileError{Path: p, Error: e.ParseError})
		}
	}
	return out
}

// Hashes returns the aggregate symbol and dependency digests.
func (idx *ProjectIndex) Hashes() (symbols, deps string) {
	idx.hashOnce.Do(func() {
		idx.symHash, idx.depHash = aggregateHashes(idx.persistable())
	})
	return idx.symHash, idx.depHash
}

// persistable returns the entries that may be written to the cache. Entries
// with a parse error are retried by the next process instead.
func (idx *ProjectIndex) persistable() map[string]*FileEntry {
	out := make(map[string]*FileEntry, len(idx.files))
	for p, e := range idx.files {
		if e.ParseError == "" {
			out[p] = e
		}
	}
	return out
}

// ApproxSize estimates the in-memory footprint of the index in bytes.
func (idx *ProjectIndex) ApproxSize() int64 {
	var n int64
	for p, e := range idx.files {
		n += int64(2*len(p)) + int64(len(e.Hash)) + 128
		for _, s := range e.Symbols {
			n += symbolSize(s)
		}
		for _, d := range e.Dependencies {
			n += int64(len(d.Kind)+len(d.From)+len(d.Target)+len(d.Alias)) + 40
		}
	}
	return n
}

func symbolSize(s parser.Symbol) int64 {
	return int64(len(s.Name)+len(s.Kind)+len(s.Container)+len(s.Signature)) + 56
}

func dedupeSorted(list []string) []string {
	sort.Strings(list)
	out := list[:0]
	for i, s := range list {
		if i == 0 || s != list[i-1] {
			out = append(out, s)
		}
	}
	return out
}
