package planner

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"graphsync/internal/graph"
	"graphsync/internal/incremental"
	"graphsync/internal/parser"
)

// target is a resolved import: the node it links to and the files whose
// symbols it exposes.
type target struct {
	node  string
	files []string
}

// resolver derives the desired graph contribution of files from an index.
type resolver struct {
	idx *incremental.ProjectIndex
}

func dirOf(p string) string { return path.Dir(p) }

// fileRelationships returns the relationships whose origin is p, keyed by ID.
// A file missing from the index contributes nothing.
func (r *resolver) fileRelationships(p string) map[string]*graph.Relationship {
	out := make(map[string]*graph.Relationship)
	e, ok := r.idx.Entry(p)
	if !ok {
		return out
	}
	fileID := graph.FileNodeID(p)
	dir := dirOf(p)
	add := func(relType, from, to string, props map[string]string) {
		if from == to {
			return
		}
		id := graph.RelationshipID(relType, from, to, p)
		if _, dup := out[id]; dup {
			return
		}
		out[id] = &graph.Relationship{ID: id, Type: relType, From: from, To: to, Origin: p, Properties: props}
	}

	add(graph.RelContains, graph.PackageNodeID(dir), fileID, nil)
	for _, s := range e.Symbols {
		add(graph.RelDefines, fileID, graph.SymbolNodeID(dir, s.QualifiedName()), nil)
	}

	imports := make(map[string]target)
	var importOrder []target
	for _, d := range e.Dependencies {
		switch d.Kind {
		case parser.DepImport:
			t := r.resolveImport(e, d.Target)
			var props map[string]string
			if d.Alias != "" {
				props = map[string]string{"alias": d.Alias}
			}
			add(graph.RelImport, fileID, t.node, props)
			if alias := importAlias(e.Language, d); alias != "" {
				imports[alias] = t
			}
			importOrder = append(importOrder, t)
		case parser.DepDependsOn:
			add(graph.RelDependsOn, fileID, graph.ExternalNodeID(d.Target), nil)
		}
	}
	for _, d := range e.Dependencies {
		relType := ""
		switch d.Kind {
		case parser.DepCall:
			relType = graph.RelCall
		case parser.DepReferences:
			relType = graph.RelReferences
		case parser.DepInheritance:
			relType = graph.RelInheritance
		default:
			continue
		}
		to, ok := r.resolveSymbol(dir, d.Target, imports, importOrder)
		if !ok {
			continue
		}
		from := fileID
		if d.From != "" {
			from = graph.SymbolNodeID(dir, d.From)
		}
		add(relType, from, to, nil)
	}
	return out
}

// resolveImport maps an import specifier onto a workspace node, falling back
// to an external node.
func (r *resolver) resolveImport(e *incremental.FileEntry, spec string) target {
	switch e.Language {
	case parser.LangGo:
		if dir, ok := r.idx.ResolveGoImport(spec); ok {
			if files := r.idx.FilesInDir(dir); len(files) > 0 {
				return target{node: graph.PackageNodeID(dir), files: files}
			}
		}
	case parser.LangJavaScript, parser.LangTypeScript, parser.LangTSX:
		if strings.HasPrefix(spec, ".") {
			base := path.Join(dirOf(e.Path), spec)
			for _, suffix := range []string{"", ".ts", ".tsx", ".js", ".jsx", ".mjs", "/index.ts", "/index.tsx", "/index.js"} {
				if p := base + suffix; r.has(p) {
					return target{node: graph.FileNodeID(p), files: []string{p}}
				}
			}
		}
	case parser.LangPython:
		for _, base := range pythonCandidates(dirOf(e.Path), spec) {
			for _, p := range []string{base + ".py", base + "/__init__.py"} {
				if r.has(p) {
					return target{node: graph.FileNodeID(p), files: []string{p}}
				}
			}
		}
	}
	return target{node: graph.ExternalNodeID(spec)}
}

func (r *resolver) has(p string) bool {
	_, ok := r.idx.Entry(path.Clean(p))
	return ok
}

// pythonCandidates lists the module paths a dotted import may refer to:
// relative imports resolve against dir, absolute ones against the root and dir.
func pythonCandidates(dir, spec string) []string {
	dots := len(spec) - len(strings.TrimLeft(spec, "."))
	rest := strings.ReplaceAll(strings.TrimLeft(spec, "."), ".", "/")
	if dots > 0 {
		base := dir
		for i := 1; i < dots; i++ {
			base = path.Dir(base)
		}
		if rest == "" {
			return []string{base}
		}
		return []string{path.Join(base, rest)}
	}
	if dir == "." {
		return []string{rest}
	}
	return []string{rest, path.Join(dir, rest)}
}

// importAlias is the local name an import binds.
func importAlias(lang string, d parser.Dependency) string {
	if d.Alias != "" && d.Alias != "_" && d.Alias != "." {
		return d.Alias
	}
	switch lang {
	case parser.LangGo:
		return path.Base(d.Target)
	case parser.LangPython:
		return d.Target
	}
	return ""
}

// resolveSymbol finds the symbol node a call, reference or inheritance target
// names. Qualified targets are tried against import aliases, then as a
// Container.Name in the same directory; bare names against the directory and
// then the imported files.
func (r *resolver) resolveSymbol(dir, name string, imports map[string]target, importOrder []target) (string, bool) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		head, tail := name[:i], name[i+1:]
		if t, ok := imports[head]; ok {
			return r.symbolIn(t.files, tail)
		}
		if id, ok := r.symbolIn(r.idx.FilesInDir(dir), name); ok {
			return id, true
		}
		return "", false
	}
	if id, ok := r.symbolIn(r.idx.FilesInDir(dir), name); ok {
		return id, true
	}
	for _, t := range importOrder {
		if id, ok := r.symbolIn(t.files, name); ok {
			return id, true
		}
	}
	return "", false
}

func (r *resolver) symbolIn(files []string, qualified string) (string, bool) {
	for _, p := range files {
		e, ok := r.idx.Entry(p)
		if !ok {
			continue
		}
		for _, s := range e.Symbols {
			if s.QualifiedName() == qualified {
				return graph.SymbolNodeID(dirOf(p), qualified), true
			}
		}
	}
	return "", false
}

// desiredNode returns the node the index implies for id, or nil if the index
// implies none. External nodes depend on references and are handled by the
// caller.
func (r *resolver) desiredNode(id string) *graph.Node {
	switch {
	case strings.HasPrefix(id, "file:"):
		p, _ := graph.FilePath(id)
		e, ok := r.idx.Entry(p)
		if !ok {
			return nil
		}
		props := map[string]string{
			"language": e.Language,
			"symbols":  strconv.Itoa(e.SymbolCount),
		}
		if e.ParseError != "" {
			props["parseError"] = "true"
		}
		return &graph.Node{ID: id, Type: graph.NodeFile, Name: p, Properties: props}

	case strings.HasPrefix(id, "pkg:"):
		dir := strings.TrimPrefix(id, "pkg:")
		files := r.idx.FilesInDir(dir)
		if len(files) == 0 {
			return nil
		}
		return &graph.Node{ID: id, Type: graph.NodePackage, Name: dir,
			Properties: map[string]string{"files": strconv.Itoa(len(files))}}

	case strings.HasPrefix(id, "sym:"):
		dir, qualified, ok := graph.ParseSymbolID(id)
		if !ok {
			return nil
		}
		var (
			node    *graph.Node
			definer []string
		)
		for _, p := range r.idx.FilesInDir(dir) {
			e, _ := r.idx.Entry(p)
			for _, s := range e.Symbols {
				if s.QualifiedName() != qualified {
					continue
				}
				if node == nil {
					node = symbolNode(id, s)
				}
				definer = append(definer, p)
				break
			}
		}
		if node == nil {
			return nil
		}
		sort.Strings(definer)
		node.Properties["definedIn"] = strings.Join(definer, ",")
		return node
	}
	return nil
}

// symbolNode captures the structural signature of a symbol: kind, span,
// docstring presence and container. Line numbers are not part of it.
func symbolNode(id string, s parser.Symbol) *graph.Node {
	span := strconv.Itoa(s.Span())
	doc := strconv.FormatBool(s.HasDoc)
	sig := incremental.HashContent([]byte(s.Kind + "|" + span + "|" + doc + "|" + s.Container))[:16]
	props := map[string]string{
		"kind":      s.Kind,
		"span":      span,
		"doc":       doc,
		"signature": sig,
	}
	if s.Container != "" {
		props["container"] = s.Container
	}
	return &graph.Node{ID: id, Type: graph.NodeSymbol, Name: s.Name, Properties: props}
}
