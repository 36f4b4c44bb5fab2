package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	scippb "github.com/sourcegraph/scip/bindings/go/scip"
	"google.golang.org/protobuf/proto"
)

// ErrStaleIndex is returned when the SCIP index no longer matches the content
// being analyzed. The router then falls through to the next parser.
var ErrStaleIndex = errors.New("scip index is stale for this file")

// SCIPParser answers analyses from a precomputed SCIP index. The index is
// reloaded when its modification time changes.
type SCIPParser struct {
	indexPath string

	mu      sync.Mutex
	loaded  time.Time
	docs    map[string]*scippb.Document
	symInfo map[string]*scippb.SymbolInformation
	defs    map[string]string // scip symbol -> relative path of its definition
}

// NewSCIPParser loads the index at indexPath.
func NewSCIPParser(indexPath string) (*SCIPParser, error) {
	p := &SCIPParser{indexPath: indexPath}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SCIPParser) Name() string { return "scip" }

func (p *SCIPParser) reload() error {
	info, err := os.Stat(p.indexPath)
	if err != nil {
		return fmt.Errorf("scip index not found at %s: %w", p.indexPath, err)
	}
	if info.ModTime().Equal(p.loaded) && p.docs != nil {
		return nil
	}
	data, err := os.ReadFile(p.indexPath)
	if err != nil {
		return fmt.Errorf("reading scip index: %w", err)
	}
	var index scippb.Index
	if err := proto.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parsing scip index %s: %w", p.indexPath, err)
	}

	p.docs = make(map[string]*scippb.Document, len(index.Documents))
	p.symInfo = make(map[string]*scippb.SymbolInformation)
	p.defs = make(map[string]string)
	for _, doc := range index.Documents {
		p.docs[doc.RelativePath] = doc
		for _, si := range doc.Symbols {
			p.symInfo[si.Symbol] = si
		}
		for _, occ := range doc.Occurrences {
			if isDefinition(occ) {
				p.defs[occ.Symbol] = doc.RelativePath
			}
		}
	}
	p.loaded = info.ModTime()
	return nil
}

func isDefinition(occ *scippb.Occurrence) bool {
	return occ.SymbolRoles&int32(scippb.SymbolRole_Definition) != 0
}

// Supports reports whether the index has a document for path.
func (p *SCIPParser) Supports(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reload(); err != nil {
		return false
	}
	_, ok := p.docs[path]
	return ok
}

// Analyze converts the document for path. Every definition must still be
// found at its recorded line in content, otherwise ErrStaleIndex is returned.
func (p *SCIPParser) Analyze(ctx context.Context, path string, content []byte) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reload(); err != nil {
		return nil, err
	}
	doc, ok := p.docs[path]
	if !ok {
		return nil, ErrUnsupported
	}

	lines := bytes.Split(content, []byte("\n"))
	a := &Analysis{Path: path, Language: DetectLanguage(path), Analyzer: p.Name()}
	seen := make(map[string]bool)
	addDep := func(d Dependency) {
		if d.Target == "" || seen[d.Key()] {
			return
		}
		seen[d.Key()] = true
		a.Dependencies = append(a.Dependencies, d)
	}

	type span struct {
		start, end int
		name       string
	}
	var scopes []span

	for _, occ := range doc.Occurrences {
		if !isDefinition(occ) || strings.HasPrefix(occ.Symbol, "local ") || len(occ.Range) < 3 {
			continue
		}
		name, container, kind := describeSymbol(occ.Symbol)
		if name == "" {
			continue
		}
		line := int(occ.Range[0])
		if line >= len(lines) || !bytes.Contains(lines[line], []byte(name)) {
			return nil, ErrStaleIndex
		}
		sym := Symbol{Name: name, Kind: kind, Container: container, Line: line + 1, EndLine: line + 1}
		// Ranges are [startLine, startChar, endChar] or [startLine, startChar, endLine, endChar].
		switch len(occ.EnclosingRange) {
		case 3:
			sym.Line = int(occ.EnclosingRange[0]) + 1
			sym.EndLine = sym.Line
		case 4:
			sym.Line = int(occ.EnclosingRange[0]) + 1
			sym.EndLine = int(occ.EnclosingRange[2]) + 1
		}
		if si := p.symInfo[occ.Symbol]; si != nil {
			sym.HasDoc = len(si.Documentation) > 0
			for _, rel := range si.Relationships {
				if rel.IsImplementation {
					target, tc, _ := describeSymbol(rel.Symbol)
					if tc != "" {
						target = tc + "." + target
					}
					addDep(Dependency{Kind: DepInheritance, From: sym.QualifiedName(), Target: target, Line: sym.Line})
				}
			}
		}
		a.Symbols = append(a.Symbols, sym)
		if kind == "function" || kind == "method" {
			a.Complexity++
			scopes = append(scopes, span{start: sym.Line, end: sym.EndLine, name: sym.QualifiedName()})
		}
	}

	for _, occ := range doc.Occurrences {
		if isDefinition(occ) || strings.HasPrefix(occ.Symbol, "local ") || len(occ.Range) < 3 {
			continue
		}
		defPath, ok := p.defs[occ.Symbol]
		if !ok || defPath == path {
			continue
		}
		name, container, kind := describeSymbol(occ.Symbol)
		if name == "" {
			continue
		}
		line := int(occ.Range[0]) + 1
		from := ""
		for _, s := range scopes {
			if line >= s.start && line <= s.end {
				from = s.name
			}
		}
		target := name
		if container != "" {
			target = container + "." + name
		}
		depKind := DepReferences
		if kind == "function" || kind == "method" {
			depKind = DepCall
		}
		addDep(Dependency{Kind: depKind, From: from, Target: target, Line: line})
	}

	sortDependencies(a.Dependencies)
	return a, nil
}

// describeSymbol extracts name, container and kind from a SCIP symbol string
// ("scheme manager package version descriptors").
func describeSymbol(symbol string) (name, container, kind string) {
	parts := strings.SplitN(symbol, " ", 5)
	if len(parts) < 5 {
		return "", "", ""
	}
	desc := parts[4]
	switch {
	case strings.HasSuffix(desc, ")."):
		kind = "function"
		desc = desc[:strings.LastIndexByte(desc, '(')]
	case strings.HasSuffix(desc, "#"):
		kind = "type"
		desc = strings.TrimSuffix(desc, "#")
	case strings.HasSuffix(desc, "."):
		kind = "variable"
		desc = strings.TrimSuffix(desc, ".")
	case strings.HasSuffix(desc, "/"):
		return "", "", "" // namespace
	default:
		return "", "", ""
	}

	cut := strings.LastIndexAny(desc, "/#.")
	name = desc[cut+1:]
	if cut >= 0 && desc[cut] == '#' {
		owner := desc[:cut]
		container = owner[strings.LastIndexAny(owner, "/#.")+1:]
		if kind == "function" {
			kind = "method"
		}
	}
	name = strings.Trim(name, "`")
	return name, container, kind
}
