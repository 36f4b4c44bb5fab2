// Package parser defines the analysis capability consumed by the indexer and
// the concrete analyzers behind it: a lexical analyzer that needs no cgo, a
// tree-sitter analyzer, a SCIP-index analyzer and a dependency-manifest
// analyzer. A Router picks the first analyzer that supports a path.
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned when no analyzer handles a path.
var ErrUnsupported = errors.New("unsupported file type")

// Language identifiers.
const (
	LangGo         = "go"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangTSX        = "tsx"
	LangPython     = "python"
	LangRust       = "rust"
	LangJava       = "java"
	LangKotlin     = "kotlin"
	LangManifest   = "manifest"
)

// Dependency kinds. They double as graph relationship types.
const (
	DepImport      = "import"
	DepCall        = "call"
	DepInheritance = "inheritance"
	DepReferences  = "references"
	DepDependsOn   = "depends_on"
)

// Symbol is a definition found in a file.
type Symbol struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // function, method, class, type, interface, variable
	Container string `json:"container,omitempty"`
	Line      int    `json:"line"`
	EndLine   int    `json:"endLine"`
	HasDoc    bool   `json:"hasDoc,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// QualifiedName returns Container.Name, or Name for top-level symbols.
func (s Symbol) QualifiedName() string {
	if s.Container == "" {
		return s.Name
	}
	return s.Container + "." + s.Name
}

// Span returns the number of lines the symbol covers.
func (s Symbol) Span() int {
	if s.EndLine < s.Line {
		return 1
	}
	return s.EndLine - s.Line + 1
}

// Dependency is an outgoing edge from a file or one of its symbols.
// From is the qualified name of the enclosing symbol, empty for file level.
type Dependency struct {
	Kind   string `json:"kind"`
	From   string `json:"from,omitempty"`
	Target string `json:"target"`
	Alias  string `json:"alias,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// Key identifies a dependency independent of its position in the file.
func (d Dependency) Key() string {
	return d.Kind + "|" + d.From + "|" + d.Target
}

// SyntaxError is a recoverable parse problem.
type SyntaxError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Analysis is the structural summary of one file.
type Analysis struct {
	Path         string        `json:"path"`
	Language     string        `json:"language"`
	Module       string        `json:"module,omitempty"` // module path declared by a manifest
	Symbols      []Symbol      `json:"symbols"`
	Dependencies []Dependency  `json:"dependencies"`
	Complexity   int           `json:"complexity"`
	SyntaxErrors []SyntaxError `json:"syntaxErrors,omitempty"`
	Analyzer     string        `json:"analyzer"`
}

// Parser analyzes file contents. path is workspace-relative with forward slashes.
type Parser interface {
	Name() string
	Supports(path string) bool
	Analyze(ctx context.Context, path string, content []byte) (*Analysis, error)
}

// Router dispatches to the first parser that supports a path.
type Router struct {
	parsers []Parser
}

// NewRouter creates a router trying parsers in order. Nil parsers are skipped.
func NewRouter(parsers ...Parser) *Router {
	r := &Router{}
	for _, p := range parsers {
		if p != nil {
			r.parsers = append(r.parsers, p)
		}
	}
	return r
}

func (r *Router) Name() string { return "router" }

// Supports reports whether any parser handles path.
func (r *Router) Supports(path string) bool {
	for _, p := range r.parsers {
		if p.Supports(path) {
			return true
		}
	}
	return false
}

// Analyze runs the first supporting parser. If it fails with a non-context
// error, later supporting parsers are tried before giving up.
func (r *Router) Analyze(ctx context.Context, path string, content []byte) (*Analysis, error) {
	var firstErr error
	for _, p := range r.parsers {
		if !p.Supports(path) {
			continue
		}
		a, err := p.Analyze(ctx, path, content)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
}

// DetectLanguage returns the language for a path, or "" when unknown.
func DetectLanguage(path string) string {
	if IsManifest(path) {
		return LangManifest
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LangGo
	case ".js", ".mjs", ".cjs", ".jsx":
		return LangJavaScript
	case ".ts", ".mts", ".cts":
		return LangTypeScript
	case ".tsx":
		return LangTSX
	case ".py", ".pyw":
		return LangPython
	case ".rs":
		return LangRust
	case ".java":
		return LangJava
	case ".kt", ".kts":
		return LangKotlin
	default:
		return ""
	}
}

// IsManifest reports whether path names a dependency manifest.
func IsManifest(path string) bool {
	switch filepath.Base(path) {
	case "go.mod", "package.json", "Cargo.toml", "pyproject.toml", "pubspec.yaml":
		return true
	}
	return false
}

// Options selects the analyzers assembled by NewDefault.
type Options struct {
	SCIPIndexPath    string
	EnableTreeSitter bool
	EnableManifests  bool
}

// NewDefault assembles a router: manifests first, then a SCIP index when one
// is configured and loadable, then tree-sitter when available, then the
// lexical analyzer. Analyzers that cannot be constructed are reported through
// the returned warnings and skipped.
func NewDefault(opts Options) (*Router, []string) {
	var (
		parsers  []Parser
		warnings []string
	)
	if opts.EnableManifests {
		parsers = append(parsers, NewManifestParser())
	}
	if opts.SCIPIndexPath != "" {
		if sp, err := NewSCIPParser(opts.SCIPIndexPath); err == nil {
			parsers = append(parsers, sp)
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	if opts.EnableTreeSitter {
		if ts, err := NewTreeSitterParser(); err == nil {
			parsers = append(parsers, ts)
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	parsers = append(parsers, NewLexicalParser())
	return NewRouter(parsers...), warnings
}
