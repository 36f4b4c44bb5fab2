package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	scippb "github.com/sourcegraph/scip/bindings/go/scip"
	"google.golang.org/protobuf/proto"
)

type fakeParser struct {
	name     string
	supports bool
	err      error
	calls    int
}

func (f *fakeParser) Name() string         { return f.name }
func (f *fakeParser) Supports(string) bool { return f.supports }
func (f *fakeParser) Analyze(_ context.Context, path string, _ []byte) (*Analysis, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Analysis{Path: path, Analyzer: f.name}, nil
}

func TestRouterFallsThrough(t *testing.T) {
	failing := &fakeParser{name: "first", supports: true, err: errors.New("boom")}
	skipped := &fakeParser{name: "skipped", supports: false}
	second := &fakeParser{name: "second", supports: true}
	r := NewRouter(failing, nil, skipped, second)

	a, err := r.Analyze(context.Background(), "a.go", nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Analyzer != "second" {
		t.Errorf("Analyzer = %q, want second", a.Analyzer)
	}
	if skipped.calls != 0 {
		t.Error("unsupporting parser should not be called")
	}
}

func TestRouterErrors(t *testing.T) {
	r := NewRouter(&fakeParser{name: "none"})
	if _, err := r.Analyze(context.Background(), "a.txt", nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if r.Supports("a.txt") {
		t.Error("Supports should be false")
	}

	boom := errors.New("boom")
	r = NewRouter(&fakeParser{name: "bad", supports: true, err: boom})
	if _, err := r.Analyze(context.Background(), "a.go", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := map[string]string{
		"main.go":             LangGo,
		"src/app.tsx":         LangTSX,
		"src/app.ts":          LangTypeScript,
		"lib/index.mjs":       LangJavaScript,
		"tool.py":             LangPython,
		"src/lib.rs":          LangRust,
		"A.java":              LangJava,
		"build.gradle.kts":    LangKotlin,
		"go.mod":              LangManifest,
		"web/package.json":    LangManifest,
		"README.md":           "",
		"other/settings.json": "",
	}
	for path, want := range tests {
		if got := DetectLanguage(path); got != want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestNewDefault(t *testing.T) {
	r, warnings := NewDefault(Options{EnableManifests: true, SCIPIndexPath: filepath.Join(t.TempDir(), "missing.scip")})
	if len(warnings) == 0 {
		t.Error("expected a warning for the missing SCIP index")
	}
	a, err := r.Analyze(context.Background(), "go.mod", []byte("module example.com/m\n"))
	if err != nil {
		t.Fatalf("Analyze go.mod: %v", err)
	}
	if a.Module != "example.com/m" {
		t.Errorf("Module = %q", a.Module)
	}
	if _, err := r.Analyze(context.Background(), "main.go", []byte("package main\n")); err != nil {
		t.Errorf("lexical fallback failed: %v", err)
	}
}

func TestManifestParser(t *testing.T) {
	tests := []struct {
		path    string
		content string
		module  string
		deps    []string
	}{
		{
			path:    "go.mod",
			content: "module example.com/app\n\ngo 1.22\n\nrequire (\n\tgithub.com/a/b v1.0.0\n\tgolang.org/x/sync v0.1.0 // indirect\n)\n",
			module:  "example.com/app",
			deps:    []string{"github.com/a/b", "golang.org/x/sync"},
		},
		{
			path:    "web/package.json",
			content: `{"name": "web", "dependencies": {"react": "^18"}, "devDependencies": {"vitest": "1"}}`,
			module:  "web",
			deps:    []string{"react", "vitest"},
		},
		{
			path:    "Cargo.toml",
			content: "[package]\nname = \"crate\"\n\n[dependencies]\nserde = { version = \"1\" }\n\n[dev-dependencies]\ntokio = \"1\"\n",
			module:  "crate",
			deps:    []string{"serde", "tokio"},
		},
		{
			path:    "pyproject.toml",
			content: "[project]\nname = \"tool\"\ndependencies = [\"requests>=2\", \"rich[jupyter] ; python_version > '3.8'\"]\n",
			module:  "tool",
			deps:    []string{"requests", "rich"},
		},
		{
			path:    "app/pubspec.yaml",
			content: "name: app\ndependencies:\n  flutter:\n    sdk: flutter\n  http: ^1.0.0\ndev_dependencies:\n  test: any\n",
			module:  "app",
			deps:    []string{"http", "test"},
		},
	}

	p := NewManifestParser()
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			a, err := p.Analyze(context.Background(), tt.path, []byte(tt.content))
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if a.Module != tt.module {
				t.Errorf("Module = %q, want %q", a.Module, tt.module)
			}
			if len(a.Dependencies) != len(tt.deps) {
				t.Fatalf("deps = %+v, want %v", a.Dependencies, tt.deps)
			}
			for i, d := range a.Dependencies {
				if d.Kind != DepDependsOn || d.Target != tt.deps[i] {
					t.Errorf("dep[%d] = %+v, want depends_on %s", i, d, tt.deps[i])
				}
			}
		})
	}
}

func TestManifestParserInvalid(t *testing.T) {
	p := NewManifestParser()
	if _, err := p.Analyze(context.Background(), "package.json", []byte("{not json")); err == nil {
		t.Error("expected error for invalid package.json")
	}
	if _, err := p.Analyze(context.Background(), "Cargo.toml", []byte("[package\n")); err == nil {
		t.Error("expected error for invalid Cargo.toml")
	}
}

func writeSCIPIndex(t *testing.T, index *scippb.Index) string {
	t.Helper()
	data, err := proto.Marshal(index)
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	path := filepath.Join(t.TempDir(), "index.scip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	return path
}

func TestSCIPParser(t *testing.T) {
	def := int32(scippb.SymbolRole_Definition)
	foo := "scip-go gomod example v1 `example/a`/Foo()."
	start := "scip-go gomod example v1 `example/c`/Server#Start()."
	index := &scippb.Index{
		Documents: []*scippb.Document{
			{
				RelativePath: "a/a.go",
				Occurrences: []*scippb.Occurrence{
					{Range: []int32{2, 5, 8}, Symbol: foo, SymbolRoles: def, EnclosingRange: []int32{2, 0, 4, 1}},
				},
				Symbols: []*scippb.SymbolInformation{{Symbol: foo, Documentation: []string{"Foo does things."}}},
			},
			{
				RelativePath: "c/c.go",
				Occurrences: []*scippb.Occurrence{
					{Range: []int32{2, 18, 23}, Symbol: start, SymbolRoles: def, EnclosingRange: []int32{2, 0, 4, 1}},
					{Range: []int32{3, 1, 6}, Symbol: foo},
				},
			},
		},
	}
	p, err := NewSCIPParser(writeSCIPIndex(t, index))
	if err != nil {
		t.Fatalf("NewSCIPParser: %v", err)
	}
	if !p.Supports("c/c.go") || p.Supports("z/z.go") {
		t.Fatal("Supports mismatch")
	}

	a, err := p.Analyze(context.Background(), "a/a.go", []byte("package a\n\nfunc Foo() {\n}\n"))
	if err != nil {
		t.Fatalf("Analyze a: %v", err)
	}
	if len(a.Symbols) != 1 || a.Symbols[0].Name != "Foo" || !a.Symbols[0].HasDoc || a.Symbols[0].EndLine != 5 {
		t.Errorf("symbols = %+v", a.Symbols)
	}

	c, err := p.Analyze(context.Background(), "c/c.go", []byte("package c\n\nfunc (s *Server) Start() {\n\ta.Foo()\n}\n"))
	if err != nil {
		t.Fatalf("Analyze c: %v", err)
	}
	s := findSymbol(t, c, "Server.Start")
	if s.Kind != "method" {
		t.Errorf("Start kind = %q", s.Kind)
	}
	if !hasDep(c, DepCall, "Server.Start", "Foo") {
		t.Errorf("missing call dependency: %+v", c.Dependencies)
	}

	if _, err := p.Analyze(context.Background(), "a/a.go", []byte("package a\n\nfunc Renamed() {\n}\n")); !errors.Is(err, ErrStaleIndex) {
		t.Errorf("err = %v, want ErrStaleIndex", err)
	}
}

func TestDescribeSymbol(t *testing.T) {
	tests := []struct {
		symbol, name, container, kind string
	}{
		{"scip-go gomod m v1 `m/pkg`/Func().", "Func", "", "function"},
		{"scip-go gomod m v1 `m/pkg`/Type#", "Type", "", "type"},
		{"scip-go gomod m v1 `m/pkg`/Type#Method().", "Method", "Type", "method"},
		{"scip-go gomod m v1 `m/pkg`/Var.", "Var", "", "variable"},
		{"scip-go gomod m v1 `m/pkg`/", "", "", ""},
		{"local 12", "", "", ""},
	}
	for _, tt := range tests {
		name, container, kind := describeSymbol(tt.symbol)
		if name != tt.name || container != tt.container || kind != tt.kind {
			t.Errorf("describeSymbol(%q) = (%q, %q, %q)", tt.symbol, name, container, kind)
		}
	}
}
