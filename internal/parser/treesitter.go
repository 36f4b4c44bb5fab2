//go:build cgo

package parser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/kotlin"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// TreeSitterParser analyzes source with tree-sitter grammars.
// sitter.Parser is not safe for concurrent use, so each call takes a parser
// from a pool.
type TreeSitterParser struct {
	pool sync.Pool
}

// NewTreeSitterParser creates a tree-sitter parser.
func NewTreeSitterParser() (*TreeSitterParser, error) {
	return &TreeSitterParser{
		pool: sync.Pool{New: func() any { return sitter.NewParser() }},
	}, nil
}

func (p *TreeSitterParser) Name() string { return "treesitter" }

func (p *TreeSitterParser) Supports(path string) bool {
	_, err := grammar(DetectLanguage(path))
	return err == nil
}

func grammar(lang string) (*sitter.Language, error) {
	switch lang {
	case LangGo:
		return golang.GetLanguage(), nil
	case LangJavaScript:
		return javascript.GetLanguage(), nil
	case LangTypeScript:
		return typescript.GetLanguage(), nil
	case LangTSX:
		return tsx.GetLanguage(), nil
	case LangPython:
		return python.GetLanguage(), nil
	case LangRust:
		return rust.GetLanguage(), nil
	case LangJava:
		return java.GetLanguage(), nil
	case LangKotlin:
		return kotlin.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("unsupported language: %q", lang)
	}
}

// Analyze parses content and walks the tree once.
func (p *TreeSitterParser) Analyze(ctx context.Context, path string, content []byte) (*Analysis, error) {
	lang := DetectLanguage(path)
	g, err := grammar(lang)
	if err != nil {
		return nil, ErrUnsupported
	}

	sp := p.pool.Get().(*sitter.Parser)
	defer p.pool.Put(sp)
	sp.SetLanguage(g)
	tree, err := sp.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	defer tree.Close()

	w := &tsWalker{
		lang:     lang,
		src:      content,
		analysis: &Analysis{Path: path, Language: lang, Analyzer: p.Name()},
		seen:     make(map[string]bool),
		decision: toSet(decisionNodeTypes(lang)),
	}
	w.walk(tree.RootNode())
	sortDependencies(w.analysis.Dependencies)
	return w.analysis, nil
}

type tsScope struct {
	name      string
	container bool
	function  bool
}

type tsWalker struct {
	lang     string
	src      []byte
	analysis *Analysis
	stack    []tsScope
	seen     map[string]bool
	decision map[string]bool
}

func (w *tsWalker) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(w.src[n.StartByte():n.EndByte()])
}

func (w *tsWalker) container() string {
	for i := len(w.stack) - 1; i >= 0; i-- {
		if w.stack[i].function {
			return ""
		}
		if w.stack[i].container {
			return w.stack[i].name
		}
	}
	return ""
}

func (w *tsWalker) function() (string, bool) {
	for i := len(w.stack) - 1; i >= 0; i-- {
		if w.stack[i].function {
			return w.stack[i].name, true
		}
	}
	return "", false
}

func (w *tsWalker) dep(d Dependency) {
	if d.Target == "" || w.seen[d.Key()] {
		return
	}
	w.seen[d.Key()] = true
	w.analysis.Dependencies = append(w.analysis.Dependencies, d)
}

func (w *tsWalker) walk(n *sitter.Node) {
	if n == nil {
		return
	}
	if n.IsError() || n.IsMissing() {
		w.analysis.SyntaxErrors = append(w.analysis.SyntaxErrors, SyntaxError{
			Line:    int(n.StartPoint().Row) + 1,
			Message: "syntax error near " + n.Type(),
		})
	}

	t := n.Type()
	if w.decision[t] && (!strings.Contains(t, "binary") || w.isBoolean(n)) {
		w.analysis.Complexity++
	}

	pushed := false
	switch {
	case w.isImport(t):
		w.importDeps(n)
	case w.isCall(t):
		w.callDep(n)
	}

	if sym, sc, ok := w.declaration(n); ok {
		if sym != nil {
			w.analysis.Symbols = append(w.analysis.Symbols, *sym)
			if sc.function {
				w.analysis.Complexity++
			}
		}
		w.stack = append(w.stack, sc)
		pushed = true
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
	if pushed {
		w.stack = w.stack[:len(w.stack)-1]
	}
}

// declaration recognizes symbol-introducing nodes. A nil symbol with ok set
// opens a scope only (Rust impl blocks).
func (w *tsWalker) declaration(n *sitter.Node) (*Symbol, tsScope, bool) {
	t := n.Type()
	var kind, name, receiver string
	container := false

	switch t {
	case "function_declaration", "function_definition", "function_item", "generator_function_declaration":
		kind = "function"
		name = w.text(n.ChildByFieldName("name"))
		if name == "" && w.lang == LangKotlin {
			name = w.firstChildText(n, "simple_identifier")
		}
	case "method_declaration", "method_definition", "constructor_declaration":
		kind = "method"
		name = w.text(n.ChildByFieldName("name"))
		if w.lang == LangGo {
			receiver = w.goReceiver(n)
		}
	case "type_spec":
		name = w.text(n.ChildByFieldName("name"))
		kind = "type"
		if typ := n.ChildByFieldName("type"); typ != nil && typ.Type() == "interface_type" {
			kind = "interface"
		}
		if typ := n.ChildByFieldName("type"); typ != nil && typ.Type() == "struct_type" {
			w.goEmbeds(name, typ)
		}
	case "class_declaration", "class_definition", "object_declaration", "enum_declaration", "record_declaration":
		kind, container = "class", true
		name = w.text(n.ChildByFieldName("name"))
		if name == "" {
			name = w.firstChildText(n, "type_identifier", "simple_identifier", "identifier")
		}
	case "interface_declaration", "trait_item":
		kind, container = "interface", true
		name = w.text(n.ChildByFieldName("name"))
		if name == "" {
			name = w.firstChildText(n, "type_identifier", "identifier")
		}
	case "struct_item", "enum_item":
		kind = "type"
		name = w.text(n.ChildByFieldName("name"))
	case "impl_item":
		typ := w.text(n.ChildByFieldName("type"))
		if trait := w.text(n.ChildByFieldName("trait")); trait != "" && typ != "" {
			w.dep(Dependency{Kind: DepInheritance, From: typ, Target: trait, Line: int(n.StartPoint().Row) + 1})
		}
		return nil, tsScope{name: typ, container: true}, typ != ""
	default:
		return nil, tsScope{}, false
	}
	if name == "" {
		return nil, tsScope{}, false
	}

	sym := &Symbol{
		Name:      name,
		Kind:      kind,
		Container: w.container(),
		Line:      int(n.StartPoint().Row) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
		HasDoc:    w.hasDoc(n),
		Signature: w.signature(n),
	}
	if receiver != "" {
		sym.Container = receiver
	}
	if sym.Container != "" && sym.Kind == "function" {
		sym.Kind = "method"
	}
	if container {
		w.bases(sym.QualifiedName(), n)
	}
	fn := kind == "function" || kind == "method"
	return sym, tsScope{name: sym.QualifiedName(), container: container, function: fn}, true
}

func (w *tsWalker) firstChildText(n *sitter.Node, types ...string) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		for _, t := range types {
			if c.Type() == t {
				return w.text(c)
			}
		}
	}
	return ""
}

func (w *tsWalker) goReceiver(n *sitter.Node) string {
	recv := n.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	s := strings.Trim(w.text(recv), "()")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	r := strings.TrimPrefix(fields[len(fields)-1], "*")
	if i := strings.IndexByte(r, '['); i >= 0 {
		r = r[:i]
	}
	return r
}

// goEmbeds records embedded struct fields as inheritance.
func (w *tsWalker) goEmbeds(name string, st *sitter.Node) {
	var visit func(*sitter.Node)
	visit = func(c *sitter.Node) {
		if c.Type() == "field_declaration" && c.ChildByFieldName("name") == nil {
			target := strings.TrimPrefix(w.text(c.ChildByFieldName("type")), "*")
			w.dep(Dependency{Kind: DepInheritance, From: name, Target: target, Line: int(c.StartPoint().Row) + 1})
			return
		}
		for i := 0; i < int(c.NamedChildCount()); i++ {
			visit(c.NamedChild(i))
		}
	}
	visit(st)
}

func (w *tsWalker) bases(from string, n *sitter.Node) {
	line := int(n.StartPoint().Row) + 1
	for _, field := range []string{"superclass", "superclasses", "interfaces", "extends"} {
		c := n.ChildByFieldName(field)
		if c == nil {
			continue
		}
		for _, b := range strings.FieldsFunc(w.text(c), func(r rune) bool {
			return r == ',' || r == '(' || r == ')' || r == ' ' || r == '\n'
		}) {
			switch b {
			case "extends", "implements", "object", "":
				continue
			}
			w.dep(Dependency{Kind: DepInheritance, From: from, Target: b, Line: line})
		}
	}
	// TS/JS class heritage is a child node, not a field.
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "class_heritage" {
			continue
		}
		for j := 0; j < int(c.NamedChildCount()); j++ {
			clause := c.NamedChild(j)
			for k := 0; k < int(clause.NamedChildCount()); k++ {
				w.dep(Dependency{Kind: DepInheritance, From: from, Target: w.text(clause.NamedChild(k)), Line: line})
			}
		}
	}
}

func (w *tsWalker) hasDoc(n *sitter.Node) bool {
	prev := n.PrevNamedSibling()
	if n.Type() == "type_spec" && n.Parent() != nil {
		prev = n.Parent().PrevNamedSibling()
	}
	if prev != nil && prev.Type() == "comment" && prev.EndPoint().Row+1 >= n.StartPoint().Row {
		return true
	}
	if w.lang == LangPython {
		body := n.ChildByFieldName("body")
		if body != nil && body.NamedChildCount() > 0 {
			first := body.NamedChild(0)
			return first.Type() == "expression_statement" && first.NamedChildCount() > 0 && first.NamedChild(0).Type() == "string"
		}
	}
	return false
}

func (w *tsWalker) signature(n *sitter.Node) string {
	text := w.text(n)
	if body := n.ChildByFieldName("body"); body != nil {
		text = string(w.src[n.StartByte():body.StartByte()])
	} else if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), ":"))
}

func (w *tsWalker) isImport(t string) bool {
	switch t {
	case "import_spec", "import_statement", "import_from_statement", "use_declaration", "import_declaration", "import_header":
		return true
	}
	return false
}

func (w *tsWalker) importDeps(n *sitter.Node) {
	line := int(n.StartPoint().Row) + 1
	switch n.Type() {
	case "import_spec":
		w.dep(Dependency{
			Kind:   DepImport,
			Target: strings.Trim(w.text(n.ChildByFieldName("path")), "\"`"),
			Alias:  w.text(n.ChildByFieldName("name")),
			Line:   line,
		})
	case "import_statement":
		if src := n.ChildByFieldName("source"); src != nil {
			w.dep(Dependency{Kind: DepImport, Target: strings.Trim(w.text(src), `"'`), Line: line})
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "dotted_name":
				w.dep(Dependency{Kind: DepImport, Target: w.text(c), Line: line})
			case "aliased_import":
				w.dep(Dependency{Kind: DepImport, Target: w.text(c.ChildByFieldName("name")), Alias: w.text(c.ChildByFieldName("alias")), Line: line})
			}
		}
	case "import_from_statement":
		w.dep(Dependency{Kind: DepImport, Target: w.text(n.ChildByFieldName("module_name")), Line: line})
	case "use_declaration":
		w.dep(Dependency{Kind: DepImport, Target: w.text(n.ChildByFieldName("argument")), Line: line})
	case "import_declaration", "import_header":
		target := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(w.text(n), "import"), ";"))
		target = strings.TrimSpace(strings.TrimPrefix(target, "static"))
		w.dep(Dependency{Kind: DepImport, Target: target, Line: line})
	}
}

func (w *tsWalker) isCall(t string) bool {
	return t == "call_expression" || t == "call" || t == "method_invocation"
}

func (w *tsWalker) callDep(n *sitter.Node) {
	from, ok := w.function()
	if !ok {
		return
	}
	var target string
	if n.Type() == "method_invocation" {
		target = w.text(n.ChildByFieldName("name"))
		if obj := w.text(n.ChildByFieldName("object")); obj != "" && obj != "this" {
			target = obj + "." + target
		}
	} else {
		fn := n.ChildByFieldName("function")
		if fn == nil && n.NamedChildCount() > 0 {
			fn = n.NamedChild(0)
		}
		target = w.text(fn)
	}
	target = strings.TrimPrefix(strings.TrimPrefix(target, "self."), "this.")
	if target == "" || strings.ContainsAny(target, "()[]{} \n") || strings.Count(target, ".") > 1 {
		return
	}
	head := target
	if i := strings.IndexByte(head, '.'); i >= 0 {
		head = head[:i]
	}
	if callExclusions[head] {
		return
	}
	w.dep(Dependency{Kind: DepCall, From: from, Target: target, Line: int(n.StartPoint().Row) + 1})
}

func (w *tsWalker) isBoolean(n *sitter.Node) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		switch w.text(c) {
		case "&&", "||", "and", "or":
			return true
		}
	}
	return false
}

func decisionNodeTypes(lang string) []string {
	switch lang {
	case LangGo:
		return []string{"if_statement", "for_statement", "expression_case", "type_case", "communication_case", "binary_expression"}
	case LangJavaScript, LangTypeScript, LangTSX:
		return []string{"if_statement", "for_statement", "for_in_statement", "while_statement", "do_statement", "switch_case", "catch_clause", "ternary_expression", "binary_expression"}
	case LangPython:
		return []string{"if_statement", "elif_clause", "for_statement", "while_statement", "except_clause", "boolean_operator", "conditional_expression"}
	case LangRust:
		return []string{"if_expression", "match_arm", "while_expression", "loop_expression", "for_expression", "binary_expression"}
	case LangJava:
		return []string{"if_statement", "for_statement", "enhanced_for_statement", "while_statement", "do_statement", "switch_block_statement_group", "catch_clause", "ternary_expression", "binary_expression"}
	case LangKotlin:
		return []string{"if_expression", "when_entry", "for_statement", "while_statement", "do_while_statement", "catch_block", "binary_expression", "elvis_expression"}
	}
	return nil
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
