package parser

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
)

// ErrBinaryContent is returned for content that is not source text.
var ErrBinaryContent = errors.New("binary content")

// declRule matches one declaration form on a stripped code line.
type declRule struct {
	re        *regexp.Regexp
	kind      string
	name      int  // group holding the symbol name
	receiver  int  // group holding a receiver type (Go methods)
	bases     int  // group holding inherited/implemented types
	member    bool // only inside a container scope
	topLevel  bool // only outside a container scope
	container bool // opens a scope whose members get this symbol as container
	scopeOnly bool // opens a container scope without emitting a symbol (Rust impl)
}

// importRule extracts an import target (and optional alias) from a line.
type importRule struct {
	re     *regexp.Regexp
	target int
	alias  int
}

type langRules struct {
	decls   []declRule
	imports []importRule
	indent  bool // scopes are indentation based (Python)
}

var (
	goImportSpec    = regexp.MustCompile(`^\s*(?:import\s+)?(?:(\w+|\.)\s+)?"([^"]+)"`)
	callPattern     = regexp.MustCompile(`\b([A-Za-z_]\w*(?:\.[A-Za-z_]\w*)?)\s*\(`)
	decisionPattern = regexp.MustCompile(`\b(if|for|while|case|catch|elif|except|match)\b|&&|\|\|`)
	stringPattern   = regexp.MustCompile("\"(?:[^\"\\\\]|\\\\.)*\"|'(?:[^'\\\\]|\\\\.)*'|`[^`]*`")
)

// Import patterns follow the per-language import scanning tables: one regexp
// per syntactic form, first capture group is the target.
var lexicalRules = map[string]*langRules{
	LangGo: {
		decls: []declRule{
			{re: regexp.MustCompile(`^func\s+\(\s*(?:\w+\s+)?\*?(\w+)(?:\[[^\]]*\])?\s*\)\s*(\w+)`), kind: "method", name: 2, receiver: 1},
			{re: regexp.MustCompile(`^func\s+(\w+)`), kind: "function", name: 1},
			{re: regexp.MustCompile(`^type\s+(\w+)(?:\[[^\]]*\])?\s+interface\b`), kind: "interface", name: 1},
			{re: regexp.MustCompile(`^type\s+(\w+)(?:\[[^\]]*\])?\s+`), kind: "type", name: 1},
			{re: regexp.MustCompile(`^(?:var|const)\s+(\w+)`), kind: "variable", name: 1},
		},
	},
	LangJavaScript: jsRules,
	LangTypeScript: jsRules,
	LangTSX:        jsRules,
	LangPython: {
		indent: true,
		decls: []declRule{
			{re: regexp.MustCompile(`^\s*class\s+(\w+)\s*(?:\(([^)]*)\))?\s*:`), kind: "class", name: 1, bases: 2, container: true},
			{re: regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)`), kind: "function", name: 1},
		},
		imports: []importRule{
			{re: regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import`), target: 1},
			{re: regexp.MustCompile(`^\s*import\s+([\w.]+)(?:\s+as\s+(\w+))?`), target: 1, alias: 2},
		},
	},
	LangRust: {
		decls: []declRule{
			{re: regexp.MustCompile(`^\s*impl(?:<[^>]*>)?\s+(?:([\w:]+)(?:<[^>]*>)?\s+for\s+)?(\w+)`), name: 2, bases: 1, scopeOnly: true},
			{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?trait\s+(\w+)`), kind: "interface", name: 1, container: true},
			{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum|union)\s+(\w+)`), kind: "type", name: 1},
			{re: regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?(?:const\s+)?fn\s+(\w+)`), kind: "function", name: 1},
		},
		imports: []importRule{
			{re: regexp.MustCompile(`^\s*(?:pub\s+)?use\s+([^;{]+)`), target: 1},
			{re: regexp.MustCompile(`^\s*extern\s+crate\s+(\w+)`), target: 1},
		},
	},
	LangJava: {
		decls: []declRule{
			{re: regexp.MustCompile(`\binterface\s+(\w+)(?:<[^>]*>)?(?:\s+extends\s+([\w.,\s<>]+?))?\s*\{`), kind: "interface", name: 1, bases: 2, container: true},
			{re: regexp.MustCompile(`\b(?:class|enum|record)\s+(\w+)(?:<[^>]*>)?(?:\([^)]*\))?(?:\s+extends\s+([\w.<>]+))?(?:\s+implements\s+([\w.,\s<>]+?))?\s*\{`), kind: "class", name: 1, bases: 2, container: true},
			{re: regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|final|abstract|synchronized|native|default)\s+)*(?:<[^>]*>\s+)?[\w.<>\[\],?]+\s+(\w+)\s*\([^)]*\)?\s*(?:throws\s+[\w.,\s]+)?\{?\s*$`), kind: "method", name: 1, member: true},
		},
		imports: []importRule{
			{re: regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.*]+)\s*;`), target: 1},
		},
	},
	LangKotlin: {
		decls: []declRule{
			{re: regexp.MustCompile(`\b(?:class|object)\s+(\w+)(?:<[^>]*>)?(?:\([^)]*\))?(?:\s*:\s*([\w.,\s<>()]+?))?\s*\{`), kind: "class", name: 1, bases: 2, container: true},
			{re: regexp.MustCompile(`\binterface\s+(\w+)`), kind: "interface", name: 1, container: true},
			{re: regexp.MustCompile(`\bfun\s+(?:<[^>]*>\s+)?(?:[\w.]+\.)?(\w+)\s*\(`), kind: "function", name: 1},
		},
		imports: []importRule{
			{re: regexp.MustCompile(`^\s*import\s+([\w.*]+)`), target: 1},
		},
	},
}

var jsRules = &langRules{
	decls: []declRule{
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+(\w+)(?:<[^>]*>)?(?:\s+extends\s+([\w.]+))?(?:\s+implements\s+([\w.,\s]+?))?\s*\{`), kind: "class", name: 1, bases: 2, container: true, topLevel: true},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?interface\s+(\w+)(?:<[^>]*>)?(?:\s+extends\s+([\w.,\s]+?))?\s*\{`), kind: "interface", name: 1, bases: 2, container: true, topLevel: true},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\*?\s+(\w+)`), kind: "function", name: 1, topLevel: true},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:\([^)]*\)|\w+)\s*(?::[^=]+)?=>`), kind: "function", name: 1, topLevel: true},
		{re: regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|async|readonly|abstract|get|set)\s+)*(\w+)\s*(?:<[^>]*>)?\([^)]*\)\s*(?::\s*[^{]+)?\{`), kind: "method", name: 1, member: true},
	},
	imports: []importRule{
		{re: regexp.MustCompile(`import\s+.*?from\s+['"]([^'"]+)['"]`), target: 1},
		{re: regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`), target: 1},
		{re: regexp.MustCompile(`export\s+.*?from\s+['"]([^'"]+)['"]`), target: 1},
		{re: regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`), target: 1},
		{re: regexp.MustCompile(`import\s*\(\s*['"]([^'"]+)['"]\s*\)`), target: 1},
	},
}

// callExclusions are keywords and builtins that look like calls.
var callExclusions = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true, "return": true,
	"func": true, "function": true, "fn": true, "new": true, "typeof": true, "super": true,
	"len": true, "cap": true, "append": true, "make": true, "panic": true, "recover": true,
	"delete": true, "copy": true, "close": true, "print": true, "println": true,
	"range": true, "isinstance": true, "str": true, "int": true, "float": true, "bool": true,
	"list": true, "dict": true, "set": true, "tuple": true, "string": true, "byte": true,
	"rune": true, "error": true, "require": true, "import": true, "elif": true, "except": true,
	"with": true, "assert": true, "not": true, "and": true, "or": true, "in": true, "match": true,
	"def": true, "class": true, "lambda": true, "await": true, "yield": true, "throw": true,
	"sizeof": true, "defer": true, "go": true, "select": true, "case": true, "else": true,
}

// LexicalParser is a line-oriented analyzer that needs no cgo. It recognizes
// declarations, imports and call sites with per-language patterns and tracks
// scopes by brace depth or indentation.
type LexicalParser struct{}

// NewLexicalParser creates a lexical parser.
func NewLexicalParser() *LexicalParser {
	return &LexicalParser{}
}

func (p *LexicalParser) Name() string { return "lexical" }

func (p *LexicalParser) Supports(path string) bool {
	_, ok := lexicalRules[DetectLanguage(path)]
	return ok
}

// Analyze extracts symbols and dependencies from content.
func (p *LexicalParser) Analyze(ctx context.Context, path string, content []byte) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := DetectLanguage(path)
	rules, ok := lexicalRules[lang]
	if !ok {
		return nil, ErrUnsupported
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return nil, ErrBinaryContent
	}

	raw := strings.Split(string(content), "\n")
	code, text, unterminated := stripComments(raw, lang)

	s := &scanState{
		lang:     lang,
		rules:    rules,
		raw:      raw,
		code:     code,
		text:     text,
		analysis: &Analysis{Path: path, Language: lang, Analyzer: p.Name()},
		seenDeps: make(map[string]bool),
	}
	if rules.indent {
		s.scanIndented()
	} else {
		s.scanBraced()
	}
	if unterminated > 0 {
		s.analysis.SyntaxErrors = append(s.analysis.SyntaxErrors, SyntaxError{Line: unterminated, Message: "unterminated block comment"})
	}

	s.analysis.Complexity = complexityOf(code, len(s.functionIdx))
	sortDependencies(s.analysis.Dependencies)
	return s.analysis, nil
}

type scope struct {
	symbol    int // index into analysis.Symbols, -1 for scope-only
	name      string
	container bool
	function  bool
	depth     int // brace depth outside the scope, or indentation
	line      int
	opened    bool
}

type scanState struct {
	lang        string
	rules       *langRules
	raw         []string
	code        []string // comments and strings blanked
	text        []string // comments blanked, strings kept
	analysis    *Analysis
	stack       []scope
	seenDeps    map[string]bool
	functionIdx []int
	inImport    bool // inside a Go import block
}

func (s *scanState) containerName() string {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].container {
			return s.stack[i].name
		}
		if s.stack[i].function {
			return ""
		}
	}
	return ""
}

func (s *scanState) enclosingFunction() (string, bool) {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].function {
			sym := s.analysis.Symbols[s.stack[i].symbol]
			return sym.QualifiedName(), true
		}
	}
	return "", false
}

func (s *scanState) addDep(d Dependency) {
	k := d.Key()
	if s.seenDeps[k] {
		return
	}
	s.seenDeps[k] = true
	s.analysis.Dependencies = append(s.analysis.Dependencies, d)
}

// matchDecl returns the first rule matching line in the current scope.
func (s *scanState) matchDecl(line string) (*declRule, []string) {
	inContainer := s.containerName() != ""
	_, inFunction := s.enclosingFunction()
	for i := range s.rules.decls {
		r := &s.rules.decls[i]
		if r.member && !inContainer {
			continue
		}
		if r.topLevel && (inContainer || inFunction) {
			continue
		}
		if !r.member && !r.topLevel && inFunction && !s.rules.indent {
			continue
		}
		if m := r.re.FindStringSubmatch(line); m != nil {
			return r, m
		}
	}
	return nil, nil
}

// declare records the symbol for a matched rule and returns the new scope.
func (s *scanState) declare(r *declRule, m []string, lineNo int) scope {
	name := m[r.name]
	if r.scopeOnly {
		if r.bases > 0 && m[r.bases] != "" {
			s.addBases(name, m[r.bases], lineNo)
		}
		return scope{symbol: -1, name: name, container: true}
	}

	sym := Symbol{
		Name:      name,
		Kind:      r.kind,
		Container: s.containerName(),
		Line:      lineNo,
		EndLine:   lineNo,
		HasDoc:    s.hasDoc(lineNo - 1),
		Signature: strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s.raw[lineNo-1]), "{")),
	}
	if r.receiver > 0 && m[r.receiver] != "" {
		sym.Container = m[r.receiver]
	}
	if sym.Container != "" && sym.Kind == "function" {
		sym.Kind = "method"
	}
	s.analysis.Symbols = append(s.analysis.Symbols, sym)
	idx := len(s.analysis.Symbols) - 1

	if r.bases > 0 && m[r.bases] != "" {
		s.addBases(sym.QualifiedName(), m[r.bases], lineNo)
	}
	// Java class headers put implements in the group after extends.
	if r.bases > 0 && r.bases+1 < len(m) && m[r.bases+1] != "" && r.kind == "class" {
		s.addBases(sym.QualifiedName(), m[r.bases+1], lineNo)
	}

	fn := r.kind == "function" || r.kind == "method"
	if fn {
		s.functionIdx = append(s.functionIdx, idx)
	}
	return scope{symbol: idx, name: sym.QualifiedName(), container: r.container, function: fn}
}

func (s *scanState) addBases(from, list string, lineNo int) {
	for _, b := range strings.Split(list, ",") {
		b = strings.TrimSpace(b)
		if i := strings.IndexAny(b, "<(["); i >= 0 {
			b = b[:i]
		}
		b = strings.TrimSpace(b)
		if b == "" || b == "object" {
			continue
		}
		s.addDep(Dependency{Kind: DepInheritance, From: from, Target: b, Line: lineNo})
	}
}

// hasDoc reports whether the line before idx (0-based) is a comment or the
// symbol body opens with a docstring.
func (s *scanState) hasDoc(idx int) bool {
	if s.rules.indent {
		for j := idx + 1; j < len(s.raw); j++ {
			t := strings.TrimSpace(s.raw[j])
			if t == "" {
				continue
			}
			return strings.HasPrefix(t, `"""`) || strings.HasPrefix(t, `'''`)
		}
		return false
	}
	for j := idx - 1; j >= 0; j-- {
		t := strings.TrimSpace(s.raw[j])
		if strings.HasPrefix(t, "@") || strings.HasPrefix(t, "#[") {
			continue // annotations and attributes sit between doc and decl
		}
		return strings.HasPrefix(t, "//") || strings.HasSuffix(t, "*/") || strings.HasPrefix(t, "///")
	}
	return false
}

func (s *scanState) scanImports(line string, lineNo int) {
	if s.lang == LangGo {
		s.scanGoImport(line, lineNo)
		return
	}
	for _, r := range s.rules.imports {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		target := strings.TrimSpace(m[r.target])
		if target == "" {
			continue
		}
		d := Dependency{Kind: DepImport, Target: target, Line: lineNo}
		if r.alias > 0 {
			d.Alias = m[r.alias]
		}
		s.addDep(d)
		return
	}
}

func (s *scanState) scanGoImport(line string, lineNo int) {
	trimmed := strings.TrimSpace(line)
	switch {
	case s.inImport:
		if strings.HasPrefix(trimmed, ")") {
			s.inImport = false
			return
		}
	case strings.HasPrefix(trimmed, "import (") || trimmed == "import(":
		s.inImport = true
		return
	case !strings.HasPrefix(trimmed, "import "):
		return
	}
	if m := goImportSpec.FindStringSubmatch(trimmed); m != nil {
		s.addDep(Dependency{Kind: DepImport, Target: m[2], Alias: m[1], Line: lineNo})
	}
}

func (s *scanState) scanCalls(line string, lineNo int) {
	from, ok := s.enclosingFunction()
	if !ok {
		return
	}
	for _, m := range callPattern.FindAllStringSubmatch(line, -1) {
		target := m[1]
		i := strings.IndexByte(target, '.')
		if i < 0 {
			// Keywords and builtins are only ever bare names.
			if callExclusions[target] {
				continue
			}
		} else if head := target[:i]; head == "self" || head == "this" {
			target = target[i+1:]
		}
		s.addDep(Dependency{Kind: DepCall, From: from, Target: target, Line: lineNo})
	}
}

// scanBraced tracks scopes by counting braces on comment- and string-free lines.
// A declaration whose body has not opened yet stays pending for one line so
// that brace-on-next-line styles still scope correctly.
func (s *scanState) scanBraced() {
	depth := 0
	for i, line := range s.code {
		lineNo := i + 1
		if depth == 0 || s.lang != LangGo {
			s.scanImports(s.text[i], lineNo)
		}

		declared := false
		if !s.inImport {
			if r, m := s.matchDecl(line); r != nil {
				sc := s.declare(r, m, lineNo)
				sc.depth = depth
				sc.line = lineNo
				open, closeN := strings.Count(line, "{"), strings.Count(line, "}")
				if open > closeN || (open == 0 && (sc.function || sc.container)) {
					s.stack = append(s.stack, sc)
				}
				declared = true
			}
		}
		if !declared {
			s.scanCalls(line, lineNo)
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			depth = 0
		}
		for len(s.stack) > 0 {
			top := &s.stack[len(s.stack)-1]
			if depth > top.depth {
				top.opened = true
				break
			}
			if top.opened {
				s.closeScope(lineNo)
				continue
			}
			if lineNo <= top.line+1 {
				break
			}
			s.closeScope(top.line)
		}
	}
	if depth != 0 {
		s.analysis.SyntaxErrors = append(s.analysis.SyntaxErrors, SyntaxError{Line: len(s.code), Message: "unbalanced braces"})
	}
	for len(s.stack) > 0 {
		s.closeScope(len(s.code))
	}
}

func (s *scanState) closeScope(lineNo int) {
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if top.symbol >= 0 {
		s.analysis.Symbols[top.symbol].EndLine = lineNo
	}
}

// scanIndented tracks scopes by indentation.
func (s *scanState) scanIndented() {
	lastCode := 0
	for i, line := range s.code {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		for len(s.stack) > 0 && s.stack[len(s.stack)-1].depth >= indent {
			s.closeScope(lastCode)
		}
		lastCode = lineNo

		s.scanImports(s.text[i], lineNo)
		if r, m := s.matchDecl(line); r != nil {
			sc := s.declare(r, m, lineNo)
			sc.depth = indent
			s.stack = append(s.stack, sc)
			continue
		}
		s.scanCalls(line, lineNo)
	}
	for len(s.stack) > 0 {
		s.closeScope(lastCode)
	}
}

// stripComments blanks comments, returning the code with string literals
// blanked and the text with strings kept, plus the line of an unterminated
// block comment (0 when none).
func stripComments(raw []string, lang string) ([]string, []string, int) {
	code := make([]string, len(raw))
	text := make([]string, len(raw))
	inBlock := false
	blockStart := 0
	lineComment := "//"
	if lang == LangPython {
		lineComment = "#"
	}

	for i, line := range raw {
		var b strings.Builder
		rest := line
		for len(rest) > 0 {
			if inBlock {
				end := strings.Index(rest, "*/")
				if end < 0 {
					rest = ""
					break
				}
				rest = rest[end+2:]
				inBlock = false
				continue
			}
			if lang != LangPython {
				if start := strings.Index(rest, "/*"); start >= 0 && !strings.Contains(rest[:start], lineComment) {
					b.WriteString(rest[:start])
					rest = rest[start+2:]
					inBlock = true
					blockStart = i + 1
					continue
				}
			}
			if idx := strings.Index(rest, lineComment); idx >= 0 {
				rest = rest[:idx]
			}
			b.WriteString(rest)
			rest = ""
		}
		text[i] = b.String()
		code[i] = stringPattern.ReplaceAllString(text[i], `""`)
	}
	if inBlock {
		return code, text, blockStart
	}
	return code, text, 0
}

// complexityOf approximates cyclomatic complexity: one per function plus one
// per decision point.
func complexityOf(code []string, functions int) int {
	total := functions
	for _, line := range code {
		total += len(decisionPattern.FindAllStringIndex(line, -1))
	}
	return total
}

func sortDependencies(deps []Dependency) {
	sort.SliceStable(deps, func(i, j int) bool {
		return deps[i].Key() < deps[j].Key()
	})
}
