package impact

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"graphsync/internal/parser"
)

// Visibility represents the visibility level of a symbol
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnknown  Visibility = "unknown"
)

// VisibilityInfo contains visibility information with confidence score
type VisibilityInfo struct {
	Visibility Visibility `json:"visibility"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source"`
}

// DeriveVisibility determines visibility with cascading fallback:
//  1. references from another directory mean public (confidence 0.9)
//  2. language naming conventions (confidence 0.5-0.8)
func DeriveVisibility(sym parser.Symbol, language string, referencedElsewhere bool) VisibilityInfo {
	if referencedElsewhere {
		return VisibilityInfo{Visibility: VisibilityPublic, Confidence: 0.9, Source: "ref-analysis"}
	}
	if info, ok := deriveFromNaming(sym, language); ok {
		return info
	}
	return VisibilityInfo{Visibility: VisibilityUnknown, Source: "unknown"}
}

func deriveFromNaming(sym parser.Symbol, language string) (VisibilityInfo, bool) {
	name := sym.Name
	if name == "" {
		return VisibilityInfo{}, false
	}
	naming := func(v Visibility, confidence float64) (VisibilityInfo, bool) {
		return VisibilityInfo{Visibility: v, Confidence: confidence, Source: "naming-convention"}, true
	}

	switch language {
	case parser.LangGo:
		// Exported identifiers start with an upper-case letter.
		r, _ := utf8.DecodeRuneInString(name)
		if unicode.IsUpper(r) {
			return naming(VisibilityPublic, 0.8)
		}
		return naming(VisibilityInternal, 0.8)
	case parser.LangPython:
		switch {
		case strings.HasPrefix(name, "__") && !strings.HasSuffix(name, "__"):
			return naming(VisibilityPrivate, 0.7)
		case strings.HasPrefix(name, "_"):
			return naming(VisibilityPrivate, 0.6)
		}
		return naming(VisibilityPublic, 0.5)
	case parser.LangJavaScript, parser.LangTypeScript, parser.LangTSX:
		if strings.HasPrefix(name, "#") || strings.HasPrefix(name, "_") {
			return naming(VisibilityPrivate, 0.6)
		}
		return naming(VisibilityPublic, 0.5)
	}

	if strings.HasPrefix(name, "_") {
		return naming(VisibilityPrivate, 0.5)
	}
	return VisibilityInfo{}, false
}
