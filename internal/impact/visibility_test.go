package impact

import (
	"testing"

	"graphsync/internal/parser"
)

func TestDeriveVisibility(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		language   string
		referenced bool
		want       Visibility
		source     string
	}{
		{"go exported", "Handler", parser.LangGo, false, VisibilityPublic, "naming-convention"},
		{"go unexported", "handler", parser.LangGo, false, VisibilityInternal, "naming-convention"},
		{"referenced elsewhere", "handler", parser.LangGo, true, VisibilityPublic, "ref-analysis"},
		{"python private", "_cache", parser.LangPython, false, VisibilityPrivate, "naming-convention"},
		{"python mangled", "__secret", parser.LangPython, false, VisibilityPrivate, "naming-convention"},
		{"python dunder", "__init__", parser.LangPython, false, VisibilityPrivate, "naming-convention"},
		{"python public", "load", parser.LangPython, false, VisibilityPublic, "naming-convention"},
		{"js private field", "#count", parser.LangJavaScript, false, VisibilityPrivate, "naming-convention"},
		{"ts public", "render", parser.LangTypeScript, false, VisibilityPublic, "naming-convention"},
		{"rust underscore", "_unused", parser.LangRust, false, VisibilityPrivate, "naming-convention"},
		{"rust plain", "parse", parser.LangRust, false, VisibilityUnknown, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveVisibility(parser.Symbol{Name: tt.symbol, Kind: "function"}, tt.language, tt.referenced)
			if got.Visibility != tt.want || got.Source != tt.source {
				t.Errorf("DeriveVisibility(%q) = %+v, want %s via %s", tt.symbol, got, tt.want, tt.source)
			}
		})
	}
}
