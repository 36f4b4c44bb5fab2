//go:build !cgo

package parser

import (
	"context"
	"errors"
)

// ErrNoCGO is returned when tree-sitter support was compiled out.
var ErrNoCGO = errors.New("tree-sitter analysis requires cgo")

// TreeSitterParser is unavailable without cgo.
type TreeSitterParser struct{}

// NewTreeSitterParser reports ErrNoCGO; callers fall back to the lexical parser.
func NewTreeSitterParser() (*TreeSitterParser, error) {
	return nil, ErrNoCGO
}

func (p *TreeSitterParser) Name() string { return "treesitter" }

func (p *TreeSitterParser) Supports(string) bool { return false }

func (p *TreeSitterParser) Analyze(context.Context, string, []byte) (*Analysis, error) {
	return nil, ErrNoCGO
}
