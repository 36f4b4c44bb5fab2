// Package graph defines the structural graph of a workspace, the narrow store
// interfaces used to persist it, and bounded traversal over it.
package graph

import (
	"errors"
	"maps"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a node or relationship is absent.
var ErrNotFound = errors.New("graph entity not found")

// Node types.
const (
	NodeFile     = "file"
	NodeSymbol   = "symbol"
	NodePackage  = "package"
	NodeExternal = "external"
)

// Relationship types.
const (
	RelImport      = "import"
	RelCall        = "call"
	RelInheritance = "inheritance"
	RelContains    = "contains"
	RelDefines     = "defines"
	RelReferences  = "references"
	RelDependsOn   = "depends_on"
)

// PropagationTypes are the relationship types followed by default.
var PropagationTypes = []string{
	RelImport, RelCall, RelInheritance, RelContains, RelDefines, RelReferences, RelDependsOn,
}

// Derived property keys, maintained by propagation rather than planning.
const (
	PropFanIn    = "fanIn"
	PropFanOut   = "fanOut"
	PropResolved = "resolved"
)

func isDerived(key string) bool {
	return key == PropFanIn || key == PropFanOut || key == PropResolved
}

// StructuralProps returns props without derived keys.
func StructuralProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		if !isDerived(k) {
			out[k] = v
		}
	}
	return out
}

// CarryDerived copies derived keys from src into dst.
func CarryDerived(dst, src map[string]string) map[string]string {
	for k, v := range src {
		if isDerived(k) {
			if dst == nil {
				dst = make(map[string]string)
			}
			dst[k] = v
		}
	}
	return dst
}

// Node is a vertex in the graph. Properties hold structural attributes only;
// derived values (fan-in, fan-out) are maintained by propagation.
type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = maps.Clone(n.Properties)
	return &c
}

// SameContent reports whether two nodes carry the same structural data.
// Timestamps are ignored.
func (n *Node) SameContent(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID == o.ID && n.Type == o.Type && n.Name == o.Name && maps.Equal(n.Properties, o.Properties)
}

// SameStructure is SameContent ignoring derived properties.
func (n *Node) SameStructure(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID == o.ID && n.Type == o.Type && n.Name == o.Name &&
		maps.Equal(StructuralProps(n.Properties), StructuralProps(o.Properties))
}

// Relationship is a directed, typed edge. Origin names the file whose
// contents produced it.
type Relationship struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Origin     string            `json:"origin,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.Properties = maps.Clone(r.Properties)
	return &c
}

// SameContent reports whether two relationships carry the same data.
func (r *Relationship) SameContent(o *Relationship) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID && r.Type == o.Type && r.From == o.From && r.To == o.To &&
		r.Origin == o.Origin && maps.Equal(r.Properties, o.Properties)
}

// SameStructure is SameContent ignoring derived properties.
func (r *Relationship) SameStructure(o *Relationship) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID && r.Type == o.Type && r.From == o.From && r.To == o.To &&
		r.Origin == o.Origin && maps.Equal(StructuralProps(r.Properties), StructuralProps(o.Properties))
}

// FileNodeID returns the node ID of a workspace-relative file.
func FileNodeID(path string) string { return "file:" + path }

// SymbolNodeID returns the node ID of a symbol declared in dir.
func SymbolNodeID(dir, qualified string) string { return "sym:" + dir + "::" + qualified }

// PackageNodeID returns the node ID of a directory-level package.
func PackageNodeID(dir string) string { return "pkg:" + dir }

// ExternalNodeID returns the node ID of an unresolved import target.
func ExternalNodeID(name string) string { return "ext:" + name }

// RelationshipID returns the stable ID of an edge.
func RelationshipID(relType, from, to, origin string) string {
	return "rel:" + relType + ":" + from + "->" + to + "@" + origin
}

// FilePath extracts the path from a file node ID.
func FilePath(nodeID string) (string, bool) {
	return strings.CutPrefix(nodeID, "file:")
}

// ParseSymbolID splits a symbol node ID into its directory and qualified name.
func ParseSymbolID(nodeID string) (dir, qualified string, ok bool) {
	rest, ok := strings.CutPrefix(nodeID, "sym:")
	if !ok {
		return "", "", false
	}
	return strings.Cut(rest, "::")
}
