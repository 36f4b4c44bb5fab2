// Package impact reports which files depend on a given file, how far a change
// to it spreads through the graph, and how risky that change is.
//
// Dependents are found by following incoming dependency edges from the file,
// the symbols it defines and its package. Files one hop away are direct
// dependents; files further out, up to the configured depth, are indirect
// and ranked by how strongly the change flows toward them.
package impact

import "time"

// ImpactKind represents the type of dependence a file has on the analyzed one.
type ImpactKind string

const (
	DirectCaller        ImpactKind = "direct-caller"
	TransitiveCaller    ImpactKind = "transitive-caller"
	TypeDependency      ImpactKind = "type-dependency"
	ImplementsInterface ImpactKind = "implements-interface"
	ImportDependency    ImpactKind = "import-dependency"
	TestDependency      ImpactKind = "test-dependency"
	Unknown             ImpactKind = "unknown"
)

// Dependent is a file affected by a change to the analyzed file.
type Dependent struct {
	Path       string     `json:"path"`
	Kind       ImpactKind `json:"kind"`
	Distance   int        `json:"distance"` // 1 = direct
	Via        string     `json:"via"`      // file it depends on one hop closer
	Symbols    []string   `json:"symbols,omitempty"`
	Confidence float64    `json:"confidence"`
	Score      float64    `json:"score,omitempty"` // rank among indirect dependents
}

// BrokenReference is a call or reference whose target was deleted.
type BrokenReference struct {
	Origin string    `json:"origin"`
	Target string    `json:"target"`
	Name   string    `json:"name"`
	Type   string    `json:"type"`
	Since  time.Time `json:"since"`
}

// Suggestion is a recommended follow-up action.
type Suggestion struct {
	Type     string `json:"type"`     // "fix", "review", "test", "coverage", "split"
	Severity string `json:"severity"` // "info", "warning", "error"
	Message  string `json:"message"`
}

// Report is the result of analyzing one file.
type Report struct {
	Path          string            `json:"path"`
	Indexed       bool              `json:"indexed"`
	Symbols       int               `json:"symbols"`
	PublicSymbols int               `json:"publicSymbols"`
	Direct        []Dependent       `json:"directDependents"`
	Indirect      []Dependent       `json:"indirectDependents"`
	Depth         int               `json:"depth"`
	DepthReached  int               `json:"depthReached"`
	Risk          *RiskScore        `json:"risk"`
	Broken        []BrokenReference `json:"brokenReferences,omitempty"`
	Suggestions   []Suggestion      `json:"suggestions"`
	Notes         []string          `json:"notes,omitempty"`
	DirsAffected  int               `json:"directoriesAffected"`
	AnalysisTime  time.Duration     `json:"analysisTime"`
}
