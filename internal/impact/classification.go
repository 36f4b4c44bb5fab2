package impact

import (
	"path"
	"strings"

	"graphsync/internal/graph"
)

// Classify determines the impact kind of an incoming relationship and how
// much it can be trusted. toPackage is set when the relationship targets the
// package of the analyzed file rather than the file or one of its symbols.
// ok is false for relationships that do not express dependence.
func Classify(rel *graph.Relationship, toPackage bool) (kind ImpactKind, confidence float64, ok bool) {
	if IsTestPath(rel.Origin) {
		switch rel.Type {
		case graph.RelCall, graph.RelReferences, graph.RelInheritance, graph.RelImport:
			return TestDependency, 0.9, true
		}
		return Unknown, 0, false
	}

	switch rel.Type {
	case graph.RelCall:
		return DirectCaller, 0.95, true
	case graph.RelInheritance:
		return ImplementsInterface, 0.95, true
	case graph.RelReferences:
		return TypeDependency, 0.8, true
	case graph.RelImport:
		// Importing the package does not mean this file is used.
		if toPackage {
			return ImportDependency, 0.6, true
		}
		return ImportDependency, 0.9, true
	default:
		return Unknown, 0, false
	}
}

// kindRank orders kinds by severity when a file depends in several ways.
func kindRank(k ImpactKind) int {
	switch k {
	case ImplementsInterface:
		return 6
	case DirectCaller:
		return 5
	case TransitiveCaller:
		return 4
	case TypeDependency:
		return 3
	case ImportDependency:
		return 2
	case TestDependency:
		return 1
	default:
		return 0
	}
}

// transitiveConfidence decreases with distance: 0.85 at two hops, 0.75 at
// three, never below 0.5.
func transitiveConfidence(distance int) float64 {
	return max(0.85-float64(distance-2)*0.1, 0.5)
}

// IsTestPath reports whether a workspace path looks like a test file.
func IsTestPath(p string) bool {
	if p == "" {
		return false
	}
	base := path.Base(p)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasSuffix(base, "Test.java"),
		strings.HasSuffix(base, "Test.kt"):
		return true
	}
	for _, part := range strings.Split(path.Dir(p), "/") {
		if part == "test" || part == "tests" || part == "__tests__" {
			return true
		}
	}
	return false
}
