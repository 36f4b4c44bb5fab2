package impact

import (
	"testing"

	"graphsync/internal/graph"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		relType   string
		origin    string
		toPackage bool
		wantKind  ImpactKind
		wantConf  float64
		wantOK    bool
	}{
		{graph.RelCall, "svc/run.go", false, DirectCaller, 0.95, true},
		{graph.RelInheritance, "svc/impl.py", false, ImplementsInterface, 0.95, true},
		{graph.RelReferences, "svc/run.go", false, TypeDependency, 0.8, true},
		{graph.RelImport, "web/app.js", false, ImportDependency, 0.9, true},
		{graph.RelImport, "cmd/main.go", true, ImportDependency, 0.6, true},
		{graph.RelCall, "svc/run_test.go", false, TestDependency, 0.9, true},
		{graph.RelContains, "svc/run.go", false, Unknown, 0, false},
		{graph.RelDefines, "svc/run.go", false, Unknown, 0, false},
		{graph.RelDependsOn, "go.mod", false, Unknown, 0, false},
		{graph.RelDefines, "svc/run_test.go", false, Unknown, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.relType+"/"+tt.origin, func(t *testing.T) {
			rel := &graph.Relationship{Type: tt.relType, Origin: tt.origin}
			kind, conf, ok := Classify(rel, tt.toPackage)
			if kind != tt.wantKind || conf != tt.wantConf || ok != tt.wantOK {
				t.Errorf("Classify = (%s, %.2f, %v), want (%s, %.2f, %v)", kind, conf, ok, tt.wantKind, tt.wantConf, tt.wantOK)
			}
		})
	}
}

func TestIsTestPath(t *testing.T) {
	tests := map[string]bool{
		"pkg/store_test.go":          true,
		"tests/test_api.py":          true,
		"app/test_models.py":         true,
		"app/models_test.py":         true,
		"web/button.test.tsx":        true,
		"web/button.spec.js":         true,
		"web/__tests__/button.js":    true,
		"src/main/FooTest.java":      true,
		"pkg/store.go":               false,
		"app/models.py":              false,
		"web/testing_helpers.js":     false,
		"internal/contest/winner.go": false,
		"":                           false,
	}
	for p, want := range tests {
		if got := IsTestPath(p); got != want {
			t.Errorf("IsTestPath(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestTransitiveConfidence(t *testing.T) {
	if got := transitiveConfidence(2); got != 0.85 {
		t.Errorf("distance 2 = %.2f", got)
	}
	if got := transitiveConfidence(10); got != 0.5 {
		t.Errorf("distance 10 = %.2f, want floor 0.5", got)
	}
}
