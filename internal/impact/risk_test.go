package impact

import (
	"fmt"
	"strings"
	"testing"
)

func deps(n, dirs int, kind ImpactKind) []Dependent {
	out := make([]Dependent, n)
	for i := range out {
		out[i] = Dependent{Path: fmt.Sprintf("d%d/f%d.go", i%dirs, i), Kind: kind, Distance: 1}
	}
	return out
}

func TestComputeRiskScore(t *testing.T) {
	tests := []struct {
		name      string
		in        RiskInput
		wantLevel RiskLevel
		minScore  float64
		maxScore  float64
	}{
		{
			name:      "isolated file",
			in:        RiskInput{Visibility: VisibilityUnknown},
			wantLevel: RiskLow,
			maxScore:  0.01,
		},
		{
			name:      "few private dependents",
			in:        RiskInput{Direct: deps(1, 1, TypeDependency), Visibility: VisibilityPrivate},
			wantLevel: RiskLow,
			maxScore:  0.4,
		},
		{
			name:      "public callers across directories",
			in:        RiskInput{Direct: deps(5, 3, DirectCaller), Visibility: VisibilityPublic},
			wantLevel: RiskMedium,
			minScore:  0.4,
			maxScore:  0.7,
		},
		{
			name:      "widely implemented interface",
			in:        RiskInput{Direct: deps(20, 10, ImplementsInterface), Visibility: VisibilityPublic},
			wantLevel: RiskHigh,
			minScore:  0.7,
			maxScore:  1.0,
		},
		{
			name:      "dangling reference",
			in:        RiskInput{Broken: 1},
			wantLevel: RiskMedium,
			maxScore:  0.4,
		},
		{
			name:      "parse failure",
			in:        RiskInput{ParseError: true},
			wantLevel: RiskMedium,
			maxScore:  0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeRiskScore(tt.in)
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %s, want %s (score %.3f)", got.Level, tt.wantLevel, got.Score)
			}
			if got.Score < tt.minScore || got.Score > tt.maxScore {
				t.Errorf("Score = %.3f, want in [%.2f, %.2f]", got.Score, tt.minScore, tt.maxScore)
			}
			if len(got.Factors) != 5 {
				t.Errorf("got %d factors, want 5", len(got.Factors))
			}
			if got.Explanation == "" {
				t.Error("missing explanation")
			}
		})
	}
}

func TestRiskFactorWeightsSumToOne(t *testing.T) {
	total := 0.0
	for _, f := range ComputeRiskScore(RiskInput{}).Factors {
		total += f.Weight
	}
	if total < 0.999 || total > 1.001 {
		t.Errorf("weights sum to %.3f", total)
	}
}

func TestDirectDependentRisk(t *testing.T) {
	if directDependentRisk(0) != 0 {
		t.Error("no dependents should carry no risk")
	}
	prev := 0.0
	for _, n := range []int{1, 2, 5, 10, 20} {
		v := directDependentRisk(n)
		if v <= prev {
			t.Errorf("risk(%d) = %.3f, not above %.3f", n, v, prev)
		}
		prev = v
	}
	if directDependentRisk(500) != 1 {
		t.Error("risk should saturate at 1")
	}
}

func TestExplanationMentionsBrokenReferences(t *testing.T) {
	got := ComputeRiskScore(RiskInput{Broken: 2}).Explanation
	if !strings.Contains(got, "2 dangling") {
		t.Errorf("explanation %q does not mention dangling references", got)
	}
}
