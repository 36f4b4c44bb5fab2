package impact

import (
	"fmt"
	"math"
	"path"
)

// RiskLevel represents the risk level of a change
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// RiskScore contains the calculated risk assessment
type RiskScore struct {
	Level       RiskLevel    `json:"level"`
	Score       float64      `json:"score"` // 0.0 - 1.0
	Factors     []RiskFactor `json:"factors"`
	Explanation string       `json:"explanation"`
}

// RiskFactor represents a single contributing factor to risk
type RiskFactor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"` // normalized 0.0 - 1.0
}

// RiskInput is what the risk computation looks at.
type RiskInput struct {
	Direct   []Dependent
	Indirect []Dependent
	// Visibility is the widest visibility among the file's symbols.
	Visibility Visibility
	Broken     int
	ParseError bool
}

// ComputeRiskScore calculates risk from weighted factors:
// direct dependent count, directory spread, visibility, dependence kind and
// references left dangling by deleted symbols. Any dangling reference or a
// parse failure raises the level to at least medium.
func ComputeRiskScore(in RiskInput) *RiskScore {
	factors := []RiskFactor{
		{Name: "direct-dependents", Weight: 0.3, Value: directDependentRisk(len(in.Direct))},
		{Name: "directory-spread", Weight: 0.2, Value: spreadRisk(in.Direct, in.Indirect)},
		{Name: "visibility", Weight: 0.15, Value: visibilityRisk(in.Visibility)},
		{Name: "impact-kind", Weight: 0.1, Value: impactKindRisk(in.Direct)},
		{Name: "broken-references", Weight: 0.25, Value: brokenRisk(in.Broken)},
	}

	total := 0.0
	for _, f := range factors {
		total += f.Weight * f.Value
	}
	level := determineRiskLevel(total)
	if (in.Broken > 0 || in.ParseError) && level == RiskLow {
		level = RiskMedium
	}

	return &RiskScore{
		Level:       level,
		Score:       total,
		Factors:     factors,
		Explanation: explain(level, in),
	}
}

// directDependentRisk is logarithmic: 1 = 0.23, 5 = 0.59, 20+ = 1.0.
func directDependentRisk(n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Min(math.Log10(float64(n)+1)/math.Log10(21), 1)
}

func spreadRisk(direct, indirect []Dependent) float64 {
	dirs := affectedDirs(direct, indirect)
	switch {
	case dirs == 0:
		return 0
	case dirs == 1:
		return 0.2
	}
	return math.Min(math.Log10(float64(dirs)), 1)
}

func affectedDirs(lists ...[]Dependent) int {
	set := make(map[string]bool)
	for _, deps := range lists {
		for _, d := range deps {
			set[path.Dir(d.Path)] = true
		}
	}
	return len(set)
}

func visibilityRisk(v Visibility) float64 {
	switch v {
	case VisibilityPublic:
		return 0.9
	case VisibilityInternal:
		return 0.5
	case VisibilityPrivate:
		return 0.2
	default:
		return 0
	}
}

func impactKindRisk(direct []Dependent) float64 {
	if len(direct) == 0 {
		return 0
	}
	best := Unknown
	for _, d := range direct {
		if kindRank(d.Kind) > kindRank(best) {
			best = d.Kind
		}
	}
	switch best {
	case ImplementsInterface:
		return 0.9
	case DirectCaller:
		return 0.7
	default:
		return 0.4
	}
}

func brokenRisk(n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Min(0.6+0.1*float64(n), 1)
}

// determineRiskLevel converts numeric score to risk level
func determineRiskLevel(score float64) RiskLevel {
	if score >= 0.7 {
		return RiskHigh
	}
	if score >= 0.4 {
		return RiskMedium
	}
	return RiskLow
}

func explain(level RiskLevel, in RiskInput) string {
	dirs := affectedDirs(in.Direct, in.Indirect)
	msg := fmt.Sprintf("%d direct and %d indirect dependent(s) across %d directory(ies)",
		len(in.Direct), len(in.Indirect), dirs)
	if in.Broken > 0 {
		msg += fmt.Sprintf(", %d dangling reference(s)", in.Broken)
	}
	switch level {
	case RiskHigh:
		return "High risk: " + msg + ". Changes may break multiple components."
	case RiskMedium:
		return "Medium risk: " + msg + ". Changes require careful testing."
	default:
		return "Low risk: " + msg + ". Changes have limited impact."
	}
}
