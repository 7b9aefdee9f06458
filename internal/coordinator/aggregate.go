package coordinator

import (
	"math"
	"sort"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// confidenceTolerance bounds the floating-point comparison used by the
// primary-selection tie-break.
const confidenceTolerance = 1e-9

// Aggregate merges branch outcomes into a ranked diagnosis result. It is a
// pure function: for the same outcome set it returns the same result
// regardless of map iteration or branch completion order, because ties are
// broken by severity rank and then by capability name.
//
// An empty success set aggregates to INCONCLUSIVE with confidence 0 —
// graceful degradation, never an error.
func Aggregate(outcomes map[string]checkpoint.BranchOutcome, minConfidence float64, maxSecondary int) *checkpoint.DiagnosisResult {
	result := &checkpoint.DiagnosisResult{
		AnalyzersInvoked:   make([]string, 0, len(outcomes)),
		AnalyzersCompleted: []string{},
		AnalyzersFailed:    []string{},
	}

	// Sorted traversal keeps every downstream choice deterministic.
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	type scored struct {
		capability string
		diagnosis  checkpoint.Diagnosis
	}
	var successes []scored

	for _, name := range names {
		o := outcomes[name]
		result.AnalyzersInvoked = append(result.AnalyzersInvoked, name)
		switch o.Status {
		case checkpoint.BranchSuccess:
			result.AnalyzersCompleted = append(result.AnalyzersCompleted, name)
			successes = append(successes, scored{capability: name, diagnosis: *o.Diagnosis})
		case checkpoint.BranchFailure, checkpoint.BranchTimeout:
			result.AnalyzersFailed = append(result.AnalyzersFailed, name)
		}
	}

	if len(successes) == 0 {
		result.Inconclusive = true
		return result
	}

	// Primary: highest confidence; ties (within tolerance) broken by
	// severity rank, then by capability name — names are already sorted,
	// so "strictly better" comparisons leave the lexicographically first
	// winner in place.
	best := successes[0]
	for _, c := range successes[1:] {
		diff := c.diagnosis.Confidence - best.diagnosis.Confidence
		switch {
		case diff > confidenceTolerance:
			best = c
		case math.Abs(diff) <= confidenceTolerance &&
			c.diagnosis.Severity.Rank() > best.diagnosis.Severity.Rank():
			best = c
		}
	}

	primary := best.diagnosis
	result.Primary = &primary
	if primary.Confidence < minConfidence {
		// A low-confidence concrete diagnosis is still more actionable
		// than INCONCLUSIVE, but the flag tells consumers not to present
		// it as a confident verdict.
		result.LowConfidence = true
	}

	// Secondary: remaining successes at or above the confidence floor,
	// by descending confidence (name tie-break via the stable sort over
	// the already name-ordered slice), capped at maxSecondary.
	var rest []scored
	for _, c := range successes {
		if c.capability == best.capability {
			continue
		}
		if c.diagnosis.Confidence >= minConfidence {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].diagnosis.Confidence > rest[j].diagnosis.Confidence
	})
	if len(rest) > maxSecondary {
		rest = rest[:maxSecondary]
	}
	for _, c := range rest {
		result.Secondary = append(result.Secondary, c.diagnosis)
	}

	// Combined confidence: Σc²/Σc over the included diagnoses. Weighting
	// each confidence by itself biases the score toward the stronger
	// contributors without collapsing to a plain max.
	var num, den float64
	num = primary.Confidence * primary.Confidence
	den = primary.Confidence
	for _, d := range result.Secondary {
		num += d.Confidence * d.Confidence
		den += d.Confidence
	}
	if den > 0 {
		result.CombinedConfidence = num / den
	}

	return result
}
