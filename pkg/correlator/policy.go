package correlator

import (
	"sort"

	"github.com/Ramsey-B/aster/pkg/models"
)

// Policy decides whether an aggregated candidate set settles the dedup
// question without a human. Thresholds come from configuration.
type Policy struct {
	// HighConfidenceThreshold is the minimum top score for an automatic
	// duplicate decision
	HighConfidenceThreshold float64
	// MinScoreGap is the minimum lead the top candidate must have over the
	// runner-up
	MinScoreGap float64
}

// Decision is the outcome of evaluating a candidate set
type Decision struct {
	Conclusive bool
	// Match is the winning candidate for a conclusive duplicate; nil for a
	// conclusive unique (empty set) or an inconclusive result.
	Match *models.Candidate
}

// Evaluate classifies a candidate set. An empty set is conclusively unique.
// A top candidate at or above the confidence threshold with at least the
// minimum gap over the runner-up is a conclusive duplicate. Everything else
// needs manual review.
func (p Policy) Evaluate(candidates []models.Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{Conclusive: true}
	}

	sorted := make([]models.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	top := sorted[0]
	if top.Score < p.HighConfidenceThreshold {
		return Decision{}
	}
	if len(sorted) > 1 && top.Score-sorted[1].Score < p.MinScoreGap {
		return Decision{}
	}

	return Decision{Conclusive: true, Match: &top}
}
