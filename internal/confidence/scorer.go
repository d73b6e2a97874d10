// Package confidence provides the scoring function shared by plan acceptance
// and result verification.
//
// Any Scorer must return a value in [0, 1] and must never decrease when
// supporting evidence increases with the total held fixed.
package confidence

import "math"

// Evidence summarises what a score is derived from.
type Evidence struct {
	Supporting int     // Observations that support the claim
	Total      int     // All observations considered
	Prior      float64 // Score to use when there is no evidence at all
}

// Scorer turns evidence into a bounded confidence value.
type Scorer interface {
	Score(ev Evidence) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(ev Evidence) float64

// Score implements Scorer. The result is clamped to [0, 1].
func (f ScorerFunc) Score(ev Evidence) float64 {
	return Clamp(f(ev))
}

// RatioScorer scores by the fraction of supporting observations.
// With no observations it falls back to the prior.
type RatioScorer struct{}

// Score implements Scorer.
func (RatioScorer) Score(ev Evidence) float64 {
	if ev.Total <= 0 {
		return Clamp(ev.Prior)
	}
	supporting := ev.Supporting
	if supporting > ev.Total {
		supporting = ev.Total
	}
	if supporting < 0 {
		supporting = 0
	}
	return Clamp(float64(supporting) / float64(ev.Total))
}

// Default is the scorer used when none is configured.
var Default Scorer = RatioScorer{}

// Clamp bounds v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
