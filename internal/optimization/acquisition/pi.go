package acquisition

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ProbabilityOfImprovement scores Φ((best - μ - xi)/σ).
type ProbabilityOfImprovement struct {
	bestObserved float64
	xi           float64
}

// NewProbabilityOfImprovement creates a ProbabilityOfImprovement.
func NewProbabilityOfImprovement(bestObserved, xi float64) *ProbabilityOfImprovement {
	return &ProbabilityOfImprovement{bestObserved: bestObserved, xi: xi}
}

// Name returns "PI".
func (p *ProbabilityOfImprovement) Name() string { return "PI" }

// Compute returns the probability that the point improves on the best value
// by more than xi. Zero when sigma is zero.
func (p *ProbabilityOfImprovement) Compute(mu, sigma float64) float64 {
	if !(sigma > 0) || math.IsInf(p.bestObserved, 1) {
		return 0
	}
	return distuv.UnitNormal.CDF((p.bestObserved - mu - p.xi) / sigma)
}

// UpdateBest updates the best observed value
func (p *ProbabilityOfImprovement) UpdateBest(best float64) { p.bestObserved = best }

// BestObserved returns the best observed value
func (p *ProbabilityOfImprovement) BestObserved() float64 { return p.bestObserved }
