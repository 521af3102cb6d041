package acquisition

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement implements the Expected Improvement acquisition function
// for minimization:
//
//	EI = imp*Φ(z) + σ*φ(z),  imp = best - μ - xi,  z = imp/σ
//
// EI is zero when σ is zero, whatever μ is.
type ExpectedImprovement struct {
	// Best observed value so far
	bestObserved float64
	// Improvement margin in objective units; zero gives plain EI
	xi float64
}

// NewExpectedImprovement creates a new ExpectedImprovement acquisition function
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{
		bestObserved: bestObserved,
		xi:           xi,
	}
}

// Name returns "EI".
func (ei *ExpectedImprovement) Name() string { return "EI" }

// Compute computes the Expected Improvement at a point with posterior mean mu
// and standard deviation sigma. The result is never negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	if !(sigma > 0) || math.IsInf(ei.bestObserved, 1) {
		return 0
	}

	improvement := ei.bestObserved - mu - ei.xi
	z := improvement / sigma
	value := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)

	// Far in the lower tail the two terms cancel to rounding noise
	if !(value > 0) {
		return 0
	}
	return value
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
