// Package acquisition scores candidate points from a surrogate's posterior.
// Every criterion assumes minimization and returns higher scores for more
// promising points.
package acquisition

import (
	"fmt"
	"math"
	"strings"
)

// Function is an acquisition criterion.
type Function interface {
	// Name identifies the criterion
	Name() string
	// Compute scores a point with posterior mean mu and standard deviation sigma
	Compute(mu, sigma float64) float64
	// UpdateBest sets the best observed value so far
	UpdateBest(best float64)
	// BestObserved returns the best observed value
	BestObserved() float64
}

// New creates a criterion by name: "EI" (expected improvement), "LCB"
// (lower confidence bound) or "PI" (probability of improvement). Names are
// case-insensitive.
func New(name string, xi, kappa float64) (Function, error) {
	switch strings.ToUpper(name) {
	case "", "EI":
		return NewExpectedImprovement(math.Inf(1), xi), nil
	case "LCB":
		return NewLowerConfidenceBound(kappa), nil
	case "PI":
		return NewProbabilityOfImprovement(math.Inf(1), xi), nil
	default:
		return nil, fmt.Errorf("unknown acquisition function %q", name)
	}
}
