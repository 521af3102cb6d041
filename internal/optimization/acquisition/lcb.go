package acquisition

// LowerConfidenceBound scores -(μ - κσ). Larger kappa explores more.
type LowerConfidenceBound struct {
	kappa        float64
	bestObserved float64
}

// NewLowerConfidenceBound creates a LowerConfidenceBound with weight kappa.
func NewLowerConfidenceBound(kappa float64) *LowerConfidenceBound {
	return &LowerConfidenceBound{kappa: kappa}
}

// Name returns "LCB".
func (l *LowerConfidenceBound) Name() string { return "LCB" }

// Compute returns the negated lower confidence bound.
func (l *LowerConfidenceBound) Compute(mu, sigma float64) float64 {
	if sigma < 0 {
		sigma = 0
	}
	return -(mu - l.kappa*sigma)
}

// UpdateBest records best. LCB does not use it.
func (l *LowerConfidenceBound) UpdateBest(best float64) { l.bestObserved = best }

// BestObserved returns the last value passed to UpdateBest.
func (l *LowerConfidenceBound) BestObserved() float64 { return l.bestObserved }
