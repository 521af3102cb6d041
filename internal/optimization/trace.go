package optimization

import (
	"math"
	"sync"
)

// Observation is one successful objective evaluation. It is immutable once
// appended to a Trace.
type Observation struct {
	// Index is the evaluation order within the run, starting at 0.
	Index int `json:"index"`
	// Phase is the controller state that produced the point.
	Phase State `json:"phase"`
	// Point is the user-facing value tuple.
	Point Point `json:"point"`
	// Params is Point keyed by dimension name.
	Params Params `json:"params"`
	// Vector is the model-facing encoding of Point.
	Vector []float64 `json:"-"`
	// Value is the objective value (lower is better).
	Value float64 `json:"value"`
}

// Failure records an objective call that did not produce an observation.
type Failure struct {
	// Slot is the trace index the evaluation was meant to fill.
	Slot int `json:"slot"`
	// Attempt counts tries for the slot: 0 is the proposed point, 1 the retry,
	// 2 and above are random fallbacks.
	Attempt int    `json:"attempt"`
	Point   Point  `json:"point"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

// Trace is the append-only history of a run. The controller owns it; other
// components read copies.
type Trace struct {
	mu           sync.RWMutex
	observations []Observation
	failures     []Failure
	best         int
}

// NewTrace creates an empty trace with room for capacity observations.
func NewTrace(capacity int) *Trace {
	if capacity < 0 {
		capacity = 0
	}
	return &Trace{
		observations: make([]Observation, 0, capacity),
		best:         -1,
	}
}

// Append records obs, assigning its index, and returns the stored copy.
func (t *Trace) Append(obs Observation) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs.Index = len(t.observations)
	t.observations = append(t.observations, obs)
	// Strictly lower wins, so ties keep the earliest index.
	if t.best < 0 || obs.Value < t.observations[t.best].Value {
		t.best = obs.Index
	}
	return obs
}

// RecordFailure records a failed evaluation.
func (t *Trace) RecordFailure(f Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.Err != nil && f.Message == "" {
		f.Message = f.Err.Error()
	}
	t.failures = append(t.failures, f)
}

// Len returns the number of observations.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.observations)
}

// Observations returns a copy of the observations in evaluation order.
func (t *Trace) Observations() []Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Observation(nil), t.observations...)
}

// Failures returns a copy of the recorded failures.
func (t *Trace) Failures() []Failure {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Failure(nil), t.failures...)
}

// Best returns the observation with the minimum value, ties broken by the
// earliest index.
func (t *Trace) Best() (Observation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.best < 0 {
		return Observation{}, false
	}
	return t.observations[t.best], true
}

// BestValue returns the best value so far, or +Inf for an empty trace.
func (t *Trace) BestValue() float64 {
	if best, ok := t.Best(); ok {
		return best.Value
	}
	return math.Inf(1)
}

// Convergence returns the best-so-far value after each observation. The
// curve is non-increasing.
func (t *Trace) Convergence() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return convergence(t.observations)
}

func convergence(obs []Observation) []float64 {
	curve := make([]float64, len(obs))
	best := math.Inf(1)
	for i, o := range obs {
		if o.Value < best {
			best = o.Value
		}
		curve[i] = best
	}
	return curve
}
