package optimization

import (
	"context"
)

// ObjectiveFunction evaluates the costly function at named parameters and
// returns the value to minimize. The keys of params are exactly the space's
// dimension names. A caller maximizing a score must negate it, or wrap the
// function with Maximize.
type ObjectiveFunction func(ctx context.Context, params Params) (float64, error)

// Maximize adapts a score to be maximized into an ObjectiveFunction. The
// run's BestValue is then the negated best score.
func Maximize(score ObjectiveFunction) ObjectiveFunction {
	return func(ctx context.Context, params Params) (float64, error) {
		v, err := score(ctx, params)
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
}

// ProgressUpdate is emitted after every successful evaluation.
type ProgressUpdate struct {
	RunID      string  `json:"run_id,omitempty"`
	Phase      State   `json:"phase"`
	Iteration  int     `json:"iteration"`
	TotalCalls int     `json:"total_calls"`
	Point      Point   `json:"point"`
	Params     Params  `json:"params"`
	Value      float64 `json:"value"`
	BestValue  float64 `json:"best_value"`
	BestParams Params  `json:"best_params"`
}

// ProgressSink receives progress updates. It is never consulted for control
// decisions and must not block for long.
type ProgressSink interface {
	OnProgress(update ProgressUpdate)
}

// ProgressFunc adapts a function to a ProgressSink.
type ProgressFunc func(update ProgressUpdate)

// OnProgress calls f(update).
func (f ProgressFunc) OnProgress(update ProgressUpdate) { f(update) }

// MultiSink fans an update out to several sinks in order. Nil sinks are skipped.
type MultiSink []ProgressSink

// OnProgress forwards update to every sink.
func (m MultiSink) OnProgress(update ProgressUpdate) {
	for _, s := range m {
		if s != nil {
			s.OnProgress(update)
		}
	}
}
