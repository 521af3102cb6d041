// Package objectives holds named benchmark functions that the server and the
// CLI can optimize without user-supplied code.
package objectives

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/copyleftdev/smbo/internal/optimization"
)

// Objective is a registered benchmark.
type Objective struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Dimensions  []optimization.DimensionSpec `json:"dimensions"`
	// Minimum is the known global minimum value.
	Minimum float64                        `json:"minimum"`
	Func    optimization.ObjectiveFunction `json:"-"`
}

// Space builds the objective's search space.
func (o Objective) Space() (*optimization.Space, error) {
	return optimization.NewSpaceFromSpecs(o.Dimensions)
}

// Registry maps names to objectives.
type Registry struct {
	objectives map[string]Objective
}

// NewRegistry returns a registry with the built-in benchmarks.
func NewRegistry() *Registry {
	r := &Registry{objectives: make(map[string]Objective)}
	for _, o := range builtins() {
		r.objectives[o.Name] = o
	}
	return r
}

// Register adds or replaces an objective.
func (r *Registry) Register(o Objective) error {
	if o.Name == "" {
		return fmt.Errorf("objective name must not be empty")
	}
	if o.Func == nil {
		return fmt.Errorf("objective %q has no function", o.Name)
	}
	if _, err := o.Space(); err != nil {
		return fmt.Errorf("objective %q: %w", o.Name, err)
	}
	r.objectives[o.Name] = o
	return nil
}

// Get looks up an objective by name.
func (r *Registry) Get(name string) (Objective, error) {
	o, ok := r.objectives[name]
	if !ok {
		return Objective{}, fmt.Errorf("unknown objective %q", name)
	}
	return o, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.objectives))
	for name := range r.objectives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns every objective sorted by name.
func (r *Registry) List() []Objective {
	names := r.Names()
	out := make([]Objective, len(names))
	for i, name := range names {
		out[i] = r.objectives[name]
	}
	return out
}

// Delayed makes every call of f take at least d, honouring ctx.
func Delayed(f optimization.ObjectiveFunction, d time.Duration) optimization.ObjectiveFunction {
	if d <= 0 {
		return f
	}
	return func(ctx context.Context, params optimization.Params) (float64, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
		return f(ctx, params)
	}
}

func realSpec(name string, low, high float64) optimization.DimensionSpec {
	return optimization.DimensionSpec{Name: name, Type: optimization.KindReal, Low: low, High: high, Prior: optimization.PriorUniform}
}

func floats(params optimization.Params, names ...string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := params.Float(name)
		if !ok {
			return nil, fmt.Errorf("parameter %q missing or not a real", name)
		}
		out[i] = v
	}
	return out, nil
}

func builtins() []Objective {
	return []Objective{
		{
			Name:        "bowl",
			Description: "Quadratic bowl (x-1)^2 + (y+2)^2 on [-5,5]^2",
			Dimensions:  []optimization.DimensionSpec{realSpec("x", -5, 5), realSpec("y", -5, 5)},
			Minimum:     0,
			Func:        Bowl,
		},
		{
			Name:        "branin",
			Description: "Branin-Hoo function with three global minima",
			Dimensions:  []optimization.DimensionSpec{realSpec("x1", -5, 10), realSpec("x2", 0, 15)},
			Minimum:     BraninMinimum,
			Func:        Branin,
		},
		{
			Name:        "rosenbrock",
			Description: "Two-dimensional Rosenbrock valley with minimum at (1,1)",
			Dimensions:  []optimization.DimensionSpec{realSpec("x", -2, 2), realSpec("y", -2, 2)},
			Minimum:     0,
			Func:        Rosenbrock,
		},
		{
			Name:        "hyperparameters",
			Description: "Synthetic validation loss over learning rate, depth and activation",
			Dimensions: []optimization.DimensionSpec{
				{Name: "learning_rate", Type: optimization.KindReal, Low: 1e-4, High: 1, Prior: optimization.PriorLogUniform},
				{Name: "depth", Type: optimization.KindInteger, Low: 1, High: 10},
				{Name: "activation", Type: optimization.KindCategorical, Categories: []string{"relu", "tanh", "sigmoid"}},
			},
			Minimum: 0,
			Func:    Hyperparameters,
		},
	}
}

// Bowl is (x-1)^2 + (y+2)^2.
func Bowl(_ context.Context, params optimization.Params) (float64, error) {
	v, err := floats(params, "x", "y")
	if err != nil {
		return 0, err
	}
	return (v[0]-1)*(v[0]-1) + (v[1]+2)*(v[1]+2), nil
}

// BraninMinimum is the global minimum of Branin.
const BraninMinimum = 0.39788735772973816

// Branin is the Branin-Hoo function.
func Branin(_ context.Context, params optimization.Params) (float64, error) {
	v, err := floats(params, "x1", "x2")
	if err != nil {
		return 0, err
	}
	const (
		a = 1.0
		s = 10.0
	)
	b := 5.1 / (4 * math.Pi * math.Pi)
	c := 5 / math.Pi
	r := 6.0
	t := 1 / (8 * math.Pi)
	x1, x2 := v[0], v[1]
	return a*math.Pow(x2-b*x1*x1+c*x1-r, 2) + s*(1-t)*math.Cos(x1) + s, nil
}

// Rosenbrock is (1-x)^2 + 100(y-x^2)^2.
func Rosenbrock(_ context.Context, params optimization.Params) (float64, error) {
	v, err := floats(params, "x", "y")
	if err != nil {
		return 0, err
	}
	x, y := v[0], v[1]
	return (1-x)*(1-x) + 100*(y-x*x)*(y-x*x), nil
}

var activationPenalty = map[string]float64{
	"relu":    0,
	"tanh":    0.5,
	"sigmoid": 1,
}

// Hyperparameters is a synthetic loss, minimal at learning_rate=0.01,
// depth=6 and activation=relu.
func Hyperparameters(_ context.Context, params optimization.Params) (float64, error) {
	lr, ok := params.Float("learning_rate")
	if !ok || lr <= 0 {
		return 0, fmt.Errorf("learning_rate must be a positive real")
	}
	depth, ok := params.Int("depth")
	if !ok {
		return 0, fmt.Errorf("depth must be an integer")
	}
	activation, _ := params.String("activation")
	penalty, ok := activationPenalty[activation]
	if !ok {
		return 0, fmt.Errorf("unknown activation %q", activation)
	}
	lrTerm := math.Log10(lr) + 2
	depthTerm := float64(depth - 6)
	return lrTerm*lrTerm + 0.1*depthTerm*depthTerm + penalty, nil
}
