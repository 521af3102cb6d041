package optimization

import (
	"context"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process
	Optimize(ctx context.Context) (*OptimizationResult, error)

	// GetBestSolution returns the best observation found so far
	GetBestSolution() (Observation, bool)

	// GetHistory returns the history of evaluations
	GetHistory() []Observation

	// State returns the controller state
	State() State

	// Stop gracefully stops the optimization process
	Stop()
}

// State is the controller state.
type State string

const (
	StateInitializing State = "initializing"
	StateRefining     State = "refining"
	StateDone         State = "done"
)

// Initial point generators.
const (
	InitialRandom = "random"
	InitialLHS    = "lhs"
)

// Acquisition optimizers used to refine the candidate pool.
const (
	AcqOptimizerNelderMead = "nelder-mead"
	AcqOptimizerMayfly     = "mayfly"
	AcqOptimizerSampling   = "sampling"
)

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Objective function to minimize
	Objective ObjectiveFunction

	// Search space
	Space *Space

	// Total evaluation budget
	NCalls int

	// Number of initial random points to evaluate, 1 <= NInitialPoints <= NCalls
	NInitialPoints int

	// InitialPointGenerator is InitialRandom (default) or InitialLHS
	InitialPointGenerator string

	// Random seed for reproducibility. Zero seeds from the clock.
	RandomSeed int64

	// Acquisition criterion: "EI" (default), "LCB" or "PI"
	Acquisition string

	// Xi is the improvement margin for EI and PI, in objective units. Zero,
	// the default, gives plain EI: (best-μ)Φ(z) + σφ(z).
	Xi float64

	// Kappa is the exploration weight for LCB
	Kappa float64

	// NCandidates is the size of the random candidate pool scored per step
	NCandidates int

	// NRefine is the number of top candidates refined locally
	NRefine int

	// AcqOptimizer picks the refinement method
	AcqOptimizer string

	// NRestarts is the number of random restarts of the likelihood search
	NRestarts int

	// Workers bounds parallel candidate scoring
	Workers int

	// Nugget is the initial diagonal jitter of the covariance
	Nugget float64

	// MaxFallbacks bounds random substitutes tried after a point and its retry fail
	MaxFallbacks int

	// Progress receives an update after every evaluation
	Progress ProgressSink
}

// Defaults for zero-valued configuration fields.
const (
	DefaultNCalls         = 50
	DefaultNInitialPoints = 10
	DefaultXi             = 0.0
	DefaultKappa          = 1.96
	DefaultNCandidates    = 2000
	DefaultNRefine        = 5
	DefaultNRestarts      = 3
	DefaultWorkers        = 4
	DefaultNugget         = 1e-10
	DefaultMaxFallbacks   = 3
)

// WithDefaults fills zero-valued fields. Explicitly invalid values are left
// for Validate to reject.
func (c OptimizerConfig) WithDefaults() OptimizerConfig {
	if c.NCalls == 0 {
		c.NCalls = DefaultNCalls
	}
	if c.NInitialPoints == 0 {
		c.NInitialPoints = DefaultNInitialPoints
		if c.NInitialPoints > c.NCalls {
			c.NInitialPoints = c.NCalls
		}
	}
	if c.InitialPointGenerator == "" {
		c.InitialPointGenerator = InitialRandom
	}
	if c.Acquisition == "" {
		c.Acquisition = "EI"
	}
	if c.Kappa == 0 {
		c.Kappa = DefaultKappa
	}
	if c.NCandidates == 0 {
		c.NCandidates = DefaultNCandidates
	}
	if c.NRefine == 0 {
		c.NRefine = DefaultNRefine
	}
	if c.AcqOptimizer == "" {
		c.AcqOptimizer = AcqOptimizerNelderMead
	}
	if c.NRestarts == 0 {
		c.NRestarts = DefaultNRestarts
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Nugget == 0 {
		c.Nugget = DefaultNugget
	}
	if c.MaxFallbacks == 0 {
		c.MaxFallbacks = DefaultMaxFallbacks
	}
	return c
}

// Validate checks the configuration. Space problems surface as
// ErrInvalidSpace, everything else as ErrInvalidConfig.
func (c OptimizerConfig) Validate() error {
	const op = "OptimizerConfig.Validate"

	if c.Space == nil {
		return NewKindError(ErrInvalidSpace, "search space is required").WithOperation(op)
	}
	if err := c.Space.validate(); err != nil {
		return err
	}
	if c.Objective == nil {
		return NewKindError(ErrInvalidConfig, "objective function is required").WithOperation(op)
	}
	if c.NCalls < 1 {
		return NewKindError(ErrInvalidConfig, "n_calls must be at least 1, got %d", c.NCalls).WithOperation(op)
	}
	if c.NInitialPoints < 1 || c.NInitialPoints > c.NCalls {
		return NewKindError(ErrInvalidConfig, "n_initial_points must satisfy 1 <= n_initial_points <= n_calls, got %d with n_calls=%d",
			c.NInitialPoints, c.NCalls).WithOperation(op)
	}
	switch c.InitialPointGenerator {
	case InitialRandom, InitialLHS:
	default:
		return NewKindError(ErrInvalidConfig, "unknown initial point generator %q", c.InitialPointGenerator).WithOperation(op)
	}
	switch c.AcqOptimizer {
	case AcqOptimizerNelderMead, AcqOptimizerMayfly, AcqOptimizerSampling:
	default:
		return NewKindError(ErrInvalidConfig, "unknown acquisition optimizer %q", c.AcqOptimizer).WithOperation(op)
	}
	if c.NCandidates < 1 || c.NRefine < 0 || c.NRestarts < 0 || c.Workers < 1 || c.MaxFallbacks < 0 {
		return NewKindError(ErrInvalidConfig, "candidate pool, refinement, restart, worker and fallback counts must be positive").WithOperation(op)
	}
	if c.Nugget <= 0 || c.Kappa < 0 || c.Xi < 0 {
		return NewKindError(ErrInvalidConfig, "nugget must be positive and xi, kappa non-negative").WithOperation(op)
	}
	return nil
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestPoint  Point         `json:"best_point"`
	BestParams Params        `json:"best_params"`
	BestValue  float64       `json:"best_value"`
	Trace      []Observation `json:"trace"`
	Failures   []Failure     `json:"failures,omitempty"`
	// Iterations counts refining steps, excluding the initial batch.
	Iterations int  `json:"iterations"`
	Cancelled  bool `json:"cancelled"`
}

// Convergence returns the best-so-far curve of the trace.
func (r *OptimizationResult) Convergence() []float64 {
	return convergence(r.Trace)
}
