package bayesian

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	apperrors "github.com/copyleftdev/smbo/internal/errors"
	"github.com/copyleftdev/smbo/internal/metrics"
	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/acquisition"
	"github.com/copyleftdev/smbo/internal/optimization/kernels"
)

// initialNoiseVar is the starting noise variance of the surrogate, in
// standardized target units.
const initialNoiseVar = 1e-6

// BayesianOptimizer implements Bayesian Optimization
type BayesianOptimizer struct {
	// Configuration, with defaults applied
	config optimization.OptimizerConfig

	// Gaussian Process model
	gp *GP

	// Acquisition function and its maximizer
	acquisition acquisition.Function
	proposer    *Proposer

	// Random number generator, used only by the controller goroutine
	rng *rand.Rand

	// History of evaluations
	trace *optimization.Trace

	runID   string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      optimization.State
	iterations int
	running    bool
	cancel     context.CancelFunc
	stopped    bool
}

// Option configures a BayesianOptimizer.
type Option func(*BayesianOptimizer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(bo *BayesianOptimizer) {
		if logger != nil {
			bo.logger = logger
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(bo *BayesianOptimizer) { bo.metrics = m }
}

// WithRunID tags logs, metrics and progress updates with id.
func WithRunID(id string) Option {
	return func(bo *BayesianOptimizer) { bo.runID = id }
}

// NewBayesianOptimizer creates a new Bayesian Optimizer. The configuration
// is completed with defaults and validated.
func NewBayesianOptimizer(config optimization.OptimizerConfig, opts ...Option) (*BayesianOptimizer, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	acq, err := acquisition.New(config.Acquisition, config.Xi, config.Kappa)
	if err != nil {
		return nil, optimization.WrapKind(optimization.ErrInvalidConfig, err, "acquisition").
			WithOperation("NewBayesianOptimizer")
	}

	kernel, err := kernels.New("matern52", config.Space.EncodedLen())
	if err != nil {
		return nil, optimization.WrapKind(optimization.ErrInvalidConfig, err, "kernel").
			WithOperation("NewBayesianOptimizer")
	}

	// Initialize random number generator
	seed := config.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	bo := &BayesianOptimizer{
		config:      config,
		acquisition: acq,
		rng:         rng,
		trace:       optimization.NewTrace(config.NCalls),
		logger:      zap.NewNop(),
		state:       optimization.StateInitializing,
	}
	for _, opt := range opts {
		opt(bo)
	}
	if bo.runID != "" {
		bo.logger = bo.logger.With(zap.String("run_id", bo.runID))
	}

	bo.gp = NewGP(kernel, initialNoiseVar,
		WithGPLogger(bo.logger),
		WithRestarts(config.NRestarts),
		WithNugget(config.Nugget),
		// A separate stream keeps the initial design equal to
		// Space.SampleRandom under the run seed
		WithRand(rand.New(rand.NewSource(seed+1))),
	)
	bo.proposer = NewProposer(config.Space, acq, ProposerConfig{
		NCandidates: config.NCandidates,
		NRefine:     config.NRefine,
		Workers:     config.Workers,
		Method:      config.AcqOptimizer,
	}, bo.logger)

	return bo, nil
}

// Optimize runs the Bayesian Optimization process: NInitialPoints
// space-filling evaluations, then one surrogate-guided evaluation per
// remaining call.
//
// Cancellation is checked between evaluations. A cancelled run returns the
// partial result together with an error matching optimization.ErrCancelled.
// A surrogate that cannot be fitted ends the run with ErrSurrogateFit, also
// alongside the partial result.
func (bo *BayesianOptimizer) Optimize(ctx context.Context) (*optimization.OptimizationResult, error) {
	const op = "BayesianOptimizer.Optimize"

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bo.mu.Lock()
	if bo.running || bo.state == optimization.StateDone {
		bo.mu.Unlock()
		return nil, optimization.NewKindError(optimization.ErrInvalidConfig, "optimizer already ran").WithOperation(op)
	}
	bo.running = true
	bo.cancel = cancel
	stopped := bo.stopped
	bo.mu.Unlock()
	if stopped {
		cancel()
	}

	bo.metrics.RunStarted()
	status := "completed"
	defer func() {
		bo.setState(optimization.StateDone)
		bo.metrics.RunFinished(bo.runID, status)
	}()

	cfg := bo.config
	bo.logger.Info("Starting optimization",
		zap.Int("n_calls", cfg.NCalls),
		zap.Int("n_initial_points", cfg.NInitialPoints),
		zap.Int("dimensions", cfg.Space.Len()),
		zap.String("acquisition", bo.acquisition.Name()),
	)

	initial, err := bo.initialPoints()
	if err != nil {
		status = "failed"
		return nil, err
	}

	for slot := 0; slot < cfg.NCalls; slot++ {
		if err := ctx.Err(); err != nil {
			status = "cancelled"
			return bo.cancelled(slot, err)
		}

		phase := optimization.StateInitializing
		var point optimization.Point
		if slot < len(initial) {
			point = initial[slot]
		} else {
			phase = optimization.StateRefining
			bo.setState(phase)
			bo.mu.Lock()
			bo.iterations++
			bo.mu.Unlock()

			point, err = bo.suggest(ctx)
			if err != nil {
				if ctx.Err() != nil {
					status = "cancelled"
					return bo.cancelled(slot, ctx.Err())
				}
				status = "failed"
				bo.logger.Error("Surrogate step failed", zap.Int("slot", slot), zap.Error(err))
				return bo.result(false), err
			}
		}

		obs, ok := bo.evaluateSlot(ctx, slot, phase, point)
		if !ok {
			if ctx.Err() != nil {
				status = "cancelled"
				return bo.cancelled(slot, ctx.Err())
			}
			bo.logger.Warn("Abandoning evaluation slot after repeated failures",
				zap.Int("slot", slot),
				zap.Int("max_fallbacks", cfg.MaxFallbacks))
			continue
		}

		bo.report(obs)
	}

	res := bo.result(false)
	bo.logger.Info("Optimization finished",
		zap.Float64("best_value", res.BestValue),
		zap.Int("evaluations", len(res.Trace)),
		zap.Int("failures", len(res.Failures)),
	)
	return res, nil
}

func (bo *BayesianOptimizer) cancelled(slot int, cause error) (*optimization.OptimizationResult, error) {
	bo.logger.Info("Optimization cancelled",
		zap.Int("slot", slot),
		zap.Int("evaluations", bo.trace.Len()))
	return bo.result(true), optimization.WrapKind(optimization.ErrCancelled, cause,
		fmt.Sprintf("stopped after %d of %d calls", slot, bo.config.NCalls)).
		WithOperation("BayesianOptimizer.Optimize")
}

// initialPoints draws the space-filling design.
func (bo *BayesianOptimizer) initialPoints() ([]optimization.Point, error) {
	n := bo.config.NInitialPoints
	switch bo.config.InitialPointGenerator {
	case optimization.InitialLHS:
		return bo.config.Space.LatinHypercube(n, bo.rng)
	default:
		return bo.config.Space.SampleRandom(n, bo.rng)
	}
}

// suggest fits the surrogate to the trace and maximizes the acquisition.
func (bo *BayesianOptimizer) suggest(ctx context.Context) (optimization.Point, error) {
	best := bo.trace.BestValue()

	if bo.trace.Len() == 0 {
		// Every earlier slot failed; nothing to model yet
		points, err := bo.config.Space.SampleRandom(1, bo.rng)
		if err != nil {
			return nil, err
		}
		return points[0], nil
	}

	X, y := bo.prepareTrainingData()
	start := time.Now()
	err := bo.gp.Fit(X, y)
	bo.metrics.ObserveFit(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	x, err := bo.proposer.Propose(ctx, bo.gp, best, bo.rng)
	bo.metrics.ObserveProposal(time.Since(start))
	if err != nil {
		return nil, err
	}

	return bo.config.Space.Decode(x), nil
}

// prepareTrainingData prepares the training data for the GP
func (bo *BayesianOptimizer) prepareTrainingData() (*mat.Dense, *mat.VecDense) {
	history := bo.trace.Observations()
	nSamples := len(history)
	nDims := bo.config.Space.EncodedLen()

	X := mat.NewDense(nSamples, nDims, nil)
	y := mat.NewVecDense(nSamples, nil)

	for i, obs := range history {
		X.SetRow(i, obs.Vector)
		y.SetVec(i, obs.Value)
	}

	return X, y
}

// evaluateSlot evaluates point, retries it once, then tries up to
// MaxFallbacks random points. It reports false when every attempt failed
// or the context was cancelled.
func (bo *BayesianOptimizer) evaluateSlot(ctx context.Context, slot int, phase optimization.State, point optimization.Point) (optimization.Observation, bool) {
	attempts := 2 + bo.config.MaxFallbacks
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return optimization.Observation{}, false
		}

		if attempt >= 2 {
			points, err := bo.config.Space.SampleRandom(1, bo.rng)
			if err != nil {
				return optimization.Observation{}, false
			}
			point = points[0]
		}

		params := bo.config.Space.Params(point)
		value, err := bo.evaluate(ctx, phase, params)
		if err != nil {
			bo.trace.RecordFailure(optimization.Failure{
				Slot:    slot,
				Attempt: attempt,
				Point:   point,
				Err:     err,
			})
			bo.logger.Warn("Objective evaluation failed",
				zap.Int("slot", slot),
				zap.Int("attempt", attempt),
				zap.Any("params", params),
				zap.Error(err))
			continue
		}

		vector, err := bo.config.Space.Encode(point)
		if err != nil {
			// Points come from the space itself
			return optimization.Observation{}, false
		}

		return bo.trace.Append(optimization.Observation{
			Phase:  phase,
			Point:  point,
			Params: params,
			Vector: vector,
			Value:  value,
		}), true
	}
	return optimization.Observation{}, false
}

// evaluate calls the objective, turning panics and non-finite values into
// ErrObjectiveEvaluation errors.
func (bo *BayesianOptimizer) evaluate(ctx context.Context, phase optimization.State, params optimization.Params) (value float64, err error) {
	start := time.Now()
	outcome := metrics.OutcomeSuccess
	defer func() {
		bo.metrics.ObserveEvaluation(string(phase), outcome, time.Since(start))
	}()

	defer func() {
		if rec := recover(); rec != nil {
			outcome = metrics.OutcomePanic
			value = 0
			err = optimization.WrapKind(optimization.ErrObjectiveEvaluation, apperrors.FromPanic(rec), "objective panicked")
		}
	}()

	value, err = bo.config.Objective(ctx, params)
	if err != nil {
		outcome = metrics.OutcomeFailure
		return 0, optimization.WrapKind(optimization.ErrObjectiveEvaluation, err, "objective returned an error")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		outcome = metrics.OutcomeFailure
		return 0, optimization.NewKindError(optimization.ErrObjectiveEvaluation, "objective returned non-finite value %v", value)
	}
	return value, nil
}

// report publishes an observation to the logger, metrics and progress sink.
func (bo *BayesianOptimizer) report(obs optimization.Observation) {
	best, _ := bo.trace.Best()

	bo.metrics.SetBest(bo.runID, best.Value)
	bo.logger.Debug("Evaluated point",
		zap.Int("index", obs.Index),
		zap.String("phase", string(obs.Phase)),
		zap.Float64("value", obs.Value),
		zap.Float64("best_value", best.Value),
	)

	if bo.config.Progress != nil {
		bo.config.Progress.OnProgress(optimization.ProgressUpdate{
			RunID:      bo.runID,
			Phase:      obs.Phase,
			Iteration:  obs.Index,
			TotalCalls: bo.config.NCalls,
			Point:      obs.Point,
			Params:     obs.Params,
			Value:      obs.Value,
			BestValue:  best.Value,
			BestParams: best.Params,
		})
	}
}

func (bo *BayesianOptimizer) result(cancelled bool) *optimization.OptimizationResult {
	bo.mu.Lock()
	iterations := bo.iterations
	bo.mu.Unlock()

	res := &optimization.OptimizationResult{
		BestValue:  math.Inf(1),
		Trace:      bo.trace.Observations(),
		Failures:   bo.trace.Failures(),
		Iterations: iterations,
		Cancelled:  cancelled,
	}
	if best, ok := bo.trace.Best(); ok {
		res.BestPoint = best.Point
		res.BestParams = best.Params
		res.BestValue = best.Value
	}
	return res
}

func (bo *BayesianOptimizer) setState(s optimization.State) {
	bo.mu.Lock()
	bo.state = s
	bo.mu.Unlock()
}

// State returns the controller state.
func (bo *BayesianOptimizer) State() optimization.State {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.state
}

// GetBestSolution returns the best observation found so far
func (bo *BayesianOptimizer) GetBestSolution() (optimization.Observation, bool) {
	return bo.trace.Best()
}

// GetHistory returns the history of evaluations
func (bo *BayesianOptimizer) GetHistory() []optimization.Observation {
	return bo.trace.Observations()
}

// Stop stops the optimization process. The run ends before its next
// evaluation; calling Stop before Optimize makes Optimize return at once.
func (bo *BayesianOptimizer) Stop() {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	bo.stopped = true
	if bo.cancel != nil {
		bo.cancel()
	}
}

var _ optimization.Optimizer = (*BayesianOptimizer)(nil)
