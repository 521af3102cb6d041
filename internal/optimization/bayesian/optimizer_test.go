package bayesian

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/smbo/internal/metrics"
	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/acquisition"
)

// bowl has its minimum 0 at (1, -2).
func bowl(_ context.Context, p optimization.Params) (float64, error) {
	x, _ := p.Float("x")
	y, _ := p.Float("y")
	return (x-1)*(x-1) + (y+2)*(y+2), nil
}

func bowlSpace(t *testing.T) *optimization.Space {
	t.Helper()
	space, err := optimization.NewSpace(
		optimization.Real("x", -5, 5),
		optimization.Real("y", -5, 5),
	)
	require.NoError(t, err)
	return space
}

func TestNewBayesianOptimizer(t *testing.T) {
	space := bowlSpace(t)

	tests := []struct {
		name          string
		config        optimization.OptimizerConfig
		wantErr       error
		expectDefault bool
	}{
		{
			name: "valid configuration",
			config: optimization.OptimizerConfig{
				Objective:      bowl,
				Space:          space,
				NCalls:         10,
				NInitialPoints: 5,
			},
		},
		{
			name: "default values",
			config: optimization.OptimizerConfig{
				Objective: bowl,
				Space:     space,
			},
			expectDefault: true,
		},
		{
			name: "no objective function",
			config: optimization.OptimizerConfig{
				Space:  space,
				NCalls: 10,
			},
			wantErr: optimization.ErrInvalidConfig,
		},
		{
			name: "no space",
			config: optimization.OptimizerConfig{
				Objective: bowl,
				NCalls:    10,
			},
			wantErr: optimization.ErrInvalidSpace,
		},
		{
			name: "more initial points than calls",
			config: optimization.OptimizerConfig{
				Objective:      bowl,
				Space:          space,
				NCalls:         3,
				NInitialPoints: 5,
			},
			wantErr: optimization.ErrInvalidConfig,
		},
		{
			name: "unknown acquisition",
			config: optimization.OptimizerConfig{
				Objective:   bowl,
				Space:       space,
				Acquisition: "UCB",
			},
			wantErr: optimization.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			optimizer, err := NewBayesianOptimizer(tt.config)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, optimizer)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, optimizer)
			assert.NotNil(t, optimizer.gp)
			assert.NotNil(t, optimizer.acquisition)
			assert.NotNil(t, optimizer.rng)
			assert.Equal(t, optimization.StateInitializing, optimizer.State())
			assert.Empty(t, optimizer.GetHistory())

			if tt.expectDefault {
				assert.Equal(t, optimization.DefaultNInitialPoints, optimizer.config.NInitialPoints)
				assert.Equal(t, optimization.DefaultNCalls, optimizer.config.NCalls)
				assert.Equal(t, "EI", optimizer.acquisition.Name())
			}
		})
	}
}

func TestPrepareTrainingData(t *testing.T) {
	space := bowlSpace(t)
	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:  bowl,
		Space:      space,
		RandomSeed: 1,
	})
	require.NoError(t, err)

	points := []optimization.Point{{0.0, 0.0}, {5.0, -5.0}}
	values := []float64{5, 25}
	for i, p := range points {
		vec, err := space.Encode(p)
		require.NoError(t, err)
		optimizer.trace.Append(optimization.Observation{Point: p, Vector: vec, Value: values[i]})
	}

	X, y := optimizer.prepareTrainingData()
	rows, cols := X.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, cols)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, X.RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, []float64{1.0, 0.0}, X.RawRowView(1), 1e-12)
	assert.Equal(t, values, y.RawVector().Data)
}

func TestOptimizeQuadraticBowlConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("runs ten full optimizations")
	}

	const runs = 10
	converged := 0
	for seed := int64(1); seed <= runs; seed++ {
		optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
			Objective:      bowl,
			Space:          bowlSpace(t),
			NCalls:         30,
			NInitialPoints: 5,
			RandomSeed:     seed,
		})
		require.NoError(t, err)

		result, err := optimizer.Optimize(context.Background())
		require.NoError(t, err)
		require.Len(t, result.Trace, 30)

		t.Logf("seed %d: best %.6g at %v", seed, result.BestValue, result.BestPoint)
		if result.BestValue <= 1e-2 {
			converged++
		}
	}

	assert.GreaterOrEqual(t, converged, 9, "at least 90%% of seeded runs should reach the minimum")
}

func TestOptimizeBestSoFarIsMonotone(t *testing.T) {
	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      bowl,
		Space:          bowlSpace(t),
		NCalls:         15,
		NInitialPoints: 5,
		RandomSeed:     42,
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)

	curve := result.Convergence()
	require.Len(t, curve, 15)
	for i := 1; i < len(curve); i++ {
		assert.LessOrEqual(t, curve[i], curve[i-1], "best-so-far must not increase at %d", i)
	}
	assert.Equal(t, curve[len(curve)-1], result.BestValue)

	best, ok := optimizer.GetBestSolution()
	require.True(t, ok)
	assert.Equal(t, result.BestValue, best.Value)
	assert.Equal(t, optimization.StateDone, optimizer.State())

	for i, obs := range result.Trace {
		assert.Equal(t, i, obs.Index)
		if i < 5 {
			assert.Equal(t, optimization.StateInitializing, obs.Phase)
		} else {
			assert.Equal(t, optimization.StateRefining, obs.Phase)
		}
	}
	assert.Equal(t, 10, result.Iterations)
}

func TestOptimizeInitialBatchOnly(t *testing.T) {
	space := bowlSpace(t)
	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      bowl,
		Space:          space,
		NCalls:         6,
		NInitialPoints: 6,
		RandomSeed:     99,
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Iterations)

	expected, err := space.SampleRandom(6, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	require.Len(t, result.Trace, 6)
	for i, obs := range result.Trace {
		assert.Equal(t, expected[i], obs.Point)
		assert.Equal(t, optimization.StateInitializing, obs.Phase)
	}
}

func TestOptimizeCategoricalOnlySpace(t *testing.T) {
	labels := []string{"adam", "sgd", "rmsprop"}
	space, err := optimization.NewSpace(optimization.Categorical("optimizer", labels...))
	require.NoError(t, err)

	scores := map[string]float64{"adam": 0.2, "sgd": 0.5, "rmsprop": 0.3}
	objective := func(_ context.Context, p optimization.Params) (float64, error) {
		label, ok := p.String("optimizer")
		if !ok {
			return 0, errors.New("missing optimizer")
		}
		return scores[label], nil
	}

	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      objective,
		Space:          space,
		NCalls:         10,
		NInitialPoints: 3,
		RandomSeed:     5,
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Trace, 10)
	assert.Empty(t, result.Failures)

	for _, obs := range result.Trace {
		assert.Contains(t, labels, obs.Params["optimizer"])
		assert.True(t, space.Contains(obs.Point))
	}
}

func TestOptimizeMixedSpace(t *testing.T) {
	space, err := optimization.NewSpace(
		optimization.Real("x", -1, 1),
		optimization.LogReal("lr", 1e-4, 1e-1),
		optimization.Integer("layers", 1, 4),
		optimization.Categorical("act", "relu", "tanh"),
	)
	require.NoError(t, err)

	objective := func(_ context.Context, p optimization.Params) (float64, error) {
		x, _ := p.Float("x")
		lr, _ := p.Float("lr")
		layers, _ := p.Int("layers")
		act, _ := p.String("act")
		v := x*x + math.Pow(math.Log10(lr)+2, 2) + float64((layers-3)*(layers-3))
		if act == "tanh" {
			v += 0.5
		}
		return v, nil
	}

	for _, method := range []string{
		optimization.AcqOptimizerNelderMead,
		optimization.AcqOptimizerMayfly,
		optimization.AcqOptimizerSampling,
	} {
		t.Run(method, func(t *testing.T) {
			optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
				Objective:             objective,
				Space:                 space,
				NCalls:                10,
				NInitialPoints:        5,
				InitialPointGenerator: optimization.InitialLHS,
				AcqOptimizer:          method,
				NCandidates:           300,
				RandomSeed:            3,
			})
			require.NoError(t, err)

			result, err := optimizer.Optimize(context.Background())
			require.NoError(t, err)
			require.Len(t, result.Trace, 10)
			for _, obs := range result.Trace {
				assert.True(t, space.Contains(obs.Point), "point %v outside the space", obs.Point)
			}
		})
	}
}

func TestOptimizeSurvivesSingleFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	objective := func(ctx context.Context, p optimization.Params) (float64, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 4 {
			return 0, errors.New("transient simulator crash")
		}
		return bowl(ctx, p)
	}

	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      objective,
		Space:          bowlSpace(t),
		NCalls:         8,
		NInitialPoints: 5,
		RandomSeed:     8,
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Trace, 8)
	require.Len(t, result.Failures, 1)

	failure := result.Failures[0]
	assert.Equal(t, 3, failure.Slot)
	assert.Equal(t, 0, failure.Attempt)
	assert.ErrorIs(t, failure.Err, optimization.ErrObjectiveEvaluation)
	// The retry evaluated the same point
	assert.Equal(t, failure.Point, result.Trace[3].Point)
}

func TestOptimizePanicsAndNonFiniteValuesAreFailures(t *testing.T) {
	calls := 0
	objective := func(ctx context.Context, p optimization.Params) (float64, error) {
		calls++
		switch calls {
		case 2:
			panic("objective blew up")
		case 3:
			return math.NaN(), nil
		case 4:
			return math.Inf(1), nil
		}
		return bowl(ctx, p)
	}

	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      objective,
		Space:          bowlSpace(t),
		NCalls:         4,
		NInitialPoints: 4,
		RandomSeed:     2,
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Trace, 4)
	require.Len(t, result.Failures, 3)

	// Slot 1: the point panics, its retry returns NaN, the first fallback
	// returns +Inf and the second fallback succeeds
	for i, f := range result.Failures {
		assert.Equal(t, 1, f.Slot)
		assert.Equal(t, i, f.Attempt)
		assert.ErrorIs(t, f.Err, optimization.ErrObjectiveEvaluation)
	}
	assert.Contains(t, result.Failures[0].Message, "objective blew up")
	for _, obs := range result.Trace {
		assert.False(t, math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0))
	}
}

func TestOptimizeAbandonsSlotsThatAlwaysFail(t *testing.T) {
	objective := func(context.Context, optimization.Params) (float64, error) {
		return 0, errors.New("always down")
	}

	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      objective,
		Space:          bowlSpace(t),
		NCalls:         3,
		NInitialPoints: 2,
		MaxFallbacks:   1,
		RandomSeed:     4,
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Trace)
	assert.Len(t, result.Failures, 3*3)
	assert.True(t, math.IsInf(result.BestValue, 1))
	assert.Nil(t, result.BestPoint)
}

func TestOptimizeCancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := 0
	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      bowl,
		Space:          bowlSpace(t),
		NCalls:         20,
		NInitialPoints: 5,
		RandomSeed:     6,
		Progress: optimization.ProgressFunc(func(optimization.ProgressUpdate) {
			seen++
			if seen == 3 {
				cancel()
			}
		}),
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, result)
	assert.True(t, result.Cancelled)
	assert.Len(t, result.Trace, 3)
	assert.False(t, math.IsInf(result.BestValue, 1))
	assert.Equal(t, optimization.StateDone, optimizer.State())
}

func TestStopBeforeOptimize(t *testing.T) {
	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:  bowl,
		Space:      bowlSpace(t),
		NCalls:     5,
		RandomSeed: 1,
	})
	require.NoError(t, err)

	optimizer.Stop()
	result, err := optimizer.Optimize(context.Background())
	assert.ErrorIs(t, err, optimization.ErrCancelled)
	require.NotNil(t, result)
	assert.Empty(t, result.Trace)
}

func TestOptimizeOnlyOnce(t *testing.T) {
	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      bowl,
		Space:          bowlSpace(t),
		NCalls:         2,
		NInitialPoints: 2,
		RandomSeed:     1,
	})
	require.NoError(t, err)

	_, err = optimizer.Optimize(context.Background())
	require.NoError(t, err)
	_, err = optimizer.Optimize(context.Background())
	assert.ErrorIs(t, err, optimization.ErrInvalidConfig)
}

func TestOptimizeMaximizeRoundTrip(t *testing.T) {
	// Accuracy peaks at 0.9 for x = 1, y = -2
	accuracy := func(ctx context.Context, p optimization.Params) (float64, error) {
		v, _ := bowl(ctx, p)
		return 0.9 - v, nil
	}

	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      optimization.Maximize(accuracy),
		Space:          bowlSpace(t),
		NCalls:         12,
		NInitialPoints: 5,
		RandomSeed:     10,
	})
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)

	score, err := accuracy(context.Background(), result.BestParams)
	require.NoError(t, err)
	assert.InDelta(t, -score, result.BestValue, 1e-12, "best value is the negated score")
	for _, obs := range result.Trace {
		s, _ := accuracy(context.Background(), obs.Params)
		assert.GreaterOrEqual(t, score, s, "best params maximize the score")
	}
}

func TestOptimizeReportsProgress(t *testing.T) {
	var updates []optimization.ProgressUpdate
	m := metrics.New(nil)

	optimizer, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      bowl,
		Space:          bowlSpace(t),
		NCalls:         7,
		NInitialPoints: 4,
		RandomSeed:     12,
		Progress: optimization.ProgressFunc(func(u optimization.ProgressUpdate) {
			updates = append(updates, u)
		}),
	}, WithMetrics(m), WithRunID("run-7"))
	require.NoError(t, err)

	result, err := optimizer.Optimize(context.Background())
	require.NoError(t, err)

	require.Len(t, updates, 7)
	for i, u := range updates {
		assert.Equal(t, "run-7", u.RunID)
		assert.Equal(t, i, u.Iteration)
		assert.Equal(t, 7, u.TotalCalls)
		assert.Equal(t, result.Trace[i].Value, u.Value)
		if i > 0 {
			assert.LessOrEqual(t, u.BestValue, updates[i-1].BestValue)
		}
	}
	assert.Equal(t, result.BestValue, updates[len(updates)-1].BestValue)
}

func TestDefaultAcquisitionIsPlainExpectedImprovement(t *testing.T) {
	bo, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective: bowl,
		Space:     bowlSpace(t),
	})
	require.NoError(t, err)
	assert.Zero(t, bo.config.Xi)

	ei, ok := bo.acquisition.(*acquisition.ExpectedImprovement)
	require.True(t, ok, "default acquisition is %T", bo.acquisition)

	// (best-μ)Φ(z) + σφ(z), z = (best-μ)/σ
	plainEI := func(best, mu, sigma float64) float64 {
		z := (best - mu) / sigma
		return (best-mu)*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	}

	tests := []struct {
		best, mu, sigma float64
	}{
		{1, 1, 1e-3},
		{1e-3, 9e-4, 2e-4},
		{0.5, 0.7, 0.2},
		{-3, -4, 1.5},
	}
	for _, tt := range tests {
		ei.UpdateBest(tt.best)
		assert.InEpsilon(t, plainEI(tt.best, tt.mu, tt.sigma), ei.Compute(tt.mu, tt.sigma), 1e-12,
			"best=%v mu=%v sigma=%v", tt.best, tt.mu, tt.sigma)
	}

	ei.UpdateBest(1)
	assert.InDelta(t, 1e-3/math.Sqrt(2*math.Pi), ei.Compute(1, 1e-3), 1e-15)
}

func TestSmallScaleObjectiveConverges(t *testing.T) {
	space := bowlSpace(t)
	scaled := func(ctx context.Context, p optimization.Params) (float64, error) {
		v, err := bowl(ctx, p)
		return v * 1e-3, err
	}

	bo, err := NewBayesianOptimizer(optimization.OptimizerConfig{
		Objective:      scaled,
		Space:          space,
		NCalls:         30,
		NInitialPoints: 5,
		NCandidates:    500,
		NRestarts:      1,
		Workers:        2,
		RandomSeed:     101,
	})
	require.NoError(t, err)

	result, err := bo.Optimize(context.Background())
	require.NoError(t, err)

	x, _ := result.BestParams.Float("x")
	y, _ := result.BestParams.Float("y")
	assert.Less(t, math.Hypot(x-1, y+2), 0.5, "best point %v", result.BestParams)
}
