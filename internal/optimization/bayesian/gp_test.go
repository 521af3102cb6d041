package bayesian

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/kernels"
)

func TestGPFitAndPredict(t *testing.T) {
	// Simple test with 3 points
	X := mat.NewDense(3, 1, []float64{0.1, 0.5, 0.9})
	y := mat.NewVecDense(3, []float64{1, 2, 1})

	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-6)
	err := gp.Fit(X, y)
	require.NoError(t, err)
	assert.False(t, gp.PriorOnly())

	// Prediction at training points reproduces the targets
	mean, std, err := gp.Predict(X)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.AtVec(i), mean.AtVec(i), 0.25)
		assert.GreaterOrEqual(t, std.AtVec(i), MinStd)
	}
}

func TestGPPriorOnly(t *testing.T) {
	X := mat.NewDense(1, 2, []float64{0.3, 0.7})
	y := mat.NewVecDense(1, []float64{4.2})

	gp := NewGP(kernels.NewARDMatern52Kernel([]float64{1, 1}, 1.0), 1e-6)
	require.NoError(t, gp.Fit(X, y))
	assert.True(t, gp.PriorOnly())
	assert.True(t, math.IsNaN(gp.LogMarginalLikelihood()))

	testX := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	mean, std, err := gp.Predict(testX)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, 4.2, mean.AtVec(i), "prior mean is the single observation")
		assert.InDelta(t, 1.0, std.AtVec(i), 1e-12, "prior std is the signal standard deviation")
	}
}

func TestGPWithNoise(t *testing.T) {
	// Test that noise is handled correctly
	X := mat.NewDense(3, 1, []float64{-1, 0, 1})
	y := mat.NewVecDense(3, []float64{1, 0, 1})

	// Create GP with significant noise and fixed hyperparameters
	kernel := kernels.NewRBFKernel(1.0, 1.0)
	gp := NewGP(kernel, 0.1, WithHyperparameterSearch(false))

	err := gp.Fit(X, y)
	require.NoError(t, err)
	assert.Equal(t, 0.1, gp.NoiseVariance())

	// Predict at training points - should not interpolate exactly due to noise
	means, stds, err := gp.Predict(X)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.AtVec(i), means.AtVec(i), 0.5, "prediction should be close to training data")
		assert.NotEqual(t, y.AtVec(i), means.AtVec(i), "noisy fit should not interpolate exactly")
		assert.Greater(t, stds.AtVec(i), MinStd, "std should be above the floor")
	}
}

func TestGPErrorHandling(t *testing.T) {
	// Test error cases
	kernel := kernels.NewRBFKernel(1.0, 1.0)
	gp := NewGP(kernel, 1e-6)

	t.Run("empty input", func(t *testing.T) {
		var emptyX *mat.Dense
		var emptyY *mat.VecDense

		err := gp.Fit(emptyX, emptyY)
		require.Error(t, err, "should error on nil input")
		assert.Contains(t, err.Error(), "input matrices must not be nil", "error should indicate nil input")

		// Zero-length but non-nil inputs
		err = gp.Fit(&mat.Dense{}, &mat.VecDense{})
		require.Error(t, err, "should error on zero-length input")
		assert.Contains(t, err.Error(), "input matrix X must not be empty", "error should indicate empty input")
	})

	t.Run("mismatched dimensions", func(t *testing.T) {
		X := mat.NewDense(3, 1, []float64{1, 2, 3})
		y := mat.NewVecDense(2, []float64{1, 2}) // Wrong length
		err := gp.Fit(X, y)
		require.Error(t, err, "should error on mismatched dimensions")
		assert.Contains(t, err.Error(), "dimension mismatch: X has 3 samples but y has length 2", "error should indicate dimension mismatch")

		optErr, ok := optimization.IsOptimizationError(err)
		require.True(t, ok)
		assert.Equal(t, "gaussian_process", optErr.Component)
		assert.Equal(t, "GP.Fit", optErr.Op)
		assert.NotErrorIs(t, err, optimization.ErrSurrogateFit, "bad input is not a fit failure")
	})

	t.Run("kernel dimension mismatch", func(t *testing.T) {
		ard := NewGP(kernels.NewARDRBFKernel([]float64{1, 1, 1}, 1.0), 1e-6)
		err := ard.Fit(mat.NewDense(2, 2, []float64{0, 0, 1, 1}), mat.NewVecDense(2, []float64{0, 1}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "length-scales")
	})

	t.Run("predict without fit", func(t *testing.T) {
		_, _, err := gp.Predict(mat.NewDense(1, 1, []float64{0}))
		require.Error(t, err, "should error when predicting without fitting")
		assert.Contains(t, err.Error(), "model not trained or no training data", "error should indicate model not fitted")
	})

	t.Run("predict with wrong feature count", func(t *testing.T) {
		fitted := NewGP(kernels.NewRBFKernel(1.0, 1.0), 1e-6)
		require.NoError(t, fitted.Fit(mat.NewDense(2, 1, []float64{0, 1}), mat.NewVecDense(2, []float64{0, 1})))
		_, _, err := fitted.Predict(mat.NewDense(1, 2, []float64{0, 0}))
		require.Error(t, err)
	})
}

func TestGPSingularMatrix(t *testing.T) {
	// Test handling of singular matrix (duplicate points)
	X := mat.NewDense(3, 1, []float64{1.0, 1.0, 1.0}) // All points the same
	y := mat.NewVecDense(3, []float64{1.0, 1.0, 1.1}) // Slightly different y values

	kernel := kernels.NewRBFKernel(1.0, 1.0)
	gp := NewGP(kernel, 0, WithHyperparameterSearch(false))

	// This should add jitter and succeed
	err := gp.Fit(X, y)
	require.NoError(t, err)

	// Should be able to make predictions
	testX := mat.NewDense(1, 1, []float64{1.0})
	_, stds, err := gp.Predict(testX)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stds.AtVec(0), MinStd, "std should respect the floor")
}

func TestGPFitFailsWhenJitterCannotHelp(t *testing.T) {
	X := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewVecDense(2, []float64{0, 1})

	// A negative noise term keeps the diagonal negative for every jitter tried
	gp := NewGP(kernels.NewRBFKernel(1.0, 1.0), -10, WithHyperparameterSearch(false))
	err := gp.Fit(X, y)
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrSurrogateFit)
}

func TestGPBatchPredict(t *testing.T) {
	// Test batch prediction
	X := mat.NewDense(5, 1, []float64{-2, -1, 0, 1, 2})
	y := mat.NewVecDense(5, []float64{4, 1, 0, 1, 4}) // x^2

	kernel := kernels.NewRBFKernel(1.0, 1.0)
	gp := NewGP(kernel, 1e-6)

	err := gp.Fit(X, y)
	require.NoError(t, err)

	// Test points
	testX := mat.NewDense(3, 1, []float64{-0.5, 0.5, 1.5})
	means, stds, err := gp.Predict(testX)
	require.NoError(t, err)

	// Check dimensions
	nPoints, _ := testX.Dims()
	assert.Equal(t, nPoints, means.Len(), "means length should match number of test points")
	assert.Equal(t, nPoints, stds.Len(), "stds length should match number of test points")

	// Check predictions are reasonable
	for i := 0; i < nPoints; i++ {
		x := testX.At(i, 0)
		expectedY := x * x
		assert.InDelta(t, expectedY, means.AtVec(i), 0.5, "prediction should be close to x^2")
		assert.Greater(t, stds.AtVec(i), 0.0, "std should be positive")
	}
}

func TestGPUncertaintyGrowsAwayFromData(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{0.0, 0.1, 0.2, 0.3})
	y := mat.NewVecDense(4, []float64{0.0, 0.5, 0.8, 0.9})

	gp := NewGP(kernels.NewMatern52Kernel(0.2, 1.0), 1e-6, WithHyperparameterSearch(false))
	require.NoError(t, gp.Fit(X, y))

	_, nearStd, err := gp.PredictPoint([]float64{0.1})
	require.NoError(t, err)
	_, farStd, err := gp.PredictPoint([]float64{1.0})
	require.NoError(t, err)

	assert.Greater(t, farStd, nearStd)
}

func TestGPHyperparameterSearchImprovesLikelihood(t *testing.T) {
	n := 12
	X := mat.NewDense(n, 1, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		X.Set(i, 0, x)
		y.SetVec(i, math.Sin(12*x))
	}

	fixed := NewGP(kernels.NewMatern52Kernel(1.0, 1.0), 1e-6, WithHyperparameterSearch(false))
	require.NoError(t, fixed.Fit(X, y))

	searched := NewGP(kernels.NewMatern52Kernel(1.0, 1.0), 1e-6)
	require.NoError(t, searched.Fit(X, y))

	assert.GreaterOrEqual(t, searched.LogMarginalLikelihood(), fixed.LogMarginalLikelihood())
	for _, p := range searched.Kernel().Hyperparameters() {
		assert.False(t, math.IsNaN(p))
		assert.Greater(t, p, 0.0)
	}
}
