package bayesian

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/acquisition"
	"github.com/copyleftdev/smbo/internal/optimization/kernels"
)

func fittedGP(t *testing.T, X *mat.Dense, y *mat.VecDense) *GP {
	t.Helper()
	_, d := X.Dims()
	ls := make([]float64, d)
	for i := range ls {
		ls[i] = 0.2
	}
	gp := NewGP(kernels.NewARDMatern52Kernel(ls, 1.0), 1e-6, WithHyperparameterSearch(false))
	require.NoError(t, gp.Fit(X, y))
	return gp
}

func TestProposerFindsLowRegion(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Real("x", 0, 1))
	require.NoError(t, err)

	// Samples of (x - 0.7)^2
	xs := []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}
	X := mat.NewDense(len(xs), 1, append([]float64(nil), xs...))
	y := mat.NewVecDense(len(xs), nil)
	best := math.Inf(1)
	for i, x := range xs {
		v := (x - 0.7) * (x - 0.7)
		y.SetVec(i, v)
		best = math.Min(best, v)
	}
	gp := fittedGP(t, X, y)

	for _, method := range []string{optimization.AcqOptimizerNelderMead, optimization.AcqOptimizerMayfly} {
		t.Run(method, func(t *testing.T) {
			acq := acquisition.NewExpectedImprovement(math.Inf(1), 0.0001)
			p := NewProposer(space, acq, ProposerConfig{NCandidates: 500, NRefine: 3, Workers: 2, Method: method}, nil)

			x, err := p.Propose(context.Background(), gp, best, rand.New(rand.NewSource(1)))
			require.NoError(t, err)
			require.Len(t, x, 1)
			assert.InDelta(t, 0.7, x[0], 0.15)
			assert.Equal(t, best, acq.BestObserved())
		})
	}
}

func TestProposerFlatSurfaceFallsBackToRandom(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Real("x", 0, 1), optimization.Real("y", 0, 1))
	require.NoError(t, err)

	// Prior-only model: every candidate has the same mean and std
	gp := NewGP(kernels.NewMatern52Kernel(1.0, 1.0), 1e-6)
	require.NoError(t, gp.Fit(mat.NewDense(1, 2, []float64{0.5, 0.5}), mat.NewVecDense(1, []float64{3})))

	acq := acquisition.NewExpectedImprovement(math.Inf(1), 0.01)
	p := NewProposer(space, acq, ProposerConfig{NCandidates: 50, NRefine: 2, Workers: 2}, nil)

	a, err := p.Propose(context.Background(), gp, 3, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, err := p.Propose(context.Background(), gp, 3, rand.New(rand.NewSource(10)))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "different seeds should give different random points")
	assert.True(t, space.Contains(space.Decode(a)))
}

func TestProposerCategoricalOnlySkipsRefinement(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Categorical("c", "a", "b", "c"))
	require.NoError(t, err)

	X := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 0,
	})
	y := mat.NewVecDense(2, []float64{1, 2})
	gp := fittedGP(t, X, y)

	acq := acquisition.NewExpectedImprovement(math.Inf(1), 0.01)
	p := NewProposer(space, acq, ProposerConfig{NCandidates: 100, NRefine: 5, Workers: 2}, nil)

	x, err := p.Propose(context.Background(), gp, 1, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	// A proposal is always a one-hot vector
	ones := 0
	for _, v := range x {
		if v == 1 {
			ones++
		} else {
			assert.Equal(t, 0.0, v)
		}
	}
	assert.Equal(t, 1, ones)
	assert.Contains(t, []string{"a", "b", "c"}, space.Decode(x)[0])
}

func TestProposerRespectsCancellation(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Real("x", 0, 1))
	require.NoError(t, err)
	gp := fittedGP(t, mat.NewDense(2, 1, []float64{0, 1}), mat.NewVecDense(2, []float64{0, 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProposer(space, acquisition.NewExpectedImprovement(0, 0.01), ProposerConfig{NCandidates: 1000, Workers: 2}, nil)
	_, err = p.Propose(ctx, gp, 0, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatrixPoolReturnsRequestedSizes(t *testing.T) {
	pool := NewMatrixPool()

	s := pool.GetSymDense(4)
	assert.Equal(t, 4, s.SymmetricDim())
	pool.PutSymDense(s)
	assert.Equal(t, 3, pool.GetSymDense(3).SymmetricDim())

	d := pool.GetDense(2, 5)
	r, c := d.Dims()
	assert.Equal(t, []int{2, 5}, []int{r, c})
	pool.PutDense(d)

	v := pool.GetVecDense(7)
	assert.Equal(t, 7, v.Len())
	pool.PutVecDense(v)

	assert.NotPanics(t, func() {
		pool.PutSymDense(nil)
		pool.PutDense(nil)
		pool.PutVecDense(nil)
	})
}
