package optimization

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// testObjectiveFunc is a simple quadratic objective over every real parameter
func testObjectiveFunc(_ context.Context, params Params) (float64, error) {
	sum := 0.0
	for _, v := range params {
		if x, ok := v.(float64); ok {
			sum += x * x
		}
	}
	return sum, nil
}

// testNoisyObjectiveFunc adds random noise to the objective function
func testNoisyObjectiveFunc(noiseScale float64, rng *rand.Rand) ObjectiveFunction {
	return func(ctx context.Context, params Params) (float64, error) {
		val, _ := testObjectiveFunc(ctx, params)
		return val + noiseScale*(rng.Float64()-0.5), nil
	}
}

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// mixedSpace covers every dimension kind
func mixedSpace(t *testing.T) *Space {
	t.Helper()
	s, err := NewSpace(
		Real("x", -5, 5),
		LogReal("lr", 1e-4, 1),
		Integer("depth", 1, 8),
		Categorical("kernel", "linear", "poly", "rbf"),
	)
	require.NoError(t, err)
	return s
}
