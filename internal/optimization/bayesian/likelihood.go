package bayesian

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/smbo/internal/optimization/kernels"
)

// negLogMarginalLikelihood evaluates
//
//	0.5·yᵀK⁻¹y + 0.5·log|K| + 0.5·n·log(2π)
//
// for K = k(X, X) + noise·I under the log-hyperparameters theta, whose last
// entry is the log noise variance. kernel is overwritten with theta.
func (gp *GP) negLogMarginalLikelihood(kernel kernels.Kernel, theta []float64) float64 {
	gp.setLogHyperparameters(kernel, theta)
	noise := math.Exp(theta[len(theta)-1])

	n := gp.y.Len()
	K := gp.matrixPool.GetSymDense(n)
	defer gp.matrixPool.PutSymDense(K)

	computeKernelMatrix(kernel, gp.X, K)
	for i := 0; i < n; i++ {
		K.SetSym(i, i, K.At(i, i)+noise+gp.nugget)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(K); !ok {
		return failedLikelihood
	}

	alpha := gp.matrixPool.GetVecDense(n)
	defer gp.matrixPool.PutVecDense(alpha)
	if err := chol.SolveVecTo(alpha, gp.y); err != nil {
		return failedLikelihood
	}

	nll := 0.5*mat.Dot(gp.y, alpha) + 0.5*chol.LogDet() + 0.5*float64(n)*math.Log(2*math.Pi)
	if math.IsNaN(nll) || math.IsInf(nll, 0) {
		return failedLikelihood
	}
	return nll
}

// LogMarginalLikelihood returns the log marginal likelihood of the
// standardized training targets under the current hyperparameters. It is
// NaN before a fit with at least two observations.
func (gp *GP) LogMarginalLikelihood() float64 {
	if gp.X == nil || gp.priorOnly {
		return math.NaN()
	}
	nll := gp.negLogMarginalLikelihood(gp.kernel.Clone(), gp.logHyperparameters())
	if nll == failedLikelihood {
		return math.Inf(-1)
	}
	return -nll
}
