package bayesian

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/kernels"
)

const gpComponent = "gaussian_process"

// MinStd is the floor applied to predicted standard deviations.
const MinStd = 1e-9

const (
	// maxJitterAttempts bounds the nugget increases before a fit fails.
	maxJitterAttempts = 10
	// failedLikelihood is returned for hyperparameters whose covariance
	// cannot be factorized.
	failedLikelihood = 1e25
)

// Hyperparameter bounds, in natural scale, for standardized targets and
// inputs encoded in the unit hypercube.
var (
	lengthScaleBounds = [2]float64{1e-2, 1e2}
	signalVarBounds   = [2]float64{1e-2, 1e2}
	noiseVarBounds    = [2]float64{1e-10, 1e-1}
)

// GP implements a Gaussian Process model for Bayesian Optimization
type GP struct {
	// Kernel function
	kernel kernels.Kernel

	// Noise variance, in standardized target units
	noiseVar float64

	// Smallest diagonal jitter tried in the final factorization
	nugget float64

	// Hyperparameter search settings
	optimizeHyper bool
	nRestarts     int
	maxIter       int
	rng           *rand.Rand

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Standardized target values (n_samples)

	yMean, yStd float64

	// Precomputed values
	alpha  *mat.VecDense
	L      *mat.Cholesky
	jitter float64

	// priorOnly is set when fewer than two observations were fitted
	priorOnly bool

	// Matrix pool for reusing matrix allocations
	matrixPool *MatrixPool

	// Logger for structured logging
	logger *zap.Logger
}

// GPOption configures a GP.
type GPOption func(*GP)

// WithGPLogger sets the logger.
func WithGPLogger(logger *zap.Logger) GPOption {
	return func(gp *GP) {
		if logger != nil {
			gp.logger = logger.Named("gaussian_process")
		}
	}
}

// WithHyperparameterSearch enables or disables marginal likelihood
// maximization in Fit. It is enabled by default.
func WithHyperparameterSearch(enabled bool) GPOption {
	return func(gp *GP) { gp.optimizeHyper = enabled }
}

// WithRestarts sets the number of random restarts of the likelihood search.
func WithRestarts(n int) GPOption {
	return func(gp *GP) { gp.nRestarts = n }
}

// WithMaxIterations caps the iterations of each likelihood search.
func WithMaxIterations(n int) GPOption {
	return func(gp *GP) { gp.maxIter = n }
}

// WithNugget sets the initial diagonal jitter.
func WithNugget(nugget float64) GPOption {
	return func(gp *GP) { gp.nugget = nugget }
}

// WithRand sets the source for restart points.
func WithRand(rng *rand.Rand) GPOption {
	return func(gp *GP) { gp.rng = rng }
}

// NewGP creates a new Gaussian Process model
func NewGP(kernel kernels.Kernel, noiseVar float64, opts ...GPOption) *GP {
	gp := &GP{
		kernel:        kernel,
		noiseVar:      noiseVar,
		nugget:        optimization.DefaultNugget,
		optimizeHyper: true,
		nRestarts:     optimization.DefaultNRestarts,
		maxIter:       200,
		rng:           rand.New(rand.NewSource(1)),
		yStd:          1,
		matrixPool:    NewMatrixPool(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(gp)
	}
	return gp
}

func fitError(op string, err error, format string, args ...interface{}) error {
	return optimization.WrapKind(optimization.ErrSurrogateFit, err, fmt.Sprintf(format, args...)).
		WithComponent(gpComponent).WithOperation(op)
}

// Fit fits the GP model to the training data. Targets are standardized,
// the kernel hyperparameters and noise are chosen by maximizing the log
// marginal likelihood, and the covariance is factorized from scratch.
//
// With a single observation the model is prior-only: a flat mean at that
// value and constant variance.
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return optimization.NewError("input matrices must not be nil").WithComponent(gpComponent).WithOperation(op)
	}

	nSamples, nFeatures := X.Dims()
	yLen := y.Len()

	if nSamples == 0 || nFeatures == 0 {
		return optimization.NewError("input matrix X must not be empty").WithComponent(gpComponent).WithOperation(op)
	}

	if nSamples != yLen {
		return optimization.NewErrorf("dimension mismatch: X has %d samples but y has length %d",
			nSamples, yLen).WithComponent(gpComponent).WithOperation(op)
	}

	if nLS := len(gp.kernel.Hyperparameters()) - 1; nLS != 1 && nLS != nFeatures {
		return optimization.NewErrorf("kernel has %d length-scales but inputs have %d features",
			nLS, nFeatures).WithComponent(gpComponent).WithOperation(op)
	}

	gp.X = mat.DenseCopyOf(X)
	gp.standardize(y)

	if nSamples < 2 {
		gp.priorOnly = true
		gp.alpha, gp.L = nil, nil
		gp.logger.Debug("Fewer than two observations, using prior-only model",
			zap.Int("samples", nSamples),
			zap.Float64("prior_mean", gp.yMean),
		)
		return nil
	}
	gp.priorOnly = false

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("noise_var", gp.noiseVar),
	)

	if gp.optimizeHyper {
		gp.searchHyperparameters()
	}

	if err := gp.factorize(); err != nil {
		return err
	}

	gp.logger.Debug("Successfully fitted GP model",
		zap.Int("samples", nSamples),
		zap.Float64s("hyperparameters", gp.kernel.Hyperparameters()),
		zap.Float64("noise_var", gp.noiseVar),
		zap.Float64("jitter", gp.jitter),
	)

	return nil
}

// standardize stores y shifted to zero mean and scaled to unit variance.
// A constant target keeps unit scale.
func (gp *GP) standardize(y *mat.VecDense) {
	n := y.Len()
	mean := 0.0
	for i := 0; i < n; i++ {
		mean += y.AtVec(i)
	}
	mean /= float64(n)

	variance := 0.0
	for i := 0; i < n; i++ {
		d := y.AtVec(i) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))
	if std < 1e-12 || math.IsNaN(std) {
		std = 1
	}

	gp.yMean, gp.yStd = mean, std
	gp.y = mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		gp.y.SetVec(i, (y.AtVec(i)-mean)/std)
	}
}

// factorize computes the Cholesky factor of K + (noise + jitter)·I and
// alpha = K⁻¹y, growing the jitter tenfold on each failed attempt.
func (gp *GP) factorize() error {
	const op = "GP.factorize"

	n := gp.y.Len()
	K := gp.matrixPool.GetSymDense(n)
	defer gp.matrixPool.PutSymDense(K)

	jitter := gp.nugget
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		computeKernelMatrix(gp.kernel, gp.X, K)
		for i := 0; i < n; i++ {
			K.SetSym(i, i, K.At(i, i)+gp.noiseVar+jitter)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(K); !ok {
			gp.logger.Debug("Cholesky factorization failed, increasing jitter",
				zap.Int("attempt", attempt+1),
				zap.Float64("jitter", jitter))
			jitter *= 10
			continue
		}

		alpha := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(alpha, gp.y); err != nil {
			gp.logger.Debug("Cholesky solve failed, increasing jitter",
				zap.Error(err),
				zap.Int("attempt", attempt+1))
			jitter *= 10
			continue
		}

		gp.L = &chol
		gp.alpha = alpha
		gp.jitter = jitter
		return nil
	}

	return fitError(op, nil, "covariance matrix not positive definite after %d jitter increases (last jitter %g)",
		maxJitterAttempts, jitter/10)
}

// computeKernelMatrix fills K with k(x_i, x_j) over the rows of X.
func computeKernelMatrix(kernel kernels.Kernel, X *mat.Dense, K *mat.SymDense) {
	n, _ := X.Dims()
	for i := 0; i < n; i++ {
		x1 := X.RawRowView(i)
		K.SetSym(i, i, kernel.Eval(x1, x1))
		for j := i + 1; j < n; j++ {
			K.SetSym(i, j, kernel.Eval(x1, X.RawRowView(j)))
		}
	}
}

// searchHyperparameters minimizes the negative log marginal likelihood over
// log(length-scales, signal variance, noise variance) with multi-start
// Nelder-Mead. The previous fit is always one of the starts.
func (gp *GP) searchHyperparameters() {
	nKernel := len(gp.kernel.Hyperparameters())
	lower, upper := gp.logBounds(nKernel)

	starts := make([][]float64, 0, gp.nRestarts+1)
	starts = append(starts, clampVec(gp.logHyperparameters(), lower, upper))
	for i := 0; i < gp.nRestarts; i++ {
		start := make([]float64, len(lower))
		for j := range start {
			start[j] = lower[j] + gp.rng.Float64()*(upper[j]-lower[j])
		}
		starts = append(starts, start)
	}

	work := gp.kernel.Clone()
	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			return gp.negLogMarginalLikelihood(work, clampVec(theta, lower, upper))
		},
	}

	settings := &optimize.Settings{
		MajorIterations: gp.maxIter,
		FuncEvaluations: 4 * gp.maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 25,
		},
	}

	bestTheta := starts[0]
	bestVal := gp.negLogMarginalLikelihood(work, bestTheta)

	for _, start := range starts {
		method := &optimize.NelderMead{SimplexSize: 0.5}
		result, err := optimize.Minimize(problem, start, settings, method)
		if result == nil {
			gp.logger.Debug("Likelihood search failed", zap.Error(err))
			continue
		}
		if result.F < bestVal {
			bestVal = result.F
			bestTheta = clampVec(result.X, lower, upper)
		}
	}

	gp.setLogHyperparameters(gp.kernel, bestTheta)
	gp.noiseVar = math.Exp(bestTheta[len(bestTheta)-1])

	gp.logger.Debug("Selected kernel hyperparameters",
		zap.Float64("neg_log_marginal_likelihood", bestVal),
		zap.Int("starts", len(starts)),
	)
}

// logBounds returns bounds for log(kernel params..., noise).
func (gp *GP) logBounds(nKernel int) (lower, upper []float64) {
	lower = make([]float64, nKernel+1)
	upper = make([]float64, nKernel+1)
	for i := 0; i < nKernel-1; i++ {
		lower[i], upper[i] = math.Log(lengthScaleBounds[0]), math.Log(lengthScaleBounds[1])
	}
	lower[nKernel-1], upper[nKernel-1] = math.Log(signalVarBounds[0]), math.Log(signalVarBounds[1])
	lower[nKernel], upper[nKernel] = math.Log(noiseVarBounds[0]), math.Log(noiseVarBounds[1])
	return lower, upper
}

func (gp *GP) logHyperparameters() []float64 {
	params := gp.kernel.Hyperparameters()
	theta := make([]float64, len(params)+1)
	for i, p := range params {
		theta[i] = math.Log(p)
	}
	theta[len(params)] = math.Log(math.Max(gp.noiseVar, noiseVarBounds[0]))
	return theta
}

func (gp *GP) setLogHyperparameters(kernel kernels.Kernel, theta []float64) {
	params := make([]float64, len(theta)-1)
	for i := range params {
		params[i] = math.Exp(theta[i])
	}
	// theta is clamped to finite bounds, so this cannot fail
	_ = kernel.SetHyperparameters(params)
}

func clampVec(x, lower, upper []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			v = lower[i]
		}
		out[i] = math.Max(lower[i], math.Min(v, upper[i]))
	}
	return out
}

// Predict returns the posterior mean and standard deviation of the latent
// function at the rows of X, in the original target units. Standard
// deviations are floored at MinStd.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, optimization.NewError("input matrix X is nil").
			WithComponent(gpComponent).WithOperation(op)
	}

	if gp == nil || gp.X == nil {
		return nil, nil, optimization.NewError("model not trained or no training data").
			WithComponent(gpComponent).WithOperation(op)
	}

	nTest, nFeatures := X.Dims()
	nTrain, trainFeatures := gp.X.Dims()
	if nFeatures != trainFeatures {
		return nil, nil, optimization.NewErrorf("test points have %d features, training data has %d",
			nFeatures, trainFeatures).WithComponent(gpComponent).WithOperation(op)
	}

	mean := mat.NewVecDense(nTest, nil)
	std := mat.NewVecDense(nTest, nil)

	if gp.priorOnly {
		priorStd := math.Max(math.Sqrt(gp.kernel.SignalVariance())*gp.yStd, MinStd)
		for i := 0; i < nTest; i++ {
			mean.SetVec(i, gp.yMean)
			std.SetVec(i, priorStd)
		}
		return mean, std, nil
	}

	// Compute kernel matrix between test and training points
	Kstar := gp.matrixPool.GetDense(nTest, nTrain)
	defer gp.matrixPool.PutDense(Kstar)
	Kss := make([]float64, nTest)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		Kss[i] = gp.kernel.Eval(xStar, xStar)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	// Compute mean: K* * alpha
	mean.MulVec(Kstar, gp.alpha)

	// Compute variance: diag(K** - K* K⁻¹ K*ᵀ)
	W := gp.matrixPool.GetDense(nTrain, nTest)
	defer gp.matrixPool.PutDense(W)
	if err := gp.L.SolveTo(W, Kstar.T()); err != nil {
		return nil, nil, optimization.WrapErrorf(err, "solve for %d test points", nTest).
			WithComponent(gpComponent).WithOperation(op)
	}

	for i := 0; i < nTest; i++ {
		var quad float64
		for j := 0; j < nTrain; j++ {
			quad += Kstar.At(i, j) * W.At(j, i)
		}
		variance := Kss[i] - quad
		if variance < 0 {
			// Numerical noise at training points
			variance = 0
		}
		mean.SetVec(i, mean.AtVec(i)*gp.yStd+gp.yMean)
		std.SetVec(i, math.Max(math.Sqrt(variance)*gp.yStd, MinStd))
	}

	return mean, std, nil
}

// PredictPoint predicts at a single encoded vector.
func (gp *GP) PredictPoint(x []float64) (float64, float64, error) {
	mean, std, err := gp.Predict(mat.NewDense(1, len(x), append([]float64(nil), x...)))
	if err != nil {
		return 0, 0, err
	}
	return mean.AtVec(0), std.AtVec(0), nil
}

// Kernel returns the fitted kernel.
func (gp *GP) Kernel() kernels.Kernel { return gp.kernel }

// NoiseVariance returns the fitted noise variance in standardized units.
func (gp *GP) NoiseVariance() float64 { return gp.noiseVar }

// PriorOnly reports whether the last fit had fewer than two observations.
func (gp *GP) PriorOnly() bool { return gp.priorOnly }
