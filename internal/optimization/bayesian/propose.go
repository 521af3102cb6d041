package bayesian

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/cwbudde/mayfly"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/acquisition"
)

// flatTolerance is the score spread under which the acquisition surface is
// treated as flat.
const flatTolerance = 1e-12

// scoreBatch is the number of candidates predicted per GP call.
const scoreBatch = 256

// Proposer picks the next point to evaluate by maximizing an acquisition
// function over the encoded search space.
//
// A random candidate pool is scored in parallel; the best few candidates
// are then refined locally. Refinement works on snapped vectors, so it
// never proposes an encoding outside the space.
type Proposer struct {
	space       *optimization.Space
	acq         acquisition.Function
	nCandidates int
	nRefine     int
	workers     int
	method      string
	maxIter     int
	logger      *zap.Logger
}

// ProposerConfig configures a Proposer.
type ProposerConfig struct {
	NCandidates int
	NRefine     int
	Workers     int
	// Method is one of the optimization.AcqOptimizer* names
	Method string
	// MaxIterations caps each local refinement
	MaxIterations int
}

// NewProposer creates a proposer over space.
func NewProposer(space *optimization.Space, acq acquisition.Function, cfg ProposerConfig, logger *zap.Logger) *Proposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.NCandidates < 1 {
		cfg.NCandidates = optimization.DefaultNCandidates
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 100
	}
	if cfg.Method == "" {
		cfg.Method = optimization.AcqOptimizerNelderMead
	}
	return &Proposer{
		space:       space,
		acq:         acq,
		nCandidates: cfg.NCandidates,
		nRefine:     cfg.NRefine,
		workers:     cfg.Workers,
		method:      cfg.Method,
		maxIter:     cfg.MaxIterations,
		logger:      logger.Named("proposer"),
	}
}

// candidate is an encoded point and its acquisition score.
type candidate struct {
	x     []float64
	score float64
}

// Propose returns the encoded vector of the next point. best is the
// incumbent objective value; rng drives the candidate pool and the
// refinement seeds.
func (p *Proposer) Propose(ctx context.Context, gp *GP, best float64, rng *rand.Rand) ([]float64, error) {
	p.acq.UpdateBest(best)

	cands, err := p.candidatePool(rng)
	if err != nil {
		return nil, err
	}

	if err := p.score(ctx, gp, cands); err != nil {
		return nil, err
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range cands {
		lo = math.Min(lo, c.score)
		hi = math.Max(hi, c.score)
	}
	if !(hi-lo > flatTolerance) {
		p.logger.Debug("Acquisition surface is flat, proposing a random point",
			zap.Float64("max_score", hi))
		return p.randomVector(rng)
	}

	// Highest score first; stable keeps the earliest candidate on ties
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	winner := cands[0]

	if p.nRefine > 0 && p.method != optimization.AcqOptimizerSampling && p.space.HasContinuous() {
		nRefine := p.nRefine
		if nRefine > len(cands) {
			nRefine = len(cands)
		}
		refined := p.refine(ctx, gp, cands[:nRefine], rng)
		for _, c := range refined {
			if c.score > winner.score {
				winner = c
			}
		}
	}

	p.logger.Debug("Proposed next point",
		zap.Float64("acquisition", winner.score),
		zap.Float64s("encoded", winner.x))

	return winner.x, nil
}

func (p *Proposer) candidatePool(rng *rand.Rand) ([]candidate, error) {
	points, err := p.space.SampleRandom(p.nCandidates, rng)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, len(points))
	for i, pt := range points {
		x, err := p.space.Encode(pt)
		if err != nil {
			return nil, err
		}
		cands[i] = candidate{x: x}
	}
	return cands, nil
}

func (p *Proposer) randomVector(rng *rand.Rand) ([]float64, error) {
	points, err := p.space.SampleRandom(1, rng)
	if err != nil {
		return nil, err
	}
	return p.space.Encode(points[0])
}

// score fills in the acquisition value of every candidate, predicting in
// batches across at most p.workers goroutines.
func (p *Proposer) score(ctx context.Context, gp *GP, cands []candidate) error {
	d := p.space.EncodedLen()
	workers := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(p.workers)

	for start := 0; start < len(cands); start += scoreBatch {
		end := start + scoreBatch
		if end > len(cands) {
			end = len(cands)
		}
		batch := cands[start:end]
		workers.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			X := mat.NewDense(len(batch), d, nil)
			for i, c := range batch {
				X.SetRow(i, c.x)
			}
			mean, std, err := gp.Predict(X)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].score = p.acq.Compute(mean.AtVec(i), std.AtVec(i))
			}
			return nil
		})
	}

	return workers.Wait()
}

// acquisitionAt scores a raw vector after clamping and snapping it.
func (p *Proposer) acquisitionAt(gp *GP, x []float64) (float64, []float64) {
	snapped := p.space.Snap(x)
	mu, sigma, err := gp.PredictPoint(snapped)
	if err != nil {
		return math.Inf(-1), snapped
	}
	return p.acq.Compute(mu, sigma), snapped
}

// refine runs a local search from each start in parallel and returns the
// snapped results with their scores.
func (p *Proposer) refine(ctx context.Context, gp *GP, starts []candidate, rng *rand.Rand) []candidate {
	seeds := make([]int64, len(starts))
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	// Results are written by index so the winner does not depend on
	// goroutine scheduling
	refined := make([]candidate, len(starts))
	workers := pool.New().WithMaxGoroutines(p.workers)
	for i, start := range starts {
		workers.Go(func() {
			refined[i] = start
			if ctx.Err() != nil {
				return
			}
			switch p.method {
			case optimization.AcqOptimizerMayfly:
				refined[i] = p.refineMayfly(gp, start, seeds[i])
			default:
				refined[i] = p.refineNelderMead(gp, start)
			}
		})
	}
	workers.Wait()

	return refined
}

func (p *Proposer) refineNelderMead(gp *GP, start candidate) candidate {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			score, _ := p.acquisitionAt(gp, x)
			return -score
		},
	}

	settings := &optimize.Settings{
		MajorIterations: p.maxIter,
		FuncEvaluations: 4 * p.maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 20,
		},
	}

	method := &optimize.NelderMead{
		Reflection:  1.0,
		Expansion:   2.0,
		Contraction: 0.5,
		Shrink:      0.5,
		SimplexSize: 0.05,
	}

	result, err := optimize.Minimize(problem, start.x, settings, method)
	if result == nil {
		p.logger.Debug("Local refinement failed", zap.Error(err))
		return start
	}

	score, snapped := p.acquisitionAt(gp, result.X)
	if score > start.score {
		return candidate{x: snapped, score: score}
	}
	return start
}

func (p *Proposer) refineMayfly(gp *GP, start candidate, seed int64) candidate {
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(x []float64) float64 {
		score, _ := p.acquisitionAt(gp, x)
		return -score
	}
	config.ProblemSize = p.space.EncodedLen()
	config.MaxIterations = p.maxIter
	config.NPop = 20
	// The encoded space is the unit hypercube in every coordinate
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		p.logger.Debug("Mayfly refinement failed", zap.Error(err))
		return start
	}

	score, snapped := p.acquisitionAt(gp, result.GlobalBest.Position)
	if score > start.score {
		return candidate{x: snapped, score: score}
	}
	return start
}
