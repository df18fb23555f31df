package ho

import (
	"math"
	"math/rand"
)

//////
// Const, vars, types.
//////

// AcquisitionFunc defines the signature for acquisition functions used by the
// Bayesian sampler. These functions help decide which point of the search
// space should be tried next.
//
// Parameters:
// - mean: The predicted loss at a point (lower is better)
// - variance: The predicted variance/uncertainty at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Returns:
// - float64: Acquisition value (lower values indicate more promising points)
//
// Built-in acquisition functions:
// - UCB: Upper Confidence Bound
// - ProbabilityOfImprovement: Probability of finding better value
// - ExpectedImprovement: Expected magnitude of improvement
// - ThompsonSampling: Random sampling from posterior
//
// Usage example:
//
//	cfg := DefaultConfig()
//	cfg.AcquisitionFunc = ExpectedImprovement
//	cfg.AcqParams.Xi = 0.05
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by the acquisition functions to
// balance exploring new areas against focusing on areas known to be good.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off of UCB. Typical
	// values range from 0.1 to 5.0, with 2.0 being a good default.
	Beta float64

	// Xi is the minimum improvement PI and EI look for. Typical values range
	// from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the lowest loss observed so far. The sampler keeps it up
	// to date.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson Sampling.
	// The sampler replaces it with its own seeded generator.
	RandomState *rand.Rand
}

// OptimizationConfig tunes the Bayesian sampler.
//
// Fields explanation:
// - InitialSamples: Number of random trials before the surrogate is used
// - NumCandidates: Number of random candidates scored per suggestion
// - AcquisitionFunc: Strategy for choosing the next point
// - AcqParams: Parameters for the acquisition function
// - KernelWidth: Width of the surrogate's RBF kernel over [0, 1] inputs
//
// Performance impact notes:
// - Higher InitialSamples = Better model but more blind trials
// - Higher NumCandidates = Better suggestions but slower suggestion
type OptimizationConfig struct {
	// InitialSamples determines how many random points are tried before the
	// Gaussian Process drives the search.
	// Recommended range: 5-20
	InitialSamples int

	// NumCandidates determines how many random candidates are scored before
	// the most promising one is suggested.
	// Recommended range: 50-500
	NumCandidates int

	// AcquisitionFunc determines the strategy for selecting the next point.
	AcquisitionFunc AcquisitionFunc

	// AcqParams holds the parameters for the acquisition function.
	AcqParams AcquisitionParams

	// KernelWidth is the RBF kernel width of the surrogate. Zero keeps 0.2.
	// Recommended range: 0.05-0.5
	KernelWidth float64
}

func (c OptimizationConfig) isZero() bool {
	return c.InitialSamples == 0 && c.NumCandidates == 0 && c.AcquisitionFunc == nil
}

//////
// Exported functionalities.
//////

// DefaultConfig returns a default configuration.
func DefaultConfig() OptimizationConfig {
	return OptimizationConfig{
		InitialSamples:  5,
		NumCandidates:   50,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			BestSoFar: math.MaxFloat64,
			Beta:      2.0,
			Xi:        0.01,
		},
	}
}

//////
// Bayesian sampler.
//////

// bayesianSampler suggests points with a Gaussian Process surrogate fitted to
// the losses of completed trials.
//
// How it works:
//  1. Suggests InitialSamples random untried points to build the model
//  2. Then, for every suggestion:
//     - Generates NumCandidates random untried candidate points
//     - Uses the Gaussian Process to predict the loss at each point
//     - Uses AcquisitionFunc to select the most promising point
//
// Trials run concurrently, so a suggestion is produced before the losses of
// the previous ones are known. Points already suggested are never suggested
// again while untried points are likely to remain.
type bayesianSampler struct {
	space  searchSpace
	config OptimizationConfig
	rng    *rand.Rand
	gp     *gaussianProcess
	seen   map[string]struct{}

	// suggested counts every point handed out, observed or not.
	suggested int
}

func newBayesianSampler(space searchSpace, config OptimizationConfig, rng *rand.Rand) *bayesianSampler {
	if config.isZero() {
		width := config.KernelWidth
		config = DefaultConfig()
		config.KernelWidth = width
	}
	if config.AcquisitionFunc == nil {
		config.AcquisitionFunc = UCB
	}
	if config.NumCandidates < 1 {
		config.NumCandidates = 1
	}
	config.AcqParams.BestSoFar = math.MaxFloat64
	config.AcqParams.RandomState = rng

	gp := newGaussianProcess()
	gp.SetSigma(config.KernelWidth)

	return &bayesianSampler{
		space:  space,
		config: config,
		rng:    rng,
		gp:     gp,
		seen:   make(map[string]struct{}),
	}
}

func (s *bayesianSampler) Suggest() (point, bool) {
	if s.space.exhausted(len(s.seen)) {
		return nil, false
	}

	// Phase 1: initial random sampling.
	if s.suggested < s.config.InitialSamples || s.gp.Len() == 0 {
		p, ok := s.space.randomUnseen(s.rng, s.seen)
		if !ok {
			return nil, false
		}
		s.mark(p)
		return p, true
	}

	// Phase 2: score random candidates with the surrogate.
	var next point
	bestAcquisition := math.Inf(1)
	for j := 0; j < s.config.NumCandidates; j++ {
		candidate, ok := s.space.randomUnseen(s.rng, s.seen)
		if !ok {
			break
		}

		mean, variance := s.gp.Predict(s.space.normalize(candidate))
		acquisition := s.config.AcquisitionFunc(mean, variance, s.config.AcqParams)
		if next == nil || acquisition < bestAcquisition {
			bestAcquisition = acquisition
			next = candidate
		}
	}
	if next == nil {
		return nil, false
	}
	s.mark(next)
	return next, true
}

func (s *bayesianSampler) Observe(p point, loss float64) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return
	}
	s.gp.Update(s.space.normalize(p), loss)
	if loss < s.config.AcqParams.BestSoFar {
		s.config.AcqParams.BestSoFar = loss
	}
}

func (s *bayesianSampler) mark(p point) {
	s.seen[p.key()] = struct{}{}
	s.suggested++
}
