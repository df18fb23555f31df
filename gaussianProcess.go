package ho

import (
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

const (
	// defaultSigma is the kernel width for inputs normalized to [0, 1].
	defaultSigma = 0.2

	// priorWeight is the pseudo-observation weight pulling predictions far
	// from any observation back to the observed mean.
	priorWeight = 0.1

	// minScale floors the output scale so identical losses still leave some
	// uncertainty.
	minScale = 1e-6
)

// gaussianProcess is the surrogate model of the Bayesian sampler: a kernel
// regression over the normalized search space that predicts the loss of an
// untried parameter combination from the losses of completed trials. It is
// safe for concurrent use, although the campaign only calls it from its
// driver goroutine.
type gaussianProcess struct {
	mu sync.RWMutex

	// X holds one normalized point per completed trial, all of the same
	// dimension.
	X [][]float64

	// Y holds the loss observed at the matching point of X.
	Y []float64

	// sigma is the kernel width. Small widths make each observation matter
	// only in its close neighbourhood.
	sigma float64
}

//////
// Methods.
//////

// Predict estimates the loss and its uncertainty at a given point.
//
// Parameters:
// - x: Normalized input point at which to make prediction
//
// Returns:
// - mean: Expected loss at the input point
// - variance: Uncertainty in the prediction (higher = less certain)
//
// Mathematical details:
//   - Mean is the kernel-weighted average of observed losses, shrunk towards
//     their overall mean by a small prior weight
//   - Variance is (1 - max similarity) scaled by the spread of observed losses,
//     so it vanishes on observed points and grows with distance
//   - Returns (0, 1) if no observations exist
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.X) == 0 {
		return 0, 1
	}

	var (
		weighted, weights, maxK float64
		sum, sumSq              float64
	)
	for i := range gp.X {
		k := rbf(x, gp.X[i], gp.sigma)
		weighted += k * gp.Y[i]
		weights += k
		if k > maxK {
			maxK = k
		}
		sum += gp.Y[i]
		sumSq += gp.Y[i] * gp.Y[i]
	}

	n := float64(len(gp.X))
	avg := sum / n
	mean = (weighted + avg*priorWeight) / (weights + priorWeight)

	scale := math.Sqrt(math.Max(sumSq/n-avg*avg, 0))
	if scale < minScale {
		scale = math.Max(math.Abs(avg), 1)
	}
	variance = math.Max(1-maxK, minScale) * scale * scale

	return mean, variance
}

// Update records the loss y of a completed trial at x. x is copied.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.X = append(gp.X, append([]float64(nil), x...))
	gp.Y = append(gp.Y, y)
}

// Len returns the number of observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// SetSigma changes the kernel width. Non-positive widths are ignored.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	if sigma <= 0 {
		return
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()
	gp.sigma = sigma
}

//////
// Factory.
//////

// newGaussianProcess creates a model with no observations and the default
// kernel width for normalized inputs.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: defaultSigma,
	}
}

// rbf returns the similarity of two points, from 1 for identical points down
// to 0 for distant ones:
//
//	k(x1, x2) = exp(-|x1 - x2|^2 / (2 * sigma^2))
//
// It panics when the points differ in dimension.
func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64
	for i := range x1 {
		diff := x1[i] - x2[i]
		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}
