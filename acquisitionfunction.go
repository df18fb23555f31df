package ho

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

//////
// Acquisition functions score a candidate point from the surrogate's
// prediction of its loss. The Bayesian sampler suggests the candidate with
// the LOWEST score, so every function below returns lower values for more
// promising points.
//////

// acquisitions maps configuration names to the built-in functions.
var acquisitions = map[string]AcquisitionFunc{
	"ucb":      UCB,
	"pi":       ProbabilityOfImprovement,
	"ei":       ExpectedImprovement,
	"thompson": ThompsonSampling,
}

// LookupAcquisition returns the acquisition function registered under name.
// Names are case-insensitive: ucb, pi, ei or thompson. The empty name returns
// nil, which keeps the sampler default.
func LookupAcquisition(name string) (AcquisitionFunc, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	if fn, ok := acquisitions[name]; ok {
		return fn, nil
	}

	names := make([]string, 0, len(acquisitions))
	for n := range acquisitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown acquisition function %q (want one of %s)", name, strings.Join(names, ", "))
}

// UCB is the lower confidence bound of the loss: the predicted loss minus
// Beta standard deviations. Uncertain points look optimistic, so a high Beta
// explores more.
//
// Example:
//
//	// Accuracy 0.9 predicted, maximized, so the loss is -0.9.
//	score := UCB(-0.9, 0.04, AcquisitionParams{Beta: 2})  // -1.3
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement returns the negated probability that the loss at
// a point beats BestSoFar by at least Xi. It favours safe, small gains.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	z := (params.BestSoFar - params.Xi - mean) / stddev(variance)

	return -normalCDF(z)
}

// ExpectedImprovement returns the negated expected amount by which the loss
// at a point beats BestSoFar minus Xi. Unlike ProbabilityOfImprovement it
// weighs how large the gain could be, which makes it the usual choice when
// the budget allows a few exploratory trials.
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: -0.91, // best accuracy observed so far is 0.91
//	    Xi:        0.01,
//	}
//	score := ExpectedImprovement(-0.9, 0.04, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := stddev(variance)
	gain := params.BestSoFar - params.Xi - mean
	z := gain / sigma

	return -(gain*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws one loss from the predicted normal distribution.
// With many concurrent trials the draws spread suggestions over the space
// without tuning Beta or Xi. It returns the mean when no RandomState is set.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	if params.RandomState == nil {
		return mean
	}
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}
