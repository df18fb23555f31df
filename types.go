package ho

import (
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/constraints"
)

// Number is the set of numeric types a UniformRange can be declared over.
type Number interface {
	constraints.Integer | constraints.Float
}

// ProgressUpdate is a snapshot of a running campaign.
type ProgressUpdate struct {
	// State is the campaign state when the snapshot was taken.
	State State

	// Launched is the number of trials created so far.
	Launched int

	// Running is the number of trials queued or in progress.
	Running int

	// Completed is the number of trials that finished with an objective value.
	Completed int

	// TotalMaxJobs is the trial budget of the campaign.
	TotalMaxJobs int

	// BestTaskID is the best trial so far, empty until one completes.
	BestTaskID string

	// BestObjective is the objective value of BestTaskID.
	BestObjective float64

	// Elapsed is the wall-clock time since the campaign started.
	Elapsed time.Duration
}

// Parameter is one tunable parameter of the search space. Its domain is a
// finite grid of Points() values addressed by index 0..Points()-1.
type Parameter interface {
	// ParamName is the parameter key on the base task, e.g. "Args/lr".
	ParamName() string

	// Points is the number of values in the domain.
	Points() int64

	// Format renders the value at grid index k.
	Format(k int64) string

	// Spec returns the serializable form of the range.
	Spec() RangeSpec

	validate(field string, errs *ConfigErrors)
}

// UniformRange defines the sampling domain of a hyperparameter: every value
// Min + k*Step that does not exceed Max.
//
// Type Parameter:
//   - T: The numeric type for this parameter range (int64 or float64)
//
// Fields:
// - Name: The parameter key on the base task
// - Min: The minimum (inclusive) value
// - Max: The maximum (inclusive) value
// - Step: The distance between two consecutive values
//
// Usage:
//
//	// Learning rate from 0.00025 to 0.01 in 0.00025 steps
//	lr := NewUniformRange("Args/lr", 0.00025, 0.01, 0.00025)
//
//	// Hidden layer size from 16 to 512 in steps of 16
//	size := NewIntegerRange("Args/hidden_layer_size", 16, 512, 16)
//
// Validation:
// - Name must not be empty
// - Min must be less than or equal to Max
// - Step must be strictly positive
// - Floating-point bounds must be finite
// - The range must hold at most math.MaxInt64 values
type UniformRange[T Number] struct {
	Name string
	Min  T
	Max  T
	Step T
}

// NewUniformRange declares a continuous range.
func NewUniformRange(name string, min, max, step float64) UniformRange[float64] {
	return UniformRange[float64]{Name: name, Min: min, Max: max, Step: step}
}

// NewIntegerRange declares an integer range.
func NewIntegerRange(name string, min, max, step int64) UniformRange[int64] {
	return UniformRange[int64]{Name: name, Min: min, Max: max, Step: step}
}

func (r UniformRange[T]) ParamName() string { return r.Name }

// Points returns the number of values in the range, or 0 when the range is
// empty or holds more than math.MaxInt64 values.
func (r UniformRange[T]) Points() int64 {
	n, ok := r.pointCount()
	if !ok {
		return 0
	}
	return n
}

func (r UniformRange[T]) pointCount() (int64, bool) {
	if r.Step <= 0 || r.Max < r.Min {
		return 0, false
	}
	if isInteger[T]() {
		// Unsigned arithmetic keeps MinInt64..MaxInt64 from wrapping.
		steps := (uint64(r.Max) - uint64(r.Min)) / uint64(r.Step)
		if steps >= math.MaxInt64 {
			return 0, false
		}
		return int64(steps) + 1, true
	}
	span := (float64(r.Max) - float64(r.Min)) / float64(r.Step)
	// Tolerate representation error so that 0.01/0.00025 counts as 40 steps.
	steps := math.Floor(span + 1e-9)
	if math.IsNaN(steps) || steps >= math.MaxInt64 {
		return 0, false
	}
	return int64(steps) + 1, true
}

func (r UniformRange[T]) Format(k int64) string {
	v := r.Min + T(k)*r.Step
	if v > r.Max {
		v = r.Max
	}
	return formatNumber(v)
}

func (r UniformRange[T]) Spec() RangeSpec {
	kind := RangeUniform
	if isInteger[T]() {
		kind = RangeInteger
	}
	return RangeSpec{
		Name: r.Name,
		Kind: kind,
		Min:  float64(r.Min),
		Max:  float64(r.Max),
		Step: float64(r.Step),
	}
}

func (r UniformRange[T]) validate(field string, errs *ConfigErrors) {
	if strings.TrimSpace(r.Name) == "" {
		errs.add(field+".name", "name is required")
	}
	if !isInteger[T]() {
		for _, v := range []T{r.Min, r.Max, r.Step} {
			if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
				errs.add(field, "bounds and step must be finite")
				return
			}
		}
	}
	if r.Min > r.Max {
		errs.add(field, "min (%s) must be less than or equal to max (%s)", formatNumber(r.Min), formatNumber(r.Max))
	}
	if r.Step <= 0 {
		errs.add(field+".step", "step must be positive")
		return
	}
	if _, ok := r.pointCount(); !ok && r.Min <= r.Max {
		errs.add(field, "range holds more than %d values", int64(math.MaxInt64))
	}
}

// RangeKind names the variant of a serialized range.
type RangeKind string

const (
	RangeUniform RangeKind = "uniform"
	RangeInteger RangeKind = "integer"
)

// RangeSpec is a range in a form that survives JSON and YAML round trips.
type RangeSpec struct {
	Name string    `json:"name" yaml:"name"`
	Kind RangeKind `json:"type" yaml:"type"`
	Min  float64   `json:"min" yaml:"min"`
	Max  float64   `json:"max" yaml:"max"`
	Step float64   `json:"step" yaml:"step"`
}

// Parameter converts the spec into a typed range.
func (s RangeSpec) Parameter() (Parameter, error) {
	var errs ConfigErrors
	field := "parameters[" + s.Name + "]"
	switch s.Kind {
	case RangeUniform, "":
		return NewUniformRange(s.Name, s.Min, s.Max, s.Step), nil
	case RangeInteger:
		for _, v := range []float64{s.Min, s.Max, s.Step} {
			if v != math.Trunc(v) {
				errs.add(field, "integer range bounds and step must be whole numbers")
				return nil, errs
			}
		}
		return NewIntegerRange(s.Name, int64(s.Min), int64(s.Max), int64(s.Step)), nil
	default:
		errs.add(field+".type", "unknown range type %q", s.Kind)
		return nil, errs
	}
}

// Sign is the optimization direction of the objective.
type Sign string

const (
	Maximize Sign = "max"
	Minimize Sign = "min"
)

// ParseSign accepts max, maximize, min and minimize in any case.
func ParseSign(s string) (Sign, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max", "maximize", "max_global":
		return Maximize, true
	case "min", "minimize", "min_global":
		return Minimize, true
	default:
		return "", false
	}
}

// Objective is the metric a campaign optimizes.
type Objective struct {
	Title  string `json:"title" yaml:"title"`
	Series string `json:"series" yaml:"series"`
	Sign   Sign   `json:"sign" yaml:"sign"`
}

// Better reports whether a is a strictly better objective value than b.
func (o Objective) Better(a, b float64) bool {
	if o.Sign == Minimize {
		return a < b
	}
	return a > b
}

// loss maps an objective value to the quantity the samplers minimize.
func (o Objective) loss(v float64) float64 {
	if o.Sign == Minimize {
		return v
	}
	return -v
}

// Policy is the budget of a campaign. Zero durations and iteration limits
// mean unlimited.
type Policy struct {
	// MaxConcurrentTrials caps the trials queued or running at once.
	MaxConcurrentTrials int `json:"max_concurrent_trials" yaml:"max_concurrent_trials"`

	// OptimizationTimeLimit bounds the wall-clock duration of the campaign.
	OptimizationTimeLimit time.Duration `json:"optimization_time_limit" yaml:"optimization_time_limit"`

	// ComputeTimeLimit bounds the summed wall-clock duration of all trials.
	ComputeTimeLimit time.Duration `json:"compute_time_limit" yaml:"compute_time_limit"`

	// TotalMaxJobs caps the number of trials created.
	TotalMaxJobs int `json:"total_max_jobs" yaml:"total_max_jobs"`

	// MinIterationPerJob is the iteration before which a trial is never
	// early-stopped.
	MinIterationPerJob int64 `json:"min_iteration_per_job" yaml:"min_iteration_per_job"`

	// MaxIterationPerJob ends a trial once its objective is reported at this
	// iteration.
	MaxIterationPerJob int64 `json:"max_iteration_per_job" yaml:"max_iteration_per_job"`
}

// DefaultPolicy returns the budget used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentTrials:   2,
		OptimizationTimeLimit: 60 * time.Minute,
		ComputeTimeLimit:      120 * time.Minute,
		TotalMaxJobs:          20,
	}
}

// Mode selects where the controlling process runs.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Strategy selects the sampler.
type Strategy string

const (
	StrategyBayesian Strategy = "bayesian"
	StrategyRandom   Strategy = "random"
	StrategyGrid     Strategy = "grid"
)

// CampaignSpec is everything a campaign needs. It is immutable once the
// campaign is built.
type CampaignSpec struct {
	// BaseTaskID is the registered task cloned for every trial.
	BaseTaskID string

	// ControllerTaskID becomes the parent of every trial. Optional.
	ControllerTaskID string

	Parameters []Parameter
	Objective  Objective
	Policy     Policy

	// Strategy defaults to StrategyBayesian.
	Strategy Strategy

	// Optimizer tunes the Bayesian sampler. The zero value means DefaultConfig().
	Optimizer OptimizationConfig

	// TrialQueue receives every trial. When empty, trials run in-process with
	// the launcher's TrialRunner.
	TrialQueue string

	// Seed makes sampling reproducible. Zero seeds from the clock.
	Seed int64

	// ProgressChan receives snapshots. If nil, no updates will be sent.
	ProgressChan chan<- ProgressUpdate
}

// TrialResult is one ranked trial.
type TrialResult struct {
	TaskID    string            `json:"task_id"`
	Params    map[string]string `json:"params"`
	Objective float64           `json:"objective"`
	Iteration int64             `json:"iteration"`
}

// CampaignResult is the final report of a campaign.
type CampaignResult struct {
	State State         `json:"state"`
	Top   []TrialResult `json:"top"`
}

// IDs returns the task IDs of the ranked trials.
func (r CampaignResult) IDs() []string {
	ids := make([]string, len(r.Top))
	for i, t := range r.Top {
		ids[i] = t.TaskID
	}
	return ids
}

// RemoteHandle identifies a controller task handed to a queue.
type RemoteHandle struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

func isInteger[T Number]() bool {
	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return false
	default:
		return true
	}
}

func formatNumber[T Number](v T) string {
	switch x := any(v).(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'g', 7, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', 12, 64)
	default:
		return strconv.FormatInt(int64(v), 10)
	}
}
