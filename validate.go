package ho

import (
	"fmt"
	"strings"
)

// Validate checks the campaign definition without touching any backend. It
// returns ConfigErrors listing every invalid field, or nil.
func (s CampaignSpec) Validate() error {
	var errs ConfigErrors

	if strings.TrimSpace(s.BaseTaskID) == "" {
		errs.add("base_task_id", "base task is required")
	}

	if len(s.Parameters) == 0 {
		errs.add("parameters", "at least one parameter range is required")
	}
	names := make(map[string]int, len(s.Parameters))
	for i, p := range s.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		if p == nil {
			errs.add(field, "parameter is nil")
			continue
		}
		p.validate(field, &errs)
		if prev, ok := names[p.ParamName()]; ok && p.ParamName() != "" {
			errs.add(field+".name", "duplicate parameter %q (also parameters[%d])", p.ParamName(), prev)
			continue
		}
		names[p.ParamName()] = i
	}

	validateObjective(s.Objective, &errs)
	validatePolicy(s.Policy, &errs)

	switch s.Strategy {
	case "", StrategyBayesian, StrategyRandom, StrategyGrid:
	default:
		errs.add("strategy", "unknown strategy %q (want bayesian, random or grid)", s.Strategy)
	}

	if s.Optimizer.InitialSamples < 0 {
		errs.add("optimizer.initial_samples", "must not be negative")
	}
	if s.Optimizer.NumCandidates < 0 {
		errs.add("optimizer.num_candidates", "must not be negative")
	}
	if s.Optimizer.KernelWidth < 0 {
		errs.add("optimizer.kernel_width", "must not be negative")
	}

	return errs.orNil()
}

func validateObjective(o Objective, errs *ConfigErrors) {
	if strings.TrimSpace(o.Title) == "" {
		errs.add("objective.title", "title is required")
	}
	if strings.TrimSpace(o.Series) == "" {
		errs.add("objective.series", "series is required")
	}
	if o.Sign != Maximize && o.Sign != Minimize {
		errs.add("objective.sign", "sign must be max or min, got %q", o.Sign)
	}
}

func validatePolicy(p Policy, errs *ConfigErrors) {
	if p.MaxConcurrentTrials < 1 {
		errs.add("policy.max_concurrent_trials", "must be at least 1")
	}
	if p.TotalMaxJobs < 1 {
		errs.add("policy.total_max_jobs", "must be at least 1")
	}
	if p.OptimizationTimeLimit < 0 {
		errs.add("policy.optimization_time_limit", "must not be negative")
	}
	if p.ComputeTimeLimit < 0 {
		errs.add("policy.compute_time_limit", "must not be negative")
	}
	if p.MinIterationPerJob < 0 {
		errs.add("policy.min_iteration_per_job", "must not be negative")
	}
	if p.MaxIterationPerJob < 0 {
		errs.add("policy.max_iteration_per_job", "must not be negative")
	}
	if p.MinIterationPerJob > 0 && p.MaxIterationPerJob > 0 && p.MinIterationPerJob > p.MaxIterationPerJob {
		errs.add("policy", "min_iteration_per_job (%d) exceeds max_iteration_per_job (%d)", p.MinIterationPerJob, p.MaxIterationPerJob)
	}
}
