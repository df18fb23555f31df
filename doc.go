// Package ho launches hyperparameter-optimization campaigns against an
// experiment-tracking backend. A campaign clones a registered base task once
// per trial, varies the declared search-space parameters, tracks one objective
// metric and reports the best trials.
//
// # Features
//
// The package includes the following key features:
//
//   - One launcher for local and remote runs: the controlling process either
//     drives the campaign itself or hands its task to a controller queue and
//     returns a Dispatched outcome
//   - Typed errors: tracking, configuration, execution and interrupt failures
//     are distinguishable with errors.Is
//   - Generic search space: UniformRange works for both integer and
//     floating-point parameters
//   - Strategies: Bayesian optimization with a Gaussian Process surrogate
//     (UCB, PI, EI and Thompson Sampling acquisition functions), random search
//     and grid search
//   - Budget enforcement: concurrent trials, total jobs, optimization and
//     compute time limits, min/max iterations per trial with median early
//     stopping
//   - Progress Monitoring: optional channel of ProgressUpdate snapshots
//
// # Launching
//
// The usual flow is a single call to Launch:
//
//	store, _ := tracking.Open("tracking.db")
//	l := ho.NewLauncher(store, store, ho.WithLogger(log), ho.WithRunner(&runner.Command{}))
//
//	out, err := l.Launch(ctx, ho.LaunchRequest{
//	    Project: "Snippets",
//	    Name:    "HPO",
//	    Mode:    ho.ModeLocal,
//	    Await:   true,
//	    TopK:    3,
//	    Campaign: ho.CampaignSpec{
//	        BaseTaskID: baseID,
//	        Parameters: []ho.Parameter{
//	            ho.NewUniformRange("Args/lr", 0.00025, 0.01, 0.00025),
//	            ho.NewIntegerRange("Args/num_hidden_layers", 1, 4, 1),
//	        },
//	        Objective: ho.Objective{Title: "Accuracy", Series: "test", Sign: ho.Maximize},
//	        Policy:    ho.DefaultPolicy(),
//	    },
//	})
//
// In remote mode, Launch returns as soon as the controller task is queued;
// an agent polling that queue picks the task up and calls Launch again
// attached to it.
//
// # States
//
// created → tracking_bound → (remote_dispatched | local_running) → monitoring →
// {completed, stopped, timed_out}. remote_dispatched is terminal for the local
// process only.
package ho
