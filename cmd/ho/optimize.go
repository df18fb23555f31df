package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thalesfsp/ho"
)

var (
	// optimize flags.
	optTaskID     string
	optRemote     bool
	optQueue      string
	optTrialQueue string
	optStrategy   string
	optSeed       int64
	optWait       bool
	optTopK       int
)

// optimizeCmd launches a campaign.
var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize the hyperparameters of a base task",
	Long: `Launch a hyperparameter-optimization campaign over the base task.

In local mode the campaign runs in this process until its budget is spent.
With --remote the controller task is handed to the controller queue and the
command returns; an agent polling that queue runs the campaign.`,
	Example: `  # Run locally with the configured search space
  ho optimize --task-id 42

  # Trials run in-process instead of on a worker queue
  ho optimize --task-id 42 --trial-queue ""

  # Hand the campaign to the coordinator queue and follow it
  ho optimize --task-id 42 --remote --queue hpo-coordinator --wait`,
	Args: cobra.NoArgs,
	RunE: runOptimize,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVar(&optTaskID, "task-id", "", "base task to optimize")
	optimizeCmd.Flags().BoolVar(&optRemote, "remote", false, "hand the campaign to the controller queue")
	optimizeCmd.Flags().StringVar(&optQueue, "queue", "", "controller queue (overrides queues.controller)")
	optimizeCmd.Flags().StringVar(&optTrialQueue, "trial-queue", "", "trial queue, empty runs trials in-process (overrides queues.trials)")
	optimizeCmd.Flags().StringVar(&optStrategy, "strategy", "", "sampler: bayesian, random or grid")
	optimizeCmd.Flags().Int64Var(&optSeed, "seed", 0, "sampling seed, 0 seeds from the clock")
	optimizeCmd.Flags().BoolVar(&optWait, "wait", false, "with --remote, follow the controller task until it ends")
	optimizeCmd.Flags().IntVar(&optTopK, "top-k", 0, "number of best trials reported (overrides campaign.top_k)")
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	overrides := map[string]string{}
	flags := cmd.Flags()
	if flags.Changed("task-id") {
		overrides["campaign.base_task_id"] = optTaskID
	}
	if flags.Changed("queue") {
		overrides["queues.controller"] = optQueue
	}
	if flags.Changed("trial-queue") {
		overrides["queues.trials"] = optTrialQueue
	}
	if flags.Changed("strategy") {
		overrides["campaign.strategy"] = optStrategy
	}
	if flags.Changed("seed") {
		overrides["campaign.seed"] = strconv.FormatInt(optSeed, 10)
	}
	if flags.Changed("top-k") {
		overrides["campaign.top_k"] = strconv.Itoa(optTopK)
	}

	a, err := newApp(cmd, overrides)
	if err != nil {
		return err
	}
	defer a.Close()

	mode := ho.ModeLocal
	if optRemote {
		mode = ho.ModeRemote
	}
	req, err := a.cfg.LaunchRequest(mode)
	if err != nil {
		return fmt.Errorf("%w: %w", ho.ErrConfig, err)
	}

	ctx := cmd.Context()
	l := a.launcher()
	out, err := l.Launch(ctx, req)
	if err != nil {
		return err
	}

	result := out.Result
	if out.Dispatched != nil {
		a.log.Info("campaign dispatched",
			zap.String("task_id", out.Dispatched.TaskID),
			zap.String("queue", out.Dispatched.Queue),
		)
		if !optWait {
			return printJSON(cmd, out.Dispatched)
		}
		if result, err = l.Follow(ctx, out.Dispatched.TaskID); err != nil {
			return err
		}
	}

	if result == nil {
		return nil
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
