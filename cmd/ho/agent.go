package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/ho"
	"github.com/thalesfsp/ho/agent"
	"github.com/thalesfsp/ho/internal/config"
	"github.com/thalesfsp/ho/runner"
)

var (
	// agent flags.
	agentQueues []string
	agentPoll   time.Duration
	agentDir    string
)

// agentCmd runs an agent.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Execute tasks pulled from queues",
	Long: `Poll one or more queues and execute their tasks one at a time.

Training tasks run as local processes with their parameters passed as flags.
Optimizer tasks run the campaign stored on them, sending trials to the trial
queue of that campaign.`,
	Example: `  # Coordinator agent
  ho agent --queue hpo-coordinator

  # GPU worker
  ho agent --queue worker-single-gpu --poll 2s`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringArrayVar(&agentQueues, "queue", nil, "queue to poll, repeat for several (overrides agent.queues)")
	agentCmd.Flags().DurationVar(&agentPoll, "poll", 0, "poll interval (overrides agent.poll_interval)")
	agentCmd.Flags().StringVar(&agentDir, "workdir", "", "working directory of trial processes")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	overrides := map[string]string{}
	flags := cmd.Flags()
	if flags.Changed("queue") {
		overrides["agent.queues"] = strings.Join(agentQueues, ",")
	}
	if flags.Changed("poll") {
		overrides["agent.poll_interval"] = agentPoll.String()
	}
	if flags.Changed("workdir") {
		overrides["agent.workdir"] = agentDir
	}

	a, err := newApp(cmd, overrides)
	if err != nil {
		return err
	}
	defer a.Close()

	queues := a.cfg.Agent.Queues
	if len(queues) == 0 {
		return ho.ConfigErrors{{Field: "agent.queues", Message: "at least one queue is required"}}
	}

	ag := agent.New(a.store, a.queue, a.runner(),
		agent.WithQueues(queues...),
		agent.WithPollInterval(a.cfg.Agent.PollInterval),
		agent.WithLogger(a.log),
		agent.WithLauncher(a.launcher(), config.DecodeTask),
	)
	return ag.Run(cmd.Context())
}

// runner returns the process runner used for training tasks.
func (a *app) runner() *runner.Command {
	return &runner.Command{Dir: a.cfg.Agent.Workdir, Log: a.log}
}
