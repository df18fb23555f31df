package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/ho/tracking"
)

var (
	// task create flags.
	taskProject string
	taskName    string
	taskRepo    string
	taskParams  []string

	// task list flags.
	listProject string
	listParent  string
	listStatus  string

	// task report flags.
	reportTitle     string
	reportSeries    string
	reportIteration int64
	reportValue     float64
)

// taskCmd groups the task commands.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tracked tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [flags] -- command [args...]",
	Short: "Register a training task",
	Long: `Register a training task that campaigns can use as their base task.
Everything after -- is the command run for each trial; trial parameters are
appended to it as --name=value flags.`,
	Example: `  ho task create --project Snippets --name train \
    --param Args/lr=0.001 --param Args/num_hidden_layers=2 -- python train.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a task and its last scalars",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskReportCmd = &cobra.Command{
	Use:   "report ID",
	Short: "Report a scalar for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskReport,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskReportCmd)

	taskCreateCmd.Flags().StringVar(&taskProject, "project", "", "project (defaults to project.project)")
	taskCreateCmd.Flags().StringVar(&taskName, "name", "", "task name")
	taskCreateCmd.Flags().StringVar(&taskRepo, "repo", "", "source repository")
	taskCreateCmd.Flags().StringArrayVar(&taskParams, "param", nil, "parameter as key=value, repeatable")
	_ = taskCreateCmd.MarkFlagRequired("name")

	taskListCmd.Flags().StringVar(&listProject, "project", "", "only tasks of this project")
	taskListCmd.Flags().StringVar(&listParent, "parent", "", "only trials of this controller task")
	taskListCmd.Flags().StringVar(&listStatus, "status", "", "only tasks with this status")

	taskReportCmd.Flags().StringVar(&reportTitle, "title", "", "scalar title")
	taskReportCmd.Flags().StringVar(&reportSeries, "series", "", "scalar series")
	taskReportCmd.Flags().Int64Var(&reportIteration, "iteration", 0, "iteration")
	taskReportCmd.Flags().Float64Var(&reportValue, "value", 0, "value")
	_ = taskReportCmd.MarkFlagRequired("title")
	_ = taskReportCmd.MarkFlagRequired("series")
	_ = taskReportCmd.MarkFlagRequired("value")
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	params, err := parseParams(taskParams)
	if err != nil {
		return err
	}

	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	project := taskProject
	if project == "" {
		project = a.cfg.Project.Project
	}
	task := &tracking.Task{
		Project: project,
		Name:    taskName,
		Type:    tracking.TaskTypeTraining,
		Repo:    taskRepo,
		Command: args,
		Params:  params,
	}
	if err := a.store.CreateTask(cmd.Context(), task); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.store.ListTasks(cmd.Context(), tracking.Filter{
		Project:  listProject,
		ParentID: listParent,
		Status:   tracking.Status(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROJECT\tNAME\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, t.Status, t.Project, t.Name, t.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	task, err := a.store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	scalars, err := a.store.Scalars(ctx, task.ID)
	if err != nil {
		return err
	}

	view := struct {
		ID            string            `json:"id"`
		Project       string            `json:"project"`
		Name          string            `json:"name"`
		Type          tracking.TaskType `json:"type"`
		Status        tracking.Status   `json:"status"`
		StatusMessage string            `json:"status_message,omitempty"`
		ParentID      string            `json:"parent_id,omitempty"`
		Repo          string            `json:"repo,omitempty"`
		Command       []string          `json:"command,omitempty"`
		Params        map[string]string `json:"params,omitempty"`
		Output        json.RawMessage   `json:"output,omitempty"`
		Scalars       []tracking.Scalar `json:"scalars,omitempty"`
	}{
		ID:            task.ID,
		Project:       task.Project,
		Name:          task.Name,
		Type:          task.Type,
		Status:        task.Status,
		StatusMessage: task.StatusMessage,
		ParentID:      task.ParentID,
		Repo:          task.Repo,
		Command:       task.Command,
		Params:        task.Params,
		Scalars:       scalars,
	}
	if json.Valid(task.Output) {
		view.Output = task.Output
	}
	return printJSON(cmd, view)
}

func runTaskReport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if _, err := a.store.GetTask(ctx, args[0]); err != nil {
		return err
	}
	return a.store.ReportScalar(ctx, tracking.Scalar{
		TaskID:    args[0],
		Title:     reportTitle,
		Series:    reportSeries,
		Iteration: reportIteration,
		Value:     reportValue,
	})
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", pair)
		}
		params[k] = strings.TrimSpace(v)
	}
	return params, nil
}
