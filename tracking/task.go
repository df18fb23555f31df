// Package tracking is the experiment-tracking backend used by the launcher:
// tasks (experiments) with their parameters and command, clone support,
// status transitions, scalar metrics and SQL-backed execution queues, all
// stored in a single SQLite database.
package tracking

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task ID is unknown to the store.
var ErrNotFound = errors.New("task not found")

// TaskType distinguishes training runs from the optimizer (controller) runs
// that drive them.
type TaskType string

const (
	TaskTypeTraining  TaskType = "training"
	TaskTypeOptimizer TaskType = "optimizer"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// IsTerminal reports whether no further transition is expected from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Task is one registered experiment.
type Task struct {
	ID            string
	Project       string
	Name          string
	Type          TaskType
	Status        Status
	StatusMessage string

	// ParentID links a trial to the optimizer task that created it.
	ParentID string

	// Repo is the source repository the agent should use for this task.
	Repo string

	// Command is the argv executed by the runner for training tasks.
	Command []string

	// Params holds the hyperparameters, keyed by "Section/name".
	Params map[string]string

	// Config is an opaque, caller-defined configuration blob (the optimizer
	// stores its launch request here).
	Config []byte

	// Output is an opaque result blob (the optimizer stores its top trials).
	Output []byte

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// CloneOptions customises a cloned task.
type CloneOptions struct {
	Name     string
	ParentID string

	// Params are merged over the source task parameters.
	Params map[string]string
}

// Filter narrows ListTasks. Empty fields match everything.
type Filter struct {
	Project  string
	ParentID string
	Type     TaskType
	Status   Status
}

// Scalar is one reported metric point.
type Scalar struct {
	TaskID     string    `json:"task_id,omitempty"`
	Title      string    `json:"title"`
	Series     string    `json:"series"`
	Iteration  int64     `json:"iteration"`
	Value      float64   `json:"value"`
	ReportedAt time.Time `json:"reported_at,omitempty"`
}

// Reporter receives scalars reported by a running task.
type Reporter interface {
	ReportScalar(ctx context.Context, s Scalar) error
}
