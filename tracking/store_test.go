package tracking

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &Task{
		Project: "Snippets",
		Name:    "MNIST Dense Layers",
		Command: []string{"python", "train.py"},
		Params:  map[string]string{"Args/lr": "0.001"},
	}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusCreated, task.Status)
	assert.Equal(t, TaskTypeTraining, task.Type)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Name, got.Name)
	assert.Equal(t, []string{"python", "train.py"}, got.Command)
	assert.Equal(t, "0.001", got.Params["Args/lr"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.SetRepo(context.Background(), "missing", "https://example.com/repo.git")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloneTaskMergesParams(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := &Task{
		Project: "Snippets",
		Name:    "base",
		Repo:    "https://example.com/repo.git",
		Command: []string{"python", "train.py"},
		Params:  map[string]string{"Args/lr": "0.001", "Args/epochs": "5"},
	}
	require.NoError(t, s.CreateTask(ctx, base))
	require.NoError(t, s.SetStatus(ctx, base.ID, StatusCompleted, ""))

	clone, err := s.CloneTask(ctx, base.ID, CloneOptions{
		Name:     "base: lr=0.005",
		ParentID: "parent",
		Params:   map[string]string{"Args/lr": "0.005"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, base.ID, clone.ID)
	assert.Equal(t, StatusCreated, clone.Status)

	got, err := s.GetTask(ctx, clone.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.005", got.Params["Args/lr"])
	assert.Equal(t, "5", got.Params["Args/epochs"])
	assert.Equal(t, "parent", got.ParentID)
	assert.Equal(t, base.Repo, got.Repo)

	children, err := s.ListTasks(ctx, Filter{ParentID: "parent"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, clone.ID, children[0].ID)
}

func TestStatusTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &Task{Project: "p", Name: "n"}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.SetStatus(ctx, task.ID, StatusInProgress, ""))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.StartedAt.IsZero())
	assert.True(t, got.CompletedAt.IsZero())

	require.NoError(t, s.SetStatus(ctx, task.ID, StatusCompleted, "done"))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "done", got.StatusMessage)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestTransitionStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &Task{Project: "p", Name: "n"}
	require.NoError(t, s.CreateTask(ctx, task))

	ok, err := s.TransitionStatus(ctx, task.ID, StatusCompleted, "", StatusInProgress)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionStatus(ctx, task.ID, StatusInProgress, "", StatusCreated, StatusQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.TransitionStatus(ctx, "missing", StatusStopped, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastScalar(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.LastScalar(ctx, "t1", "Accuracy", "test")
	require.NoError(t, err)
	assert.False(t, ok)

	for i, v := range []float64{0.5, 0.7, 0.65} {
		require.NoError(t, s.ReportScalar(ctx, Scalar{TaskID: "t1", Title: "Accuracy", Series: "test", Iteration: int64(i), Value: v}))
	}
	require.NoError(t, s.ReportScalar(ctx, Scalar{TaskID: "t1", Title: "Accuracy", Series: "train", Iteration: 10, Value: 0.99}))

	last, ok, err := s.LastScalar(ctx, "t1", "Accuracy", "test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Iteration)
	assert.InDelta(t, 0.65, last.Value, 1e-12)

	all, err := s.Scalars(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestFindLastTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &Task{Project: "Snippets", Name: "HPO", Type: TaskTypeOptimizer}
	second := &Task{Project: "Snippets", Name: "HPO", Type: TaskTypeOptimizer}
	require.NoError(t, s.CreateTask(ctx, first))
	require.NoError(t, s.CreateTask(ctx, second))

	got, err := s.FindLastTask(ctx, "Snippets", "HPO", TaskTypeOptimizer)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.FindLastTask(ctx, "Snippets", "HPO", TaskTypeTraining)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Push(ctx, "gpu", "a"))
	require.NoError(t, s.Push(ctx, "gpu", "b"))
	require.NoError(t, s.Push(ctx, "cpu", "c"))
	require.NoError(t, s.Remove(ctx, "gpu", "b"))
	require.NoError(t, s.Push(ctx, "gpu", "d"))

	n, err := s.Len(ctx, "gpu")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	id, ok, err := s.TryPop(ctx, "gpu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", id)

	id, ok, err = s.TryPop(ctx, "gpu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d", id)

	_, ok, err = s.TryPop(ctx, "gpu")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tracking.db")

	s, err := Open(path)
	require.NoError(t, err)

	task := &Task{Project: "p", Name: "n"}
	require.NoError(t, s.CreateTask(context.Background(), task))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "n", got.Name)
}
