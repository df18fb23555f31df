package ho

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/thalesfsp/ho/queue"
	"github.com/thalesfsp/ho/tracking"
)

// runnerFunc adapts a function to TrialRunner.
type runnerFunc func(ctx context.Context, task *tracking.Task, r tracking.Reporter) error

func (f runnerFunc) Run(ctx context.Context, task *tracking.Task, r tracking.Reporter) error {
	return f(ctx, task, r)
}

// forbiddenTracker and forbiddenQueue panic on any call.
type forbiddenTracker struct{ Tracker }

type forbiddenQueue struct{ queue.Queue }

// accuracy peaks at lr = 0.005.
func accuracy(task *tracking.Task) float64 {
	lr, _ := strconv.ParseFloat(task.Params["Args/lr"], 64)
	return 1 - math.Abs(lr-0.005)*50
}

// reportAccuracy reports a rising Accuracy/test curve ending at accuracy(task).
func reportAccuracy(iterations int64) runnerFunc {
	return func(ctx context.Context, task *tracking.Task, r tracking.Reporter) error {
		final := accuracy(task)
		for i := int64(1); i <= iterations; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			err := r.ReportScalar(ctx, tracking.Scalar{
				TaskID:    task.ID,
				Title:     "Accuracy",
				Series:    "test",
				Iteration: i * 100,
				Value:     final * float64(i) / float64(iterations),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// blockingRunner reports once then waits for cancellation.
func blockingRunner(started *int32) runnerFunc {
	return func(ctx context.Context, task *tracking.Task, r tracking.Reporter) error {
		atomic.AddInt32(started, 1)
		if err := r.ReportScalar(ctx, tracking.Scalar{TaskID: task.ID, Title: "Accuracy", Series: "test", Iteration: 10, Value: accuracy(task)}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func newTestStore(t *testing.T) *tracking.Store {
	t.Helper()
	store, err := tracking.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLauncher(t *testing.T, store *tracking.Store, q queue.Queue, runner TrialRunner) *Launcher {
	t.Helper()
	return NewLauncher(store, q,
		WithRunner(runner),
		WithPollInterval(5*time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
	)
}

func createBase(t *testing.T, store *tracking.Store, id string) *tracking.Task {
	t.Helper()
	base := &tracking.Task{
		ID:      id,
		Project: "Snippets",
		Name:    "Keras HP optimization base",
		Command: []string{"python", "train.py"},
		Params:  map[string]string{"Args/lr": "0.001", "Args/epochs": "10"},
	}
	require.NoError(t, store.CreateTask(context.Background(), base))
	return base
}

func lrSpec(baseID string) CampaignSpec {
	return CampaignSpec{
		BaseTaskID: baseID,
		Parameters: []Parameter{NewUniformRange("Args/lr", 0.00025, 0.01, 0.00025)},
		Objective:  Objective{Title: "Accuracy", Series: "test", Sign: Maximize},
		Policy: Policy{
			MaxConcurrentTrials:   2,
			TotalMaxJobs:          20,
			OptimizationTimeLimit: time.Minute,
		},
		Seed: 42,
	}
}

func TestLaunchLocalScenario(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	var running, peak int32
	inner := reportAccuracy(3)
	runner := runnerFunc(func(ctx context.Context, task *tracking.Task, r tracking.Reporter) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		return inner(ctx, task, r)
	})

	l := newTestLauncher(t, store, forbiddenQueue{}, runner)
	out, err := l.Launch(context.Background(), LaunchRequest{
		Project:  "Snippets",
		Name:     "HPO",
		Repo:     "https://github.com/jeremiedecock/clearml-agent-demo.git",
		Mode:     ModeLocal,
		TopK:     3,
		Campaign: lrSpec("42"),
		Snapshot: []byte(`{"strategy":"bayesian"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)

	assert.Equal(t, StateCompleted, out.State)
	assert.Nil(t, out.Dispatched)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	// Launched trials never exceed TotalMaxJobs and never repeat a value.
	trials := out.Campaign.Trials()
	require.Len(t, trials, 20)
	lrs := make(map[string]bool)
	for _, tr := range trials {
		assert.Equal(t, tracking.StatusCompleted, tr.Status)
		assert.False(t, lrs[tr.Params["Args/lr"]], "lr %s tried twice", tr.Params["Args/lr"])
		lrs[tr.Params["Args/lr"]] = true
	}

	top := out.Result.Top
	require.Len(t, top, 3)
	for i := 1; i < len(top); i++ {
		assert.GreaterOrEqual(t, top[i-1].Objective, top[i].Objective)
	}
	assert.Equal(t, int64(300), top[0].Iteration)

	controller, err := store.FindLastTask(context.Background(), "Snippets", "HPO", tracking.TaskTypeOptimizer)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, controller.Status)
	assert.Equal(t, "https://github.com/jeremiedecock/clearml-agent-demo.git", controller.Repo)
	assert.JSONEq(t, `{"strategy":"bayesian"}`, string(controller.Config))

	var recorded CampaignResult
	require.NoError(t, json.Unmarshal(controller.Output, &recorded))
	assert.Equal(t, out.Result.IDs(), recorded.IDs())

	children, err := store.ListTasks(context.Background(), tracking.Filter{ParentID: controller.ID})
	require.NoError(t, err)
	assert.Len(t, children, 20)
	for _, child := range children {
		assert.Equal(t, "10", child.Params["Args/epochs"])
		assert.Contains(t, child.Name, "Args/lr=")
	}
}

func TestLaunchMalformedRangeTouchesNothing(t *testing.T) {
	l := NewLauncher(forbiddenTracker{}, forbiddenQueue{})

	spec := lrSpec("42")
	spec.Parameters = []Parameter{NewIntegerRange("Args/batch_size", 1, 0, 1)}

	for _, mode := range []Mode{ModeLocal, ModeRemote} {
		out, err := l.Launch(context.Background(), LaunchRequest{
			Project:         "Snippets",
			Name:            "HPO",
			Mode:            mode,
			ControllerQueue: "hpo-coordinator",
			Campaign:        spec,
		})
		require.Error(t, err)
		assert.Nil(t, out)
		assert.ErrorIs(t, err, ErrConfig)

		var errs ConfigErrors
		require.ErrorAs(t, err, &errs)
		assert.True(t, errs.Has("parameters[0]"))
	}

	_, err := l.BuildCampaign(context.Background(), spec)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestMaybeExecuteRemotelyLocalIsNoop(t *testing.T) {
	store := newTestStore(t)
	l := NewLauncher(store, forbiddenQueue{})

	h, err := l.BootstrapTracking(context.Background(), "Snippets", "HPO", false)
	require.NoError(t, err)

	out, err := l.MaybeExecuteRemotely(context.Background(), h, ModeLocal, "hpo-coordinator")
	require.NoError(t, err)
	assert.Nil(t, out)

	// No handle at all is fine locally too.
	out, err = l.MaybeExecuteRemotely(context.Background(), nil, ModeLocal, "")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestMaybeExecuteRemotelyErrors(t *testing.T) {
	store := newTestStore(t)
	l := NewLauncher(store, queue.NewMemory())

	_, err := l.MaybeExecuteRemotely(context.Background(), nil, ModeRemote, "hpo-coordinator")
	assert.ErrorIs(t, err, ErrExecution)

	h, err := l.BootstrapTracking(context.Background(), "Snippets", "HPO", false)
	require.NoError(t, err)

	_, err = l.MaybeExecuteRemotely(context.Background(), h, ModeRemote, "")
	assert.ErrorIs(t, err, ErrConfig)

	_, err = l.MaybeExecuteRemotely(context.Background(), h, "cluster", "hpo-coordinator")
	assert.ErrorIs(t, err, ErrConfig)

	attached, err := l.AttachTracking(context.Background(), h.ID())
	require.NoError(t, err)
	out, err := l.MaybeExecuteRemotely(context.Background(), attached, ModeRemote, "hpo-coordinator")
	require.NoError(t, err)
	assert.Nil(t, out, "a handle already running under an agent is not dispatched again")
}

func TestLaunchRemoteDispatchesBeforeBuild(t *testing.T) {
	store := newTestStore(t)
	q := queue.NewMemory()
	l := newTestLauncher(t, store, q, nil)

	// The base task does not exist: building would fail, so success proves
	// the campaign was never built.
	out, err := l.Launch(context.Background(), LaunchRequest{
		Project:         "Snippets",
		Name:            "HPO",
		Mode:            ModeRemote,
		ControllerQueue: "hpo-coordinator",
		Campaign:        lrSpec("missing"),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Dispatched)
	assert.Equal(t, StateRemoteDispatched, out.State)
	assert.Nil(t, out.Campaign)
	assert.Nil(t, out.Result)
	assert.Equal(t, "hpo-coordinator", out.Dispatched.Queue)

	id, ok, err := q.TryPop(context.Background(), "hpo-coordinator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.Dispatched.TaskID, id)

	controller, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusQueued, controller.Status)
	assert.Equal(t, tracking.TaskTypeOptimizer, controller.Type)

	children, err := store.ListTasks(context.Background(), tracking.Filter{ParentID: id})
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestLaunchRemoteAttachedRunsCampaign(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	l := newTestLauncher(t, store, forbiddenQueue{}, reportAccuracy(2))

	h, err := l.BootstrapTracking(context.Background(), "Snippets", "HPO", false)
	require.NoError(t, err)

	spec := lrSpec("42")
	spec.Policy.TotalMaxJobs = 4
	out, err := l.Launch(context.Background(), LaunchRequest{
		TaskID:   h.ID(),
		Mode:     ModeRemote,
		Await:    true,
		TopK:     2,
		Campaign: spec,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Len(t, out.Result.Top, 2)

	controller, err := store.GetTask(context.Background(), h.ID())
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, controller.Status)
}

func TestBootstrapTrackingReuse(t *testing.T) {
	store := newTestStore(t)
	l := NewLauncher(store, nil)
	ctx := context.Background()

	first, err := l.BootstrapTracking(ctx, "Snippets", "HPO", true)
	require.NoError(t, err)

	again, err := l.BootstrapTracking(ctx, "Snippets", "HPO", true)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), again.ID())

	require.NoError(t, store.SetStatus(ctx, first.ID(), tracking.StatusCompleted, ""))
	fresh, err := l.BootstrapTracking(ctx, "Snippets", "HPO", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), fresh.ID())

	_, err = NewLauncher(nil, nil).BootstrapTracking(ctx, "Snippets", "HPO", false)
	assert.ErrorIs(t, err, ErrTrackingInit)

	_, err = l.AttachTracking(ctx, "nope")
	assert.ErrorIs(t, err, ErrTrackingInit)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestBuildCampaignChecksBaseTask(t *testing.T) {
	store := newTestStore(t)
	l := newTestLauncher(t, store, nil, reportAccuracy(1))
	ctx := context.Background()

	_, err := l.BuildCampaign(ctx, lrSpec("missing"))
	var errs ConfigErrors
	require.ErrorAs(t, err, &errs)
	assert.True(t, errs.Has("base_task_id"))

	h, err := l.BootstrapTracking(ctx, "Snippets", "HPO", false)
	require.NoError(t, err)
	_, err = l.BuildCampaign(ctx, lrSpec(h.ID()))
	assert.ErrorIs(t, err, ErrConfig)

	// A trial queue needs a queue backend; no queue needs a runner.
	createBase(t, store, "42")
	spec := lrSpec("42")
	spec.TrialQueue = "worker-single-gpu"
	_, err = l.BuildCampaign(ctx, spec)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewLauncher(store, nil).BuildCampaign(ctx, lrSpec("42"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestTopResultsPrefixConsistent(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	l := newTestLauncher(t, store, nil, reportAccuracy(1))
	ctx := context.Background()

	spec := lrSpec("42")
	spec.Policy.MaxConcurrentTrials = 4
	spec.Policy.TotalMaxJobs = 12
	spec.Strategy = StrategyRandom
	c, err := l.BuildCampaign(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(ctx, c, ModeLocal, true))

	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(-2, 20).Draw(t, "k")

		a, err := l.TopResults(ctx, c, k)
		if err != nil {
			t.Fatal(err)
		}
		b, err := l.TopResults(ctx, c, k+1)
		if err != nil {
			t.Fatal(err)
		}

		if k <= 0 && len(a) != 0 {
			t.Fatalf("k=%d returned %d results", k, len(a))
		}
		if len(a) > k && k > 0 {
			t.Fatalf("k=%d returned %d results", k, len(a))
		}
		if len(a) > 12 || len(b) > 12 {
			t.Fatalf("more results than trials: %d, %d", len(a), len(b))
		}
		for i := range a {
			if a[i].TaskID != b[i].TaskID {
				t.Fatalf("top %d is not a prefix of top %d at %d", k, k+1, i)
			}
		}
	})
}

func TestStopTwiceIsNoop(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	var started int32
	l := newTestLauncher(t, store, nil, blockingRunner(&started))

	c, err := l.BuildCampaign(context.Background(), lrSpec("42"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop(c))
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, l.Stop(c))
	assert.Equal(t, StateStopped, c.State())

	trials := c.Trials()
	require.Len(t, trials, 2)
	for _, tr := range trials {
		task, err := store.GetTask(context.Background(), tr.TaskID)
		require.NoError(t, err)
		assert.Equal(t, tracking.StatusStopped, task.Status)
	}

	// Completed trials are required for a ranking.
	top, err := c.TopExperiments(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestStoppedTrialsNeverRecordedAsFailed(t *testing.T) {
	for i := 0; i < 25; i++ {
		store := newTestStore(t)
		createBase(t, store, "42")

		var started int32
		l := NewLauncher(store, nil,
			WithRunner(blockingRunner(&started)),
			WithPollInterval(5*time.Millisecond),
		)

		c, err := l.BuildCampaign(context.Background(), lrSpec("42"))
		require.NoError(t, err)

		// Alternate between Stop and cancelling the caller's context.
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, c.Start(ctx))
		require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 2 }, 5*time.Second, time.Millisecond)

		if i%2 == 0 {
			require.NoError(t, c.Stop())
		} else {
			cancel()
			require.NoError(t, c.Wait(context.Background()))
		}
		cancel()

		assert.Equal(t, StateStopped, c.State())
		for _, tr := range c.Trials() {
			task, err := store.GetTask(context.Background(), tr.TaskID)
			require.NoError(t, err)
			require.Equal(t, tracking.StatusStopped, task.Status, "round %d trial %s: %s", i, task.ID, task.StatusMessage)
		}
	}
}

func TestStopAfterCompletionKeepsState(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	l := newTestLauncher(t, store, nil, reportAccuracy(1))

	spec := lrSpec("42")
	spec.Policy.TotalMaxJobs = 2
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), c, ModeLocal, false))

	require.NoError(t, l.Stop(c))
	assert.Equal(t, StateCompleted, c.State())
}

func TestStopBeforeStart(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	l := newTestLauncher(t, store, nil, reportAccuracy(1))

	c, err := l.BuildCampaign(context.Background(), lrSpec("42"))
	require.NoError(t, err)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	assert.Error(t, c.Start(context.Background()))
	assert.NoError(t, c.Wait(context.Background()))
}

func TestCampaignQueuesTrialsAndStopRemovesThem(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	q := queue.NewMemory()
	l := newTestLauncher(t, store, q, nil)

	spec := lrSpec("42")
	spec.TrialQueue = "worker-single-gpu"
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return q.Len("worker-single-gpu") == 2 }, 5*time.Second, 5*time.Millisecond)

	// Slots stay taken while the queued trials wait for an agent.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.Trials(), 2)

	require.NoError(t, c.Stop())
	assert.Equal(t, 0, q.Len("worker-single-gpu"))
	for _, tr := range c.Trials() {
		assert.Equal(t, tracking.StatusStopped, tr.Status)
	}
}

func TestCampaignCompletesQueuedTrialsFinishedElsewhere(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	q := queue.NewMemory()
	l := newTestLauncher(t, store, q, nil)

	spec := lrSpec("42")
	spec.TrialQueue = "worker-single-gpu"
	spec.Policy.TotalMaxJobs = 3
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	// Play the agent.
	ctx := context.Background()
	go func() {
		for done := 0; done < 3; {
			id, ok, err := q.TryPop(ctx, "worker-single-gpu")
			if err != nil || !ok {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			task, err := store.GetTask(ctx, id)
			if err != nil {
				return
			}
			_ = store.SetStatus(ctx, id, tracking.StatusInProgress, "")
			_ = store.ReportScalar(ctx, tracking.Scalar{TaskID: id, Title: "Accuracy", Series: "test", Iteration: 1, Value: accuracy(task)})
			_ = store.SetStatus(ctx, id, tracking.StatusCompleted, "")
			done++
		}
	}()

	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, StateCompleted, c.State())

	top, err := c.TopExperiments(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, top, 3)
}

func TestCampaignMaxIterationCompletesTrial(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	runner := runnerFunc(func(ctx context.Context, task *tracking.Task, r tracking.Reporter) error {
		for i := int64(1); ; i++ {
			if err := r.ReportScalar(ctx, tracking.Scalar{TaskID: task.ID, Title: "Accuracy", Series: "test", Iteration: i * 10, Value: 0.5}); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	})
	l := newTestLauncher(t, store, nil, runner)

	spec := lrSpec("42")
	spec.Policy.TotalMaxJobs = 2
	spec.Policy.MaxIterationPerJob = 50
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), c, ModeLocal, false))

	assert.Equal(t, StateCompleted, c.State())
	for _, tr := range c.Trials() {
		task, err := store.GetTask(context.Background(), tr.TaskID)
		require.NoError(t, err)
		assert.Equal(t, tracking.StatusCompleted, task.Status)
		assert.Equal(t, "reached max iteration", task.StatusMessage)
	}
}

func TestCampaignMedianStoppingRule(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	// The first three trials finish with a good score; later ones keep
	// reporting a poor one until stopped.
	var launched int32
	runner := runnerFunc(func(ctx context.Context, task *tracking.Task, r tracking.Reporter) error {
		n := atomic.AddInt32(&launched, 1)
		value := 0.9
		if n > 3 {
			value = 0.1
		}
		for i := int64(1); ; i++ {
			if err := r.ReportScalar(ctx, tracking.Scalar{TaskID: task.ID, Title: "Accuracy", Series: "test", Iteration: i, Value: value}); err != nil {
				return err
			}
			if n <= 3 && i >= 3 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	})
	l := newTestLauncher(t, store, nil, runner)

	spec := lrSpec("42")
	spec.Policy.MaxConcurrentTrials = 1
	spec.Policy.TotalMaxJobs = 5
	spec.Policy.MinIterationPerJob = 2
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), c, ModeLocal, false))

	trials := c.Trials()
	require.Len(t, trials, 5)
	for i, tr := range trials {
		if i < 3 {
			assert.Equal(t, tracking.StatusCompleted, tr.Status)
			continue
		}
		assert.Equal(t, tracking.StatusStopped, tr.Status)
	}
}

func TestCampaignTimesOut(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	var started int32
	l := newTestLauncher(t, store, nil, blockingRunner(&started))

	spec := lrSpec("42")
	spec.Policy.OptimizationTimeLimit = 50 * time.Millisecond
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), c, ModeLocal, false))

	assert.Equal(t, StateTimedOut, c.State())
	for _, tr := range c.Trials() {
		assert.Equal(t, tracking.StatusStopped, tr.Status)
	}
}

func TestCampaignTimeLimitFollowsClock(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	now := time.Now()
	var offset int64
	clock := func() time.Time { return now.Add(time.Duration(atomic.LoadInt64(&offset))) }

	var started int32
	l := NewLauncher(store, nil,
		WithRunner(blockingRunner(&started)),
		WithPollInterval(5*time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(clock),
	)

	spec := lrSpec("42")
	spec.Policy.OptimizationTimeLimit = time.Hour
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateMonitoring, c.State())

	atomic.StoreInt64(&offset, int64(2*time.Hour))
	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, StateTimedOut, c.State())
	for _, tr := range c.Trials() {
		task, err := store.GetTask(context.Background(), tr.TaskID)
		require.NoError(t, err)
		assert.Equal(t, tracking.StatusStopped, task.Status)
	}
}

func TestCampaignComputeLimitStopsLaunching(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	now := time.Now()
	var ticks int64
	clock := func() time.Time {
		// Every reading advances a minute.
		return now.Add(time.Duration(atomic.AddInt64(&ticks, 1)) * time.Minute)
	}

	l := NewLauncher(store, nil,
		WithRunner(reportAccuracy(1)),
		WithPollInterval(5*time.Millisecond),
		WithClock(clock),
	)

	spec := lrSpec("42")
	spec.Policy.OptimizationTimeLimit = 0
	spec.Policy.ComputeTimeLimit = 10 * time.Minute
	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), c, ModeLocal, false))

	assert.Equal(t, StateCompleted, c.State())
	assert.Less(t, len(c.Trials()), 20)
}

func TestLaunchInterrupted(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")

	var started int32
	l := newTestLauncher(t, store, nil, blockingRunner(&started))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for atomic.LoadInt32(&started) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	out, err := l.Launch(ctx, LaunchRequest{
		Project:  "Snippets",
		Name:     "HPO",
		Mode:     ModeLocal,
		TopK:     3,
		Campaign: lrSpec("42"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInterrupted))
	assert.Equal(t, StateStopped, out.State)

	controller, err := store.FindLastTask(context.Background(), "Snippets", "HPO", tracking.TaskTypeOptimizer)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusStopped, controller.Status)
}

func TestProgressUpdates(t *testing.T) {
	store := newTestStore(t)
	createBase(t, store, "42")
	l := newTestLauncher(t, store, nil, reportAccuracy(1))

	progress := make(chan ProgressUpdate, 1024)
	spec := lrSpec("42")
	spec.Policy.TotalMaxJobs = 4
	spec.ProgressChan = progress

	c, err := l.BuildCampaign(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), c, ModeLocal, false))
	close(progress)

	var last ProgressUpdate
	count := 0
	for u := range progress {
		last = u
		count++
	}
	assert.Greater(t, count, 0)
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, 4, last.Launched)
	assert.Equal(t, 4, last.Completed)
	assert.NotEmpty(t, last.BestTaskID)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	err := newError(ErrExecution, "enqueue", cause)

	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConfig)
	assert.Equal(t, "enqueue: execution failed: connection refused", err.Error())

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "enqueue", herr.Op)
}

func TestFollowReturnsRecordedResult(t *testing.T) {
	store := newTestStore(t)
	l := newTestLauncher(t, store, queue.NewMemory(), nil)
	ctx := context.Background()

	task := &tracking.Task{Project: "Snippets", Name: "HPO", Type: tracking.TaskTypeOptimizer, Status: tracking.StatusQueued}
	require.NoError(t, store.CreateTask(ctx, task))

	want := CampaignResult{State: StateCompleted, Top: []TrialResult{{TaskID: "t-1", Objective: 0.9}}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.SetStatus(ctx, task.ID, tracking.StatusInProgress, "")
		output, _ := json.Marshal(want)
		_ = store.SetOutput(ctx, task.ID, output)
		_ = store.SetStatus(ctx, task.ID, tracking.StatusCompleted, "")
	}()

	got, err := l.Follow(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestFollowFailedAndCancelled(t *testing.T) {
	store := newTestStore(t)
	l := newTestLauncher(t, store, nil, nil)
	ctx := context.Background()

	failed := &tracking.Task{Project: "Snippets", Name: "HPO", Type: tracking.TaskTypeOptimizer, Status: tracking.StatusFailed}
	require.NoError(t, store.CreateTask(ctx, failed))
	_, err := l.Follow(ctx, failed.ID)
	assert.ErrorIs(t, err, ErrExecution)

	queued := &tracking.Task{Project: "Snippets", Name: "HPO", Type: tracking.TaskTypeOptimizer, Status: tracking.StatusQueued}
	require.NoError(t, store.CreateTask(ctx, queued))
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Follow(cctx, queued.ID)
	assert.ErrorIs(t, err, ErrInterrupted)

	_, err = l.Follow(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecution)
}
