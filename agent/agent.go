// Package agent executes queued tasks. An agent polls one or more queues and
// runs one task at a time: training tasks through a TrialRunner, optimizer
// tasks by relaunching the stored campaign attached to the task.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thalesfsp/ho"
	"github.com/thalesfsp/ho/queue"
	"github.com/thalesfsp/ho/tracking"
)

// DefaultPollInterval is how often idle queues are polled.
const DefaultPollInterval = 5 * time.Second

// SnapshotDecoder rebuilds the launch request stored on an optimizer task.
type SnapshotDecoder func(task *tracking.Task) (ho.LaunchRequest, error)

// Option configures an Agent.
type Option func(*Agent)

// WithQueues sets the queues polled, in priority order.
func WithQueues(names ...string) Option {
	return func(a *Agent) { a.queues = append([]string(nil), names...) }
}

// WithPollInterval sets how often idle queues are polled.
func WithPollInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.poll = d
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// WithLauncher enables optimizer tasks.
func WithLauncher(l *ho.Launcher, decode SnapshotDecoder) Option {
	return func(a *Agent) {
		a.launcher = l
		a.decode = decode
	}
}

// Agent pulls tasks from queues and executes them.
type Agent struct {
	tracker  ho.Tracker
	queue    queue.Queue
	runner   ho.TrialRunner
	launcher *ho.Launcher
	decode   SnapshotDecoder
	queues   []string
	poll     time.Duration
	log      *zap.Logger
}

// New returns an agent. runner may be nil when only optimizer tasks are
// expected.
func New(tracker ho.Tracker, q queue.Queue, runner ho.TrialRunner, opts ...Option) *Agent {
	a := &Agent{
		tracker: tracker,
		queue:   q,
		runner:  runner,
		poll:    DefaultPollInterval,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if len(a.queues) == 0 {
		return errors.New("agent has no queues to poll")
	}
	a.log.Info("agent started", zap.Strings("queues", a.queues), zap.Duration("poll", a.poll))

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		worked, err := a.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			a.log.Warn("poll failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			a.log.Info("agent stopped")
			return nil
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			a.log.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes the first task found on the queues. It reports whether a
// task was taken.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	for _, name := range a.queues {
		id, ok, err := a.queue.TryPop(ctx, name)
		if err != nil {
			return false, fmt.Errorf("pop %s: %w", name, err)
		}
		if !ok {
			continue
		}
		a.execute(ctx, name, id)
		return true, nil
	}
	return false, nil
}

func (a *Agent) execute(ctx context.Context, queueName, id string) {
	log := a.log.With(zap.String("task_id", id), zap.String("queue", queueName))

	task, err := a.tracker.GetTask(ctx, id)
	if err != nil {
		log.Warn("skipping unknown task", zap.Error(err))
		return
	}
	if task.Status != tracking.StatusQueued {
		log.Info("skipping task that is no longer queued", zap.String("status", string(task.Status)))
		return
	}

	switch task.Type {
	case tracking.TaskTypeOptimizer:
		a.runOptimizer(ctx, task, log)
	default:
		a.runTraining(ctx, task, log)
	}
}

func (a *Agent) runTraining(ctx context.Context, task *tracking.Task, log *zap.Logger) {
	if a.runner == nil {
		a.fail(ctx, task.ID, errors.New("agent has no runner for training tasks"), log)
		return
	}

	ok, err := a.tracker.TransitionStatus(ctx, task.ID, tracking.StatusInProgress, "", tracking.StatusQueued)
	if err != nil || !ok {
		log.Info("task not started", zap.Bool("transitioned", ok), zap.Error(err))
		return
	}
	log.Info("training task started")

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	g, gctx := errgroup.WithContext(taskCtx)

	// Cancel the run when the task is stopped from the outside.
	g.Go(func() error {
		ticker := time.NewTicker(a.poll)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			current, err := a.tracker.GetTask(gctx, task.ID)
			if err != nil {
				continue
			}
			if current.Status.IsTerminal() {
				log.Info("task ended externally, cancelling", zap.String("status", string(current.Status)))
				cancel()
				return nil
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		runErr = a.runner.Run(taskCtx, task, a.tracker)
		return nil
	})
	g.Wait()

	bg := context.WithoutCancel(ctx)
	status, msg := tracking.StatusCompleted, ""
	switch {
	case ctx.Err() != nil:
		status, msg = tracking.StatusStopped, "agent shutting down"
	case runErr != nil:
		status, msg = tracking.StatusFailed, runErr.Error()
	}

	ok, err = a.tracker.TransitionStatus(bg, task.ID, status, msg, tracking.StatusInProgress)
	switch {
	case err != nil:
		log.Warn("record task status", zap.Error(err))
	case ok:
		log.Info("training task ended", zap.String("status", string(status)))
	default:
		log.Info("training task ended externally")
	}
}

func (a *Agent) runOptimizer(ctx context.Context, task *tracking.Task, log *zap.Logger) {
	if a.launcher == nil || a.decode == nil {
		a.fail(ctx, task.ID, errors.New("agent cannot run optimizer tasks"), log)
		return
	}

	req, err := a.decode(task)
	if err != nil {
		a.fail(ctx, task.ID, fmt.Errorf("decode launch snapshot: %w", err), log)
		return
	}
	req.TaskID = task.ID
	req.Mode = ho.ModeRemote
	req.Await = true

	log.Info("optimizer task started")
	out, err := a.launcher.Launch(ctx, req)
	switch {
	case errors.Is(err, ho.ErrInterrupted):
		log.Info("optimizer task interrupted")
	case err != nil:
		a.fail(ctx, task.ID, err, log)
	default:
		log.Info("optimizer task ended", zap.String("state", string(out.State)))
	}
}

func (a *Agent) fail(ctx context.Context, id string, cause error, log *zap.Logger) {
	log.Error("task failed", zap.Error(cause))
	_, err := a.tracker.TransitionStatus(context.WithoutCancel(ctx), id, tracking.StatusFailed, cause.Error(),
		tracking.StatusCreated, tracking.StatusQueued, tracking.StatusInProgress)
	if err != nil {
		log.Warn("record task status", zap.Error(err))
	}
}
