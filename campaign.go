package ho

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thalesfsp/ho/queue"
	"github.com/thalesfsp/ho/tracking"
)

//////
// Const, vars, types.
//////

// State is the lifecycle state of a launch or campaign.
type State string

const (
	StateCreated          State = "created"
	StateTrackingBound    State = "tracking_bound"
	StateRemoteDispatched State = "remote_dispatched"
	StateLocalRunning     State = "local_running"
	StateMonitoring       State = "monitoring"
	StateCompleted        State = "completed"
	StateStopped          State = "stopped"
	StateTimedOut         State = "timed_out"
)

// IsTerminal reports whether the campaign has ended in s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateTimedOut:
		return true
	default:
		return false
	}
}

const (
	// DefaultPollInterval is how often a campaign checks on its trials.
	DefaultPollInterval = 5 * time.Second

	// maxBookkeepingErrors is the number of consecutive failed poll ticks
	// after which the campaign gives up.
	maxBookkeepingErrors = 5
)

// Trial is a snapshot of one trial of a campaign.
type Trial struct {
	TaskID       string
	Params       map[string]string
	Status       tracking.Status
	Objective    float64
	HasObjective bool
	Iteration    int64
}

type trialState struct {
	task   *tracking.Task
	point  point
	params map[string]string
	status tracking.Status

	objective    float64
	hasObjective bool
	iteration    int64

	launchedAt time.Time
	startedAt  time.Time
	finishedAt time.Time

	// cancel is set for trials running in-process.
	cancel context.CancelFunc
}

// Campaign drives one optimization: it clones the base task for every
// suggested point, dispatches the clones, watches their objective and enforces
// the policy. Create one with Launcher.BuildCampaign.
type Campaign struct {
	spec    CampaignSpec
	base    *tracking.Task
	space   searchSpace
	sampler sampler

	tracker Tracker
	queue   queue.Queue
	runner  TrialRunner
	log     *zap.Logger
	poll    time.Duration
	now     func() time.Time

	// mu guards everything below.
	mu        sync.Mutex
	state     State
	started   bool
	startedAt time.Time
	trials    []*trialState
	launched  int
	exhausted bool
	compute   time.Duration
	err       error

	// bg outlives cancellation so trials can still be marked stopped.
	bg       context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func newCampaign(spec CampaignSpec, base *tracking.Task, l *Launcher) *Campaign {
	space := newSearchSpace(spec.Parameters)

	return &Campaign{
		spec:    spec,
		base:    base,
		space:   space,
		sampler: newSampler(spec.Strategy, space, spec.Optimizer, newRand(spec.Seed)),
		tracker: l.tracker,
		queue:   l.queue,
		runner:  l.runner,
		log:     l.log.With(zap.String("base_task_id", base.ID)),
		poll:    l.poll,
		now:     l.now,
		state:   StateCreated,
		done:    make(chan struct{}),
	}
}

//////
// Exported functionalities.
//////

// Start runs the campaign in the background and returns immediately.
// Cancelling ctx stops the campaign.
func (c *Campaign) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.state != StateCreated {
		c.mu.Unlock()
		return errors.New("campaign already started")
	}
	c.started = true
	c.state = StateMonitoring
	c.startedAt = c.now()
	c.bg = context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("campaign started",
		zap.String("strategy", string(c.strategy())),
		zap.Int64("search_space", c.space.size()),
		zap.Int("total_max_jobs", c.spec.Policy.TotalMaxJobs),
		zap.Int("max_concurrent_trials", c.spec.Policy.MaxConcurrentTrials),
		zap.String("trial_queue", c.spec.TrialQueue),
	)

	go c.loop(runCtx)
	return nil
}

// StartLocally runs the campaign and blocks until it ends.
func (c *Campaign) StartLocally(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-c.done
	return c.Err()
}

// Wait blocks until the campaign ends or ctx is done.
func (c *Campaign) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the campaign has ended.
func (c *Campaign) Done() <-chan struct{} {
	return c.done
}

// Stop cancels queued and running trials and waits for the campaign loop to
// exit. Calling it again, or after the campaign completed on its own, does
// nothing.
func (c *Campaign) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		if !started {
			c.state = StateStopped
		}
		c.mu.Unlock()

		if !started {
			close(c.done)
			return
		}

		c.cancel()
		<-c.done
		err = c.stopErr
	})
	return err
}

// State returns the current campaign state.
func (c *Campaign) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Err returns the error that ended the campaign, if any.
func (c *Campaign) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Trials returns a snapshot of every trial launched so far, in launch order.
func (c *Campaign) Trials() []Trial {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Trial, 0, len(c.trials))
	for _, t := range c.trials {
		out = append(out, Trial{
			TaskID:       t.task.ID,
			Params:       copyParams(t.params),
			Status:       t.status,
			Objective:    t.objective,
			HasObjective: t.hasObjective,
			Iteration:    t.iteration,
		})
	}
	return out
}

// TopExperiments returns at most k completed trials ranked by objective, best
// first. Ties are broken by task ID so that, for a fixed set of results, the
// top k is always a prefix of the top k+1.
func (c *Campaign) TopExperiments(ctx context.Context, k int) ([]TrialResult, error) {
	if k <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	var completed []*trialState
	for _, t := range c.trials {
		if t.status == tracking.StatusCompleted {
			completed = append(completed, t)
		}
	}
	c.mu.Unlock()

	// Values reported between the last poll and the end of a trial only show
	// up in the tracker.
	for _, t := range completed {
		sc, ok, err := c.tracker.LastScalar(ctx, t.task.ID, c.spec.Objective.Title, c.spec.Objective.Series)
		if err != nil {
			return nil, fmt.Errorf("read objective of %s: %w", t.task.ID, err)
		}
		if ok {
			c.mu.Lock()
			t.objective, t.iteration, t.hasObjective = sc.Value, sc.Iteration, true
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	results := make([]TrialResult, 0, len(completed))
	for _, t := range completed {
		if !t.hasObjective {
			continue
		}
		results = append(results, TrialResult{
			TaskID:    t.task.ID,
			Params:    copyParams(t.params),
			Objective: t.objective,
			Iteration: t.iteration,
		})
	}
	c.mu.Unlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Objective != b.Objective {
			return c.spec.Objective.Better(a.Objective, b.Objective)
		}
		return a.TaskID < b.TaskID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

//////
// Campaign loop.
//////

func (c *Campaign) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	failures := 0
	for {
		finished, err := c.step(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			c.log.Warn("campaign bookkeeping failed", zap.Error(err), zap.Int("consecutive", failures))
			if failures >= maxBookkeepingErrors {
				c.stopErr = c.abortAll("aborted after repeated backend errors")
				c.end(StateStopped, fmt.Errorf("%d consecutive backend errors: %w", failures, err))
				return
			}
		case err == nil:
			failures = 0
		}

		if finished {
			c.end(StateCompleted, nil)
			return
		}

		if c.deadlinePassed() {
			c.stopErr = c.abortAll("optimization time limit reached")
			c.end(StateTimedOut, nil)
			return
		}

		select {
		case <-ctx.Done():
			c.stopErr = c.abortAll("campaign stopped")
			c.end(StateStopped, nil)
			return
		case <-ticker.C:
		}
	}
}

// step monitors running trials then tops up the concurrency slots.
func (c *Campaign) step(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	monitorErr := c.monitor(ctx)

	var launchErr error
	if ctx.Err() == nil {
		launchErr = c.launch(ctx)
	}

	c.sendProgress()

	return c.finished(), errors.Join(monitorErr, launchErr)
}

func (c *Campaign) end(state State, err error) {
	c.group.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
	c.err = err
	c.sendProgress()

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("launched", c.launched),
		zap.Duration("elapsed", c.now().Sub(c.startedAt)),
	}
	if err != nil {
		c.log.Error("campaign ended", append(fields, zap.Error(err))...)
		return
	}
	c.log.Info("campaign ended", fields...)
}

// deadlinePassed reports whether OptimizationTimeLimit has elapsed on the
// campaign clock.
func (c *Campaign) deadlinePassed() bool {
	limit := c.spec.Policy.OptimizationTimeLimit
	return limit > 0 && c.now().Sub(c.startedAt) >= limit
}

func (c *Campaign) finished() bool {
	if c.active() > 0 {
		return false
	}
	return c.launched >= c.spec.Policy.TotalMaxJobs || c.exhausted || c.computeExhausted()
}

func (c *Campaign) active() int {
	n := 0
	for _, t := range c.trials {
		if !t.status.IsTerminal() {
			n++
		}
	}
	return n
}

func (c *Campaign) computeExhausted() bool {
	limit := c.spec.Policy.ComputeTimeLimit
	if limit <= 0 {
		return false
	}
	used := c.compute
	now := c.now()
	for _, t := range c.trials {
		if !t.status.IsTerminal() && !t.startedAt.IsZero() {
			used += now.Sub(t.startedAt)
		}
	}
	return used >= limit
}

func (c *Campaign) strategy() Strategy {
	if c.spec.Strategy == "" {
		return StrategyBayesian
	}
	return c.spec.Strategy
}

//////
// Launching trials.
//////

func (c *Campaign) launch(ctx context.Context) error {
	policy := c.spec.Policy
	for c.active() < policy.MaxConcurrentTrials && c.launched < policy.TotalMaxJobs {
		if c.exhausted || c.computeExhausted() {
			return nil
		}

		p, ok := c.sampler.Suggest()
		if !ok {
			c.exhausted = true
			c.log.Info("search space exhausted", zap.Int("launched", c.launched))
			return nil
		}

		if err := c.launchTrial(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Campaign) launchTrial(ctx context.Context, p point) error {
	params := c.space.values(p)
	task, err := c.tracker.CloneTask(ctx, c.base.ID, tracking.CloneOptions{
		Name:     trialName(c.base.Name, params),
		ParentID: c.spec.ControllerTaskID,
		Params:   params,
	})
	if err != nil {
		return fmt.Errorf("clone base task %s: %w", c.base.ID, err)
	}

	t := &trialState{
		task:       task,
		point:      p,
		params:     params,
		status:     tracking.StatusCreated,
		launchedAt: c.now(),
	}
	c.trials = append(c.trials, t)
	c.launched++

	log := c.log.With(zap.String("trial_id", task.ID), zap.Any("params", params))

	if c.spec.TrialQueue != "" {
		if err := c.tracker.SetStatus(ctx, task.ID, tracking.StatusQueued, "queued on "+c.spec.TrialQueue); err != nil {
			c.failTrial(t, err)
			return fmt.Errorf("queue trial %s: %w", task.ID, err)
		}
		if err := c.queue.Push(ctx, c.spec.TrialQueue, task.ID); err != nil {
			c.failTrial(t, err)
			return fmt.Errorf("enqueue trial %s on %s: %w", task.ID, c.spec.TrialQueue, err)
		}
		t.status = tracking.StatusQueued
		log.Info("trial queued", zap.String("queue", c.spec.TrialQueue))
		return nil
	}

	if err := c.tracker.SetStatus(ctx, task.ID, tracking.StatusInProgress, ""); err != nil {
		c.failTrial(t, err)
		return fmt.Errorf("start trial %s: %w", task.ID, err)
	}
	t.status = tracking.StatusInProgress
	t.startedAt = c.now()

	// Only finishTrial cancels a running trial, after its final status is
	// recorded.
	trialCtx, cancel := context.WithCancel(c.bg)
	t.cancel = cancel
	c.group.Go(func() error {
		c.runTrial(trialCtx, cancel, task)
		return nil
	})
	log.Info("trial started")
	return nil
}

// runTrial executes a trial in-process and records its final status unless
// the campaign already decided it.
func (c *Campaign) runTrial(ctx context.Context, cancel context.CancelFunc, task *tracking.Task) {
	defer cancel()

	err := c.runner.Run(ctx, task, c.tracker)

	status, msg := tracking.StatusCompleted, ""
	if err != nil {
		status, msg = tracking.StatusFailed, err.Error()
	}
	if _, terr := c.tracker.TransitionStatus(context.WithoutCancel(ctx), task.ID, status, msg, tracking.StatusInProgress); terr != nil {
		c.log.Warn("record trial status failed", zap.String("trial_id", task.ID), zap.Error(terr))
	}
}

func (c *Campaign) failTrial(t *trialState, cause error) {
	if err := c.tracker.SetStatus(c.bg, t.task.ID, tracking.StatusFailed, cause.Error()); err != nil {
		c.log.Warn("mark trial failed", zap.String("trial_id", t.task.ID), zap.Error(err))
	}
	c.finishTrial(t, tracking.StatusFailed)
}

//////
// Monitoring trials.
//////

func (c *Campaign) monitor(ctx context.Context) error {
	var errs []error
	for _, t := range c.trials {
		if t.status.IsTerminal() {
			continue
		}
		if err := c.refresh(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Campaign) refresh(ctx context.Context, t *trialState) error {
	task, err := c.tracker.GetTask(ctx, t.task.ID)
	if err != nil {
		return fmt.Errorf("get trial %s: %w", t.task.ID, err)
	}

	// Read after the status so a finished trial's last value is included.
	sc, ok, err := c.tracker.LastScalar(ctx, t.task.ID, c.spec.Objective.Title, c.spec.Objective.Series)
	if err != nil {
		return fmt.Errorf("read objective of %s: %w", t.task.ID, err)
	}
	if ok {
		t.objective, t.iteration, t.hasObjective = sc.Value, sc.Iteration, true
	}

	if task.Status == tracking.StatusInProgress && t.startedAt.IsZero() {
		t.startedAt = c.now()
	}
	if task.Status.IsTerminal() {
		c.finishTrial(t, task.Status)
		return nil
	}
	t.status = task.Status

	if task.Status != tracking.StatusInProgress || !t.hasObjective {
		return nil
	}

	policy := c.spec.Policy
	if policy.MaxIterationPerJob > 0 && t.iteration >= policy.MaxIterationPerJob {
		return c.endTrial(ctx, t, tracking.StatusCompleted, "reached max iteration")
	}
	if c.belowMedian(t) {
		return c.endTrial(ctx, t, tracking.StatusStopped, "early stopped: objective worse than the median of completed trials")
	}
	return nil
}

// belowMedian applies the median stopping rule once a trial is past
// MinIterationPerJob and at least three trials have completed.
func (c *Campaign) belowMedian(t *trialState) bool {
	minIter := c.spec.Policy.MinIterationPerJob
	if minIter <= 0 || t.iteration < minIter {
		return false
	}

	var finals []float64
	for _, o := range c.trials {
		if o.status == tracking.StatusCompleted && o.hasObjective {
			finals = append(finals, o.objective)
		}
	}
	if len(finals) < 3 {
		return false
	}
	return c.spec.Objective.Better(median(finals), t.objective)
}

func (c *Campaign) endTrial(ctx context.Context, t *trialState, status tracking.Status, msg string) error {
	ok, err := c.tracker.TransitionStatus(ctx, t.task.ID, status, msg, tracking.StatusInProgress)
	if err != nil {
		return fmt.Errorf("end trial %s: %w", t.task.ID, err)
	}
	// Someone else moved it first; the next tick picks that up.
	if !ok {
		return nil
	}

	c.log.Info("trial ended by policy",
		zap.String("trial_id", t.task.ID),
		zap.String("status", string(status)),
		zap.String("reason", msg),
		zap.Int64("iteration", t.iteration),
		zap.Float64("objective", t.objective),
	)
	c.finishTrial(t, status)
	return nil
}

func (c *Campaign) finishTrial(t *trialState, status tracking.Status) {
	t.status = status
	t.finishedAt = c.now()
	if !t.startedAt.IsZero() {
		c.compute += t.finishedAt.Sub(t.startedAt)
	}
	if t.cancel != nil {
		t.cancel()
	}
	if status == tracking.StatusCompleted && t.hasObjective {
		c.sampler.Observe(t.point, c.spec.Objective.loss(t.objective))
	}
}

// abortAll stops every trial that has not ended yet.
func (c *Campaign) abortAll(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, t := range c.trials {
		if t.status.IsTerminal() {
			continue
		}
		if c.spec.TrialQueue != "" {
			if err := c.queue.Remove(c.bg, c.spec.TrialQueue, t.task.ID); err != nil {
				errs = append(errs, fmt.Errorf("dequeue trial %s: %w", t.task.ID, err))
			}
		}
		_, err := c.tracker.TransitionStatus(c.bg, t.task.ID, tracking.StatusStopped, reason,
			tracking.StatusCreated, tracking.StatusQueued, tracking.StatusInProgress)
		if err != nil {
			errs = append(errs, fmt.Errorf("stop trial %s: %w", t.task.ID, err))
		}
		c.finishTrial(t, tracking.StatusStopped)
	}

	err := errors.Join(errs...)
	if err != nil {
		c.log.Warn("stopping trials failed", zap.Error(err))
	}
	return err
}

func (c *Campaign) sendProgress() {
	if c.spec.ProgressChan == nil {
		return
	}

	update := ProgressUpdate{
		State:        c.state,
		Launched:     c.launched,
		Running:      c.active(),
		TotalMaxJobs: c.spec.Policy.TotalMaxJobs,
		Elapsed:      c.now().Sub(c.startedAt),
	}
	for _, t := range c.trials {
		if t.status != tracking.StatusCompleted || !t.hasObjective {
			continue
		}
		update.Completed++
		if update.BestTaskID == "" || c.spec.Objective.Better(t.objective, update.BestObjective) {
			update.BestTaskID, update.BestObjective = t.task.ID, t.objective
		}
	}

	select {
	case c.spec.ProgressChan <- update:
	default:
		// Skip update if channel is full.
	}
}

// trialName renders "<base>: k=v,..." with keys sorted.
func trialName(base string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	return base + ": " + strings.Join(pairs, ",")
}

func copyParams(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
