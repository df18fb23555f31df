package ho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thalesfsp/ho/queue"
	"github.com/thalesfsp/ho/tracking"
)

//////
// Const, vars, types.
//////

// Tracker is the experiment-tracking backend the launcher works against.
// *tracking.Store implements it.
type Tracker interface {
	tracking.Reporter

	CreateTask(ctx context.Context, t *tracking.Task) error
	GetTask(ctx context.Context, id string) (*tracking.Task, error)
	FindLastTask(ctx context.Context, project, name string, typ tracking.TaskType) (*tracking.Task, error)
	CloneTask(ctx context.Context, id string, opts tracking.CloneOptions) (*tracking.Task, error)
	SetRepo(ctx context.Context, id, repo string) error
	SetConfig(ctx context.Context, id string, config []byte) error
	SetOutput(ctx context.Context, id string, output []byte) error
	SetStatus(ctx context.Context, id string, status tracking.Status, message string) error
	TransitionStatus(ctx context.Context, id string, status tracking.Status, message string, from ...tracking.Status) (bool, error)
	LastScalar(ctx context.Context, taskID, title, series string) (tracking.Scalar, bool, error)
}

// TrialRunner executes a trial in-process. It reports scalars through
// reporter and returns when the trial ends or ctx is cancelled.
type TrialRunner interface {
	Run(ctx context.Context, task *tracking.Task, reporter tracking.Reporter) error
}

// Outcome is the result of Launch. Exactly one of Dispatched and Result is
// set once the launch got that far.
type Outcome struct {
	State State

	// Dispatched is set when the controller task was handed to a queue. The
	// caller must do no further campaign work.
	Dispatched *RemoteHandle

	// Result is set when the campaign ran to an end in this process.
	Result *CampaignResult

	// Campaign is the campaign built by the launch, if any.
	Campaign *Campaign
}

// LaunchRequest describes one launch.
type LaunchRequest struct {
	// Project and Name identify the controller task.
	Project string
	Name    string

	// Reuse picks up the last controller task with the same project and name
	// when it never left the created state.
	Reuse bool

	// Repo is recorded on the controller task for the agent.
	Repo string

	// TaskID attaches to an existing controller task instead of registering
	// one. Agents set it when they execute a dispatched launch.
	TaskID string

	Mode Mode

	// ControllerQueue receives the controller task in remote mode.
	ControllerQueue string

	Campaign CampaignSpec

	// Await makes a remote-mode launch running under an agent wait for the
	// campaign to end. Local launches always wait.
	Await bool

	// TopK is the number of best trials reported.
	TopK int

	// Snapshot is stored on the controller task so an agent can rebuild the
	// request.
	Snapshot []byte
}

func (r LaunchRequest) validate() error {
	var errs ConfigErrors
	if err := r.Campaign.Validate(); err != nil {
		var ce ConfigErrors
		if !errors.As(err, &ce) {
			return err
		}
		errs = append(errs, ce...)
	}

	switch r.Mode {
	case ModeLocal, ModeRemote:
	default:
		errs.add("mode", "mode must be local or remote, got %q", r.Mode)
	}
	if r.Mode == ModeRemote && r.TaskID == "" && strings.TrimSpace(r.ControllerQueue) == "" {
		errs.add("queues.controller", "controller queue is required in remote mode")
	}
	if r.TaskID == "" && strings.TrimSpace(r.Project) == "" {
		errs.add("project", "project is required")
	}
	if r.TopK < 0 {
		errs.add("top_k", "must not be negative")
	}
	return errs.orNil()
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(l *Launcher) {
		if log != nil {
			l.log = log
		}
	}
}

// WithRunner sets the runner used for trials when no trial queue is set.
func WithRunner(r TrialRunner) Option {
	return func(l *Launcher) { l.runner = r }
}

// WithPollInterval sets how often campaigns check on their trials.
func WithPollInterval(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithClock replaces time.Now for budget accounting and the optimization
// time limit. Poll ticks still use real time.
func WithClock(now func() time.Time) Option {
	return func(l *Launcher) {
		if now != nil {
			l.now = now
		}
	}
}

// Launcher registers controller tasks, hands them to remote queues and drives
// campaigns.
type Launcher struct {
	tracker Tracker
	queue   queue.Queue
	runner  TrialRunner
	log     *zap.Logger
	poll    time.Duration
	now     func() time.Time
}

// NewLauncher returns a launcher over tracker and q. q may be nil when only
// local launches with in-process trials are performed.
func NewLauncher(tracker Tracker, q queue.Queue, opts ...Option) *Launcher {
	l := &Launcher{
		tracker: tracker,
		queue:   q,
		log:     zap.NewNop(),
		poll:    DefaultPollInterval,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle is a controller task bound to the tracker.
type Handle struct {
	tracker Tracker
	task    *tracking.Task
	remote  bool
}

// ID returns the controller task ID.
func (h *Handle) ID() string { return h.task.ID }

// Task returns the controller task as it was when bound.
func (h *Handle) Task() *tracking.Task { return h.task }

// RunningRemotely reports whether this process is the agent-side execution
// of a dispatched launch.
func (h *Handle) RunningRemotely() bool { return h.remote }

// SetRepo records the source repository on the controller task.
func (h *Handle) SetRepo(ctx context.Context, url string) error {
	if err := h.tracker.SetRepo(ctx, h.task.ID, url); err != nil {
		return fmt.Errorf("set repo of %s: %w", h.task.ID, err)
	}
	h.task.Repo = url
	return nil
}

//////
// Exported functionalities.
//////

// BootstrapTracking registers a new optimizer task. With reuse, the last task
// with the same project and name is picked up instead when it is still in the
// created state.
func (l *Launcher) BootstrapTracking(ctx context.Context, project, name string, reuse bool) (*Handle, error) {
	const op = "bootstrap tracking"
	if l.tracker == nil {
		return nil, newError(ErrTrackingInit, op, errors.New("no tracker configured"))
	}

	if reuse {
		last, err := l.tracker.FindLastTask(ctx, project, name, tracking.TaskTypeOptimizer)
		switch {
		case err == nil && last.Status == tracking.StatusCreated:
			l.log.Info("reusing controller task", zap.String("task_id", last.ID))
			return &Handle{tracker: l.tracker, task: last}, nil
		case err != nil && !errors.Is(err, tracking.ErrNotFound):
			return nil, newError(ErrTrackingInit, op, err)
		}
	}

	task := &tracking.Task{Project: project, Name: name, Type: tracking.TaskTypeOptimizer}
	if err := l.tracker.CreateTask(ctx, task); err != nil {
		return nil, newError(ErrTrackingInit, op, err)
	}
	l.log.Info("controller task registered",
		zap.String("task_id", task.ID),
		zap.String("project", project),
		zap.String("name", name),
	)
	return &Handle{tracker: l.tracker, task: task}, nil
}

// AttachTracking binds an existing controller task. The handle is marked as
// running remotely so MaybeExecuteRemotely does not dispatch it again.
func (l *Launcher) AttachTracking(ctx context.Context, taskID string) (*Handle, error) {
	const op = "attach tracking"
	if l.tracker == nil {
		return nil, newError(ErrTrackingInit, op, errors.New("no tracker configured"))
	}
	task, err := l.tracker.GetTask(ctx, taskID)
	if err != nil {
		return nil, newError(ErrTrackingInit, op, err)
	}
	return &Handle{tracker: l.tracker, task: task, remote: true}, nil
}

// MaybeExecuteRemotely hands the controller task to queueName in remote mode
// and returns a Dispatched outcome. It returns a nil outcome when the caller
// should go on locally: in local mode, where no queue is contacted, and when h
// is already running under an agent.
func (l *Launcher) MaybeExecuteRemotely(ctx context.Context, h *Handle, mode Mode, queueName string) (*Outcome, error) {
	const op = "execute remotely"
	switch mode {
	case ModeLocal:
		return nil, nil
	case ModeRemote:
	default:
		return nil, newError(ErrConfig, op, fmt.Errorf("unknown mode %q", mode))
	}

	if h == nil {
		return nil, newError(ErrExecution, op, errors.New("no tracking handle to dispatch"))
	}
	if h.remote {
		return nil, nil
	}
	if strings.TrimSpace(queueName) == "" {
		return nil, newError(ErrConfig, op, errors.New("controller queue is required"))
	}
	if l.queue == nil {
		return nil, newError(ErrExecution, op, errors.New("no queue backend configured"))
	}

	if err := l.tracker.SetStatus(ctx, h.ID(), tracking.StatusQueued, "queued on "+queueName); err != nil {
		return nil, newError(ErrExecution, op, err)
	}
	if err := l.queue.Push(ctx, queueName, h.ID()); err != nil {
		l.markController(ctx, h, tracking.StatusFailed, "enqueue failed: "+err.Error())
		return nil, newError(ErrExecution, op, err)
	}

	l.log.Info("controller task dispatched", zap.String("task_id", h.ID()), zap.String("queue", queueName))
	return &Outcome{
		State:      StateRemoteDispatched,
		Dispatched: &RemoteHandle{TaskID: h.ID(), Queue: queueName},
	}, nil
}

// BuildCampaign validates spec, then checks the base task exists and can be
// cloned. Validation happens before any backend call.
func (l *Launcher) BuildCampaign(ctx context.Context, spec CampaignSpec) (*Campaign, error) {
	const op = "build campaign"
	if err := spec.Validate(); err != nil {
		return nil, newError(ErrConfig, op, err)
	}

	var errs ConfigErrors
	if l.tracker == nil {
		errs.add("tracking", "no tracker configured")
	}
	if spec.TrialQueue == "" && l.runner == nil {
		errs.add("queues.trials", "no trial queue set and no in-process runner configured")
	}
	if spec.TrialQueue != "" && l.queue == nil {
		errs.add("queues.trials", "trial queue %q set but no queue backend configured", spec.TrialQueue)
	}
	if err := errs.orNil(); err != nil {
		return nil, newError(ErrConfig, op, err)
	}

	base, err := l.tracker.GetTask(ctx, spec.BaseTaskID)
	if errors.Is(err, tracking.ErrNotFound) {
		errs.add("base_task_id", "base task %s not found", spec.BaseTaskID)
		return nil, newError(ErrConfig, op, errs)
	}
	if err != nil {
		return nil, newError(ErrExecution, op, err)
	}
	if base.Type == tracking.TaskTypeOptimizer {
		errs.add("base_task_id", "task %s is an optimizer task and cannot be cloned as a trial", base.ID)
		return nil, newError(ErrConfig, op, errs)
	}

	return newCampaign(spec, base, l), nil
}

// Run drives c. In local mode it blocks until the campaign ends. In remote
// mode it starts c and only blocks when await is set.
func (l *Launcher) Run(ctx context.Context, c *Campaign, mode Mode, await bool) error {
	const op = "run campaign"

	var err error
	switch {
	case mode == ModeLocal:
		err = c.StartLocally(ctx)
	case await:
		if err = c.Start(ctx); err == nil {
			err = c.Wait(ctx)
		}
	default:
		err = c.Start(ctx)
	}

	if ctx.Err() != nil {
		return newError(ErrInterrupted, op, ctx.Err())
	}
	if err != nil {
		return newError(ErrExecution, op, err)
	}
	return nil
}

// TopResults returns at most k completed trials of c, best first.
func (l *Launcher) TopResults(ctx context.Context, c *Campaign, k int) ([]TrialResult, error) {
	top, err := c.TopExperiments(ctx, k)
	if err != nil {
		return nil, newError(ErrExecution, "top results", err)
	}
	return top, nil
}

// Stop cancels the remaining trials of c. It is safe to call more than once.
func (l *Launcher) Stop(c *Campaign) error {
	if c == nil {
		return nil
	}
	return c.Stop()
}

// Follow waits for a dispatched controller task to end and returns the result
// its agent recorded on it.
func (l *Launcher) Follow(ctx context.Context, taskID string) (*CampaignResult, error) {
	const op = "follow controller"

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	last := tracking.Status("")
	for {
		task, err := l.tracker.GetTask(ctx, taskID)
		switch {
		case ctx.Err() != nil:
			return nil, newError(ErrInterrupted, op, ctx.Err())
		case err != nil:
			return nil, newError(ErrExecution, op, err)
		}

		if task.Status != last {
			l.log.Info("controller status", zap.String("task_id", taskID), zap.String("status", string(task.Status)))
			last = task.Status
		}

		if task.Status.IsTerminal() {
			result := &CampaignResult{}
			if len(task.Output) > 0 {
				if err := json.Unmarshal(task.Output, result); err != nil {
					return nil, newError(ErrExecution, op, fmt.Errorf("decode result of %s: %w", taskID, err))
				}
			}
			if task.Status == tracking.StatusFailed {
				return result, newError(ErrExecution, op, fmt.Errorf("controller task %s failed: %s", taskID, task.StatusMessage))
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, newError(ErrInterrupted, op, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Launch runs the whole pipeline: validate, bind the controller task, dispatch
// it in remote mode or else build and run the campaign, then report the best
// trials on the controller task.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, newError(ErrConfig, "launch", err)
	}

	out := &Outcome{State: StateCreated}

	h, err := l.bind(ctx, req)
	if err != nil {
		if req.Mode == ModeRemote {
			return out, err
		}
		l.log.Warn("tracking unavailable, continuing without a controller task", zap.Error(err))
	} else {
		out.State = StateTrackingBound
		l.annotate(ctx, h, req)
	}

	dispatched, err := l.MaybeExecuteRemotely(ctx, h, req.Mode, req.ControllerQueue)
	if err != nil {
		return out, err
	}
	if dispatched != nil {
		return dispatched, nil
	}

	spec := req.Campaign
	if h != nil {
		spec.ControllerTaskID = h.ID()
	}
	c, err := l.BuildCampaign(ctx, spec)
	if err != nil {
		l.markController(ctx, h, tracking.StatusFailed, err.Error())
		return out, err
	}
	out.Campaign = c
	out.State = StateLocalRunning
	l.markController(ctx, h, tracking.StatusInProgress, "")

	runErr := l.Run(ctx, c, req.Mode, req.Await)
	if runErr == nil && req.Mode == ModeRemote && !req.Await {
		out.State = StateMonitoring
		return out, nil
	}

	// Bookkeeping below must happen even when ctx was cancelled.
	bg := context.WithoutCancel(ctx)

	if err := l.Stop(c); err != nil {
		l.log.Warn("stop campaign", zap.Error(err))
	}

	top, err := l.TopResults(bg, c, req.TopK)
	if err != nil {
		l.log.Warn("collect top results", zap.Error(err))
	}
	out.State = c.State()
	out.Result = &CampaignResult{State: out.State, Top: top}

	l.record(bg, h, out.Result, runErr)

	for i, t := range top {
		l.log.Info("top trial",
			zap.Int("rank", i+1),
			zap.String("task_id", t.TaskID),
			zap.Float64("objective", t.Objective),
			zap.Any("params", t.Params),
		)
	}

	return out, runErr
}

//////
// Helpers.
//////

func (l *Launcher) bind(ctx context.Context, req LaunchRequest) (*Handle, error) {
	if req.TaskID != "" {
		return l.AttachTracking(ctx, req.TaskID)
	}
	return l.BootstrapTracking(ctx, req.Project, req.Name, req.Reuse)
}

// annotate records the repository and request snapshot. Failures only warn.
func (l *Launcher) annotate(ctx context.Context, h *Handle, req LaunchRequest) {
	if req.Repo != "" && h.Task().Repo != req.Repo {
		if err := h.SetRepo(ctx, req.Repo); err != nil {
			l.log.Warn("record repository", zap.String("task_id", h.ID()), zap.Error(err))
		}
	}
	if len(req.Snapshot) > 0 && !h.RunningRemotely() {
		if err := l.tracker.SetConfig(ctx, h.ID(), req.Snapshot); err != nil {
			l.log.Warn("record launch snapshot", zap.String("task_id", h.ID()), zap.Error(err))
		}
	}
}

// record stores the result on the controller task and sets its final status.
func (l *Launcher) record(ctx context.Context, h *Handle, result *CampaignResult, runErr error) {
	if h == nil {
		return
	}

	if output, err := json.Marshal(result); err != nil {
		l.log.Warn("encode campaign result", zap.Error(err))
	} else if err := l.tracker.SetOutput(ctx, h.ID(), output); err != nil {
		l.log.Warn("record campaign result", zap.String("task_id", h.ID()), zap.Error(err))
	}

	status, msg := tracking.StatusCompleted, string(result.State)
	switch {
	case runErr != nil && !errors.Is(runErr, ErrInterrupted):
		status, msg = tracking.StatusFailed, runErr.Error()
	case result.State == StateStopped:
		status = tracking.StatusStopped
	}
	l.markController(ctx, h, status, msg)
}

func (l *Launcher) markController(ctx context.Context, h *Handle, status tracking.Status, msg string) {
	if h == nil {
		return
	}
	if err := l.tracker.SetStatus(context.WithoutCancel(ctx), h.ID(), status, msg); err != nil {
		l.log.Warn("update controller status",
			zap.String("task_id", h.ID()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
