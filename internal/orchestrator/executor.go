package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/provenance"
	"github.com/aristath/taskcore/internal/scheduler"
	"github.com/aristath/taskcore/internal/verify"
)

// DecisionRecorder signs and stores decisions.
type DecisionRecorder interface {
	Record(ctx context.Context, lane string, in audit.DecisionInput) (*audit.DecisionRecord, error)
}

// AuditLog appends hash-chained audit entries.
type AuditLog interface {
	Append(ctx context.Context, actor, eventType string, payload any) (audit.Entry, error)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Workers      int           // Worker pool size (default 4)
	TaskTimeout  time.Duration // Per-invocation limit (default 30s)
	GraphTimeout time.Duration // Whole-graph limit (0 disables)
	Retry        *RetryConfig  // nil selects DefaultRetryConfig
	Breaker      BreakerConfig
	MaxSteals    int // See scheduler.Config
}

// ExecutorDeps are the executor's collaborators. Registry, Decisions and
// Log are required.
type ExecutorDeps struct {
	Registry   *capability.Registry
	Verifier   *verify.Verifier // Defaults to STRICT against Registry
	Decisions  DecisionRecorder
	Log        AuditLog
	Provenance *provenance.Tracker
	Locks      *scheduler.ResourceLockManager
	Breakers   *CircuitBreakerRegistry
	Bus        *events.EventBus
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Executor runs task graphs on a work-stealing pool. Every terminal task
// transition is verified, signed, logged and tracked before it is committed
// to the graph and before any dependent is dispatched.
type Executor struct {
	cfg  ExecutorConfig
	deps ExecutorDeps
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, deps ExecutorDeps) (*Executor, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("executor requires a capability registry")
	}
	if deps.Decisions == nil || deps.Log == nil {
		return nil, fmt.Errorf("executor requires a decision recorder and an audit log")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.Retry == nil {
		retry := DefaultRetryConfig()
		cfg.Retry = &retry
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Verifier == nil {
		deps.Verifier = verify.New(verify.Config{Level: verify.LevelStrict, Specs: deps.Registry})
	}
	if deps.Locks == nil {
		deps.Locks = scheduler.NewResourceLockManager()
	}
	if deps.Breakers == nil {
		deps.Breakers = NewCircuitBreakerRegistry(cfg.Breaker, deps.Logger, deps.Metrics)
	}

	return &Executor{cfg: cfg, deps: deps}, nil
}

// graphRun is the state of one Execute call.
type graphRun struct {
	e         *Executor
	requestID string
	graph     *scheduler.TaskGraph
	sched     *scheduler.WorkStealingScheduler
	logger    *slog.Logger

	ctx    context.Context // Graph context: cancelled on timeout or abort
	cancel context.CancelFunc
	audit  context.Context // Never cancelled, so terminal records are always written

	// finalizeMu orders this graph's audit, commit and promotion steps.
	// Other graphs finalize concurrently; the audit log's own mutex is the
	// single append point.
	finalizeMu sync.Mutex

	mu       sync.Mutex
	outcome  *GraphOutcome
	abortErr error
}

// Execute runs every task in graph. Task failures are contained: the
// returned outcome lists them. The error is non-nil only when the graph was
// aborted because a transition could not be audited.
func (e *Executor) Execute(ctx context.Context, requestID string, graph *scheduler.TaskGraph) (_ *GraphOutcome, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, traceSpanGraph,
		attribute.String(traceAttrRequestID, requestID),
		attribute.Int(traceAttrGraphTasks, graph.Len()),
	)
	defer func() {
		markSpanResult(span, err)
		span.End()
	}()

	run := &graphRun{
		e:         e,
		requestID: requestID,
		graph:     graph,
		logger:    e.deps.Logger.With("request", requestID),
		audit:     context.WithoutCancel(ctx),
		outcome: &GraphOutcome{
			RequestID: requestID,
			Results:   make(map[string]*ExecutionResult, graph.Len()),
		},
	}
	if e.cfg.GraphTimeout > 0 {
		run.ctx, run.cancel = context.WithTimeout(ctx, e.cfg.GraphTimeout)
	} else {
		run.ctx, run.cancel = context.WithCancel(ctx)
	}
	defer run.cancel()

	run.sched = scheduler.New(scheduler.Config{MaxSteals: e.cfg.MaxSteals, Logger: e.deps.Logger})
	for _, t := range graph.Promote() {
		run.sched.Submit(run.job(t.ID))
	}

	// Jobs observe the graph context themselves; the pool must drain every
	// job so that each one reaches a terminal state.
	if err := run.sched.Run(run.audit, e.cfg.Workers); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	run.sweep()

	run.mu.Lock()
	defer run.mu.Unlock()
	out := run.outcome
	out.Duration = time.Since(start)
	out.settle(run.abortErr != nil)

	e.deps.Metrics.IncGraph(out.Status)
	e.deps.Bus.Publish(events.GraphFinishedEvent{
		RequestID: requestID,
		Status:    string(out.Status),
		TimedOut:  out.TimedOut,
		Duration:  out.Duration,
		Timestamp: time.Now(),
	})
	run.logger.Info("graph finished", "status", out.Status, "tasks", len(out.Results),
		"failures", len(out.Failures), "duration", out.Duration)

	if run.abortErr != nil {
		return out, fmt.Errorf("graph %s aborted: %w", requestID, run.abortErr)
	}
	return out, nil
}

func (r *graphRun) job(taskID string) *scheduler.Job {
	return &scheduler.Job{
		ID: taskID,
		Run: func(_ context.Context, worker int) {
			r.runTask(worker, taskID)
		},
	}
}

func (r *graphRun) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortErr != nil
}

func (r *graphRun) abort(err error) {
	r.mu.Lock()
	if r.abortErr == nil {
		r.abortErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

// interruptCause maps the graph context's error to a skip cause.
func (r *graphRun) interruptCause() string {
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return CauseGraphTimeout
	}
	return CauseCancelled
}

func (r *graphRun) runTask(worker int, taskID string) {
	if r.aborted() {
		return
	}
	task, ok := r.graph.Get(taskID)
	if !ok {
		r.logger.Error("scheduled task not in graph", "task", taskID)
		return
	}
	if task.Status.Terminal() {
		return
	}

	// Work not yet started when the graph runs out of time never starts.
	if r.ctx.Err() != nil {
		r.finalize(worker, &terminal{task: task, status: scheduler.TaskSkipped, skipCause: r.interruptCause()})
		return
	}

	// Descriptors are validated at submission: a task that cannot be invoked
	// fails without running.
	if err := r.e.deps.Registry.Validate(task.Capability); err != nil {
		r.finalize(worker, &terminal{task: task, status: scheduler.TaskFailed, err: err})
		return
	}

	if err := r.graph.MarkRunning(taskID); err != nil {
		r.logger.Error("failed to mark task as running", "task", taskID, "error", err)
		return
	}
	started := time.Now()
	r.e.deps.Metrics.IncRunning()
	defer r.e.deps.Metrics.DecRunning()
	r.e.deps.Bus.Publish(events.TaskStartedEvent{
		RequestID:  r.requestID,
		ID:         taskID,
		Name:       task.Name,
		Capability: task.Capability.Name,
		Worker:     worker,
		Timestamp:  started,
	})

	ctx, span := startSpan(r.ctx, traceSpanTask,
		attribute.String(traceAttrRequestID, r.requestID),
		attribute.String(traceAttrTaskID, taskID),
		attribute.String(traceAttrCapability, task.Capability.Name),
		attribute.Int(traceAttrWorker, worker),
	)

	term := r.invoke(ctx, task)
	term.started = started

	span.SetAttributes(attribute.Int(traceAttrAttempts, term.attempts))
	r.finalize(worker, term)

	span.SetAttributes(attribute.String(traceAttrTaskStatus, term.status.String()))
	markSpanResult(span, term.err)
	span.End()
}

// invoke runs the task's capability with its dependencies' outputs attached,
// holding the task's exclusive resources.
func (r *graphRun) invoke(ctx context.Context, task *scheduler.Task) *terminal {
	term := &terminal{task: task, inputs: r.inputs(task)}

	release, err := r.e.deps.Locks.LockAll(ctx, task.Capability.Resources)
	if err != nil {
		term.status = scheduler.TaskFailed
		term.err = r.graphTimeout(task.ID, err)
		term.interrupted = true
		return term
	}
	var running <-chan struct{}
	defer func() {
		// A capability that ignored its deadline keeps the resources until
		// it actually returns.
		if running == nil {
			release()
			return
		}
		select {
		case <-running:
			release()
		default:
			r.logger.Warn("capability still running after timeout, holding resources",
				"task", task.ID, "resources", task.Capability.Resources)
			go func() {
				<-running
				release()
			}()
		}
	}()

	cb := r.e.deps.Breakers.Get(task.Capability.Name)
	onRetry := func(attempt int, err error) {
		r.e.deps.Metrics.IncRetry(task.Capability.Name)
		r.e.deps.Bus.Publish(events.TaskRetriedEvent{
			RequestID: r.requestID,
			ID:        task.ID,
			Attempt:   attempt,
			Err:       err,
			Timestamp: time.Now(),
		})
		r.logger.Debug("retrying task", "task", task.ID, "attempt", attempt, "error", err)
	}

	invCtx := capability.WithInputs(ctx, term.inputs)
	inv, attempts, err := invokeWithRetry(invCtx, r.e.deps.Registry, task.ID, task.Capability,
		r.e.cfg.TaskTimeout, cb, *r.e.cfg.Retry, onRetry)
	term.attempts = attempts
	running = inv.Done

	switch {
	case r.ctx.Err() != nil:
		// The graph ran out of time mid-flight: whatever came back is discarded.
		term.status = scheduler.TaskFailed
		term.err = r.graphTimeout(task.ID, r.ctx.Err())
		term.interrupted = true
	case err != nil:
		term.status = scheduler.TaskFailed
		term.err = err
	default:
		term.status = scheduler.TaskCompleted
		term.result = scheduler.Result{Output: inv.Output}
	}
	return term
}

func (r *graphRun) graphTimeout(taskID string, err error) error {
	return &TimeoutError{Scope: ScopeGraph, TaskID: taskID, Limit: r.e.cfg.GraphTimeout, Err: err}
}

// inputs collects the outputs of the task's completed dependencies.
func (r *graphRun) inputs(task *scheduler.Task) map[string]any {
	inputs := make(map[string]any, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if d, ok := r.graph.Get(dep); ok && d.Status == scheduler.TaskCompleted {
			inputs[dep] = d.Result.Output
		}
	}
	return inputs
}

// sweep settles tasks that no job reached: dependents of timed-out work and
// anything left behind by an abort. Nothing is left RUNNING.
func (r *graphRun) sweep() {
	order, err := r.graph.TopologicalSort()
	if err != nil {
		order = nil
		for _, t := range r.graph.Tasks() {
			order = append(order, t.ID)
		}
	}

	cause := CauseUnreachable
	switch {
	case r.aborted():
		cause = CauseAborted
	case r.ctx.Err() != nil:
		cause = r.interruptCause()
	}

	for _, id := range order {
		task, ok := r.graph.Get(id)
		if !ok || task.Status.Terminal() {
			continue
		}
		switch task.Status {
		case scheduler.TaskPending, scheduler.TaskReady:
			r.finalize(-1, &terminal{task: task, status: scheduler.TaskSkipped, skipCause: cause})
		case scheduler.TaskRunning:
			r.finalize(-1, &terminal{
				task:        task,
				status:      scheduler.TaskFailed,
				err:         r.graphTimeout(id, errors.New("task still running when the graph settled")),
				interrupted: true,
			})
		}
	}
}
