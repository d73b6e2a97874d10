package orchestrator

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/provenance"
	"github.com/aristath/taskcore/internal/scheduler"
	"github.com/aristath/taskcore/internal/verify"
)

// Decisions the executor records, one per terminal task transition.
const (
	DecisionCompleted = "task_completed"
	DecisionFailed    = "task_failed"
	DecisionSkipped   = "task_skipped"
)

const executorActor = "executor"

// terminal is a task transition waiting to be audited and committed.
type terminal struct {
	task        *scheduler.Task
	status      scheduler.TaskStatus
	result      scheduler.Result
	err         error
	skipCause   string
	inputs      map[string]any
	attempts    int
	started     time.Time
	interrupted bool // Stopped by the graph timeout; the result is not verified
	verdict     *verify.Verdict
	verified    bool
}

func (t *terminal) retries() int {
	return max(t.attempts-1, 0)
}

// finalize audits and commits a terminal transition, skips the dependents of
// a failed task, and dispatches whatever became ready. A negative worker
// means no pool is running and nothing is dispatched. Verification runs
// before the graph's finalize mutex is taken.
func (r *graphRun) finalize(worker int, term *terminal) {
	if !r.aborted() {
		r.verify(term)
	}

	r.finalizeMu.Lock()
	defer r.finalizeMu.Unlock()

	if r.aborted() {
		r.commitUnaudited(term)
		return
	}
	if !r.settle(term) {
		return
	}

	if term.status == scheduler.TaskFailed && !term.task.Optional() {
		for _, id := range r.graph.BlockedBy(term.task.ID) {
			dep, ok := r.graph.Get(id)
			if !ok {
				continue
			}
			if !r.settle(&terminal{task: dep, status: scheduler.TaskSkipped, skipCause: term.task.ID}) {
				return
			}
		}
	}

	if worker >= 0 {
		for _, t := range r.graph.Promote() {
			r.sched.SubmitLocal(worker, r.job(t.ID))
		}
	}
	r.publishProgress()
}

// settle runs the audit pipeline for one transition: verify, record the
// decision, append the log entry, update provenance, then commit the status.
// Returns false if the graph was aborted.
func (r *graphRun) settle(term *terminal) bool {
	task := term.task
	r.verify(term)
	verdict := term.verdict

	decision := decisionFor(term.status)
	var conf float64
	if verdict != nil {
		conf = verdict.Confidence
	}
	var tools []string
	if term.attempts > 0 {
		tools = []string{task.Capability.Name}
	}

	rec, err := r.e.deps.Decisions.Record(r.audit, r.requestID, audit.DecisionInput{
		Actor:    executorActor,
		TaskID:   task.ID,
		Decision: decision,
		Inputs: map[string]any{
			"capability": task.Capability,
			"inputs":     term.inputs,
			"skip_cause": term.skipCause,
		},
		Alternatives: alternativesTo(decision),
		ToolsUsed:    tools,
		Confidence:   conf,
	})
	if err != nil {
		r.abortLocked(term, &AuditError{TaskID: task.ID, Stage: "decision", Err: err})
		return false
	}
	r.e.deps.Metrics.IncAudit("decision")
	r.e.deps.Bus.Publish(events.DecisionRecordedEvent{
		ID:         task.ID,
		Lane:       rec.Lane,
		Sequence:   rec.Sequence,
		DecisionID: rec.ID,
		Decision:   rec.Decision,
		Timestamp:  rec.Timestamp,
	})

	entry, err := r.e.deps.Log.Append(r.audit, executorActor, "task."+statusWord(term.status),
		r.entryPayload(term, verdict, rec))
	if err != nil {
		r.abortLocked(term, &AuditError{TaskID: task.ID, Stage: "log", Err: err})
		return false
	}
	r.e.deps.Metrics.IncAudit("entry")
	r.e.deps.Bus.Publish(events.AuditAppendedEvent{
		ID:        task.ID,
		Stream:    entry.Stream,
		Sequence:  entry.Sequence,
		Hash:      entry.Hash,
		Kind:      entry.EventType,
		Timestamp: entry.Timestamp,
	})

	if err := r.track(term, verdict); err != nil {
		r.abortLocked(term, &AuditError{TaskID: task.ID, Stage: "provenance", Err: err})
		return false
	}

	if err := r.commit(term); err != nil {
		r.logger.Error("failed to commit task status", "task", task.ID, "status", term.status, "error", err)
	}
	r.annotate(task.ID, map[string]string{
		"decision_id":    rec.ID,
		"audit_sequence": strconv.FormatUint(entry.Sequence, 10),
		"audit_hash":     entry.Hash,
	})

	res := r.record(term, verdict)
	res.DecisionID = rec.ID
	res.AuditSequence = entry.Sequence
	r.announce(term, res)
	return true
}

// verify attaches a verdict to a non-skipped transition, once. A completion
// that fails verification becomes a failure.
func (r *graphRun) verify(term *terminal) {
	if term.verified || term.status == scheduler.TaskSkipped {
		return
	}
	term.verified = true

	v := r.verdict(term)
	term.verdict = &v
	if term.status != scheduler.TaskCompleted {
		return
	}
	if v.Passed {
		term.result.Confidence = v.Confidence
	} else {
		term.status = scheduler.TaskFailed
		term.err = &verify.VerificationError{TaskID: term.task.ID, Verdict: v}
	}
}

func (r *graphRun) verdict(term *terminal) verify.Verdict {
	if term.interrupted {
		reason := "TIMEOUT"
		if term.err != nil {
			reason += ": " + term.err.Error()
		}
		return verify.Verdict{Level: r.e.deps.Verifier.Level(), Reasons: []string{reason}}
	}

	task := *term.task
	task.Err = term.err
	ctx := capability.WithInputs(r.audit, term.inputs)
	return r.e.deps.Verifier.Verify(ctx, &task, term.result)
}

func (r *graphRun) entryPayload(term *terminal, verdict *verify.Verdict, rec *audit.DecisionRecord) map[string]any {
	p := map[string]any{
		"request_id":        r.requestID,
		"task_id":           term.task.ID,
		"name":              term.task.Name,
		"status":            term.status.String(),
		"capability":        term.task.Capability,
		"depends_on":        term.task.DependsOn,
		"attempts":          term.attempts,
		"retries":           term.retries(),
		"decision_id":       rec.ID,
		"decision_sequence": rec.Sequence,
	}
	if !term.started.IsZero() {
		p["duration_ms"] = time.Since(term.started).Milliseconds()
	}
	if term.status == scheduler.TaskCompleted {
		p["output"] = term.result.Output
	}
	if term.err != nil {
		p["error"] = term.err.Error()
	}
	if term.skipCause != "" {
		p["skip_cause"] = term.skipCause
	}
	if verdict != nil {
		p["verdict"] = map[string]any{
			"passed":     verdict.Passed,
			"confidence": verdict.Confidence,
			"reasons":    verdict.Reasons,
			"level":      verdict.Level.String(),
		}
	}
	return p
}

// track adds the execution and verification activities to the request's
// provenance graph. Skipped tasks produced nothing and are not tracked.
func (r *graphRun) track(term *terminal, verdict *verify.Verdict) error {
	tracker := r.e.deps.Provenance
	if tracker == nil || term.status == scheduler.TaskSkipped {
		return nil
	}
	task := term.task

	deps := make([]string, 0, len(term.inputs))
	for id := range term.inputs {
		deps = append(deps, id)
	}
	sort.Strings(deps)

	inputs := make([]provenance.Entity, 0, len(deps)+1)
	for _, id := range deps {
		inputs = append(inputs, provenance.Entity{
			Label:      "output of " + id,
			Value:      term.inputs[id],
			Origin:     id,
			Attributes: map[string]any{"task_id": id},
		})
	}
	if len(task.Capability.Args) > 0 {
		inputs = append(inputs, provenance.Entity{Label: "arguments of " + task.ID, Value: task.Capability.Args})
	}

	var outputs []provenance.Entity
	if term.status == scheduler.TaskCompleted && term.result.Output != nil {
		outputs = append(outputs, provenance.Entity{
			Label:      "output of " + task.ID,
			Value:      term.result.Output,
			Origin:     task.ID,
			Attributes: map[string]any{"task_id": task.ID},
		})
	}

	_, err := tracker.Track(r.audit, r.requestID, provenance.Activity{
		Type:  provenance.ActivityExecution,
		Label: task.ID + " " + task.Capability.String(),
		Attributes: map[string]any{
			"task_id":  task.ID,
			"status":   term.status.String(),
			"attempts": term.attempts,
		},
	}, inputs, outputs, provenance.Agent{ID: "capability-" + task.Capability.Name, Label: task.Capability.Name})
	if err != nil {
		return fmt.Errorf("execution activity: %w", err)
	}

	if verdict == nil {
		return nil
	}
	_, err = tracker.Track(r.audit, r.requestID, provenance.Activity{
		Type:       provenance.ActivityVerification,
		Label:      "verify " + task.ID,
		Attributes: map[string]any{"task_id": task.ID, "passed": verdict.Passed},
	}, outputs, []provenance.Entity{{
		Label: "verdict of " + task.ID,
		Value: map[string]any{
			"task_id":    task.ID,
			"passed":     verdict.Passed,
			"confidence": verdict.Confidence,
			"reasons":    verdict.Reasons,
		},
	}}, provenance.Agent{ID: "verifier", Label: verdict.Level.String()})
	if err != nil {
		return fmt.Errorf("verification activity: %w", err)
	}
	return nil
}

// annotate attaches audit references to the task. A failure leaves the audit
// trail intact, so it is only logged.
func (r *graphRun) annotate(taskID string, notes map[string]string) {
	keys := make([]string, 0, len(notes))
	for k := range notes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.graph.Annotate(taskID, k, notes[k]); err != nil {
			r.logger.Warn("failed to annotate task", "task", taskID, "key", k, "error", err)
		}
	}
}

func (r *graphRun) commit(term *terminal) error {
	switch term.status {
	case scheduler.TaskCompleted:
		return r.graph.MarkCompleted(term.task.ID, term.result, term.retries())
	case scheduler.TaskFailed:
		return r.graph.MarkFailed(term.task.ID, term.err, term.retries())
	case scheduler.TaskSkipped:
		return r.graph.MarkSkipped(term.task.ID, term.skipCause)
	}
	return fmt.Errorf("not a terminal status: %s", term.status)
}

// abortLocked stops the graph after an audit failure. The transition being
// settled is committed as FAILED (or SKIPPED) but is not audited.
func (r *graphRun) abortLocked(term *terminal, err error) {
	r.logger.Error("audit failed, aborting graph", "task", term.task.ID, "error", err)
	r.abort(err)
	r.commitUnaudited(term)
}

// commitUnaudited records a transition after the graph was aborted. A
// completion cannot be final without its audit trail, so it is recorded as
// a failure.
func (r *graphRun) commitUnaudited(term *terminal) {
	r.mu.Lock()
	abortErr := r.abortErr
	r.mu.Unlock()

	switch term.status {
	case scheduler.TaskSkipped:
		if term.skipCause == "" {
			term.skipCause = CauseAborted
		}
	default:
		term.status = scheduler.TaskFailed
		term.err = abortErr
	}
	if err := r.commit(term); err != nil {
		r.logger.Error("failed to commit task status", "task", term.task.ID, "status", term.status, "error", err)
	}
	r.announce(term, r.record(term, nil))
}

// record stores the task's ExecutionResult in the outcome.
func (r *graphRun) record(term *terminal, verdict *verify.Verdict) *ExecutionResult {
	res := &ExecutionResult{
		TaskID:    term.task.ID,
		Status:    term.status,
		Err:       term.err,
		Verdict:   verdict,
		SkipCause: term.skipCause,
		Usage: Usage{
			Attempts: term.attempts,
			Retries:  term.retries(),
		},
	}
	if !term.started.IsZero() {
		res.Duration = time.Since(term.started)
		res.Usage.WallTime = res.Duration
	}
	if term.status == scheduler.TaskCompleted {
		res.Output = term.result.Output
		if b, err := audit.Canonical(term.result.Output); err == nil {
			res.Usage.OutputBytes = len(b)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome.Results[res.TaskID] = res
	if term.interrupted || term.skipCause == CauseGraphTimeout {
		r.outcome.TimedOut = true
	}
	if term.status != scheduler.TaskCompleted {
		f := Failure{TaskID: res.TaskID, Status: res.Status, Cause: res.SkipCause}
		if res.Err != nil {
			f.Reason = res.Err.Error()
		} else {
			f.Reason = "skipped"
		}
		r.outcome.Failures = append(r.outcome.Failures, f)
	}
	return res
}

func (r *graphRun) announce(term *terminal, res *ExecutionResult) {
	r.e.deps.Metrics.ObserveTask(term.task.Capability.Name, term.status.String(), res.Duration)

	now := time.Now()
	switch term.status {
	case scheduler.TaskCompleted:
		r.e.deps.Bus.Publish(events.TaskCompletedEvent{
			RequestID:  r.requestID,
			ID:         res.TaskID,
			Confidence: term.result.Confidence,
			Duration:   res.Duration,
			Timestamp:  now,
		})
	case scheduler.TaskFailed:
		r.logger.Warn("task failed", "task", res.TaskID, "error", res.Err)
		r.e.deps.Bus.Publish(events.TaskFailedEvent{
			RequestID: r.requestID,
			ID:        res.TaskID,
			Err:       res.Err,
			Duration:  res.Duration,
			Timestamp: now,
		})
	case scheduler.TaskSkipped:
		r.logger.Info("task skipped", "task", res.TaskID, "cause", res.SkipCause)
		r.e.deps.Bus.Publish(events.TaskSkippedEvent{
			RequestID: r.requestID,
			ID:        res.TaskID,
			Cause:     res.SkipCause,
			Timestamp: now,
		})
	}
}

func (r *graphRun) publishProgress() {
	if r.e.deps.Bus == nil {
		return
	}
	c := r.graph.Counts()
	r.e.deps.Bus.Publish(events.GraphProgressEvent{
		RequestID: r.requestID,
		Total:     c.Total,
		Completed: c.Completed,
		Running:   c.Running,
		Failed:    c.Failed,
		Skipped:   c.Skipped,
		Pending:   c.Pending + c.Ready,
		Timestamp: time.Now(),
	})
}

func decisionFor(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.TaskCompleted:
		return DecisionCompleted
	case scheduler.TaskFailed:
		return DecisionFailed
	default:
		return DecisionSkipped
	}
}

func alternativesTo(decision string) []string {
	all := []string{DecisionCompleted, DecisionFailed, DecisionSkipped}
	out := make([]string, 0, len(all)-1)
	for _, d := range all {
		if d != decision {
			out = append(out, d)
		}
	}
	return out
}

func statusWord(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.TaskCompleted:
		return "completed"
	case scheduler.TaskFailed:
		return "failed"
	default:
		return "skipped"
	}
}
