package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/planner"
	"github.com/aristath/taskcore/internal/provenance"
	"github.com/aristath/taskcore/internal/scheduler"
)

// RunnerConfig wires a Runner. Planner, Executor, Store and Log are
// required; Log must be the stream the executor appends to.
type RunnerConfig struct {
	Planner    *planner.Planner
	Executor   *Executor
	Store      audit.Store
	Log        *audit.WormLogger
	Provenance *provenance.Tracker
	Bus        *events.EventBus
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Runner turns a request into an executed, audited task graph.
type Runner struct {
	cfg      RunnerConfig
	exporter *audit.Exporter
	logger   *slog.Logger
}

// AuditBundle is the audit trail of one request.
type AuditBundle struct {
	Entries       []audit.Entry          // Execution entries for this request, in append order
	Decisions     []audit.DecisionRecord // Executor decisions, one per task
	PlanDecisions []audit.DecisionRecord // Planner decisions
	Checkpoint    *audit.Checkpoint      // Checkpoint taken after execution, if any entries were pending
	Provenance    *provenance.Graph
}

// Report is what Run returns.
type Report struct {
	RequestID string
	Text      string
	Plan      *planner.PlanningResult // Nil when planning fell back
	PlanError *planner.PlanningError  // Set when planning fell back
	Graph     *scheduler.TaskGraph    // The graph that was executed
	Outcome   *GraphOutcome
	Audit     AuditBundle
	Duration  time.Duration
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Planner == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("runner requires a planner and an executor")
	}
	if cfg.Store == nil || cfg.Log == nil {
		return nil, fmt.Errorf("runner requires an audit store and log")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		exporter: audit.NewExporter(cfg.Store),
		logger:   logger,
	}, nil
}

// Run plans and executes req. A rejected plan is not an error: the fallback
// graph runs instead and Report.PlanError says why. The error is non-nil
// when planning could not be audited, when the executor aborted, or when the
// audit bundle could not be assembled; the report is returned whenever one
// exists.
func (r *Runner) Run(ctx context.Context, req planner.Request) (*Report, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	report := &Report{RequestID: req.ID, Text: req.Text}
	logger := r.logger.With("request", req.ID)

	plan, err := r.cfg.Planner.Plan(ctx, req)
	if err != nil {
		pe, ok := err.(*planner.PlanningError)
		if !ok || pe.Fallback == nil {
			// Either not a planning rejection, or the rejection itself could
			// not be recorded.
			return nil, fmt.Errorf("planning request %s: %w", req.ID, err)
		}
		report.PlanError = pe
		report.Graph = pe.Fallback
		r.cfg.Bus.Publish(events.PlanRejectedEvent{RequestID: req.ID, Reason: pe.Reason, Timestamp: time.Now()})
	} else {
		report.Plan = plan
		report.Graph = plan.Graph
		r.cfg.Bus.Publish(events.PlanAcceptedEvent{
			RequestID:  req.ID,
			Strategy:   string(plan.Strategy),
			Tasks:      plan.Graph.Len(),
			Confidence: plan.Confidence,
			CacheHit:   plan.CacheHit,
			Timestamp:  time.Now(),
		})
	}
	r.publishCacheStats()

	if err := r.trackPlan(ctx, req, report); err != nil {
		return nil, err
	}

	outcome, execErr := r.cfg.Executor.Execute(ctx, req.ID, report.Graph)
	report.Outcome = outcome
	if outcome == nil {
		return nil, execErr
	}

	cp, err := r.cfg.Log.Checkpoint(ctx)
	switch {
	case err == nil:
		report.Audit.Checkpoint = &cp
		r.cfg.Bus.Publish(events.CheckpointRecordedEvent{
			Stream:       cp.Stream,
			RootHash:     cp.RootHash,
			LastSequence: cp.LastSequence,
			Timestamp:    cp.Timestamp,
		})
	case errors.Is(err, audit.ErrNothingToCheckpoint):
	default:
		execErr = errors.Join(execErr, fmt.Errorf("failed to checkpoint: %w", err))
	}

	if err := r.bundle(ctx, report); err != nil {
		execErr = errors.Join(execErr, err)
	}

	report.Duration = time.Since(start)
	logger.Info("request finished", "status", outcome.Status, "tasks", report.Graph.Len(),
		"failures", len(outcome.Failures), "duration", report.Duration)
	return report, execErr
}

// trackPlan records the planning step as a generation activity: the request
// text in, one entity per planned task out.
func (r *Runner) trackPlan(ctx context.Context, req planner.Request, report *Report) error {
	if r.cfg.Provenance == nil {
		return nil
	}

	label := "fallback"
	if report.Plan != nil {
		label = string(report.Plan.Strategy)
	}

	tasks := report.Graph.Tasks()
	outputs := make([]provenance.Entity, 0, len(tasks))
	for _, t := range tasks {
		outputs = append(outputs, provenance.Entity{
			Label: "task " + t.ID,
			Value: map[string]any{
				"task_id":    t.ID,
				"capability": t.Capability,
				"depends_on": t.DependsOn,
			},
			Attributes: map[string]any{"task_id": t.ID},
		})
	}

	_, err := r.cfg.Provenance.Track(ctx, req.ID, provenance.Activity{
		Type:       provenance.ActivityGeneration,
		Label:      "plan " + req.ID,
		Attributes: map[string]any{"strategy": label},
	}, []provenance.Entity{{Label: "request", Value: req.Text}}, outputs,
		provenance.Agent{ID: "planner", Label: label})
	if err != nil {
		return fmt.Errorf("failed to track plan provenance: %w", err)
	}
	return nil
}

// bundle collects the request's audit trail from the store.
func (r *Runner) bundle(ctx context.Context, report *Report) error {
	seqs := make(map[uint64]bool, len(report.Outcome.Results))
	var lo, hi uint64
	for _, res := range report.Outcome.Results {
		if res.AuditSequence == 0 {
			continue
		}
		seqs[res.AuditSequence] = true
		if lo == 0 || res.AuditSequence < lo {
			lo = res.AuditSequence
		}
		hi = max(hi, res.AuditSequence)
	}

	if len(seqs) > 0 {
		entries, err := r.cfg.Store.Entries(ctx, r.cfg.Log.Stream(), lo, hi)
		if err != nil {
			return fmt.Errorf("failed to read audit entries: %w", err)
		}
		for _, e := range entries {
			if seqs[e.Sequence] {
				report.Audit.Entries = append(report.Audit.Entries, e)
			}
		}
		sort.Slice(report.Audit.Entries, func(i, j int) bool {
			return report.Audit.Entries[i].Sequence < report.Audit.Entries[j].Sequence
		})
	}

	for rec, err := range r.exporter.Decisions(ctx, report.RequestID) {
		if err != nil {
			return fmt.Errorf("failed to read decisions: %w", err)
		}
		report.Audit.Decisions = append(report.Audit.Decisions, rec)
	}
	for rec, err := range r.exporter.Decisions(ctx, planner.PlanLane(report.RequestID)) {
		if err != nil {
			return fmt.Errorf("failed to read plan decisions: %w", err)
		}
		report.Audit.PlanDecisions = append(report.Audit.PlanDecisions, rec)
	}

	if r.cfg.Provenance != nil {
		if g, ok := r.cfg.Provenance.Graph(report.RequestID); ok {
			report.Audit.Provenance = g
		}
	}
	return nil
}

func (r *Runner) publishCacheStats() {
	cache := r.cfg.Planner.Cache()
	if cache == nil {
		return
	}
	s := cache.Stats()
	r.cfg.Metrics.SetPlanCache(s.Hits, s.Misses, s.Evictions)
}
