// Package planner turns a request into a validated task graph, either from
// rule templates, from a decomposition oracle, or both.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/confidence"
	"github.com/aristath/taskcore/internal/scheduler"
)

// Strategy selects how a request is decomposed.
type Strategy string

const (
	StrategyRuleBased Strategy = "rule_based"
	StrategyOracle    Strategy = "oracle"
	StrategyHybrid    Strategy = "hybrid"
)

// ParseStrategy parses a strategy name. Empty means hybrid.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyHybrid:
		return StrategyHybrid, nil
	case StrategyRuleBased, "rules", "rule":
		return StrategyRuleBased, nil
	case StrategyOracle:
		return StrategyOracle, nil
	}
	return "", fmt.Errorf("unknown planning strategy %q", s)
}

// Decisions and audit events the planner records.
const (
	DecisionAccepted = "plan_accepted"
	DecisionReused   = "plan_reused"
	DecisionFallback = "fallback_to_verbatim"

	EventAccepted = "plan.accepted"
	EventCacheHit = "plan.cache_hit"
	EventError    = "planning.error"
)

const actor = "planner"

// PlanLane is the decision lane planning decisions for a request go to.
func PlanLane(requestID string) string {
	return requestID + "/plan"
}

// Request is a planning request.
type Request struct {
	ID       string
	Text     string
	Strategy Strategy       // Empty uses the configured default
	Context  map[string]any // Only Config.ContextKeys take part in caching
}

// PlanningResult is an accepted plan. Strategy is the one that produced the
// graph, which for a hybrid request is either rule_based or oracle.
type PlanningResult struct {
	RequestID   string
	Graph       *scheduler.TaskGraph
	Strategy    Strategy
	Confidence  float64
	Depth       int
	Trace       []string
	Fingerprint string
	CacheHit    bool
}

func (r *PlanningResult) clone() *PlanningResult {
	cp := *r
	cp.Graph = r.Graph.Clone()
	cp.Trace = append([]string(nil), r.Trace...)
	return &cp
}

// Config holds planner limits.
type Config struct {
	DefaultStrategy   Strategy
	MaxDepth          int
	MinConfidence     float64
	DefaultCapability string // Overrides the rule set's default
	DefaultArg        string
	ContextKeys       []string
	CacheTTL          time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyHybrid,
		MaxDepth:        3,
		MinConfidence:   0.5,
	}
}

// DecisionRecorder signs and stores decisions.
type DecisionRecorder interface {
	Record(ctx context.Context, lane string, in audit.DecisionInput) (*audit.DecisionRecord, error)
}

// EventLogger appends audit events.
type EventLogger interface {
	Append(ctx context.Context, actor, eventType string, payload any) (audit.Entry, error)
}

// Options are the planner's collaborators. Registry is required.
type Options struct {
	Registry *capability.Registry
	Rules    *RuleSet
	Oracle   Oracle
	Cache    *PlanCache
	Recorder DecisionRecorder
	Events   EventLogger
	Scorer   confidence.Scorer
	Logger   *slog.Logger
}

// Planner is the hierarchical planner.
type Planner struct {
	cfg      Config
	registry *capability.Registry
	rules    *RuleSet
	oracle   Oracle
	cache    *PlanCache
	recorder DecisionRecorder
	events   EventLogger
	scorer   confidence.Scorer
	logger   *slog.Logger
}

// New creates a planner.
func New(cfg Config, opts Options) (*Planner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("planner requires a capability registry")
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyHybrid
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if cfg.DefaultCapability == "" {
		cfg.DefaultCapability = opts.Rules.Default.Capability
		cfg.DefaultArg = opts.Rules.Default.Arg
	}
	if opts.Scorer == nil {
		opts.Scorer = confidence.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Planner{
		cfg:      cfg,
		registry: opts.Registry,
		rules:    opts.Rules,
		oracle:   opts.Oracle,
		cache:    opts.Cache,
		recorder: opts.Recorder,
		events:   opts.Events,
		scorer:   opts.Scorer,
		logger:   opts.Logger,
	}, nil
}

// Cache returns the plan cache, or nil.
func (p *Planner) Cache() *PlanCache { return p.cache }

// Plan decomposes req into a task graph. A plan that is too deep, below the
// confidence gate, or invalid is never returned: the error is a
// *PlanningError whose Fallback runs the default capability on the verbatim
// request.
func (p *Planner) Plan(ctx context.Context, req Request) (res *PlanningResult, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = p.cfg.DefaultStrategy
	}

	ctx, span := startPlanSpan(ctx, req.ID, strategy)
	defer func() {
		if res != nil {
			annotatePlanSpan(span, res)
		}
		markSpanResult(span, err)
		span.End()
	}()

	if strings.TrimSpace(req.Text) == "" {
		return nil, p.fail(ctx, req, strategy, &PlanningError{Reason: "empty request"})
	}

	fp, err := Fingerprint(req.Text, strategy, req.Context, p.cfg.ContextKeys)
	if err != nil {
		return nil, p.fail(ctx, req, strategy, err)
	}

	if p.cache != nil {
		if cached, ok := p.cache.Get(fp); ok {
			cached.RequestID = req.ID
			if err := p.accept(ctx, req, cached, DecisionReused, EventCacheHit); err != nil {
				return nil, err
			}
			return cached, nil
		}
	}

	res, err = p.plan(ctx, req, strategy)
	if err != nil {
		return nil, p.fail(ctx, req, strategy, err)
	}
	res.RequestID = req.ID
	res.Fingerprint = fp

	if err := p.accept(ctx, req, res, DecisionAccepted, EventAccepted); err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(fp, res, p.cfg.CacheTTL)
	}
	return res, nil
}

func (p *Planner) plan(ctx context.Context, req Request, strategy Strategy) (*PlanningResult, error) {
	switch strategy {
	case StrategyRuleBased:
		res, err := p.planRules(req.Text)
		if err != nil {
			return nil, err
		}
		return res, p.gate(res)

	case StrategyOracle:
		res, err := p.planOracle(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		return res, p.gate(res)

	case StrategyHybrid:
		res, ruleErr := p.planRules(req.Text)
		if ruleErr == nil {
			ruleErr = p.gate(res)
		}
		if ruleErr == nil {
			return res, nil
		}

		if p.oracle == nil {
			return nil, &PlanningError{Reason: "rule plan rejected and no oracle configured", Err: ruleErr}
		}
		p.logger.Debug("rule plan rejected, asking oracle", "request", req.ID, "reason", ruleErr)

		res, err := p.planOracle(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		res.Trace = append([]string{fmt.Sprintf("rules rejected: %v", ruleErr)}, res.Trace...)
		return res, p.gate(res)
	}
	return nil, &PlanningError{Reason: fmt.Sprintf("unknown strategy %q", strategy)}
}

// gate rejects plans that are too deep or not confident enough.
func (p *Planner) gate(res *PlanningResult) error {
	if res.Depth > p.cfg.MaxDepth {
		return &PlanningError{
			Reason:     fmt.Sprintf("depth %d exceeds maximum %d", res.Depth, p.cfg.MaxDepth),
			Confidence: res.Confidence,
		}
	}
	if res.Confidence < p.cfg.MinConfidence {
		return &PlanningError{
			Reason:     fmt.Sprintf("confidence %.2f below minimum %.2f", res.Confidence, p.cfg.MinConfidence),
			Confidence: res.Confidence,
		}
	}
	return nil
}

func (p *Planner) planOracle(ctx context.Context, text string) (*PlanningResult, error) {
	if p.oracle == nil {
		return nil, &PlanningError{Reason: "no oracle configured"}
	}

	raw, err := p.oracle.Decompose(ctx, buildPrompt(text, p.registry), []byte(OracleSchema))
	if err != nil {
		return nil, &PlanningError{Reason: "oracle failed", Err: err}
	}

	d, err := parseOraclePlan(raw, p.registry)
	if err != nil {
		return nil, &PlanningError{Reason: "oracle output rejected", Err: err}
	}

	trace := []string{"oracle: " + string(raw)}
	if d.Repaired != string(raw) {
		trace = append(trace, "repaired: "+d.Repaired)
	}

	graph, err := scheduler.NewTaskGraph(d.Tasks...)
	if err != nil {
		var cycle *scheduler.CycleError
		if errors.As(err, &cycle) {
			return nil, &PlanningError{Reason: "cyclic decomposition", Confidence: d.Confidence, Err: err}
		}
		return nil, &PlanningError{Reason: "invalid decomposition", Confidence: d.Confidence, Err: err}
	}

	return &PlanningResult{
		Graph:      graph,
		Strategy:   StrategyOracle,
		Confidence: d.Confidence,
		Depth:      d.Depth,
		Trace:      trace,
	}, nil
}

// fail completes a planning error with its fallback and records it.
func (p *Planner) fail(ctx context.Context, req Request, strategy Strategy, err error) error {
	var pe *PlanningError
	if !errors.As(err, &pe) {
		pe = &PlanningError{Reason: "invalid plan", Err: err}
	}
	pe.RequestID = req.ID
	pe.Strategy = strategy
	pe.Fallback = p.fallback(req.Text)

	p.logger.Warn("planning rejected, falling back to verbatim request",
		"request", req.ID, "strategy", strategy, "reason", pe.Reason, "error", pe.Err)

	var recErr error
	if p.recorder != nil {
		_, recErr = p.recorder.Record(ctx, PlanLane(req.ID), audit.DecisionInput{
			Actor:        actor,
			Decision:     DecisionFallback,
			Inputs:       map[string]any{"text": req.Text, "strategy": string(strategy)},
			Alternatives: []string{string(strategy)},
			ToolsUsed:    []string{p.cfg.DefaultCapability},
			Confidence:   confidence.Clamp(pe.Confidence),
		})
	}

	var evErr error
	if p.events != nil {
		payload := map[string]any{
			"request_id": req.ID,
			"strategy":   string(strategy),
			"reason":     pe.Reason,
			"confidence": pe.Confidence,
		}
		if pe.Err != nil {
			payload["error"] = pe.Err.Error()
		}
		_, evErr = p.events.Append(ctx, actor, EventError, payload)
	}

	if auditErr := errors.Join(recErr, evErr); auditErr != nil {
		return errors.Join(pe, fmt.Errorf("failed to record planning fallback: %w", auditErr))
	}
	return pe
}

// fallback is a single task running the default capability on the text.
func (p *Planner) fallback(text string) *scheduler.TaskGraph {
	desc := capability.Descriptor{Name: p.cfg.DefaultCapability}
	if p.cfg.DefaultArg != "" {
		desc.Args = map[string]any{p.cfg.DefaultArg: text}
	}
	g, err := scheduler.NewTaskGraph(&scheduler.Task{
		ID:         "t1",
		Name:       "respond verbatim",
		Capability: desc,
	})
	if err != nil {
		// A single task without dependencies always validates.
		panic(err)
	}
	return g
}

func (p *Planner) accept(ctx context.Context, req Request, res *PlanningResult, decision, event string) error {
	tools := make([]string, 0, res.Graph.Len())
	seen := make(map[string]bool)
	for _, t := range res.Graph.Tasks() {
		if !seen[t.Capability.Name] {
			seen[t.Capability.Name] = true
			tools = append(tools, t.Capability.Name)
		}
	}

	if p.recorder != nil {
		alternatives := []string{string(res.Strategy)}
		if req.Strategy == StrategyHybrid || (req.Strategy == "" && p.cfg.DefaultStrategy == StrategyHybrid) {
			alternatives = []string{string(StrategyRuleBased), string(StrategyOracle)}
		}
		_, err := p.recorder.Record(ctx, PlanLane(req.ID), audit.DecisionInput{
			Actor:    actor,
			Decision: decision,
			Inputs: map[string]any{
				"text":        req.Text,
				"strategy":    string(res.Strategy),
				"fingerprint": res.Fingerprint,
				"shape":       res.Graph.Shape(),
			},
			Alternatives: alternatives,
			ToolsUsed:    tools,
			Confidence:   res.Confidence,
		})
		if err != nil {
			return fmt.Errorf("failed to record plan decision: %w", err)
		}
	}

	if p.events != nil {
		_, err := p.events.Append(ctx, actor, event, map[string]any{
			"request_id":  req.ID,
			"strategy":    string(res.Strategy),
			"fingerprint": res.Fingerprint,
			"confidence":  res.Confidence,
			"depth":       res.Depth,
			"tasks":       res.Graph.Len(),
			"cache_hit":   res.CacheHit,
		})
		if err != nil {
			return fmt.Errorf("failed to log plan event: %w", err)
		}
	}

	p.logger.Info("plan accepted", "request", req.ID, "strategy", res.Strategy,
		"tasks", res.Graph.Len(), "confidence", res.Confidence, "cache_hit", res.CacheHit)
	return nil
}
