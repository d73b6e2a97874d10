package planner

import (
	"fmt"

	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/confidence"
	"github.com/aristath/taskcore/internal/scheduler"
)

// plannedStep is one leaf step after rule expansion.
type plannedStep struct {
	text    string
	rule    *Rule // nil when the step fell through to the default capability
	desc    capability.Descriptor
	matched bool
}

// planRules builds a graph from rule templates. Steps are expanded depth
// first; every expansion adds one level.
func (p *Planner) planRules(text string) (*PlanningResult, error) {
	var trace []string
	steps, depth, err := p.expandSteps(SplitSteps(text), 1, &trace)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, &PlanningError{Reason: "request has no steps"}
	}

	var (
		tasks    []*scheduler.Task
		prevWave []string
		wave     []string
		waveRule *Rule
		matched  int
	)
	for i, st := range steps {
		if st.matched {
			matched++
		}
		if !(st.rule != nil && st.rule.Parallel && st.rule == waveRule) {
			if len(wave) > 0 {
				prevWave = wave
			}
			wave = nil
			waveRule = st.rule
		}

		id := fmt.Sprintf("t%d", i+1)
		tasks = append(tasks, &scheduler.Task{
			ID:         id,
			Name:       st.text,
			Capability: st.desc,
			DependsOn:  append([]string(nil), prevWave...),
			Priority:   scheduler.PriorityNormal,
		})
		wave = append(wave, id)
	}

	graph, err := scheduler.NewTaskGraph(tasks...)
	if err != nil {
		return nil, &PlanningError{Reason: "invalid rule plan", Err: err}
	}

	return &PlanningResult{
		Graph:      graph,
		Strategy:   StrategyRuleBased,
		Confidence: p.scorer.Score(confidence.Evidence{Supporting: matched, Total: len(steps)}),
		Depth:      depth,
		Trace:      trace,
	}, nil
}

func (p *Planner) expandSteps(steps []string, depth int, trace *[]string) ([]plannedStep, int, error) {
	var out []plannedStep
	maxDepth := depth
	for _, step := range steps {
		rule, arg, ok := p.rules.Match(step)

		if ok && len(rule.Expand) > 0 {
			if depth+1 > p.cfg.MaxDepth {
				return nil, 0, &PlanningError{
					Reason: fmt.Sprintf("expanding %q exceeds maximum depth %d", step, p.cfg.MaxDepth),
				}
			}
			subs := make([]string, 0, len(rule.Expand))
			for _, tmpl := range rule.Expand {
				subs = append(subs, substitute(tmpl, arg))
			}
			*trace = append(*trace, fmt.Sprintf("step %q expands to %q", step, subs))

			expanded, d, err := p.expandSteps(subs, depth+1, trace)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, expanded...)
			maxDepth = max(maxDepth, d)
			continue
		}

		if ok {
			desc := capability.Descriptor{Name: rule.Capability}
			if rule.Arg != "" && arg != "" {
				desc.Args = map[string]any{rule.Arg: arg}
			}
			for _, res := range rule.Resources {
				desc.Resources = append(desc.Resources, substitute(res, arg))
			}
			err := p.registry.Validate(desc)
			if err == nil {
				*trace = append(*trace, fmt.Sprintf("step %q -> %s", step, desc))
				out = append(out, plannedStep{text: step, rule: rule, desc: desc, matched: true})
				continue
			}
			*trace = append(*trace, fmt.Sprintf("step %q: rule %q rejected: %v", step, rule.Verb, err))
		}

		desc := capability.Descriptor{Name: p.cfg.DefaultCapability}
		if p.cfg.DefaultArg != "" {
			desc.Args = map[string]any{p.cfg.DefaultArg: step}
		}
		*trace = append(*trace, fmt.Sprintf("step %q -> %s (unmatched)", step, desc))
		out = append(out, plannedStep{text: step, desc: desc})
	}
	return out, maxDepth, nil
}
