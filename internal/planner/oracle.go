package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/confidence"
	"github.com/aristath/taskcore/internal/scheduler"
)

// Oracle decomposes a request into a JSON plan. It stands in for the
// generative backend: prompt in, JSON out.
type Oracle interface {
	Decompose(ctx context.Context, prompt string, schema []byte) ([]byte, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, prompt string, schema []byte) ([]byte, error)

// Decompose implements Oracle.
func (f OracleFunc) Decompose(ctx context.Context, prompt string, schema []byte) ([]byte, error) {
	return f(ctx, prompt, schema)
}

// OracleSchema is the JSON Schema oracle output must satisfy.
const OracleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["confidence", "tasks"],
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "tasks": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/task"}}
  },
  "$defs": {
    "task": {
      "type": "object",
      "additionalProperties": false,
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "capability": {"type": "string"},
        "args": {"type": "object"},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "priority": {"enum": ["CRITICAL", "HIGH", "NORMAL", "LOW", "OPTIONAL"]},
        "resources": {"type": "array", "items": {"type": "string"}},
        "subtasks": {"type": "array", "items": {"$ref": "#/$defs/task"}}
      }
    }
  }
}`

// compiledOracleSchema compiles OracleSchema once per process.
var compiledOracleSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(OracleSchema))
	if err != nil {
		return nil, fmt.Errorf("parsing oracle schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("oracle-plan.json", doc); err != nil {
		return nil, fmt.Errorf("adding oracle schema: %w", err)
	}
	return c.Compile("oracle-plan.json")
})

// validateOracleJSON checks repaired oracle output against OracleSchema.
func validateOracleJSON(repaired string) error {
	sch, err := compiledOracleSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(repaired))
	if err != nil {
		return &OracleOutputError{Reason: "invalid JSON after repair", Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &OracleOutputError{Reason: "schema violation", Err: err}
	}
	return nil
}

type oraclePlan struct {
	Confidence *float64     `json:"confidence"`
	Tasks      []oracleTask `json:"tasks"`
}

type oracleTask struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
	DependsOn  []string       `json:"depends_on"`
	Priority   string         `json:"priority"`
	Resources  []string       `json:"resources"`
	Subtasks   []oracleTask   `json:"subtasks"`
}

// decomposition is validated oracle output, flattened to leaf tasks.
type decomposition struct {
	Tasks      []*scheduler.Task
	Confidence float64
	Depth      int
	Repaired   string
}

// buildPrompt lists the registered capabilities and the request.
func buildPrompt(text string, registry *capability.Registry) string {
	var b strings.Builder
	b.WriteString("Decompose the request into tasks. Reply with JSON matching the schema.\n\nCapabilities:\n")
	for _, name := range registry.Names() {
		c, _ := registry.Lookup(name)
		spec := c.Spec()
		args := make([]string, 0, len(spec.Args))
		for _, a := range spec.Args {
			arg := fmt.Sprintf("%s:%s", a.Name, a.Kind)
			if a.Required {
				arg += "!"
			}
			args = append(args, arg)
		}
		fmt.Fprintf(&b, "- %s(%s): %s\n", name, strings.Join(args, ", "), spec.Description)
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(text)
	return b.String()
}

// parseOraclePlan repairs raw oracle output, validates it against
// OracleSchema, then checks it against the registry.
func parseOraclePlan(raw []byte, registry *capability.Registry) (*decomposition, error) {
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, &OracleOutputError{Reason: "unrepairable JSON", Err: err}
	}

	if err := validateOracleJSON(repaired); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(repaired)))
	dec.DisallowUnknownFields()
	var plan oraclePlan
	if err := dec.Decode(&plan); err != nil {
		return nil, &OracleOutputError{Reason: "schema mismatch", Err: err}
	}
	if dec.More() {
		return nil, &OracleOutputError{Reason: "trailing data after plan"}
	}

	if plan.Confidence == nil {
		return nil, &OracleOutputError{Reason: "confidence is required"}
	}
	conf := *plan.Confidence
	if !(conf >= 0 && conf <= 1) {
		return nil, &OracleOutputError{Reason: fmt.Sprintf("confidence %v out of range [0,1]", conf)}
	}
	if len(plan.Tasks) == 0 {
		return nil, &OracleOutputError{Reason: "plan has no tasks"}
	}

	f := &flattener{
		registry: registry,
		nodes:    make(map[string]*oracleTask),
		leaves:   make(map[string][]string),
	}
	if err := f.index(plan.Tasks, 1); err != nil {
		return nil, err
	}
	tasks, err := f.flatten(plan.Tasks, nil)
	if err != nil {
		return nil, err
	}

	return &decomposition{
		Tasks:      tasks,
		Confidence: confidence.Clamp(conf),
		Depth:      f.depth,
		Repaired:   repaired,
	}, nil
}

// flattener turns nested oracle tasks into leaf tasks. A composite task's
// leaves inherit its dependencies, and a dependency on a composite becomes a
// dependency on all of its leaves.
type flattener struct {
	registry *capability.Registry
	nodes    map[string]*oracleTask
	leaves   map[string][]string
	depth    int
}

func (f *flattener) index(tasks []oracleTask, depth int) error {
	if depth > f.depth {
		f.depth = depth
	}
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return &OracleOutputError{Reason: "task without id"}
		}
		if _, dup := f.nodes[t.ID]; dup {
			return &OracleOutputError{Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		f.nodes[t.ID] = t

		switch {
		case len(t.Subtasks) > 0 && t.Capability != "":
			return &OracleOutputError{Reason: fmt.Sprintf("task %q has both capability and subtasks", t.ID)}
		case len(t.Subtasks) == 0 && t.Capability == "":
			return &OracleOutputError{Reason: fmt.Sprintf("task %q has neither capability nor subtasks", t.ID)}
		}

		if len(t.Subtasks) > 0 {
			if err := f.index(t.Subtasks, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *flattener) leavesOf(id string) []string {
	if ids, ok := f.leaves[id]; ok {
		return ids
	}
	t := f.nodes[id]
	var ids []string
	if len(t.Subtasks) == 0 {
		ids = []string{id}
	} else {
		for _, sub := range t.Subtasks {
			ids = append(ids, f.leavesOf(sub.ID)...)
		}
	}
	f.leaves[id] = ids
	return ids
}

func (f *flattener) flatten(tasks []oracleTask, inherited []string) ([]*scheduler.Task, error) {
	var out []*scheduler.Task
	for _, t := range tasks {
		deps := append(append([]string(nil), inherited...), t.DependsOn...)
		for _, dep := range t.DependsOn {
			if _, ok := f.nodes[dep]; !ok {
				return nil, &OracleOutputError{Reason: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)}
			}
		}

		if len(t.Subtasks) > 0 {
			sub, err := f.flatten(t.Subtasks, deps)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}

		task, err := f.leaf(t, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (f *flattener) leaf(t oracleTask, deps []string) (*scheduler.Task, error) {
	desc := capability.Descriptor{
		Name:      t.Capability,
		Args:      t.Args,
		Resources: t.Resources,
	}
	if err := f.registry.Validate(desc); err != nil {
		return nil, &OracleOutputError{Reason: fmt.Sprintf("task %q", t.ID), Err: err}
	}

	prio, err := scheduler.ParsePriority(t.Priority)
	if err != nil {
		return nil, &OracleOutputError{Reason: fmt.Sprintf("task %q", t.ID), Err: err}
	}

	seen := make(map[string]bool)
	var expanded []string
	for _, dep := range deps {
		for _, leaf := range f.leavesOf(dep) {
			if !seen[leaf] {
				seen[leaf] = true
				expanded = append(expanded, leaf)
			}
		}
	}

	name := t.Name
	if name == "" {
		name = desc.String()
	}
	return &scheduler.Task{
		ID:         t.ID,
		Name:       name,
		Capability: desc.Clone(),
		DependsOn:  expanded,
		Priority:   prio,
	}, nil
}
