// Package capability defines the generic capability-invocation contract that
// tasks are executed through, and a registry of named capabilities.
package capability

import (
	"context"
	"fmt"
	"sort"
)

// Kind is the JSON-level type of an argument or output.
type Kind string

const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// ArgSpec declares one named argument.
type ArgSpec struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Required bool   `json:"required,omitempty"`
}

// OutputSpec declares the shape a capability's output must have to pass
// strict verification.
type OutputSpec struct {
	Kind     Kind     `json:"kind"`
	Required []string `json:"required,omitempty"` // Keys required when Kind is object
}

// Spec describes a capability.
type Spec struct {
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Args          []ArgSpec  `json:"args,omitempty"`
	Output        OutputSpec `json:"output"`
	Deterministic bool       `json:"deterministic,omitempty"` // Same args always yield the same output
}

// Descriptor is the tagged-variant reference a task carries: which
// capability to run and with which typed arguments.
type Descriptor struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	Resources []string       `json:"resources,omitempty"` // Exclusive resources held while invoking
}

// Clone returns a copy that does not share the argument map or resources.
func (d Descriptor) Clone() Descriptor {
	cp := d
	if d.Args != nil {
		cp.Args = make(map[string]any, len(d.Args))
		for k, v := range d.Args {
			cp.Args[k] = v
		}
	}
	if d.Resources != nil {
		cp.Resources = append([]string(nil), d.Resources...)
	}
	return cp
}

// String renders the descriptor as name(key=value, ...) with sorted keys.
func (d Descriptor) String() string {
	keys := make([]string, 0, len(d.Args))
	for k := range d.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := d.Name + "("
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%v", k, d.Args[k])
	}
	return s + ")"
}

// Capability is something a task can invoke.
type Capability interface {
	Spec() Spec
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// InvokeFunc is the body of a function-backed capability.
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

type funcCapability struct {
	spec Spec
	fn   InvokeFunc
}

// NewFunc builds a Capability from a spec and a function.
func NewFunc(spec Spec, fn InvokeFunc) Capability {
	return &funcCapability{spec: spec, fn: fn}
}

func (c *funcCapability) Spec() Spec { return c.spec }

func (c *funcCapability) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return c.fn(ctx, args)
}

type inputsKey struct{}

// WithInputs attaches the outputs of a task's dependencies, keyed by task ID.
func WithInputs(ctx context.Context, inputs map[string]any) context.Context {
	return context.WithValue(ctx, inputsKey{}, inputs)
}

// InputsFrom returns the dependency outputs attached with WithInputs.
func InputsFrom(ctx context.Context) map[string]any {
	inputs, _ := ctx.Value(inputsKey{}).(map[string]any)
	return inputs
}
