package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Builtins returns the deterministic demo capabilities the CLI ships with:
// fetch, merge, export and respond. They stand in for real tools and do no
// I/O of their own.
func Builtins() []Capability {
	return []Capability{
		NewFunc(Spec{
			Name:          "fetch",
			Description:   "Fetch a named source.",
			Args:          []ArgSpec{{Name: "target", Kind: KindString, Required: true}},
			Output:        OutputSpec{Kind: KindObject, Required: []string{"source", "content"}},
			Deterministic: true,
		}, fetch),
		NewFunc(Spec{
			Name:          "merge",
			Description:   "Merge the outputs of all dependencies.",
			Output:        OutputSpec{Kind: KindObject, Required: []string{"merged"}},
			Deterministic: true,
		}, merge),
		NewFunc(Spec{
			Name:          "export",
			Description:   "Render dependency outputs as a document.",
			Args:          []ArgSpec{{Name: "format", Kind: KindString}},
			Output:        OutputSpec{Kind: KindObject, Required: []string{"format", "document"}},
			Deterministic: true,
		}, export),
		NewFunc(Spec{
			Name:          "respond",
			Description:   "Answer a free-form prompt verbatim.",
			Args:          []ArgSpec{{Name: "prompt", Kind: KindString, Required: true}},
			Output:        OutputSpec{Kind: KindObject, Required: []string{"response"}},
			Deterministic: true,
		}, respond),
	}
}

// RegisterBuiltins registers every builtin capability.
func RegisterBuiltins(r *Registry) error {
	for _, c := range Builtins() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func fetch(ctx context.Context, args map[string]any) (any, error) {
	target, _ := args["target"].(string)
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("empty fetch target")
	}
	return map[string]any{
		"source":  target,
		"content": "contents of " + target,
	}, ctx.Err()
}

func merge(ctx context.Context, _ map[string]any) (any, error) {
	inputs := InputsFrom(ctx)
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, summarize(inputs[id]))
	}
	return map[string]any{
		"merged":  strings.Join(parts, "\n"),
		"sources": ids,
	}, ctx.Err()
}

func export(ctx context.Context, args map[string]any) (any, error) {
	format, _ := args["format"].(string)
	if format == "" {
		format = "txt"
	}
	inputs := InputsFrom(ctx)
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(summarize(inputs[id]))
		b.WriteString("\n")
	}
	return map[string]any{
		"format":   strings.ToLower(format),
		"document": b.String(),
	}, ctx.Err()
}

func respond(ctx context.Context, args map[string]any) (any, error) {
	prompt, _ := args["prompt"].(string)
	return map[string]any{"response": prompt}, ctx.Err()
}

func summarize(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprint(v)
	}
	for _, key := range []string{"merged", "content", "document", "response"} {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return fmt.Sprint(m)
}
