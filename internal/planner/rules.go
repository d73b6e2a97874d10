package planner

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule maps a leading verb to a capability, or expands it into sub-steps.
type Rule struct {
	Verb       string   `yaml:"verb"`
	Aliases    []string `yaml:"aliases,omitempty"`
	Capability string   `yaml:"capability,omitempty"`
	Arg        string   `yaml:"arg,omitempty"`       // Argument receiving the rest of the step
	Parallel   bool     `yaml:"parallel,omitempty"`  // Consecutive steps of this rule share a wave
	Resources  []string `yaml:"resources,omitempty"` // Exclusive resources; "{arg}" is substituted
	Expand     []string `yaml:"expand,omitempty"`    // Sub-step templates; "{arg}" is substituted
}

// DefaultRule is what unmatched steps run.
type DefaultRule struct {
	Capability string `yaml:"capability"`
	Arg        string `yaml:"arg"`
}

// RuleSet is a parsed rule template file.
type RuleSet struct {
	Default DefaultRule `yaml:"default"`
	Rules   []Rule      `yaml:"rules"`

	byVerb map[string]*Rule
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in rules: %v", err))
	}
	return rs
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rs, nil
}

// ParseRules parses and checks a YAML rule set.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if rs.Default.Capability == "" {
		rs.Default = DefaultRule{Capability: "respond", Arg: "prompt"}
	}

	rs.byVerb = make(map[string]*Rule)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Verb == "" {
			return nil, fmt.Errorf("rule %d: verb is required", i)
		}
		if (r.Capability == "") == (len(r.Expand) == 0) {
			return nil, fmt.Errorf("rule %q: exactly one of capability or expand is required", r.Verb)
		}
		for _, verb := range append([]string{r.Verb}, r.Aliases...) {
			key := strings.ToLower(verb)
			if _, dup := rs.byVerb[key]; dup {
				return nil, fmt.Errorf("rule %q: verb %q already defined", r.Verb, verb)
			}
			rs.byVerb[key] = r
		}
	}
	return &rs, nil
}

// Match returns the rule for the step's leading verb and the remaining text.
func (rs *RuleSet) Match(step string) (*Rule, string, bool) {
	fields := strings.Fields(step)
	if len(fields) == 0 {
		return nil, "", false
	}
	r, ok := rs.byVerb[strings.ToLower(fields[0])]
	if !ok {
		return nil, "", false
	}
	return r, strings.Join(fields[1:], " "), true
}

// Capabilities lists every capability the rule set can produce.
func (rs *RuleSet) Capabilities() []string {
	seen := map[string]bool{rs.Default.Capability: true}
	out := []string{rs.Default.Capability}
	for _, r := range rs.Rules {
		if r.Capability != "" && !seen[r.Capability] {
			seen[r.Capability] = true
			out = append(out, r.Capability)
		}
	}
	return out
}

var stepSeparators = strings.NewReplacer(
	" and then ", "\x00",
	" then ", "\x00",
	";", "\x00",
	",", "\x00",
)

// SplitSteps splits request text into steps on commas, semicolons,
// " then " and " and then ".
func SplitSteps(text string) []string {
	parts := strings.Split(stepSeparators.Replace(" "+text+" "), "\x00")
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			steps = append(steps, p)
		}
	}
	return steps
}

func substitute(tmpl, arg string) string {
	return strings.TrimSpace(strings.ReplaceAll(tmpl, "{arg}", arg))
}
