// Package verify checks task results before they are considered final.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/confidence"
	"github.com/aristath/taskcore/internal/scheduler"
)

// Level selects how much checking a result gets.
type Level int

const (
	LevelBasic    Level = iota // Output present, no error
	LevelStrict                // Basic + output shape + confidence threshold
	LevelParanoid              // Strict + independent re-check
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "BASIC"
	case LevelStrict:
		return "STRICT"
	case LevelParanoid:
		return "PARANOID"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BASIC":
		return LevelBasic, nil
	case "", "STRICT":
		return LevelStrict, nil
	case "PARANOID":
		return LevelParanoid, nil
	}
	return LevelStrict, fmt.Errorf("unknown verification level %q", s)
}

// Verdict is the outcome of verifying one result.
type Verdict struct {
	Passed     bool     `json:"passed"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
	Level      Level    `json:"level"`
}

// Rechecker independently recomputes a task's output.
type Rechecker interface {
	Recheck(ctx context.Context, task *scheduler.Task) (any, error)
}

// RecheckerFunc adapts a function to Rechecker.
type RecheckerFunc func(ctx context.Context, task *scheduler.Task) (any, error)

// Recheck implements Rechecker.
func (f RecheckerFunc) Recheck(ctx context.Context, task *scheduler.Task) (any, error) {
	return f(ctx, task)
}

// Invoker runs a capability. *capability.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (capability.Invocation, error)
}

// RegistryRechecker re-invokes the task's capability with its original
// arguments. Dependency inputs travel in ctx.
func RegistryRechecker(inv Invoker, timeout time.Duration) Rechecker {
	return RecheckerFunc(func(ctx context.Context, task *scheduler.Task) (any, error) {
		res, err := inv.Invoke(ctx, task.Capability.Name, task.Capability.Args, timeout)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	})
}

// SpecSource resolves capability specs. *capability.Registry implements it.
type SpecSource interface {
	Lookup(name string) (capability.Capability, bool)
}

// Config configures a Verifier.
type Config struct {
	Level         Level
	MinConfidence float64
	Specs         SpecSource
	Rechecker     Rechecker // Required for LevelParanoid
	Scorer        confidence.Scorer
}

// Verifier checks results at a fixed level.
type Verifier struct {
	cfg Config
}

// New creates a Verifier.
func New(cfg Config) *Verifier {
	if cfg.Scorer == nil {
		cfg.Scorer = confidence.Default
	}
	return &Verifier{cfg: cfg}
}

// Level returns the configured level.
func (v *Verifier) Level() Level { return v.cfg.Level }

// Verify checks a task's result. task.Err carries the invocation error, if
// any. A zero result confidence is treated as absent and scored from the
// checks that passed.
func (v *Verifier) Verify(ctx context.Context, task *scheduler.Task, result scheduler.Result) Verdict {
	verdict := Verdict{Level: v.cfg.Level}
	passed, total := 0, 0
	check := func(ok bool, reason string) {
		total++
		if ok {
			passed++
			return
		}
		verdict.Reasons = append(verdict.Reasons, reason)
	}

	// BASIC
	failure := "invocation failed"
	if task.Err != nil {
		failure += ": " + task.Err.Error()
	}
	check(task.Err == nil, failure)
	check(result.Output != nil, "output is empty")

	var spec capability.Spec
	if v.cfg.Level >= LevelStrict {
		c, ok := v.lookup(task.Capability.Name)
		check(ok, fmt.Sprintf("capability %q is not registered", task.Capability.Name))
		if ok {
			spec = c.Spec()
			if result.Output != nil {
				check(matchesOutput(result.Output, spec.Output), describeMismatch(result.Output, spec.Output))
			}
		}
	}

	unconfirmed := false
	if v.cfg.Level == LevelParanoid && len(verdict.Reasons) == 0 {
		unconfirmed = v.recheck(ctx, task, result, spec, check)
	}

	conf := result.Confidence
	if conf == 0 {
		conf = v.cfg.Scorer.Score(confidence.Evidence{Supporting: passed, Total: total})
	}
	if unconfirmed {
		conf *= UnconfirmedFactor
	}
	verdict.Confidence = confidence.Clamp(conf)

	if v.cfg.Level >= LevelStrict && verdict.Confidence < v.cfg.MinConfidence {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("confidence %.2f below threshold %.2f", verdict.Confidence, v.cfg.MinConfidence))
	}
	verdict.Passed = len(verdict.Reasons) == 0
	return verdict
}

func (v *Verifier) lookup(name string) (capability.Capability, bool) {
	if v.cfg.Specs == nil {
		return nil, false
	}
	return v.cfg.Specs.Lookup(name)
}

// UnconfirmedFactor scales the confidence of a PARANOID verdict whose
// recheck could only confirm the output's shape, not its content.
const UnconfirmedFactor = 0.5

// recheck re-invokes the task and compares. Outputs of non-deterministic
// capabilities cannot be compared, so the second output only has to match
// the declared shape and the result is reported as unconfirmed.
func (v *Verifier) recheck(ctx context.Context, task *scheduler.Task, result scheduler.Result, spec capability.Spec, check func(bool, string)) (unconfirmed bool) {
	if v.cfg.Rechecker == nil {
		check(false, "no rechecker configured")
		return false
	}

	again, err := v.cfg.Rechecker.Recheck(ctx, task)
	if err != nil {
		check(false, "recheck failed: "+err.Error())
		return false
	}
	if !spec.Deterministic {
		check(again != nil, "recheck output is empty")
		if again != nil {
			check(matchesOutput(again, spec.Output), "recheck "+describeMismatch(again, spec.Output))
		}
		return true
	}

	want, err := audit.CanonicalHash(result.Output)
	if err != nil {
		check(false, "output is not serializable: "+err.Error())
		return false
	}
	got, err := audit.CanonicalHash(again)
	if err != nil {
		check(false, "recheck output is not serializable: "+err.Error())
		return false
	}
	check(want == got, fmt.Sprintf("recheck output differs (%.12s != %.12s)", got, want))
	return false
}

func matchesOutput(out any, spec capability.OutputSpec) bool {
	if !capability.MatchesKind(out, spec.Kind) {
		return false
	}
	if spec.Kind != capability.KindObject {
		return true
	}
	m := out.(map[string]any)
	for _, key := range spec.Required {
		if _, ok := m[key]; !ok {
			return false
		}
	}
	return true
}

func describeMismatch(out any, spec capability.OutputSpec) string {
	if !capability.MatchesKind(out, spec.Kind) {
		return fmt.Sprintf("output is %T, want %s", out, spec.Kind)
	}
	if m, ok := out.(map[string]any); ok {
		var missing []string
		for _, key := range spec.Required {
			if _, ok := m[key]; !ok {
				missing = append(missing, key)
			}
		}
		return "output is missing keys: " + strings.Join(missing, ", ")
	}
	return "output does not match its spec"
}

// VerificationError reports a result that failed verification. Verification
// is authoritative: the task is failed even if the capability succeeded.
type VerificationError struct {
	TaskID  string
	Verdict Verdict
	Err     error // Invocation error, if any
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("task %q failed %s verification: %s", e.TaskID, e.Verdict.Level, strings.Join(e.Verdict.Reasons, "; "))
}

func (e *VerificationError) Unwrap() error { return e.Err }
