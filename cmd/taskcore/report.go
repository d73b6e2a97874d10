package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/taskcore/internal/orchestrator"
	"github.com/aristath/taskcore/internal/scheduler"
)

var (
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleHead  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleCell  = lipgloss.NewStyle().Padding(0, 1)
)

// taskReport is one task of a JSON report.
type taskReport struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Capability    string   `json:"capability"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Status        string   `json:"status"`
	Attempts      int      `json:"attempts"`
	Confidence    float64  `json:"confidence,omitempty"`
	Output        any      `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	SkipCause     string   `json:"skip_cause,omitempty"`
	DecisionID    string   `json:"decision_id,omitempty"`
	AuditSequence uint64   `json:"audit_sequence,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
}

// jsonReport is the --json form of a run.
type jsonReport struct {
	RequestID  string       `json:"request_id"`
	Text       string       `json:"text"`
	Strategy   string       `json:"strategy"`
	Confidence float64      `json:"confidence"`
	CacheHit   bool         `json:"cache_hit"`
	Fallback   string       `json:"fallback,omitempty"`
	Status     string       `json:"status"`
	TimedOut   bool         `json:"timed_out"`
	DurationMS int64        `json:"duration_ms"`
	Tasks      []taskReport `json:"tasks"`
	Audit      auditReport  `json:"audit"`
}

type auditReport struct {
	Entries        int    `json:"entries"`
	FirstSequence  uint64 `json:"first_sequence,omitempty"`
	LastSequence   uint64 `json:"last_sequence,omitempty"`
	Decisions      int    `json:"decisions"`
	PlanDecisions  int    `json:"plan_decisions"`
	CheckpointRoot string `json:"checkpoint_root,omitempty"`
	Activities     int    `json:"provenance_activities"`
}

func buildJSONReport(r *orchestrator.Report) jsonReport {
	out := jsonReport{
		RequestID:  r.RequestID,
		Text:       r.Text,
		DurationMS: r.Duration.Milliseconds(),
	}
	switch {
	case r.Plan != nil:
		out.Strategy = string(r.Plan.Strategy)
		out.Confidence = r.Plan.Confidence
		out.CacheHit = r.Plan.CacheHit
	case r.PlanError != nil:
		out.Strategy = string(r.PlanError.Strategy)
		out.Confidence = r.PlanError.Confidence
		out.Fallback = r.PlanError.Reason
	}
	if r.Outcome != nil {
		out.Status = string(r.Outcome.Status)
		out.TimedOut = r.Outcome.TimedOut
	}
	for _, task := range orderedTasks(r.Graph) {
		out.Tasks = append(out.Tasks, buildTaskReport(task, r.Outcome))
	}

	a := r.Audit
	out.Audit = auditReport{
		Entries:       len(a.Entries),
		Decisions:     len(a.Decisions),
		PlanDecisions: len(a.PlanDecisions),
	}
	if n := len(a.Entries); n > 0 {
		out.Audit.FirstSequence = a.Entries[0].Sequence
		out.Audit.LastSequence = a.Entries[n-1].Sequence
	}
	if a.Checkpoint != nil {
		out.Audit.CheckpointRoot = a.Checkpoint.RootHash
	}
	if a.Provenance != nil {
		out.Audit.Activities = len(a.Provenance.Activities)
	}
	return out
}

func buildTaskReport(task *scheduler.Task, outcome *orchestrator.GraphOutcome) taskReport {
	tr := taskReport{
		ID:         task.ID,
		Name:       task.Name,
		Capability: task.Capability.Name,
		DependsOn:  task.DependsOn,
		Status:     task.Status.String(),
	}
	if outcome == nil {
		return tr
	}
	res, ok := outcome.Results[task.ID]
	if !ok {
		return tr
	}
	tr.Status = res.Status.String()
	tr.Attempts = res.Usage.Attempts
	tr.Output = res.Output
	tr.SkipCause = res.SkipCause
	tr.DecisionID = res.DecisionID
	tr.AuditSequence = res.AuditSequence
	tr.DurationMS = res.Duration.Milliseconds()
	if res.Err != nil {
		tr.Error = res.Err.Error()
	}
	if res.Verdict != nil {
		tr.Confidence = res.Verdict.Confidence
	}
	return tr
}

// orderedTasks returns the graph's tasks in execution order.
func orderedTasks(g *scheduler.TaskGraph) []*scheduler.Task {
	if g == nil {
		return nil
	}
	ids, err := g.TopologicalSort()
	if err != nil {
		return g.Tasks()
	}
	tasks := make([]*scheduler.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := g.Get(id); ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func writeJSONReport(w io.Writer, r *orchestrator.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildJSONReport(r))
}

// writeTextReport renders a human-readable summary.
func writeTextReport(w io.Writer, r *orchestrator.Report) error {
	rep := buildJSONReport(r)
	var b strings.Builder

	line := func(label, value string) {
		fmt.Fprintf(&b, "%s%s\n", styleLabel.Render(label), value)
	}

	line("request", rep.RequestID)
	if rep.Fallback != "" {
		line("plan", styleWarn.Render("fallback")+" "+rep.Fallback)
	} else {
		plan := fmt.Sprintf("%s, %d tasks, confidence %.2f", rep.Strategy, len(rep.Tasks), rep.Confidence)
		if rep.CacheHit {
			plan += styleDim.Render(" (cached)")
		}
		line("plan", plan)
	}
	status := statusStyle(rep.Status).Render(rep.Status)
	if rep.TimedOut {
		status += styleWarn.Render(" timed out")
	}
	line("status", fmt.Sprintf("%s in %v", status, time.Duration(rep.DurationMS)*time.Millisecond))
	b.WriteString("\n")

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styleDim).
		Headers("TASK", "CAPABILITY", "STATUS", "ATTEMPTS", "AUDIT", "DETAIL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHead
			}
			return styleCell
		})
	for _, tr := range rep.Tasks {
		audit := ""
		if tr.AuditSequence > 0 {
			audit = fmt.Sprintf("#%d", tr.AuditSequence)
		}
		t.Row(tr.ID, tr.Capability, statusStyle(tr.Status).Render(tr.Status),
			fmt.Sprint(tr.Attempts), audit, detail(tr))
	}
	b.WriteString(t.String())
	b.WriteString("\n\n")

	a := rep.Audit
	entries := fmt.Sprintf("%d entries", a.Entries)
	if a.Entries > 0 {
		entries += fmt.Sprintf(" (#%d..#%d)", a.FirstSequence, a.LastSequence)
	}
	line("audit", fmt.Sprintf("%s, %d decisions, %d plan decisions", entries, a.Decisions, a.PlanDecisions))
	if a.CheckpointRoot != "" {
		line("merkle", a.CheckpointRoot)
	}
	line("lineage", fmt.Sprintf("%d activities", a.Activities))

	_, err := io.WriteString(w, b.String())
	return err
}

func detail(tr taskReport) string {
	switch {
	case tr.Error != "":
		return truncate(tr.Error, 60)
	case tr.SkipCause != "":
		return "skipped: " + tr.SkipCause
	case tr.Confidence > 0:
		return fmt.Sprintf("confidence %.2f", tr.Confidence)
	default:
		return ""
	}
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "COMPLETED":
		return styleOK
	case "PARTIAL", "SKIPPED":
		return styleWarn
	case "FAILED":
		return styleBad
	default:
		return styleDim
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
