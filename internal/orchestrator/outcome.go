package orchestrator

import (
	"time"

	"github.com/aristath/taskcore/internal/scheduler"
	"github.com/aristath/taskcore/internal/verify"
)

// GraphStatus summarises how a graph ended.
type GraphStatus string

const (
	GraphCompleted GraphStatus = "COMPLETED" // Every task completed
	GraphPartial   GraphStatus = "PARTIAL"   // Some tasks completed, or the graph timed out
	GraphFailed    GraphStatus = "FAILED"    // Nothing completed, or the graph was aborted
)

// Skip causes that are not task IDs.
const (
	CauseGraphTimeout = "graph_timeout"
	CauseCancelled    = "cancelled"
	CauseUnreachable  = "unreachable"
	CauseAborted      = "aborted"
)

// Usage is what a task consumed.
type Usage struct {
	Attempts    int
	Retries     int
	OutputBytes int
	WallTime    time.Duration
}

// ExecutionResult is the terminal record of one task.
type ExecutionResult struct {
	TaskID        string
	Status        scheduler.TaskStatus
	Output        any
	Err           error
	Duration      time.Duration
	Usage         Usage
	Verdict       *verify.Verdict // Nil for skipped tasks
	SkipCause     string
	DecisionID    string
	AuditSequence uint64
}

// Failure is one line of the failure manifest.
type Failure struct {
	TaskID string
	Status scheduler.TaskStatus
	Reason string
	Cause  string // Upstream task ID or skip cause
}

// GraphOutcome is what Execute returns.
type GraphOutcome struct {
	RequestID string
	Status    GraphStatus
	Results   map[string]*ExecutionResult
	Failures  []Failure // In terminal-transition order
	TimedOut  bool
	Duration  time.Duration
}

// Completed returns how many tasks completed.
func (o *GraphOutcome) Completed() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == scheduler.TaskCompleted {
			n++
		}
	}
	return n
}

func (o *GraphOutcome) settle(aborted bool) {
	completed := o.Completed()
	switch {
	case aborted:
		o.Status = GraphFailed
	case o.TimedOut:
		o.Status = GraphPartial
	case completed == len(o.Results):
		o.Status = GraphCompleted
	case completed == 0:
		o.Status = GraphFailed
	default:
		o.Status = GraphPartial
	}
}
