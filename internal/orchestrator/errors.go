package orchestrator

import (
	"fmt"
	"time"
)

// TimeoutScope says which limit a TimeoutError hit.
type TimeoutScope string

const (
	ScopeTask  TimeoutScope = "task"
	ScopeGraph TimeoutScope = "graph"
)

// TimeoutError reports a task that ran out of time, either its own
// per-invocation limit or the graph's overall limit.
type TimeoutError struct {
	Scope  TimeoutScope
	TaskID string
	Limit  time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timeout", e.Scope)
	if e.TaskID != "" {
		msg += fmt.Sprintf(" for task %q", e.TaskID)
	}
	if e.Limit > 0 {
		msg += fmt.Sprintf(" after %s", e.Limit)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// AuditError reports a terminal transition that could not be logged. The
// graph is aborted when this happens.
type AuditError struct {
	TaskID string
	Stage  string // "decision", "log" or "provenance"
	Err    error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s failed for task %q: %v", e.Stage, e.TaskID, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }
