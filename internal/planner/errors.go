package planner

import (
	"fmt"

	"github.com/aristath/taskcore/internal/scheduler"
)

// PlanningError reports that no acceptable plan was produced. Fallback is
// always set: a single task running the default capability on the verbatim
// request text.
type PlanningError struct {
	RequestID  string
	Strategy   Strategy
	Reason     string
	Confidence float64
	Err        error
	Fallback   *scheduler.TaskGraph
}

func (e *PlanningError) Error() string {
	msg := fmt.Sprintf("planning %s (%s): %s", e.RequestID, e.Strategy, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlanningError) Unwrap() error { return e.Err }

// OracleOutputError reports oracle output that failed validation.
type OracleOutputError struct {
	Reason string
	Err    error
}

func (e *OracleOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid oracle output: %s: %v", e.Reason, e.Err)
	}
	return "invalid oracle output: " + e.Reason
}

func (e *OracleOutputError) Unwrap() error { return e.Err }
