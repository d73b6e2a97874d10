package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskcore/internal/capability"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies resolved, may be dispatched
	TaskRunning                     // Currently executing
	TaskCompleted                   // Finished and verified
	TaskFailed                      // Finished with error or failed verification
	TaskSkipped                     // Never run (upstream failure or graph timeout)
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "PENDING"
	case TaskReady:
		return "READY"
	case TaskRunning:
		return "RUNNING"
	case TaskCompleted:
		return "COMPLETED"
	case TaskFailed:
		return "FAILED"
	case TaskSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Priority orders ready work. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityOptional // Failure does not block dependents
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityOptional:
		return "OPTIONAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name, case-insensitively. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "", "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "OPTIONAL":
		return PriorityOptional, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Result is the payload a task produced.
type Result struct {
	Output     any
	Confidence float64
}

// Task represents a unit of work in the graph.
type Task struct {
	ID          string                // Unique identifier
	Name        string                // Human-readable name
	Capability  capability.Descriptor // What to invoke
	DependsOn   []string              // Task IDs this task depends on
	Priority    Priority
	Status      TaskStatus
	Result      Result
	Err         error  // Set when FAILED
	SkipCause   string // Task ID (or reason) that caused a SKIP
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Retries     int
	Annotations map[string]string // Audit annotations, writable after execution
}

// Optional reports whether the task's failure is non-blocking.
func (t *Task) Optional() bool {
	return t.Priority == PriorityOptional
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.Capability = task.Capability.Clone()
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Annotations != nil {
		cp.Annotations = make(map[string]string, len(task.Annotations))
		for k, v := range task.Annotations {
			cp.Annotations[k] = v
		}
	}
	return &cp
}
