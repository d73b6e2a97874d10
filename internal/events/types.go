package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	Topic() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicGraph = "graph"
	TopicAudit = "audit"
	TopicPlan  = "plan"
)

// Event type constants
const (
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskRetried        = "task.retried"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskSkipped        = "task.skipped"
	EventTypeGraphProgress      = "graph.progress"
	EventTypeGraphFinished      = "graph.finished"
	EventTypePlanAccepted       = "plan.accepted"
	EventTypePlanRejected       = "plan.rejected"
	EventTypeAuditAppended      = "audit.appended"
	EventTypeDecisionRecorded   = "audit.decision"
	EventTypeCheckpointRecorded = "audit.checkpoint"
)

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	RequestID  string
	ID         string
	Name       string
	Capability string
	Worker     int
	Timestamp  time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }
func (e TaskStartedEvent) Topic() string     { return TopicTask }

// TaskRetriedEvent is published before a failed invocation is retried.
type TaskRetriedEvent struct {
	RequestID string
	ID        string
	Attempt   int
	Err       error
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) TaskID() string    { return e.ID }
func (e TaskRetriedEvent) Topic() string     { return TopicTask }

// TaskCompletedEvent is published when a task completes and passes
// verification.
type TaskCompletedEvent struct {
	RequestID  string
	ID         string
	Confidence float64
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	RequestID string
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) Topic() string     { return TopicTask }

// TaskSkippedEvent is published when a task will never run.
type TaskSkippedEvent struct {
	RequestID string
	ID        string
	Cause     string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }
func (e TaskSkippedEvent) Topic() string     { return TopicTask }

// GraphProgressEvent is published after every terminal task transition.
type GraphProgressEvent struct {
	RequestID string
	Total     int
	Completed int
	Running   int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) TaskID() string    { return "" }
func (e GraphProgressEvent) Topic() string     { return TopicGraph }

// GraphFinishedEvent is published once a graph has no more work.
type GraphFinishedEvent struct {
	RequestID string
	Status    string
	TimedOut  bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e GraphFinishedEvent) EventType() string { return EventTypeGraphFinished }
func (e GraphFinishedEvent) TaskID() string    { return "" }
func (e GraphFinishedEvent) Topic() string     { return TopicGraph }

// PlanAcceptedEvent is published when the planner returns a graph.
type PlanAcceptedEvent struct {
	RequestID  string
	Strategy   string
	Tasks      int
	Confidence float64
	CacheHit   bool
	Timestamp  time.Time
}

func (e PlanAcceptedEvent) EventType() string { return EventTypePlanAccepted }
func (e PlanAcceptedEvent) TaskID() string    { return "" }
func (e PlanAcceptedEvent) Topic() string     { return TopicPlan }

// PlanRejectedEvent is published when planning falls back to the verbatim
// request.
type PlanRejectedEvent struct {
	RequestID string
	Reason    string
	Timestamp time.Time
}

func (e PlanRejectedEvent) EventType() string { return EventTypePlanRejected }
func (e PlanRejectedEvent) TaskID() string    { return "" }
func (e PlanRejectedEvent) Topic() string     { return TopicPlan }

// AuditAppendedEvent is published after a WORM entry is committed.
type AuditAppendedEvent struct {
	ID        string // Task the entry describes, if any
	Stream    string
	Sequence  uint64
	Hash      string
	Kind      string // Entry event type
	Timestamp time.Time
}

func (e AuditAppendedEvent) EventType() string { return EventTypeAuditAppended }
func (e AuditAppendedEvent) TaskID() string    { return e.ID }
func (e AuditAppendedEvent) Topic() string     { return TopicAudit }

// DecisionRecordedEvent is published after a decision record is signed and
// stored.
type DecisionRecordedEvent struct {
	ID         string // Task the decision is about
	Lane       string
	Sequence   uint64
	DecisionID string
	Decision   string
	Timestamp  time.Time
}

func (e DecisionRecordedEvent) EventType() string { return EventTypeDecisionRecorded }
func (e DecisionRecordedEvent) TaskID() string    { return e.ID }
func (e DecisionRecordedEvent) Topic() string     { return TopicAudit }

// CheckpointRecordedEvent is published after a Merkle checkpoint is saved.
type CheckpointRecordedEvent struct {
	Stream       string
	RootHash     string
	LastSequence uint64
	Timestamp    time.Time
}

func (e CheckpointRecordedEvent) EventType() string { return EventTypeCheckpointRecorded }
func (e CheckpointRecordedEvent) TaskID() string    { return "" }
func (e CheckpointRecordedEvent) Topic() string     { return TopicAudit }
