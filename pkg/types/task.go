// Package types holds the wire-level data model shared across the
// orchestration core: tasks, agents, sessions, messages, and the
// transient plan/snapshot shapes consumed from external collaborators.
package types

import "time"

// TaskStatus is the lifecycle state of a delegated Task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a unit of delegated work tracked by the delegation service.
type Task struct {
	ID               string                 `json:"id"`
	Action           string                 `json:"action"`
	Finding          string                 `json:"finding"`
	Status           TaskStatus             `json:"status"`
	TargetAgent      *string                `json:"target_agent,omitempty"`
	Attempts         int                    `json:"attempts"`
	MaxAttempts      int                    `json:"max_attempts"`
	NextEligibleAt   time.Time              `json:"next_eligible_at"`
	LastErrorCode    *string                `json:"last_error_code,omitempty"`
	LastErrorMessage *string                `json:"last_error_message,omitempty"`
	DurationMs       *int64                 `json:"duration_ms,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	SnapshotHash     string                 `json:"snapshot_hash"`
	DependsOn        []string               `json:"depends_on,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// owning component's lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.TargetAgent != nil {
		v := *t.TargetAgent
		c.TargetAgent = &v
	}
	if t.LastErrorCode != nil {
		v := *t.LastErrorCode
		c.LastErrorCode = &v
	}
	if t.LastErrorMessage != nil {
		v := *t.LastErrorMessage
		c.LastErrorMessage = &v
	}
	if t.DurationMs != nil {
		v := *t.DurationMs
		c.DurationMs = &v
	}
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &c
}

// IsTerminal reports whether the task's status is a DAG sink.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// PlanTask is one entry in a transient execution Plan.
type PlanTask struct {
	TaskID    string
	DependsOn []string
}

// Plan is the transient ordered set of tasks an orchestrator execution
// dispatches in a single call.
type Plan struct {
	SessionID string
	Tasks     []PlanTask
}

// ExecutePlanResult is the disjoint outcome of one orchestrator run.
type ExecutePlanResult struct {
	Dispatched []string          `json:"dispatched"`
	Completed  []string          `json:"completed"`
	Failed     []TaskFailure     `json:"failed"`
}

// TaskFailure pairs a failed task id with its recorded error code.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}
