package model

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Workflow instance status constants.
const (
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further mutation is accepted.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

// Workflow step status constants.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Workflow task status constants.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// IsTerminal reports whether the status is in the terminal set.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// AssignmentStatus is the lifecycle state of a task assignment.
type AssignmentStatus string

// Assignment status constants. AssignmentStatusRemoved is reserved for
// administrative revocation and is never entered by the engine.
const (
	AssignmentStatusPending    AssignmentStatus = "pending"
	AssignmentStatusAccepted   AssignmentStatus = "accepted"
	AssignmentStatusRejected   AssignmentStatus = "rejected"
	AssignmentStatusRemoved    AssignmentStatus = "removed"
	AssignmentStatusSuperseded AssignmentStatus = "superseded"
)

// InstanceFilter narrows paged instance listings.
type InstanceFilter struct {
	Type          string
	Status        InstanceStatus
	InitiatedByID string
	Page          int
	PageSize      int
}

// Normalize clamps paging to sane bounds.
func (f *InstanceFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
}

// OverdueFilter selects assignments whose due time has passed.
type OverdueFilter struct {
	Now          time.Time
	InstanceType string
	AssigneeID   string
	Limit        int
}

// OverdueAssignment is a flattened view of a late assignment on a
// non-terminal task.
type OverdueAssignment struct {
	InstanceID    string           `json:"instance_id"`
	InstanceType  string           `json:"instance_type"`
	StepID        string           `json:"step_id"`
	TaskID        string           `json:"task_id"`
	TaskName      string           `json:"task_name"`
	AssignmentID  string           `json:"assignment_id"`
	AssigneeID    string           `json:"assignee_id,omitempty"`
	AssigneeEmail string           `json:"assignee_email,omitempty"`
	AssigneeName  string           `json:"assignee_name,omitempty"`
	Status        AssignmentStatus `json:"status"`
	DueAt         time.Time        `json:"due_at"`
}
