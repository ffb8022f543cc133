package model

import "time"

// EventType names a domain event.
type EventType string

// Domain event types.
const (
	EventWorkflowCreated      EventType = "workflow.created"
	EventWorkflowCompleted    EventType = "workflow.completed"
	EventWorkflowFailed       EventType = "workflow.failed"
	EventWorkflowCancelled    EventType = "workflow.cancelled"
	EventStepStarted          EventType = "step.started"
	EventStepCompleted        EventType = "step.completed"
	EventStepFailed           EventType = "step.failed"
	EventTaskCompleted        EventType = "task.completed"
	EventTaskFailed           EventType = "task.failed"
	EventAssignmentCreated    EventType = "assignment.created"
	EventAssignmentAccepted   EventType = "assignment.accepted"
	EventAssignmentRejected   EventType = "assignment.rejected"
	EventAssignmentSuperseded EventType = "assignment.superseded"
)

// DomainEvent is an outbox record produced by a mutation of an instance. It
// is persisted in the same unit of work as the instance graph and delivered
// at least once afterwards.
type DomainEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	InstanceID   string         `json:"instance_id"`
	StepID       string         `json:"step_id,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
}
