package workflow

import (
	"fmt"
	"time"

	"github.com/pitabwire/flowengine/model"
)

// Task is one unit of work inside a step.
type Task struct {
	ID                string           `json:"id"`
	TaskID            string           `json:"task_id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	Type              model.TaskType   `json:"type"`
	Status            model.TaskStatus `json:"status"`
	Handler           string           `json:"handler,omitempty"`
	Config            model.TaskConfig `json:"config"`
	RequireAcceptance bool             `json:"require_acceptance,omitempty"`
	OutputKey         string           `json:"output_key,omitempty"`
	ResultData        map[string]any   `json:"result_data,omitempty"`
	StartedByID       string           `json:"started_by_id,omitempty"`
	CompletedByID     string           `json:"completed_by_id,omitempty"`
	Remarks           string           `json:"remarks,omitempty"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Assignments       []*Assignment    `json:"assignments,omitempty"`
}

// IsManual reports whether the task is completed by a person.
func (t *Task) IsManual() bool { return t.Type == model.TaskTypeManual }

// IsAutomatic reports whether the task is executed by a handler.
func (t *Task) IsAutomatic() bool { return t.Type == model.TaskTypeAutomatic }

// Start moves the task to IN_PROGRESS.
func (t *Task) Start(actor model.Actor, now time.Time) error {
	if err := t.checkNotTerminal("start"); err != nil {
		return err
	}
	if t.Status == model.TaskStatusInProgress {
		return nil
	}
	t.Status = model.TaskStatusInProgress
	t.StartedByID = actor.String()
	t.StartedAt = &now
	return nil
}

// Complete marks the task COMPLETED and records its result.
func (t *Task) Complete(actor model.Actor, remarks string, result map[string]any, now time.Time) error {
	if err := t.checkNotTerminal("complete"); err != nil {
		return err
	}
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.Status = model.TaskStatusCompleted
	t.CompletedByID = actor.String()
	t.Remarks = remarks
	t.ResultData = result
	t.CompletedAt = &now
	return nil
}

// Fail marks the task FAILED.
func (t *Task) Fail(remarks string, actor model.Actor, now time.Time) error {
	if err := t.checkNotTerminal("fail"); err != nil {
		return err
	}
	t.Status = model.TaskStatusFailed
	t.CompletedByID = actor.String()
	t.Remarks = remarks
	t.CompletedAt = &now
	return nil
}

// AcceptedAssignment returns the ACCEPTED assignment, or nil.
func (t *Task) AcceptedAssignment() *Assignment {
	for _, a := range t.Assignments {
		if a.Status == model.AssignmentStatusAccepted {
			return a
		}
	}
	return nil
}

// AcceptedAssigneeID returns the id (or email for external parties) of the
// accepted assignee, or "".
func (t *Task) AcceptedAssigneeID() string {
	a := t.AcceptedAssignment()
	if a == nil {
		return ""
	}
	if a.AssigneeID != "" {
		return a.AssigneeID
	}
	return a.AssigneeEmail
}

// Assignment returns the assignment with the given id, or nil.
func (t *Task) Assignment(id string) *Assignment {
	for _, a := range t.Assignments {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// CanBeCompletedBy checks that actor may complete or fail this manual
// task. When acceptance is required only the accepted assignee may act.
// Otherwise any pending or accepted addressee may act, and a task with no
// assignments is open to anyone.
func (t *Task) CanBeCompletedBy(actor model.Actor) error {
	if t.RequireAcceptance {
		a := t.AcceptedAssignment()
		if a == nil {
			return model.NewInvalidStateError(fmt.Sprintf("task %s has not been accepted", t.TaskID))
		}
		if !a.Addresses(actor) {
			return model.NewForbiddenError(fmt.Sprintf("task %s is accepted by another assignee", t.TaskID))
		}
		return nil
	}
	if len(t.Assignments) == 0 {
		return nil
	}
	for _, a := range t.Assignments {
		if (a.Status == model.AssignmentStatusPending || a.Status == model.AssignmentStatusAccepted) && a.Addresses(actor) {
			return nil
		}
	}
	return model.NewForbiddenError(fmt.Sprintf("task %s is not assigned to %s", t.TaskID, actor))
}

func (t *Task) checkNotTerminal(op string) error {
	if t.Status.IsTerminal() {
		return model.NewInvalidStateError(
			fmt.Sprintf("cannot %s task %s: already %s", op, t.TaskID, t.Status),
		)
	}
	return nil
}
