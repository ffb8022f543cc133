package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/flowengine/model"
)

// Assignment delegates a manual task to one addressee: an internal user
// (AssigneeID) or an external party (AssigneeEmail, optionally named).
type Assignment struct {
	ID              string                 `json:"id"`
	TaskID          string                 `json:"task_id"`
	AssigneeID      string                 `json:"assignee_id,omitempty"`
	AssigneeEmail   string                 `json:"assignee_email,omitempty"`
	AssigneeName    string                 `json:"assignee_name,omitempty"`
	Status          model.AssignmentStatus `json:"status"`
	AssignedByID    string                 `json:"assigned_by_id,omitempty"`
	AcceptedAt      *time.Time             `json:"accepted_at,omitempty"`
	RejectedAt      *time.Time             `json:"rejected_at,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	SupersededByID  string                 `json:"superseded_by_id,omitempty"`
	DueAt           *time.Time             `json:"due_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Addressee identifies who an assignment is for.
type Addressee struct {
	UserID string
	Email  string
	Name   string
}

// NewAssignment creates a PENDING assignment. Exactly one of UserID or
// Email must be set on to.
func NewAssignment(taskID string, to Addressee, assignedByID string, dueAt *time.Time, now time.Time) (*Assignment, error) {
	if (to.UserID == "") == (to.Email == "") {
		return nil, model.NewValidationError(
			"assignment requires exactly one of assignee id or assignee email",
			model.FieldError{Field: "assignee", Code: "ADDRESSING_MODE", Message: "set either user id or email"},
		)
	}
	a := &Assignment{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		AssigneeID:    to.UserID,
		AssigneeEmail: to.Email,
		Status:        model.AssignmentStatusPending,
		AssignedByID:  assignedByID,
		CreatedAt:     now,
	}
	if to.Email != "" {
		a.AssigneeName = to.Name
	}
	if dueAt != nil {
		d := *dueAt
		a.DueAt = &d
	}
	return a, nil
}

// IsExternal reports whether the addressee is identified by email only.
func (a *Assignment) IsExternal() bool { return a.AssigneeID == "" }

// Addresses reports whether actor is the addressee.
func (a *Assignment) Addresses(actor model.Actor) bool {
	return actor.Is(a.AssigneeID, a.AssigneeEmail)
}

// Accept moves a PENDING assignment to ACCEPTED. Only the addressee may
// accept.
func (a *Assignment) Accept(actor model.Actor, now time.Time) error {
	if err := a.checkPendingFor(actor); err != nil {
		return err
	}
	a.Status = model.AssignmentStatusAccepted
	a.AcceptedAt = &now
	return nil
}

// Reject moves a PENDING assignment to REJECTED. Only the addressee may
// reject.
func (a *Assignment) Reject(actor model.Actor, reason string, now time.Time) error {
	if err := a.checkPendingFor(actor); err != nil {
		return err
	}
	a.Status = model.AssignmentStatusRejected
	a.RejectedAt = &now
	a.RejectionReason = reason
	return nil
}

// supersede marks an ACCEPTED assignment as replaced by byID. No other
// field is touched.
func (a *Assignment) supersede(byID string) error {
	if a.Status != model.AssignmentStatusAccepted {
		return model.NewInvalidStateError(
			fmt.Sprintf("assignment %s is %s, only accepted assignments can be superseded", a.ID, a.Status),
		)
	}
	a.Status = model.AssignmentStatusSuperseded
	a.SupersededByID = byID
	return nil
}

func (a *Assignment) checkPendingFor(actor model.Actor) error {
	if a.Status != model.AssignmentStatusPending {
		return model.NewInvalidStateError(
			fmt.Sprintf("assignment %s is %s, not pending", a.ID, a.Status),
		)
	}
	if !a.Addresses(actor) {
		return model.NewForbiddenError(
			fmt.Sprintf("assignment %s is not addressed to %s", a.ID, actor),
		)
	}
	return nil
}
