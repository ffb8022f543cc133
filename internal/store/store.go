// Package store persists workflow instance graphs together with their
// outbox events.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

// Repository loads and saves whole instance graphs. Events passed to Create
// and Update are written in the same unit of work as the instance.
type Repository interface {
	// FindByID returns the instance, or NOT_FOUND. Without includeGraph the
	// Steps slice is left empty.
	FindByID(ctx context.Context, id string, includeGraph bool) (*workflow.Instance, error)

	// Create persists a new instance at version 1.
	Create(ctx context.Context, inst *workflow.Instance, events []model.DomainEvent) error

	// Update persists inst if the stored version still equals inst.Version,
	// then increments inst.Version. A mismatch is a CONFLICT.
	Update(ctx context.Context, inst *workflow.Instance, events []model.DomainEvent) error

	// FindOverdueAssignments lists PENDING or ACCEPTED assignments of
	// non-terminal tasks whose due time is before filter.Now, earliest first.
	FindOverdueAssignments(ctx context.Context, filter model.OverdueFilter) ([]model.OverdueAssignment, error)

	// FindPaged lists instances without their graphs, newest first.
	FindPaged(ctx context.Context, filter model.InstanceFilter) (Page, error)

	EventStore
}

// EventStore is the outbox side of the repository.
type EventStore interface {
	// PendingEvents returns undelivered events in the order they were written.
	PendingEvents(ctx context.Context, limit int) ([]model.DomainEvent, error)
	// MarkDispatched stamps events as delivered.
	MarkDispatched(ctx context.Context, ids []string, at time.Time) error
}

// Page is one page of an instance listing.
type Page struct {
	Items    []*workflow.Instance `json:"items"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// overdue reports whether a is late on a non-terminal task.
func overdue(task *workflow.Task, a *workflow.Assignment, now time.Time) bool {
	if task.Status.IsTerminal() || a.DueAt == nil || !a.DueAt.Before(now) {
		return false
	}
	return a.Status == model.AssignmentStatusPending || a.Status == model.AssignmentStatusAccepted
}
