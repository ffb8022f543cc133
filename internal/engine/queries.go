package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/internal/observability"
	"github.com/pitabwire/flowengine/internal/store"
	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

// Get loads an instance. The step graph is included when includeGraph is
// set.
func (e *Engine) Get(ctx context.Context, instanceID string, includeGraph bool) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, "get", observability.AttrInstanceID.String(instanceID))
	defer func() { done(err) }()
	return e.repo.FindByID(ctx, instanceID, includeGraph)
}

// List returns one page of instances matching filter.
func (e *Engine) List(ctx context.Context, filter model.InstanceFilter) (page store.Page, err error) {
	ctx, done := e.observe(ctx, "list", observability.AttrWorkflowType.String(filter.Type))
	defer func() { done(err) }()
	filter.Normalize()
	return e.repo.FindPaged(ctx, filter)
}

// FindOverdueAssignments lists late assignments of open tasks. A zero Now
// means the engine clock.
func (e *Engine) FindOverdueAssignments(ctx context.Context, filter model.OverdueFilter) (out []model.OverdueAssignment, err error) {
	ctx, done := e.observe(ctx, "find_overdue")
	defer func() { done(err) }()
	if filter.Now.IsZero() {
		filter.Now = e.now()
	}
	return e.repo.FindOverdueAssignments(ctx, filter)
}

// ProcessOverdue sends a reminder for every overdue assignment and returns
// how many were found. Reminders are log lines plus a metric; addressees
// without an email on the assignment are resolved through the directory.
func (e *Engine) ProcessOverdue(ctx context.Context, filter model.OverdueFilter) (n int, err error) {
	overdue, err := e.FindOverdueAssignments(ctx, filter)
	if err != nil {
		return 0, err
	}

	logger := observability.LoggerFrom(ctx, e.logger)
	perType := make(map[string]int)
	for _, a := range overdue {
		email := a.AssigneeEmail
		if email == "" && a.AssigneeID != "" && e.directory != nil {
			u, derr := e.directory.FindByID(ctx, a.AssigneeID)
			if derr != nil {
				logger.Warn("overdue assignee not in directory",
					zap.String("assignment_id", a.AssignmentID),
					zap.String("assignee_id", a.AssigneeID),
				)
			} else {
				email = u.Email
			}
		}
		logger.Info("assignment overdue",
			zap.String("instance_id", a.InstanceID),
			zap.String("workflow_type", a.InstanceType),
			zap.String("step_id", a.StepID),
			zap.String("task", a.TaskName),
			zap.String("assignment_id", a.AssignmentID),
			zap.String("assignee_id", a.AssigneeID),
			zap.String("email", email),
			zap.Time("due_at", a.DueAt),
		)
		perType[a.InstanceType]++
	}
	if e.recorder != nil {
		for typ, c := range perType {
			e.recorder.RecordOverdue(typ, c)
		}
	}
	return len(overdue), nil
}
