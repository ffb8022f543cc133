package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/flowengine/internal/observability"
	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

// TaskUpdate identifies a task and the outcome an actor reports for it.
type TaskUpdate struct {
	InstanceID string
	TaskID     string
	Actor      model.Actor
	Remarks    string
	Result     map[string]any
}

// CompleteTask completes a manual task of an active step.
func (e *Engine) CompleteTask(ctx context.Context, u TaskUpdate) (inst *workflow.Instance, err error) {
	return e.finishTask(ctx, "complete_task", u, model.TaskStatusCompleted)
}

// FailTask fails a manual task of an active step. The step fails once all
// of its tasks are terminal, routing to its failure target if it has one.
func (e *Engine) FailTask(ctx context.Context, u TaskUpdate) (inst *workflow.Instance, err error) {
	return e.finishTask(ctx, "fail_task", u, model.TaskStatusFailed)
}

func (e *Engine) finishTask(ctx context.Context, op string, u TaskUpdate, status model.TaskStatus) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, op,
		observability.AttrInstanceID.String(u.InstanceID),
		observability.AttrTaskID.String(u.TaskID),
		observability.AttrActor.String(u.Actor.String()),
	)
	defer func() { done(err) }()

	if u.Actor.IsZero() {
		return nil, model.NewForbiddenError("an actor is required")
	}

	return e.mutate(ctx, u.InstanceID, func(inst *workflow.Instance, now time.Time) error {
		_, task := inst.FindActiveTask(u.TaskID)
		if task == nil {
			return model.NewNotFoundError(
				fmt.Sprintf("task %s is not in an active step of workflow instance %s", u.TaskID, inst.ID),
			)
		}
		if !task.IsManual() {
			return model.NewInvalidStateError(fmt.Sprintf("task %s is automatic", task.TaskID))
		}
		if err := task.CanBeCompletedBy(u.Actor); err != nil {
			return err
		}
		var result map[string]any
		if status == model.TaskStatusCompleted {
			result = u.Result
		}
		return inst.UpdateTask(task.ID, status, u.Actor, u.Remarks, result, now)
	})
}

// AcceptAssignment accepts a pending assignment on behalf of its addressee.
func (e *Engine) AcceptAssignment(ctx context.Context, instanceID, assignmentID string, actor model.Actor) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, "accept_assignment",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAssignmentID.String(assignmentID),
		observability.AttrActor.String(actor.String()),
	)
	defer func() { done(err) }()

	return e.mutate(ctx, instanceID, func(inst *workflow.Instance, now time.Time) error {
		_, err := inst.AcceptAssignment(assignmentID, actor, now)
		return err
	})
}

// RejectAssignment rejects a pending assignment on behalf of its addressee.
func (e *Engine) RejectAssignment(ctx context.Context, instanceID, assignmentID string, actor model.Actor, reason string) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, "reject_assignment",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAssignmentID.String(assignmentID),
		observability.AttrActor.String(actor.String()),
	)
	defer func() { done(err) }()

	return e.mutate(ctx, instanceID, func(inst *workflow.Instance, now time.Time) error {
		_, err := inst.RejectAssignment(assignmentID, actor, reason, now)
		return err
	})
}

// Reassignment hands an accepted task to a new addressee. Exactly one of
// ToUserID or ToEmail must be set.
type Reassignment struct {
	InstanceID string
	TaskID     string
	Actor      model.Actor
	ToUserID   string
	ToEmail    string
	ToName     string
}

// ReassignTask supersedes the actor's accepted assignment with a new
// pending one. Internal targets must exist in the directory.
func (e *Engine) ReassignTask(ctx context.Context, r Reassignment) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, "reassign_task",
		observability.AttrInstanceID.String(r.InstanceID),
		observability.AttrTaskID.String(r.TaskID),
		observability.AttrActor.String(r.Actor.String()),
	)
	defer func() { done(err) }()

	if r.ToUserID != "" && e.directory != nil {
		if _, err := e.directory.FindByID(ctx, r.ToUserID); err != nil {
			return nil, err
		}
	}

	to := workflow.Addressee{UserID: r.ToUserID, Email: r.ToEmail, Name: r.ToName}
	return e.mutate(ctx, r.InstanceID, func(inst *workflow.Instance, now time.Time) error {
		_, err := inst.Reassign(r.TaskID, r.Actor, to, now)
		return err
	})
}

// CancelInstance force-terminates an instance.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string, actor model.Actor, reason string) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, "cancel_instance",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActor.String(actor.String()),
	)
	defer func() { done(err) }()

	return e.mutate(ctx, instanceID, func(inst *workflow.Instance, now time.Time) error {
		return inst.Cancel(reason, now)
	})
}
