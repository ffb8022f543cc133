// Package workflow holds the instance aggregate: steps, tasks and
// assignments, and the transition algorithm that advances them. It performs
// no I/O; callers load an Instance, mutate it and persist it together with
// the events returned by PullEvents.
package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/flowengine/internal/expression"
	"github.com/pitabwire/flowengine/model"
)

// Instance is one running execution of a workflow definition.
type Instance struct {
	ID                string               `json:"id"`
	Type              string               `json:"type"`
	DefinitionVersion int                  `json:"definition_version"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	Status            model.InstanceStatus `json:"status"`
	ContextData       map[string]any       `json:"context_data"`
	ActiveStepIDs     []string             `json:"active_step_ids"`
	InitiatedByID     string               `json:"initiated_by_id,omitempty"`
	InitiatedForID    string               `json:"initiated_for_id,omitempty"`
	RequestData       map[string]any       `json:"request_data,omitempty"`
	Remarks           string               `json:"remarks,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	Version           int                  `json:"version"`
	Steps             []*Step              `json:"steps,omitempty"`

	events []model.DomainEvent
}

// PullEvents returns the events recorded since the last call and clears
// the buffer.
func (i *Instance) PullEvents() []model.DomainEvent {
	ev := i.events
	i.events = nil
	return ev
}

// Step returns the step with the given business key, or nil.
func (i *Instance) Step(stepID string) *Step {
	for _, s := range i.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// ActiveSteps returns the steps currently in flight, in activation order.
func (i *Instance) ActiveSteps() []*Step {
	out := make([]*Step, 0, len(i.ActiveStepIDs))
	for _, id := range i.ActiveStepIDs {
		if s := i.Step(id); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// FindTask searches every step for the task with the given id.
func (i *Instance) FindTask(taskID string) (*Step, *Task) {
	for _, s := range i.Steps {
		if t := s.Task(taskID); t != nil {
			return s, t
		}
	}
	return nil, nil
}

// FindActiveTask searches only the active steps.
func (i *Instance) FindActiveTask(taskID string) (*Step, *Task) {
	for _, s := range i.ActiveSteps() {
		if t := s.Task(taskID); t != nil {
			return s, t
		}
	}
	return nil, nil
}

// FindAssignment searches every task for the assignment with the given id.
func (i *Instance) FindAssignment(assignmentID string) (*Step, *Task, *Assignment) {
	for _, s := range i.Steps {
		for _, t := range s.Tasks {
			if a := t.Assignment(assignmentID); a != nil {
				return s, t, a
			}
		}
	}
	return nil, nil, nil
}

// NextAutomaticTask returns the first PENDING automatic task of the active
// steps, or nil when none is ready.
func (i *Instance) NextAutomaticTask() *Task {
	if i.Status != model.InstanceStatusInProgress {
		return nil
	}
	for _, s := range i.ActiveSteps() {
		for _, t := range s.Tasks {
			if t.IsAutomatic() && t.Status == model.TaskStatusPending {
				return t
			}
		}
	}
	return nil
}

// CheckMutable returns an INVALID_STATE error when the instance is in a
// terminal status.
func (i *Instance) CheckMutable() error {
	if i.Status.IsTerminal() {
		return model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %s is %s", i.ID, i.Status),
		)
	}
	return nil
}

// Start activates the single step with order index zero.
func (i *Instance) Start(now time.Time) error {
	if i.Status != model.InstanceStatusPending {
		return model.NewInvalidStateError(
			fmt.Sprintf("cannot start workflow instance %s: status is %s", i.ID, i.Status),
		)
	}
	var first *Step
	for _, s := range i.Steps {
		if s.OrderIndex != 0 {
			continue
		}
		if first != nil {
			return model.NewValidationError(
				fmt.Sprintf("workflow instance %s has more than one initial step", i.ID),
			)
		}
		first = s
	}
	if first == nil {
		return model.NewValidationError(
			fmt.Sprintf("workflow instance %s has no initial step", i.ID),
		)
	}

	i.Status = model.InstanceStatusInProgress
	i.UpdatedAt = now
	return i.startStep(first, now)
}

// UpdateTask moves a task of an active step to status and, when the
// owning step has no more open tasks, completes or fails the step and runs
// the next-step algorithm.
func (i *Instance) UpdateTask(
	taskID string,
	status model.TaskStatus,
	actor model.Actor,
	remarks string,
	result map[string]any,
	now time.Time,
) error {
	if err := i.checkInProgress(); err != nil {
		return err
	}
	step, task := i.FindActiveTask(taskID)
	if task == nil {
		return model.NewNotFoundError(
			fmt.Sprintf("task %s is not in an active step of workflow instance %s", taskID, i.ID),
		)
	}
	if task.Status == model.TaskStatusCompleted {
		return model.NewInvalidStateError(fmt.Sprintf("task %s is already completed", task.TaskID))
	}

	var err error
	switch status {
	case model.TaskStatusInProgress:
		err = task.Start(actor, now)
	case model.TaskStatusCompleted:
		err = task.Complete(actor, remarks, result, now)
	case model.TaskStatusFailed:
		err = task.Fail(remarks, actor, now)
	default:
		err = model.NewValidationError(fmt.Sprintf("unsupported task status %q", status))
	}
	if err != nil {
		return err
	}
	i.UpdatedAt = now

	switch status {
	case model.TaskStatusCompleted:
		if result != nil && task.OutputKey != "" {
			if i.ContextData == nil {
				i.ContextData = make(map[string]any)
			}
			i.ContextData[task.OutputKey] = result
		}
		i.record(model.EventTaskCompleted, step.StepID, task.ID, "", map[string]any{"task_id": task.TaskID}, now)
	case model.TaskStatusFailed:
		i.record(model.EventTaskFailed, step.StepID, task.ID, "", map[string]any{"task_id": task.TaskID, "remarks": remarks}, now)
	default:
		return nil
	}

	if !step.AllTasksTerminal() {
		return nil
	}
	if step.HasFailedTask() {
		if _, err := step.Fail(step.failureRemarks(), now); err != nil {
			return err
		}
		i.record(model.EventStepFailed, step.StepID, "", "", nil, now)
	} else {
		if _, err := step.Complete(now); err != nil {
			return err
		}
		i.record(model.EventStepCompleted, step.StepID, "", "", nil, now)
	}
	return i.moveToNextStep(step, now)
}

// Cancel force-terminates the instance. Steps and tasks are left as they
// are.
func (i *Instance) Cancel(reason string, now time.Time) error {
	if err := i.CheckMutable(); err != nil {
		return err
	}
	i.Status = model.InstanceStatusCancelled
	i.ActiveStepIDs = nil
	i.Remarks = reason
	i.CompletedAt = &now
	i.UpdatedAt = now
	i.record(model.EventWorkflowCancelled, "", "", "", map[string]any{"reason": reason}, now)
	return nil
}

// AddAssignment attaches a new assignment to a task.
func (i *Instance) AddAssignment(taskID string, a *Assignment, now time.Time) error {
	if err := i.CheckMutable(); err != nil {
		return err
	}
	step, task := i.FindTask(taskID)
	if task == nil {
		return model.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
	}
	if task.Status.IsTerminal() {
		return model.NewInvalidStateError(fmt.Sprintf("task %s is already %s", task.TaskID, task.Status))
	}
	a.TaskID = task.ID
	task.Assignments = append(task.Assignments, a)
	i.UpdatedAt = now
	i.record(model.EventAssignmentCreated, step.StepID, task.ID, a.ID, assignmentData(a), now)
	return nil
}

// AcceptAssignment accepts on behalf of actor. If the task belongs to an
// active step it moves to IN_PROGRESS.
func (i *Instance) AcceptAssignment(assignmentID string, actor model.Actor, now time.Time) (*Assignment, error) {
	if err := i.CheckMutable(); err != nil {
		return nil, err
	}
	step, task, a := i.FindAssignment(assignmentID)
	if a == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("assignment %s not found", assignmentID))
	}
	if task.Status.IsTerminal() {
		return nil, model.NewInvalidStateError(fmt.Sprintf("task %s is already %s", task.TaskID, task.Status))
	}
	if task.AcceptedAssignment() != nil {
		return nil, model.NewConflictError(fmt.Sprintf("task %s is already accepted", task.TaskID))
	}
	if err := a.Accept(actor, now); err != nil {
		return nil, err
	}
	if slices.Contains(i.ActiveStepIDs, step.StepID) && task.Status == model.TaskStatusPending {
		if err := task.Start(actor, now); err != nil {
			return nil, err
		}
	}
	i.UpdatedAt = now
	i.record(model.EventAssignmentAccepted, step.StepID, task.ID, a.ID, assignmentData(a), now)
	return a, nil
}

// RejectAssignment rejects on behalf of actor. The task keeps waiting for
// another addressee or a reassignment.
func (i *Instance) RejectAssignment(assignmentID string, actor model.Actor, reason string, now time.Time) (*Assignment, error) {
	if err := i.CheckMutable(); err != nil {
		return nil, err
	}
	step, task, a := i.FindAssignment(assignmentID)
	if a == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("assignment %s not found", assignmentID))
	}
	if task.Status.IsTerminal() {
		return nil, model.NewInvalidStateError(fmt.Sprintf("task %s is already %s", task.TaskID, task.Status))
	}
	if err := a.Reject(actor, reason, now); err != nil {
		return nil, err
	}
	i.UpdatedAt = now
	data := assignmentData(a)
	data["reason"] = reason
	i.record(model.EventAssignmentRejected, step.StepID, task.ID, a.ID, data, now)
	return a, nil
}

// Reassign hands an accepted task over to another addressee. The current
// ACCEPTED assignment is superseded and a new PENDING one with the same due
// time is created. Only the accepted assignee may reassign.
func (i *Instance) Reassign(taskID string, actor model.Actor, to Addressee, now time.Time) (*Assignment, error) {
	if err := i.CheckMutable(); err != nil {
		return nil, err
	}
	step, task := i.FindTask(taskID)
	if task == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
	}
	if task.Status.IsTerminal() {
		return nil, model.NewInvalidStateError(fmt.Sprintf("task %s is already %s", task.TaskID, task.Status))
	}
	current := task.AcceptedAssignment()
	if current == nil {
		return nil, model.NewInvalidStateError(fmt.Sprintf("task %s has no accepted assignment to reassign", task.TaskID))
	}
	if !current.Addresses(actor) {
		return nil, model.NewForbiddenError(fmt.Sprintf("only the accepted assignee may reassign task %s", task.TaskID))
	}

	next, err := NewAssignment(task.ID, to, actor.String(), current.DueAt, now)
	if err != nil {
		return nil, err
	}
	if err := current.supersede(next.ID); err != nil {
		return nil, err
	}
	task.Assignments = append(task.Assignments, next)
	i.UpdatedAt = now
	i.record(model.EventAssignmentSuperseded, step.StepID, task.ID, current.ID, map[string]any{"superseded_by_id": next.ID}, now)
	i.record(model.EventAssignmentCreated, step.StepID, task.ID, next.ID, assignmentData(next), now)
	return next, nil
}

// --- Transition algorithm ---

// moveToNextStep decides what follows the just-finished step s. Every
// control-flow decision goes through here.
//
// A branch that finishes while siblings are still active waits for them.
// A join step always follows its own route, even when branches it absorbed
// are still running. The instance completes only once the route ends and
// nothing is active.
func (i *Instance) moveToNextStep(s *Step, now time.Time) error {
	i.removeActive(s.StepID)

	if s.Status == model.StepStatusFailed {
		if s.OnFailure == "" {
			i.finish(model.InstanceStatusFailed, s.Remarks, now)
			return nil
		}
		target := i.Step(s.OnFailure)
		if target == nil {
			return model.NewInvalidStateError(fmt.Sprintf("failure target %q of step %s not found", s.OnFailure, s.StepID))
		}
		return i.enter(target, now)
	}

	for _, js := range i.Steps {
		if js.Status == model.StepStatusPending && js.Join != nil && i.joinSatisfied(js.Join) {
			if err := i.startStep(js, now); err != nil {
				return err
			}
		}
	}
	if len(i.ActiveStepIDs) > 0 && s.Join == nil {
		return nil
	}

	next := s.OnSuccess
	for _, c := range s.Conditions {
		if expression.EvalBool(c.Expression, i.ContextData) {
			next = c.NextStepID
			break
		}
	}
	if next == "" {
		i.completeIfIdle(now)
		return nil
	}

	target := i.Step(next)
	if target == nil {
		return model.NewInvalidStateError(fmt.Sprintf("transition target %q of step %s not found", next, s.StepID))
	}
	return i.enter(target, now)
}

// enter starts target, or every pending member of its parallel group.
// Steps that already ran (a join fired by an earlier branch) are absorbed.
func (i *Instance) enter(target *Step, now time.Time) error {
	group := []*Step{target}
	if target.ParallelGroup != "" {
		group = group[:0]
		for _, ps := range i.Steps {
			if ps.ParallelGroup == target.ParallelGroup {
				group = append(group, ps)
			}
		}
	}
	for _, ps := range group {
		if ps.Status != model.StepStatusPending {
			continue
		}
		if err := i.startStep(ps, now); err != nil {
			return err
		}
	}
	i.completeIfIdle(now)
	return nil
}

func (i *Instance) completeIfIdle(now time.Time) {
	if len(i.ActiveStepIDs) == 0 {
		i.finish(model.InstanceStatusCompleted, "", now)
	}
}

func (i *Instance) joinSatisfied(j *model.JoinDefinition) bool {
	if len(j.RequiredStepIDs) == 0 {
		return false
	}
	completed := 0
	for _, id := range j.RequiredStepIDs {
		if s := i.Step(id); s != nil && s.Status == model.StepStatusCompleted {
			completed++
		}
	}
	switch j.JoinType {
	case model.JoinTypeAll:
		return completed == len(j.RequiredStepIDs)
	case model.JoinTypeAny:
		return completed > 0
	default:
		return false
	}
}

func (i *Instance) startStep(s *Step, now time.Time) error {
	if err := s.Start(now); err != nil {
		return err
	}
	i.ActiveStepIDs = append(i.ActiveStepIDs, s.StepID)
	i.record(model.EventStepStarted, s.StepID, "", "", map[string]any{"name": s.Name}, now)
	return nil
}

func (i *Instance) removeActive(stepID string) {
	i.ActiveStepIDs = slices.DeleteFunc(i.ActiveStepIDs, func(id string) bool { return id == stepID })
}

func (i *Instance) finish(status model.InstanceStatus, remarks string, now time.Time) {
	i.Status = status
	i.ActiveStepIDs = nil
	i.CompletedAt = &now
	i.UpdatedAt = now
	if remarks != "" {
		i.Remarks = remarks
	}
	evt := model.EventWorkflowCompleted
	if status == model.InstanceStatusFailed {
		evt = model.EventWorkflowFailed
	}
	i.record(evt, "", "", "", map[string]any{"type": i.Type}, now)
}

func (i *Instance) checkInProgress() error {
	if i.Status != model.InstanceStatusInProgress {
		return model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %s is %s, not in progress", i.ID, i.Status),
		)
	}
	return nil
}

func (i *Instance) record(typ model.EventType, stepID, taskID, assignmentID string, data map[string]any, now time.Time) {
	i.events = append(i.events, model.DomainEvent{
		ID:           uuid.NewString(),
		Type:         typ,
		InstanceID:   i.ID,
		StepID:       stepID,
		TaskID:       taskID,
		AssignmentID: assignmentID,
		Data:         data,
		OccurredAt:   now,
	})
}

func assignmentData(a *Assignment) map[string]any {
	data := map[string]any{"status": string(a.Status)}
	if a.AssigneeID != "" {
		data["assignee_id"] = a.AssigneeID
	}
	if a.AssigneeEmail != "" {
		data["assignee_email"] = a.AssigneeEmail
	}
	if a.DueAt != nil {
		data["due_at"] = a.DueAt.Format(time.RFC3339)
	}
	return data
}
