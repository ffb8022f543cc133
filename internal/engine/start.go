package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/internal/definition"
	"github.com/pitabwire/flowengine/internal/observability"
	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

// StartRequest carries the input of Start.
type StartRequest struct {
	Type string
	// Version selects a definition version; 0 means latest.
	Version        int
	Data           map[string]any
	RequestedBy    model.Actor
	RequestedForID string
}

// Start materializes and starts a new workflow instance. Pre-creation
// tasks run before anything is persisted; if one fails the call returns a
// HANDLER_FAILED error and no instance exists afterwards.
func (e *Engine) Start(ctx context.Context, req StartRequest) (inst *workflow.Instance, err error) {
	ctx, done := e.observe(ctx, "start", observability.AttrWorkflowType.String(req.Type))
	defer func() { done(err) }()

	logger := observability.ActorLogger(ctx, e.logger).With(zap.String("workflow_type", req.Type))

	// 1. Look up workflow definition.
	def, err := e.defs.Resolve(ctx, req.Type, req.Version)
	if err != nil {
		return nil, err
	}

	// 2. Validate required fields.
	if err := checkRequired(def, req.Data); err != nil {
		return nil, err
	}

	// 3. Every handler the instance may call must be registered.
	if err := e.checkHandlers(def); err != nil {
		return nil, err
	}

	// 4. Resolve templated strings against the input.
	def = definition.Render(def, req.Data)

	// 5. Run pre-creation guards.
	data, err := e.runPreCreation(ctx, def, req.Data)
	if err != nil {
		logger.Warn("pre-creation task failed", zap.Error(err))
		return nil, err
	}

	// 6. Materialize the graph.
	now := e.now()
	inst = workflow.New(def, req.Data, data, req.RequestedBy.String(), req.RequestedForID, now)

	// 7. Create assignments for manual tasks.
	if err := e.assignAll(ctx, inst, req.RequestedBy, now); err != nil {
		return nil, err
	}

	// 8. Activate the first step and run what it makes ready.
	if err := inst.Start(now); err != nil {
		return nil, err
	}
	if err := e.drain(ctx, inst); err != nil {
		return nil, err
	}

	// 9. Persist graph and events.
	if err := e.repo.Create(ctx, inst, inst.PullEvents()); err != nil {
		logger.Error("instance create failed", zap.Error(err))
		return nil, err
	}

	e.committed(logger.With(zap.String("instance_id", inst.ID)), inst, model.InstanceStatusPending)
	return inst, nil
}

func checkRequired(def *model.WorkflowDefinition, data map[string]any) error {
	var missing []model.FieldError
	for _, f := range def.RequiredFields {
		if v, ok := data[f]; !ok || v == nil {
			missing = append(missing, model.FieldError{
				Field:   f,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", f),
			})
		}
	}
	if len(missing) > 0 {
		return model.NewValidationError("missing required fields", missing...)
	}
	return nil
}

func (e *Engine) checkHandlers(def *model.WorkflowDefinition) error {
	check := func(tasks []model.TaskDefinition) error {
		for _, t := range tasks {
			if t.Type != model.TaskTypeAutomatic {
				continue
			}
			if !e.handlers.Has(t.Handler) {
				return model.NewUnknownHandlerError(t.Handler)
			}
		}
		return nil
	}
	if err := check(def.PreCreationTasks); err != nil {
		return err
	}
	for _, s := range def.Steps {
		if err := check(s.Tasks); err != nil {
			return err
		}
	}
	return nil
}

// runPreCreation executes automatic pre-creation tasks in order. Outputs of
// tasks that declare an output key are folded into the returned data.
func (e *Engine) runPreCreation(ctx context.Context, def *model.WorkflowDefinition, input map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(input))
	for k, v := range input {
		data[k] = v
	}
	for _, t := range def.PreCreationTasks {
		if t.Type != model.TaskTypeAutomatic {
			continue
		}
		out, err := e.execute(ctx, t.Handler, data, t.Config.HandlerConfig,
			observability.AttrTaskID.String(t.TaskID),
		)
		if err != nil {
			return nil, model.NewHandlerFailedError(fmt.Sprintf("%s: %v", t.TaskID, err))
		}
		if t.Config.OutputKey != "" && out != nil {
			data[t.Config.OutputKey] = out
		}
	}
	return data, nil
}

// assignAll creates the initial assignments declared by each manual task.
func (e *Engine) assignAll(ctx context.Context, inst *workflow.Instance, by model.Actor, now time.Time) error {
	for _, s := range inst.Steps {
		for _, t := range s.Tasks {
			if !t.IsManual() || t.Config.AssignedTo == nil {
				continue
			}
			to, err := e.addressees(ctx, t.Config.AssignedTo)
			if err != nil {
				return err
			}
			due := t.Config.Due.DueAt(now)
			for _, a := range to {
				asg, err := workflow.NewAssignment(t.ID, a, by.String(), due, now)
				if err != nil {
					return err
				}
				if err := inst.AddAssignment(t.ID, asg, now); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// addressees expands an assignee rule into concrete addressees. A role
// matching nobody yields no assignments.
func (e *Engine) addressees(ctx context.Context, rule *model.AssigneeRule) ([]workflow.Addressee, error) {
	var out []workflow.Addressee
	seen := make(map[string]bool)
	add := func(a workflow.Addressee) {
		key := a.UserID + "|" + a.Email
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, a)
	}

	if rule.UserID != "" {
		add(workflow.Addressee{UserID: rule.UserID})
	}
	if len(rule.RoleNames) > 0 {
		if e.directory == nil {
			return nil, model.NewValidationError(
				fmt.Sprintf("roles %v cannot be resolved without a user directory", rule.RoleNames),
				model.FieldError{Field: "assigned_to.role_names", Code: "NO_DIRECTORY", Message: "no user directory configured"},
			)
		}
		users, err := e.directory.FindByRoles(ctx, rule.RoleNames)
		if err != nil {
			return nil, fmt.Errorf("resolve roles %v: %w", rule.RoleNames, err)
		}
		for _, u := range users {
			add(workflow.Addressee{UserID: u.ID})
		}
	}
	if rule.Email != "" {
		add(workflow.Addressee{Email: rule.Email, Name: rule.Name})
	}
	return out, nil
}
