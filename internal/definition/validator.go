package definition

import (
	"fmt"

	"github.com/pitabwire/flowengine/internal/expression"
	"github.com/pitabwire/flowengine/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// HandlerSet reports whether a handler name is registered.
type HandlerSet interface {
	Has(name string) bool
}

// Validator validates definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. handlers may be nil to skip the handler
// registration check.
func (v *Validator) Validate(defs []model.WorkflowDefinition, handlers HandlerSet) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		key := fmt.Sprintf("%s@%d", def.Type, def.Version)
		if first, dup := seen[key]; dup {
			errs = append(errs, VError{
				Path:    prefix,
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("type %q version %d already defined by %s", def.Type, def.Version, first),
			})
		} else {
			seen[key] = def.SourceFile
		}
		errs = append(errs, v.validateWorkflow(prefix, def, handlers)...)
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, def model.WorkflowDefinition, handlers HandlerSet) []VError {
	var errs []VError

	if def.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Version < 1 {
		errs = append(errs, VError{Path: prefix + ".version", Code: "INVALID_VALUE", Message: "version must be at least 1"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	for i, td := range def.PreCreationTasks {
		tp := fmt.Sprintf("%s.pre_creation_tasks[%d]", prefix, i)
		if td.Type != model.TaskTypeAutomatic {
			errs = append(errs, VError{Path: tp + ".type", Code: "INVALID_ENUM", Message: "pre-creation tasks must be AUTOMATIC"})
		}
		errs = append(errs, v.validateTask(tp, td, handlers)...)
	}

	stepIDs := make(map[string]bool)
	initial := 0
	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.StepID == "" {
			errs = append(errs, VError{Path: sp + ".step_id", Code: "REQUIRED", Message: "step_id is required"})
		} else if stepIDs[s.StepID] {
			errs = append(errs, VError{Path: sp + ".step_id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step_id %q", s.StepID)})
		}
		stepIDs[s.StepID] = true
		if s.OrderIndex == 0 {
			initial++
		}
	}
	if initial != 1 {
		errs = append(errs, VError{
			Path:    prefix + ".steps",
			Code:    "INITIAL_STEP",
			Message: fmt.Sprintf("exactly one step must have order_index 0, found %d", initial),
		})
	}

	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, s, stepIDs, handlers)...)
	}

	if cycle := findCycle(def.Steps); cycle != nil {
		errs = append(errs, VError{
			Path:    prefix + ".steps",
			Code:    "CYCLE",
			Message: fmt.Sprintf("transition cycle through %v", cycle),
		})
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepDefinition, stepIDs map[string]bool, handlers HandlerSet) []VError {
	var errs []VError

	checkRef := func(path, target string) {
		if target != "" && !stepIDs[target] {
			errs = append(errs, VError{Path: path, Code: "UNKNOWN_STEP", Message: fmt.Sprintf("step %q not found", target)})
		}
	}
	checkRef(prefix+".transitions.on_success", s.Transitions.OnSuccess)
	checkRef(prefix+".transitions.on_failure", s.Transitions.OnFailure)

	for i, c := range s.Transitions.Conditions {
		cp := fmt.Sprintf("%s.transitions.conditions[%d]", prefix, i)
		if c.NextStepID == "" {
			errs = append(errs, VError{Path: cp + ".next_step_id", Code: "REQUIRED", Message: "next_step_id is required"})
		}
		checkRef(cp+".next_step_id", c.NextStepID)
		if _, err := expression.Compile(c.Expression); err != nil {
			errs = append(errs, VError{Path: cp + ".expression", Code: "INVALID_EXPRESSION", Message: err.Error()})
		}
	}

	if j := s.JoinStep; j != nil {
		jp := prefix + ".join_step"
		if j.JoinType != model.JoinTypeAll && j.JoinType != model.JoinTypeAny {
			errs = append(errs, VError{Path: jp + ".join_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid join_type %q", j.JoinType)})
		}
		if len(j.RequiredStepIDs) == 0 {
			errs = append(errs, VError{Path: jp + ".required_step_ids", Code: "REQUIRED", Message: "at least one required step is needed"})
		}
		for k, id := range j.RequiredStepIDs {
			checkRef(fmt.Sprintf("%s.required_step_ids[%d]", jp, k), id)
			if id == s.StepID {
				errs = append(errs, VError{Path: jp, Code: "SELF_JOIN", Message: "a step cannot join on itself"})
			}
		}
	}

	taskIDs := make(map[string]bool)
	for i, td := range s.Tasks {
		tp := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		if td.TaskID != "" && taskIDs[td.TaskID] {
			errs = append(errs, VError{Path: tp + ".task_id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate task_id %q", td.TaskID)})
		}
		taskIDs[td.TaskID] = true
		errs = append(errs, v.validateTask(tp, td, handlers)...)
	}

	return errs
}

func (v *Validator) validateTask(prefix string, td model.TaskDefinition, handlers HandlerSet) []VError {
	var errs []VError

	if td.TaskID == "" {
		errs = append(errs, VError{Path: prefix + ".task_id", Code: "REQUIRED", Message: "task_id is required"})
	}
	switch td.Type {
	case model.TaskTypeAutomatic:
		if td.Handler == "" {
			errs = append(errs, VError{Path: prefix + ".handler", Code: "REQUIRED", Message: "automatic tasks require a handler"})
		} else if handlers != nil && !handlers.Has(td.Handler) {
			errs = append(errs, VError{Path: prefix + ".handler", Code: "UNKNOWN_HANDLER", Message: fmt.Sprintf("handler %q is not registered", td.Handler)})
		}
	case model.TaskTypeManual:
	default:
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid task type %q", td.Type)})
	}

	if rule := td.Config.AssignedTo; rule != nil {
		if rule.Email != "" && (rule.UserID != "" || len(rule.RoleNames) > 0) {
			errs = append(errs, VError{
				Path:    prefix + ".task_config.assigned_to",
				Code:    "ADDRESSING_MODE",
				Message: "email cannot be combined with user_id or role_names",
			})
		}
	}
	if due := td.Config.Due; due != nil && (due.Hours < 0 || due.Days < 0) {
		errs = append(errs, VError{Path: prefix + ".task_config.due", Code: "INVALID_VALUE", Message: "due offsets cannot be negative"})
	}

	return errs
}

// findCycle returns the step ids along a cycle in the transition graph
// (on_success, on_failure and condition targets), or nil.
func findCycle(steps []model.StepDefinition) []string {
	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		var out []string
		if s.Transitions.OnSuccess != "" {
			out = append(out, s.Transitions.OnSuccess)
		}
		if s.Transitions.OnFailure != "" {
			out = append(out, s.Transitions.OnFailure)
		}
		for _, c := range s.Transitions.Conditions {
			if c.NextStepID != "" {
				out = append(out, c.NextStepID)
			}
		}
		edges[s.StepID] = out
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(steps))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		path = append(path, id)
		for _, next := range edges[id] {
			switch state[next] {
			case visiting:
				for i, p := range path {
					if p == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			case unvisited:
				if _, known := edges[next]; !known {
					continue
				}
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, s := range steps {
		if state[s.StepID] == unvisited {
			if c := visit(s.StepID); c != nil {
				return c
			}
		}
	}
	return nil
}
