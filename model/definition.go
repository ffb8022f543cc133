package model

import "time"

// TaskType distinguishes handler-executed tasks from human-completed ones.
type TaskType string

// Task types.
const (
	TaskTypeManual    TaskType = "MANUAL"
	TaskTypeAutomatic TaskType = "AUTOMATIC"
)

// JoinType selects how a join step waits on its required steps.
type JoinType string

// Join types.
const (
	JoinTypeAll JoinType = "ALL"
	JoinTypeAny JoinType = "ANY"
)

// WorkflowDefinition is the root structure of a definition file. One file
// declares one version of one workflow type.
type WorkflowDefinition struct {
	Type             string           `yaml:"type"               json:"type"`
	Name             string           `yaml:"name"               json:"name"`
	Description      string           `yaml:"description"        json:"description,omitempty"`
	Version          int              `yaml:"version"            json:"version"`
	RequiredFields   []string         `yaml:"required_fields"    json:"required_fields,omitempty"`
	PreCreationTasks []TaskDefinition `yaml:"pre_creation_tasks" json:"pre_creation_tasks,omitempty"`
	Steps            []StepDefinition `yaml:"steps"              json:"steps"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// FirstStep returns the step with order index zero, or nil.
func (d *WorkflowDefinition) FirstStep() *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].OrderIndex == 0 {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepDefinition describes one node of the control-flow graph.
type StepDefinition struct {
	StepID        string               `yaml:"step_id"        json:"step_id"`
	Name          string               `yaml:"name"           json:"name"`
	Description   string               `yaml:"description"    json:"description,omitempty"`
	OrderIndex    int                  `yaml:"order_index"    json:"order_index"`
	Tasks         []TaskDefinition     `yaml:"tasks"          json:"tasks,omitempty"`
	Transitions   TransitionDefinition `yaml:"transitions"    json:"transitions"`
	ParallelGroup string               `yaml:"parallel_group" json:"parallel_group,omitempty"`
	JoinStep      *JoinDefinition      `yaml:"join_step"      json:"join_step,omitempty"`
}

// TransitionDefinition names the successors of a step.
type TransitionDefinition struct {
	OnSuccess  string                `yaml:"on_success" json:"on_success,omitempty"`
	OnFailure  string                `yaml:"on_failure" json:"on_failure,omitempty"`
	Conditions []ConditionDefinition `yaml:"conditions" json:"conditions,omitempty"`
}

// ConditionDefinition routes to NextStepID when Expression holds.
type ConditionDefinition struct {
	Expression string `yaml:"expression"   json:"expression"`
	NextStepID string `yaml:"next_step_id" json:"next_step_id"`
}

// JoinDefinition makes a step wait on the completion of other steps.
type JoinDefinition struct {
	JoinType        JoinType `yaml:"join_type"         json:"join_type"`
	RequiredStepIDs []string `yaml:"required_step_ids" json:"required_step_ids"`
}

// TaskDefinition describes a unit of work inside a step.
type TaskDefinition struct {
	TaskID            string     `yaml:"task_id"            json:"task_id"`
	Name              string     `yaml:"name"               json:"name"`
	Description       string     `yaml:"description"        json:"description,omitempty"`
	Type              TaskType   `yaml:"type"               json:"type"`
	Handler           string     `yaml:"handler"            json:"handler,omitempty"`
	RequireAcceptance bool       `yaml:"require_acceptance" json:"require_acceptance,omitempty"`
	Config            TaskConfig `yaml:"task_config"        json:"task_config"`
}

// TaskConfig carries the typed per-task settings. HandlerConfig is an open
// bag passed verbatim to the handler.
type TaskConfig struct {
	AssignedTo    *AssigneeRule  `yaml:"assigned_to"    json:"assigned_to,omitempty"`
	Due           *DueRule       `yaml:"due"            json:"due,omitempty"`
	Checklist     []string       `yaml:"checklist"      json:"checklist,omitempty"`
	OutputKey     string         `yaml:"output_key"     json:"output_key,omitempty"`
	HandlerConfig map[string]any `yaml:"handler_config" json:"handler_config,omitempty"`
}

// AssigneeRule declares who receives a manual task. UserID and RoleNames
// address internal users; Email (and optionally Name) an external party.
type AssigneeRule struct {
	UserID    string   `yaml:"user_id"    json:"user_id,omitempty"`
	RoleNames []string `yaml:"role_names" json:"role_names,omitempty"`
	Email     string   `yaml:"email"      json:"email,omitempty"`
	Name      string   `yaml:"name"       json:"name,omitempty"`
}

// DueRule is an offset from assignment creation. Hours wins over Days.
type DueRule struct {
	Hours int `yaml:"hours" json:"hours,omitempty"`
	Days  int `yaml:"days"  json:"days,omitempty"`
}

// DueAt returns the due time relative to from, or nil when no offset is set.
func (r *DueRule) DueAt(from time.Time) *time.Time {
	if r == nil {
		return nil
	}
	var d time.Duration
	switch {
	case r.Hours > 0:
		d = time.Duration(r.Hours) * time.Hour
	case r.Days > 0:
		d = time.Duration(r.Days) * 24 * time.Hour
	default:
		return nil
	}
	t := from.Add(d)
	return &t
}
