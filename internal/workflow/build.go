package workflow

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"github.com/pitabwire/flowengine/model"
)

// New materializes a PENDING instance from a resolved definition. Every
// step and task is created up front in PENDING status. request is kept as
// the immutable snapshot of the start input; seed becomes the initial
// context data and falls back to request when nil. Both are copied.
func New(def *model.WorkflowDefinition, request, seed map[string]any, initiatedByID, initiatedForID string, now time.Time) *Instance {
	if seed == nil {
		seed = request
	}
	ctxData, _ := deepcopy.Copy(seed).(map[string]any)
	if ctxData == nil {
		ctxData = make(map[string]any)
	}
	reqData, _ := deepcopy.Copy(request).(map[string]any)

	inst := &Instance{
		ID:                uuid.NewString(),
		Type:              def.Type,
		DefinitionVersion: def.Version,
		Name:              def.Name,
		Description:       def.Description,
		Status:            model.InstanceStatusPending,
		ContextData:       ctxData,
		ActiveStepIDs:     []string{},
		InitiatedByID:     initiatedByID,
		InitiatedForID:    initiatedForID,
		RequestData:       reqData,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	stepDefs := make([]model.StepDefinition, len(def.Steps))
	copy(stepDefs, def.Steps)
	sort.SliceStable(stepDefs, func(a, b int) bool { return stepDefs[a].OrderIndex < stepDefs[b].OrderIndex })

	for _, sd := range stepDefs {
		step := &Step{
			ID:            uuid.NewString(),
			StepID:        sd.StepID,
			Name:          sd.Name,
			Description:   sd.Description,
			OrderIndex:    sd.OrderIndex,
			Status:        model.StepStatusPending,
			OnSuccess:     sd.Transitions.OnSuccess,
			OnFailure:     sd.Transitions.OnFailure,
			Conditions:    sd.Transitions.Conditions,
			ParallelGroup: sd.ParallelGroup,
		}
		if sd.JoinStep != nil {
			j := *sd.JoinStep
			step.Join = &j
		}
		for _, td := range sd.Tasks {
			step.Tasks = append(step.Tasks, NewTask(td))
		}
		inst.Steps = append(inst.Steps, step)
	}

	inst.record(model.EventWorkflowCreated, "", "", "", map[string]any{
		"type":    def.Type,
		"version": def.Version,
	}, now)
	return inst
}

// NewTask builds a PENDING task from its definition.
func NewTask(td model.TaskDefinition) *Task {
	return &Task{
		ID:                uuid.NewString(),
		TaskID:            td.TaskID,
		Name:              td.Name,
		Description:       td.Description,
		Type:              td.Type,
		Status:            model.TaskStatusPending,
		Handler:           td.Handler,
		Config:            td.Config,
		RequireAcceptance: td.RequireAcceptance,
		OutputKey:         td.Config.OutputKey,
	}
}
