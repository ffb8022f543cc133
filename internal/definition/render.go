package definition

import (
	"github.com/mohae/deepcopy"

	"github.com/pitabwire/flowengine/internal/template"
	"github.com/pitabwire/flowengine/model"
)

// Render returns a copy of def with its display strings rendered against
// the start input. Placeholders see the input both at the top level and
// under "requestData".
func Render(def *model.WorkflowDefinition, input map[string]any) *model.WorkflowDefinition {
	out, _ := deepcopy.Copy(*def).(model.WorkflowDefinition)

	data := make(map[string]any, len(input)+1)
	for k, v := range input {
		data[k] = v
	}
	data["requestData"] = input

	out.Name = template.Render(out.Name, data)
	out.Description = template.Render(out.Description, data)
	renderTasks(out.PreCreationTasks, data)
	for i := range out.Steps {
		s := &out.Steps[i]
		s.Name = template.Render(s.Name, data)
		s.Description = template.Render(s.Description, data)
		renderTasks(s.Tasks, data)
	}
	return &out
}

func renderTasks(tasks []model.TaskDefinition, data map[string]any) {
	for i := range tasks {
		t := &tasks[i]
		t.Name = template.Render(t.Name, data)
		t.Description = template.Render(t.Description, data)
		t.Config.Checklist = template.RenderAll(t.Config.Checklist, data)
	}
}
