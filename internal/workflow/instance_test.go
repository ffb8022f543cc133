package workflow

import (
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/pitabwire/flowengine/model"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	system = model.Actor{ID: "system"}
)

// --- Definition helpers ---

func autoTask(id string) model.TaskDefinition {
	return model.TaskDefinition{TaskID: id, Name: id, Type: model.TaskTypeAutomatic, Handler: "noop"}
}

func manualTask(id string) model.TaskDefinition {
	return model.TaskDefinition{TaskID: id, Name: id, Type: model.TaskTypeManual}
}

func step(id string, order int, onSuccess string, tasks ...model.TaskDefinition) model.StepDefinition {
	return model.StepDefinition{
		StepID:      id,
		Name:        id,
		OrderIndex:  order,
		Tasks:       tasks,
		Transitions: model.TransitionDefinition{OnSuccess: onSuccess},
	}
}

func newInstance(t *testing.T, input map[string]any, steps ...model.StepDefinition) *Instance {
	t.Helper()
	def := &model.WorkflowDefinition{Type: "test", Name: "Test", Version: 1, Steps: steps}
	inst := New(def, input, nil, "u-init", "", t0)
	if err := inst.Start(t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return inst
}

// completeStep completes every open task of the named active step.
func completeStep(t *testing.T, inst *Instance, stepID string, result map[string]any) {
	t.Helper()
	s := inst.Step(stepID)
	if s == nil {
		t.Fatalf("step %s not found", stepID)
	}
	for _, task := range s.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		if err := inst.UpdateTask(task.ID, model.TaskStatusCompleted, system, "", result, t0); err != nil {
			t.Fatalf("complete %s/%s: %v", stepID, task.TaskID, err)
		}
	}
}

func assertActive(t *testing.T, inst *Instance, want ...string) {
	t.Helper()
	got := slices.Clone(inst.ActiveStepIDs)
	slices.Sort(got)
	want = slices.Clone(want)
	slices.Sort(want)
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ActiveStepIDs = %v, want %v", inst.ActiveStepIDs, want)
	}
	for _, id := range inst.ActiveStepIDs {
		if s := inst.Step(id); s == nil || s.Status != model.StepStatusInProgress {
			t.Errorf("active step %s is not in progress", id)
		}
	}
}

func assertTerminalInvariant(t *testing.T, inst *Instance) {
	t.Helper()
	if inst.Status.IsTerminal() && len(inst.ActiveStepIDs) != 0 {
		t.Errorf("terminal instance (%s) has active steps %v", inst.Status, inst.ActiveStepIDs)
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !model.IsCode(err, code) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}

// --- Start ---

func TestStart_ActivatesInitialStep(t *testing.T) {
	inst := newInstance(t, nil, step("A", 0, "", autoTask("a1")))

	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("Status = %s, want in_progress", inst.Status)
	}
	assertActive(t, inst, "A")
	if inst.Step("A").StartedAt == nil {
		t.Error("StartedAt not set on initial step")
	}

	events := inst.PullEvents()
	if len(events) != 2 || events[0].Type != model.EventWorkflowCreated || events[1].Type != model.EventStepStarted {
		t.Errorf("unexpected events: %+v", events)
	}
	if len(inst.PullEvents()) != 0 {
		t.Error("PullEvents should clear the buffer")
	}
}

func TestStart_InitialStepErrors(t *testing.T) {
	def := &model.WorkflowDefinition{Type: "t", Steps: []model.StepDefinition{step("A", 1, "")}}
	assertCode(t, New(def, nil, nil, "", "", t0).Start(t0), model.ErrValidationError)

	def.Steps = []model.StepDefinition{step("A", 0, ""), step("B", 0, "")}
	assertCode(t, New(def, nil, nil, "", "", t0).Start(t0), model.ErrValidationError)

	inst := newInstance(t, nil, step("A", 0, "", autoTask("a1")))
	assertCode(t, inst.Start(t0), model.ErrInvalidState)
}

func TestNew_SnapshotsInput(t *testing.T) {
	input := map[string]any{"nested": map[string]any{"k": "v"}}
	inst := newInstance(t, input, step("A", 0, "", autoTask("a1")))

	input["nested"].(map[string]any)["k"] = "changed"
	inst.ContextData["extra"] = 1

	if inst.RequestData["nested"].(map[string]any)["k"] != "v" {
		t.Error("request data must not alias the caller's input")
	}
	if _, ok := inst.RequestData["extra"]; ok {
		t.Error("request data must not alias context data")
	}
}

func TestNew_SeedSeparateFromRequest(t *testing.T) {
	def := &model.WorkflowDefinition{Type: "test", Version: 1, Steps: []model.StepDefinition{step("A", 0, "", autoTask("a1"))}}
	request := map[string]any{"x": 1}
	seed := map[string]any{"x": 1, "guard_out": map[string]any{"ok": true}}

	inst := New(def, request, seed, "u-init", "", t0)

	if _, ok := inst.RequestData["guard_out"]; ok {
		t.Error("request data must hold only the start input")
	}
	if inst.ContextData["guard_out"] == nil || inst.ContextData["x"] != 1 {
		t.Errorf("ContextData = %v, want seeded values", inst.ContextData)
	}
}

// --- Sequential flow ---

func TestSequential_CompletesInstance(t *testing.T) {
	inst := newInstance(t, nil, step("A", 0, "", autoTask("a1")))
	completeStep(t, inst, "A", nil)

	if inst.Status != model.InstanceStatusCompleted {
		t.Fatalf("Status = %s, want completed", inst.Status)
	}
	if inst.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	assertTerminalInvariant(t, inst)
}

func TestSequential_AdvancesThroughSteps(t *testing.T) {
	inst := newInstance(t, nil,
		step("A", 0, "B", autoTask("a1"), autoTask("a2")),
		step("B", 1, "", manualTask("b1")),
	)

	a := inst.Step("A")
	if err := inst.UpdateTask(a.Tasks[0].ID, model.TaskStatusCompleted, system, "", nil, t0); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	assertActive(t, inst, "A")

	if err := inst.UpdateTask(a.Tasks[1].ID, model.TaskStatusCompleted, system, "", nil, t0); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if a.Status != model.StepStatusCompleted {
		t.Errorf("step A = %s, want completed", a.Status)
	}
	assertActive(t, inst, "B")
}

func TestTasklessStep_Stalls(t *testing.T) {
	inst := newInstance(t, nil,
		step("A", 0, "B", autoTask("a1")),
		step("B", 1, ""),
	)
	completeStep(t, inst, "A", nil)

	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("Status = %s, want in_progress", inst.Status)
	}
	assertActive(t, inst, "B")
	if inst.Step("B").AllTasksTerminal() {
		t.Error("a step without tasks must never report all tasks terminal")
	}
}

func TestUpdateTask_MergesOutputKey(t *testing.T) {
	def := autoTask("score")
	def.Config.OutputKey = "scoring"
	inst := newInstance(t, map[string]any{"amount": 10}, step("A", 0, "", def))

	completeStep(t, inst, "A", map[string]any{"score": 7})

	got, ok := inst.ContextData["scoring"].(map[string]any)
	if !ok || got["score"] != 7 {
		t.Errorf("ContextData[scoring] = %v", inst.ContextData["scoring"])
	}
	if inst.ContextData["amount"] != 10 {
		t.Error("existing context data lost")
	}
}

// --- Guards ---

func TestUpdateTask_TerminalTaskIsImmutable(t *testing.T) {
	inst := newInstance(t, nil, step("A", 0, "", manualTask("a1"), manualTask("a2")))
	task := inst.Step("A").Tasks[0]

	if err := inst.UpdateTask(task.ID, model.TaskStatusCompleted, system, "done", nil, t0); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	before := *task

	assertCode(t, inst.UpdateTask(task.ID, model.TaskStatusCompleted, system, "again", nil, t0), model.ErrInvalidState)
	assertCode(t, inst.UpdateTask(task.ID, model.TaskStatusFailed, system, "late", nil, t0), model.ErrInvalidState)

	if !reflect.DeepEqual(before, *task) {
		t.Errorf("task mutated by rejected update: %+v", task)
	}
}

func TestTask_FailedIsTerminal(t *testing.T) {
	task := NewTask(manualTask("x"))
	if err := task.Fail("broken", system, t0); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	assertCode(t, task.Start(system, t0), model.ErrInvalidState)
	assertCode(t, task.Complete(system, "", nil, t0), model.ErrInvalidState)
	assertCode(t, task.Fail("", system, t0), model.ErrInvalidState)
}

func TestUpdateTask_UnknownOrInactiveTask(t *testing.T) {
	inst := newInstance(t, nil,
		step("A", 0, "B", manualTask("a1")),
		step("B", 1, "", manualTask("b1")),
	)
	assertCode(t, inst.UpdateTask("nope", model.TaskStatusCompleted, system, "", nil, t0), model.ErrNotFound)

	b1 := inst.Step("B").Tasks[0]
	assertCode(t, inst.UpdateTask(b1.ID, model.TaskStatusCompleted, system, "", nil, t0), model.ErrNotFound)
}

func TestCancel_BlocksFurtherMutation(t *testing.T) {
	inst := newInstance(t, nil, step("A", 0, "", manualTask("a1")))
	task := inst.Step("A").Tasks[0]

	if err := inst.Cancel("withdrawn", t0); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if inst.Status != model.InstanceStatusCancelled || inst.Remarks != "withdrawn" {
		t.Errorf("after cancel: status=%s remarks=%q", inst.Status, inst.Remarks)
	}
	assertTerminalInvariant(t, inst)
	if inst.Step("A").Status != model.StepStatusInProgress {
		t.Error("cancel must not cascade into steps")
	}

	assertCode(t, inst.UpdateTask(task.ID, model.TaskStatusCompleted, system, "", nil, t0), model.ErrInvalidState)
	assertCode(t, inst.Cancel("twice", t0), model.ErrInvalidState)
	_, err := inst.Reassign(task.ID, system, Addressee{UserID: "x"}, t0)
	assertCode(t, err, model.ErrInvalidState)
}

// --- Branching ---

func TestConditions_RouteByContext(t *testing.T) {
	build := func(amount int) *Instance {
		a := step("A", 0, "C", autoTask("a1"))
		a.Transitions.Conditions = []model.ConditionDefinition{
			{Expression: "amount > 100", NextStepID: "B"},
		}
		return newInstance(t, map[string]any{"amount": amount},
			a,
			step("B", 1, "", manualTask("b1")),
			step("C", 2, "", manualTask("c1")),
		)
	}

	high := build(150)
	completeStep(t, high, "A", nil)
	assertActive(t, high, "B")

	low := build(50)
	completeStep(t, low, "A", nil)
	assertActive(t, low, "C")
}

func TestConditions_FirstMatchWinsAndMalformedIsFalse(t *testing.T) {
	a := step("A", 0, "", autoTask("a1"))
	a.Transitions.Conditions = []model.ConditionDefinition{
		{Expression: "amount >", NextStepID: "B"},
		{Expression: "amount > 1", NextStepID: "C"},
		{Expression: "amount > 0", NextStepID: "B"},
	}
	inst := newInstance(t, map[string]any{"amount": 5},
		a,
		step("B", 1, "", manualTask("b1")),
		step("C", 2, "", manualTask("c1")),
	)
	completeStep(t, inst, "A", nil)
	assertActive(t, inst, "C")
}

func TestConditions_NoMatchNoDefaultCompletes(t *testing.T) {
	a := step("A", 0, "", autoTask("a1"))
	a.Transitions.Conditions = []model.ConditionDefinition{{Expression: "flag", NextStepID: "B"}}
	inst := newInstance(t, nil, a, step("B", 1, "", manualTask("b1")))
	completeStep(t, inst, "A", nil)

	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %s, want completed", inst.Status)
	}
}

// --- Parallel and join ---

func parallelInstance(t *testing.T, joinType model.JoinType) *Instance {
	b1 := step("B1", 1, "J", manualTask("b1"))
	b1.ParallelGroup = "g"
	b2 := step("B2", 2, "J", manualTask("b2"))
	b2.ParallelGroup = "g"
	j := step("J", 3, "", manualTask("j1"))
	j.JoinStep = &model.JoinDefinition{JoinType: joinType, RequiredStepIDs: []string{"B1", "B2"}}

	return newInstance(t, nil, step("A", 0, "B1", autoTask("a1")), b1, b2, j)
}

func TestParallel_FanOutAndJoinAll(t *testing.T) {
	inst := parallelInstance(t, model.JoinTypeAll)

	completeStep(t, inst, "A", nil)
	assertActive(t, inst, "B1", "B2")

	completeStep(t, inst, "B1", nil)
	assertActive(t, inst, "B2")
	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("Status = %s, want in_progress", inst.Status)
	}
	if inst.Step("J").Status != model.StepStatusPending {
		t.Error("join must wait for all required steps")
	}

	completeStep(t, inst, "B2", nil)
	assertActive(t, inst, "J")

	completeStep(t, inst, "J", nil)
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %s, want completed", inst.Status)
	}
	assertTerminalInvariant(t, inst)
}

func TestParallel_JoinAny(t *testing.T) {
	inst := parallelInstance(t, model.JoinTypeAny)
	completeStep(t, inst, "A", nil)

	completeStep(t, inst, "B2", nil)
	assertActive(t, inst, "B1", "J")

	completeStep(t, inst, "B1", nil)
	assertActive(t, inst, "J")

	completeStep(t, inst, "J", nil)
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %s, want completed", inst.Status)
	}
}

func TestParallel_JoinAnyFinishedBeforeLateBranch(t *testing.T) {
	inst := parallelInstance(t, model.JoinTypeAny)
	completeStep(t, inst, "A", nil)

	completeStep(t, inst, "B1", nil)
	completeStep(t, inst, "J", nil)
	assertActive(t, inst, "B2")
	if inst.Status != model.InstanceStatusInProgress {
		t.Fatalf("Status = %s, want in_progress while B2 runs", inst.Status)
	}

	// B2 routes to J, which already ran.
	completeStep(t, inst, "B2", nil)
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %s, want completed", inst.Status)
	}
	if inst.Step("J").Status != model.StepStatusCompleted {
		t.Errorf("J = %s, want completed", inst.Step("J").Status)
	}
	assertTerminalInvariant(t, inst)
}

func TestParallel_JoinRouteGovernsAbsorbedBranch(t *testing.T) {
	b1 := step("B1", 1, "J", manualTask("b1"))
	b1.ParallelGroup = "g"
	b2 := step("B2", 2, "J", manualTask("b2"))
	b2.ParallelGroup = "g"
	j := step("J", 3, "K", manualTask("j1"))
	j.JoinStep = &model.JoinDefinition{JoinType: model.JoinTypeAny, RequiredStepIDs: []string{"B1", "B2"}}
	inst := newInstance(t, nil, step("A", 0, "B1", autoTask("a1")), b1, b2, j, step("K", 4, "", manualTask("k1")))
	completeStep(t, inst, "A", nil)

	completeStep(t, inst, "B1", nil)
	completeStep(t, inst, "J", nil)
	assertActive(t, inst, "B2", "K")

	completeStep(t, inst, "B2", nil)
	assertActive(t, inst, "K")

	completeStep(t, inst, "K", nil)
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %s, want completed", inst.Status)
	}
}

// --- Failure routing ---

func TestFailure_RoutesToOnFailure(t *testing.T) {
	a := step("A", 0, "B", autoTask("a1"))
	a.Transitions.OnFailure = "F"
	inst := newInstance(t, nil, a,
		step("B", 1, "", manualTask("b1")),
		step("F", 2, "", manualTask("f1")),
	)

	task := inst.Step("A").Tasks[0]
	if err := inst.UpdateTask(task.ID, model.TaskStatusFailed, system, "boom", nil, t0); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if inst.Step("A").Status != model.StepStatusFailed {
		t.Errorf("step A = %s, want failed", inst.Step("A").Status)
	}
	assertActive(t, inst, "F")
}

func TestFailure_WithoutRouteFailsInstance(t *testing.T) {
	inst := newInstance(t, nil, step("A", 0, "B", autoTask("a1")), step("B", 1, "", manualTask("b1")))

	task := inst.Step("A").Tasks[0]
	if err := inst.UpdateTask(task.ID, model.TaskStatusFailed, system, "boom", nil, t0); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if inst.Status != model.InstanceStatusFailed {
		t.Fatalf("Status = %s, want failed", inst.Status)
	}
	if inst.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	assertTerminalInvariant(t, inst)

	var last model.DomainEvent
	for _, e := range inst.PullEvents() {
		last = e
	}
	if last.Type != model.EventWorkflowFailed {
		t.Errorf("last event = %s, want workflow.failed", last.Type)
	}
}

// --- Steps ---

func TestStep_Guards(t *testing.T) {
	s := &Step{StepID: "s", Status: model.StepStatusPending, OnSuccess: "n", OnFailure: "f"}
	if _, err := s.Complete(t0); err == nil {
		t.Error("complete from pending should fail")
	}
	if err := s.Start(t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	assertCode(t, s.Start(t0), model.ErrInvalidState)

	next, err := s.Complete(t0)
	if err != nil || next != "n" {
		t.Errorf("Complete() = %q, %v", next, err)
	}
	if _, err := s.Complete(t0); err == nil {
		t.Error("second complete should fail")
	}
	if _, err := s.Fail("x", t0); err == nil {
		t.Error("fail after complete should fail")
	}
}
