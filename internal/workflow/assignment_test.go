package workflow

import (
	"testing"
	"time"

	"github.com/pitabwire/flowengine/model"
)

func TestNewAssignment_AddressingMode(t *testing.T) {
	tests := []struct {
		name    string
		to      Addressee
		wantErr bool
	}{
		{"internal", Addressee{UserID: "u1"}, false},
		{"external", Addressee{Email: "ext@example.com", Name: "Ext"}, false},
		{"neither", Addressee{}, true},
		{"both", Addressee{UserID: "u1", Email: "ext@example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAssignment("task", tt.to, "admin", nil, t0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAssignment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				assertCode(t, err, model.ErrValidationError)
				return
			}
			if a.Status != model.AssignmentStatusPending || a.ID == "" {
				t.Errorf("new assignment = %+v", a)
			}
		})
	}
}

func TestAssignment_AcceptRoundTrip(t *testing.T) {
	a, _ := NewAssignment("task", Addressee{UserID: "u1"}, "admin", nil, t0)

	assertCode(t, a.Accept(model.Actor{ID: "u2"}, t0), model.ErrForbidden)
	if a.Status != model.AssignmentStatusPending {
		t.Fatal("failed accept must not change status")
	}

	if err := a.Accept(model.Actor{ID: "u1"}, t0); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if a.Status != model.AssignmentStatusAccepted || a.AcceptedAt == nil {
		t.Errorf("after accept: %+v", a)
	}
	assertCode(t, a.Accept(model.Actor{ID: "u1"}, t0), model.ErrInvalidState)
	assertCode(t, a.Reject(model.Actor{ID: "u1"}, "no", t0), model.ErrInvalidState)
}

func TestAssignment_RejectExternal(t *testing.T) {
	a, _ := NewAssignment("task", Addressee{Email: "ext@example.com"}, "admin", nil, t0)
	if !a.IsExternal() {
		t.Error("expected external assignment")
	}
	assertCode(t, a.Reject(model.Actor{ID: "ext@example.com"}, "busy", t0), model.ErrForbidden)

	if err := a.Reject(model.Actor{Email: "EXT@example.com"}, "busy", t0); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if a.Status != model.AssignmentStatusRejected || a.RejectionReason != "busy" || a.RejectedAt == nil {
		t.Errorf("after reject: %+v", a)
	}
}

func manualInstance(t *testing.T, requireAcceptance bool) (*Instance, *Task) {
	t.Helper()
	def := manualTask("review")
	def.RequireAcceptance = requireAcceptance
	inst := newInstance(t, nil, step("A", 0, "", def))
	return inst, inst.Step("A").Tasks[0]
}

func TestInstance_AcceptStartsActiveTask(t *testing.T) {
	inst, task := manualInstance(t, true)
	a, _ := NewAssignment(task.ID, Addressee{UserID: "u1"}, "admin", nil, t0)
	if err := inst.AddAssignment(task.ID, a, t0); err != nil {
		t.Fatalf("AddAssignment: %v", err)
	}

	if _, err := inst.AcceptAssignment(a.ID, model.Actor{ID: "u1"}, t0); err != nil {
		t.Fatalf("AcceptAssignment: %v", err)
	}
	if task.Status != model.TaskStatusInProgress {
		t.Errorf("task status = %s, want in_progress", task.Status)
	}
	if task.AcceptedAssigneeID() != "u1" {
		t.Errorf("AcceptedAssigneeID() = %q", task.AcceptedAssigneeID())
	}

	_, err := inst.AcceptAssignment("missing", model.Actor{ID: "u1"}, t0)
	assertCode(t, err, model.ErrNotFound)
}

func TestInstance_AcceptOnlyOnce(t *testing.T) {
	inst, task := manualInstance(t, true)
	a1, _ := NewAssignment(task.ID, Addressee{UserID: "u1"}, "admin", nil, t0)
	a2, _ := NewAssignment(task.ID, Addressee{UserID: "u2"}, "admin", nil, t0)
	_ = inst.AddAssignment(task.ID, a1, t0)
	_ = inst.AddAssignment(task.ID, a2, t0)

	if _, err := inst.AcceptAssignment(a1.ID, model.Actor{ID: "u1"}, t0); err != nil {
		t.Fatalf("AcceptAssignment: %v", err)
	}
	_, err := inst.AcceptAssignment(a2.ID, model.Actor{ID: "u2"}, t0)
	assertCode(t, err, model.ErrConflict)
}

func TestInstance_Reassign(t *testing.T) {
	inst, task := manualInstance(t, true)
	due := t0.Add(48 * time.Hour)
	a1, _ := NewAssignment(task.ID, Addressee{UserID: "u1"}, "admin", &due, t0)
	_ = inst.AddAssignment(task.ID, a1, t0)

	_, err := inst.Reassign(task.ID, model.Actor{ID: "u1"}, Addressee{UserID: "x"}, t0)
	assertCode(t, err, model.ErrInvalidState)

	if _, err := inst.AcceptAssignment(a1.ID, model.Actor{ID: "u1"}, t0); err != nil {
		t.Fatalf("AcceptAssignment: %v", err)
	}
	before := *a1

	_, err = inst.Reassign(task.ID, model.Actor{ID: "intruder"}, Addressee{UserID: "x"}, t0)
	assertCode(t, err, model.ErrForbidden)

	later := t0.Add(time.Hour)
	a2, err := inst.Reassign(task.ID, model.Actor{ID: "u1"}, Addressee{UserID: "x"}, later)
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if a2.Status != model.AssignmentStatusPending || a2.AssigneeID != "x" {
		t.Errorf("new assignment = %+v", a2)
	}
	if a2.DueAt == nil || !a2.DueAt.Equal(due) {
		t.Errorf("due time not carried over: %v", a2.DueAt)
	}
	if a1.Status != model.AssignmentStatusSuperseded || a1.SupersededByID != a2.ID {
		t.Errorf("old assignment = %+v", a1)
	}
	if a1.AssigneeID != before.AssigneeID || a1.AcceptedAt != before.AcceptedAt || a1.DueAt != before.DueAt {
		t.Error("reassignment must not rewrite the superseded assignment")
	}
	if len(task.Assignments) != 2 {
		t.Errorf("expected 2 assignments, got %d", len(task.Assignments))
	}
}

func TestTask_CanBeCompletedBy(t *testing.T) {
	u1 := model.Actor{ID: "u1"}
	u2 := model.Actor{ID: "u2"}

	open := NewTask(manualTask("open"))
	if err := open.CanBeCompletedBy(u2); err != nil {
		t.Errorf("unassigned task should be open: %v", err)
	}

	addressed := NewTask(manualTask("addressed"))
	a, _ := NewAssignment(addressed.ID, Addressee{UserID: "u1"}, "", nil, t0)
	addressed.Assignments = append(addressed.Assignments, a)
	if err := addressed.CanBeCompletedBy(u1); err != nil {
		t.Errorf("addressee should be allowed: %v", err)
	}
	assertCode(t, addressed.CanBeCompletedBy(u2), model.ErrForbidden)

	def := manualTask("gated")
	def.RequireAcceptance = true
	gated := NewTask(def)
	b, _ := NewAssignment(gated.ID, Addressee{UserID: "u1"}, "", nil, t0)
	gated.Assignments = append(gated.Assignments, b)
	assertCode(t, gated.CanBeCompletedBy(u1), model.ErrInvalidState)
	_ = b.Accept(u1, t0)
	if err := gated.CanBeCompletedBy(u1); err != nil {
		t.Errorf("accepted assignee should be allowed: %v", err)
	}
	assertCode(t, gated.CanBeCompletedBy(u2), model.ErrForbidden)
}
