package model

import (
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestStatuses_IsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped} {
		if !s.IsTerminal() {
			t.Errorf("task status %s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("task status %s should not be terminal", s)
		}
	}
	if InstanceStatusInProgress.IsTerminal() || !InstanceStatusCancelled.IsTerminal() {
		t.Error("instance terminal set is wrong")
	}
}

func TestInstanceFilter_Normalize(t *testing.T) {
	f := InstanceFilter{Page: 0, PageSize: 500}
	f.Normalize()
	if f.Page != 1 || f.PageSize != 100 {
		t.Errorf("Normalize() = %+v", f)
	}
}
