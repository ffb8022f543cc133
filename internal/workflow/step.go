package workflow

import (
	"fmt"
	"time"

	"github.com/pitabwire/flowengine/model"
)

// Step is a node of the instance's control-flow graph.
type Step struct {
	ID            string                      `json:"id"`
	StepID        string                      `json:"step_id"`
	Name          string                      `json:"name"`
	Description   string                      `json:"description,omitempty"`
	OrderIndex    int                         `json:"order_index"`
	Status        model.StepStatus            `json:"status"`
	OnSuccess     string                      `json:"on_success,omitempty"`
	OnFailure     string                      `json:"on_failure,omitempty"`
	Conditions    []model.ConditionDefinition `json:"conditions,omitempty"`
	ParallelGroup string                      `json:"parallel_group,omitempty"`
	Join          *model.JoinDefinition       `json:"join,omitempty"`
	StartedAt     *time.Time                  `json:"started_at,omitempty"`
	CompletedAt   *time.Time                  `json:"completed_at,omitempty"`
	Remarks       string                      `json:"remarks,omitempty"`
	Tasks         []*Task                     `json:"tasks,omitempty"`
}

// Start moves a PENDING step to IN_PROGRESS.
func (s *Step) Start(now time.Time) error {
	if s.Status != model.StepStatusPending {
		return model.NewInvalidStateError(
			fmt.Sprintf("cannot start step %s: status is %s", s.StepID, s.Status),
		)
	}
	s.Status = model.StepStatusInProgress
	s.StartedAt = &now
	return nil
}

// Complete marks the step COMPLETED and returns its success target.
func (s *Step) Complete(now time.Time) (string, error) {
	if err := s.checkInProgress("complete"); err != nil {
		return "", err
	}
	s.Status = model.StepStatusCompleted
	s.CompletedAt = &now
	return s.OnSuccess, nil
}

// Fail marks the step FAILED and returns its failure target.
func (s *Step) Fail(reason string, now time.Time) (string, error) {
	if err := s.checkInProgress("fail"); err != nil {
		return "", err
	}
	s.Status = model.StepStatusFailed
	s.Remarks = reason
	s.CompletedAt = &now
	return s.OnFailure, nil
}

// AllTasksTerminal is true only when the step has tasks and every one of
// them is in the terminal set. A step without tasks never satisfies it, so
// an instance reaching such a step stalls there.
func (s *Step) AllTasksTerminal() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailedTask reports whether any task failed.
func (s *Step) HasFailedTask() bool {
	for _, t := range s.Tasks {
		if t.Status == model.TaskStatusFailed {
			return true
		}
	}
	return false
}

// Task returns the task with the given id, or nil.
func (s *Step) Task(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskByKey returns the task with the given business key, or nil.
func (s *Step) TaskByKey(taskID string) *Task {
	for _, t := range s.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}

func (s *Step) failureRemarks() string {
	for _, t := range s.Tasks {
		if t.Status == model.TaskStatusFailed && t.Remarks != "" {
			return fmt.Sprintf("task %s failed: %s", t.TaskID, t.Remarks)
		}
	}
	return "task failed"
}

func (s *Step) checkInProgress(op string) error {
	if s.Status != model.StepStatusInProgress {
		return model.NewInvalidStateError(
			fmt.Sprintf("cannot %s step %s: status is %s", op, s.StepID, s.Status),
		)
	}
	return nil
}
