package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/flowengine/internal/workflow"
	"github.com/pitabwire/flowengine/model"
)

// MemoryRepository is an in-memory Repository. Graphs are deep-copied on
// the way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance
	outbox    []model.DomainEvent
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[string]*workflow.Instance),
	}
}

func clone(inst *workflow.Instance) *workflow.Instance {
	return deepcopy.Copy(inst).(*workflow.Instance)
}

// FindByID implements Repository.
func (s *MemoryRepository) FindByID(_ context.Context, id string, includeGraph bool) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	out := clone(inst)
	if !includeGraph {
		out.Steps = nil
	}
	return out, nil
}

// Create implements Repository.
func (s *MemoryRepository) Create(_ context.Context, inst *workflow.Instance, events []model.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	inst.Version = 1
	s.instances[inst.ID] = clone(inst)
	s.outbox = append(s.outbox, events...)
	return nil
}

// Update implements Repository.
func (s *MemoryRepository) Update(_ context.Context, inst *workflow.Instance, events []model.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	s.instances[inst.ID] = clone(inst)
	s.outbox = append(s.outbox, events...)
	return nil
}

// FindOverdueAssignments implements Repository.
func (s *MemoryRepository) FindOverdueAssignments(_ context.Context, filter model.OverdueFilter) ([]model.OverdueAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OverdueAssignment
	for _, inst := range s.instances {
		if inst.Status.IsTerminal() {
			continue
		}
		if filter.InstanceType != "" && inst.Type != filter.InstanceType {
			continue
		}
		for _, step := range inst.Steps {
			for _, task := range step.Tasks {
				for _, a := range task.Assignments {
					if !overdue(task, a, filter.Now) {
						continue
					}
					if filter.AssigneeID != "" && a.AssigneeID != filter.AssigneeID {
						continue
					}
					out = append(out, model.OverdueAssignment{
						InstanceID:    inst.ID,
						InstanceType:  inst.Type,
						StepID:        step.StepID,
						TaskID:        task.ID,
						TaskName:      task.Name,
						AssignmentID:  a.ID,
						AssigneeID:    a.AssigneeID,
						AssigneeEmail: a.AssigneeEmail,
						AssigneeName:  a.AssigneeName,
						Status:        a.Status,
						DueAt:         *a.DueAt,
					})
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// FindPaged implements Repository.
func (s *MemoryRepository) FindPaged(_ context.Context, filter model.InstanceFilter) (Page, error) {
	filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*workflow.Instance
	for _, inst := range s.instances {
		if filter.Type != "" && inst.Type != filter.Type {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.InitiatedByID != "" && inst.InitiatedByID != filter.InitiatedByID {
			continue
		}
		matched = append(matched, inst)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := Page{Total: len(matched), Page: filter.Page, PageSize: filter.PageSize, Items: []*workflow.Instance{}}
	start := (filter.Page - 1) * filter.PageSize
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+filter.PageSize, len(matched))
	for _, inst := range matched[start:end] {
		out := clone(inst)
		out.Steps = nil
		page.Items = append(page.Items, out)
	}
	return page, nil
}

// PendingEvents implements EventStore. The outbox only holds undelivered
// events; MarkDispatched drops the rest.
func (s *MemoryRepository) PendingEvents(_ context.Context, limit int) ([]model.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.outbox)
	if limit > 0 && limit < n {
		n = limit
	}
	return slices.Clone(s.outbox[:n]), nil
}

// MarkDispatched implements EventStore by removing the delivered events.
func (s *MemoryRepository) MarkDispatched(_ context.Context, ids []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		done[id] = struct{}{}
	}
	s.outbox = slices.DeleteFunc(s.outbox, func(e model.DomainEvent) bool {
		_, ok := done[e.ID]
		return ok
	})
	return nil
}
