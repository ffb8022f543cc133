package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/flowengine/model"
)

// snapshot is an immutable collection of definitions indexed by type and
// version.
type snapshot struct {
	versions map[string]map[int]model.WorkflowDefinition
	latest   map[string]int
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. A later definition with the same type and
// version overwrites an earlier one.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	s := &snapshot{
		versions: make(map[string]map[int]model.WorkflowDefinition),
		latest:   make(map[string]int),
	}

	var checksumParts []string
	for _, def := range defs {
		byVersion, ok := s.versions[def.Type]
		if !ok {
			byVersion = make(map[int]model.WorkflowDefinition)
			s.versions[def.Type] = byVersion
		}
		byVersion[def.Version] = def
		if def.Version > s.latest[def.Type] {
			s.latest[def.Type] = def.Version
		}
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition of the given type and version. Version 0
// selects the latest.
func (r *Registry) Get(workflowType string, version int) (model.WorkflowDefinition, bool) {
	s := r.current()
	byVersion, ok := s.versions[workflowType]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	if version == 0 {
		version = s.latest[workflowType]
	}
	def, ok := byVersion[version]
	return def, ok
}

// Resolve returns a private copy of the definition, so callers may render
// templates into it without touching the shared snapshot.
func (r *Registry) Resolve(_ context.Context, workflowType string, version int) (*model.WorkflowDefinition, error) {
	def, ok := r.Get(workflowType, version)
	if !ok {
		if version == 0 {
			return nil, model.NewNotFoundError(fmt.Sprintf("workflow type %q not found", workflowType))
		}
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow type %q version %d not found", workflowType, version))
	}
	cp, _ := deepcopy.Copy(def).(model.WorkflowDefinition)
	return &cp, nil
}

// Types returns the registered workflow types, sorted.
func (r *Registry) Types() []string {
	s := r.current()
	types := make([]string, 0, len(s.versions))
	for t := range s.versions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// All returns every registered definition.
func (r *Registry) All() []model.WorkflowDefinition {
	s := r.current()
	var defs []model.WorkflowDefinition
	for _, byVersion := range s.versions {
		for _, d := range byVersion {
			defs = append(defs, d)
		}
	}
	return defs
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
