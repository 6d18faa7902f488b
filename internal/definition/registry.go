package definition

import (
	"sort"
	"sync/atomic"

	"github.com/aventus/onboarding/model"
)

// snapshot is an immutable view of a catalog with every path resolved to
// catalog entries.
type snapshot struct {
	steps    map[string]model.WorkflowStep
	order    []string
	paths    map[model.BusinessType][]model.WorkflowStep
	members  map[model.BusinessType]map[string]bool
	checksum string
	source   string
}

// Registry is a read-optimized, thread-safe store of the step catalog and
// business type paths. It uses atomic pointer swap for lock-free concurrent
// reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from c. Path entries that reference unknown
// step ids are skipped; run the Validator first to reject such catalogs.
func NewRegistry(c Catalog) *Registry {
	r := &Registry{}
	r.Replace(c)
	return r
}

// Replace atomically swaps the registry contents for c.
func (r *Registry) Replace(c Catalog) {
	s := &snapshot{
		steps:    make(map[string]model.WorkflowStep, len(c.Steps)),
		order:    make([]string, 0, len(c.Steps)),
		paths:    make(map[model.BusinessType][]model.WorkflowStep, len(c.Paths)),
		members:  make(map[model.BusinessType]map[string]bool, len(c.Paths)),
		checksum: c.Checksum,
		source:   c.SourceFile,
	}

	for i, step := range c.Steps {
		step.Order = i + 1
		if _, dup := s.steps[step.ID]; !dup {
			s.order = append(s.order, step.ID)
		}
		s.steps[step.ID] = step
	}

	for bt, ids := range c.Paths {
		path := make([]model.WorkflowStep, 0, len(ids))
		members := make(map[string]bool, len(ids))
		for _, id := range ids {
			step, ok := s.steps[id]
			if !ok || members[id] {
				continue
			}
			step.Order = len(path) + 1
			path = append(path, step)
			members[id] = true
		}
		s.paths[bt] = path
		s.members[bt] = members
	}

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Step returns the catalog entry with the given id.
func (r *Registry) Step(stepID string) (model.WorkflowStep, bool) {
	s, ok := r.current().steps[stepID]
	return s, ok
}

// Steps returns the whole catalog in its default sequence.
func (r *Registry) Steps() []model.WorkflowStep {
	s := r.current()
	out := make([]model.WorkflowStep, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.steps[id])
	}
	return out
}

// WorkflowSteps returns the ordered path for bt. An unmapped or empty path is
// a configuration error: the result is empty and the error carries
// UNMAPPED_BUSINESS_TYPE, so callers never mistake it for a finished path.
func (r *Registry) WorkflowSteps(bt model.BusinessType) ([]model.WorkflowStep, error) {
	path, ok := r.current().paths[bt]
	if !ok || len(path) == 0 {
		return []model.WorkflowStep{}, model.NewUnmappedBusinessTypeError(bt)
	}
	out := make([]model.WorkflowStep, len(path))
	copy(out, path)
	return out, nil
}

// IsStepApplicable reports whether stepID is on bt's path.
func (r *Registry) IsStepApplicable(bt model.BusinessType, stepID string) bool {
	return r.current().members[bt][stepID]
}

// BusinessTypes returns the mapped business types, sorted.
func (r *Registry) BusinessTypes() []model.BusinessType {
	return sortedPathKeys(r.current().paths)
}

// Checksum returns the SHA-256 checksum of the loaded catalog document.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// Source returns the file the catalog was loaded from, or "builtin".
func (r *Registry) Source() string {
	return r.current().source
}

func sortedPathKeys[V any](m map[model.BusinessType]V) []model.BusinessType {
	keys := make([]model.BusinessType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
