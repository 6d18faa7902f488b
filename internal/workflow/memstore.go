package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aventus/onboarding/model"
)

// MemoryContractorStore is an in-memory ContractorStore for tests and single
// node deployments.
type MemoryContractorStore struct {
	mu        sync.RWMutex
	workflows map[string]model.ContractorWorkflow // key: tenant/contractor
	events    map[string][]model.WorkflowEvent    // key: tenant/contractor
}

// NewMemoryContractorStore creates a new in-memory contractor store.
func NewMemoryContractorStore() *MemoryContractorStore {
	return &MemoryContractorStore{
		workflows: make(map[string]model.ContractorWorkflow),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

func memKey(tenantID, contractorID string) string {
	return tenantID + "/" + contractorID
}

func notFound(contractorID string) error {
	return model.NewNotFoundError(fmt.Sprintf("contractor %q not found", contractorID))
}

// Create persists a new contractor workflow.
func (s *MemoryContractorStore) Create(_ context.Context, state model.ContractorWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(state.TenantID, state.ContractorID)
	if _, exists := s.workflows[key]; exists {
		return model.NewConflictError(
			fmt.Sprintf("contractor %q already has a workflow", state.ContractorID),
		)
	}

	s.workflows[key] = state.Clone()
	return nil
}

// Get retrieves a contractor workflow scoped to tenant.
func (s *MemoryContractorStore) Get(_ context.Context, tenantID, contractorID string) (model.ContractorWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.workflows[memKey(tenantID, contractorID)]
	if !exists {
		return model.ContractorWorkflow{}, notFound(contractorID)
	}
	return state.Clone(), nil
}

// Update persists a modified workflow with optimistic locking.
func (s *MemoryContractorStore) Update(_ context.Context, state model.ContractorWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(state.TenantID, state.ContractorID)
	existing, exists := s.workflows[key]
	if !exists {
		return notFound(state.ContractorID)
	}

	if existing.Version != state.Version {
		return model.NewConflictError(
			fmt.Sprintf("contractor %q version conflict (expected %d, got %d)", state.ContractorID, state.Version, existing.Version),
		)
	}

	next := state.Clone()
	next.Version++
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	s.workflows[key] = next
	return nil
}

// List returns the tenant's workflows matching filters, newest first.
func (s *MemoryContractorStore) List(_ context.Context, tenantID string, filters model.ContractorFilters) ([]model.ContractorWorkflow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ContractorWorkflow
	for _, state := range s.workflows {
		if state.TenantID != tenantID {
			continue
		}
		if filters.BusinessType != "" && state.BusinessType != filters.BusinessType {
			continue
		}
		if filters.Status != "" && state.Status != filters.Status {
			continue
		}
		result = append(result, state.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ContractorID < result[j].ContractorID
	})
	total := len(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.ContractorWorkflow{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, total, nil
}

// Delete removes a contractor workflow and its events.
func (s *MemoryContractorStore) Delete(_ context.Context, tenantID, contractorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(tenantID, contractorID)
	if _, exists := s.workflows[key]; !exists {
		return notFound(contractorID)
	}

	delete(s.workflows, key)
	delete(s.events, key)
	return nil
}

// AppendEvent adds an event to the contractor's audit trail.
func (s *MemoryContractorStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(event.TenantID, event.ContractorID)
	s.events[key] = append(s.events[key], event)
	return nil
}

// GetEvents retrieves all events for a contractor, ordered by timestamp.
func (s *MemoryContractorStore) GetEvents(_ context.Context, tenantID, contractorID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := memKey(tenantID, contractorID)
	if _, exists := s.workflows[key]; !exists {
		return nil, notFound(contractorID)
	}

	events := s.events[key]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the total number of workflows. For testing.
func (s *MemoryContractorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

// HealthCheck always succeeds.
func (s *MemoryContractorStore) HealthCheck(context.Context) error {
	return nil
}
