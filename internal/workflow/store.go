package workflow

import (
	"context"

	"github.com/aventus/onboarding/model"
)

// ContractorStore persists contractor workflow state and its audit trail.
// Every read and write is scoped to a tenant.
type ContractorStore interface {
	// Create persists a new contractor workflow. Returns CONFLICT if the
	// contractor already has one.
	Create(ctx context.Context, state model.ContractorWorkflow) error

	// Get retrieves a contractor workflow. Returns NOT_FOUND if it doesn't
	// exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, contractorID string) (model.ContractorWorkflow, error)

	// Update persists a modified workflow with optimistic locking. The
	// version must match the stored version; on success the stored version
	// is incremented. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, state model.ContractorWorkflow) error

	// List returns the tenant's contractor workflows matching filters,
	// newest first, together with the total count before pagination.
	List(ctx context.Context, tenantID string, filters model.ContractorFilters) ([]model.ContractorWorkflow, int, error)

	// Delete removes a contractor workflow and its events.
	Delete(ctx context.Context, tenantID, contractorID string) error

	// AppendEvent adds an event to the contractor's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents retrieves all events for a contractor ordered by time.
	GetEvents(ctx context.Context, tenantID, contractorID string) ([]model.WorkflowEvent, error)
}
