package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aventus/onboarding/model"
)

const selectWorkflowColumns = `SELECT tenant_id, contractor_id, business_type, status,
	       completed_steps, created_by, created_at, updated_at, activated_at, version
	FROM contractor_workflows`

// PgContractorStore is a PostgreSQL-backed ContractorStore using pgx/v5.
type PgContractorStore struct {
	pool *pgxpool.Pool
}

// NewPgContractorStore creates a new PostgreSQL contractor store.
func NewPgContractorStore(pool *pgxpool.Pool) *PgContractorStore {
	return &PgContractorStore{pool: pool}
}

// Create inserts a new contractor workflow.
func (s *PgContractorStore) Create(ctx context.Context, state model.ContractorWorkflow) error {
	completedJSON, err := marshalCompleted(state.Completed)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contractor_workflows (
			tenant_id, contractor_id, business_type, status,
			completed_steps, created_by, created_at, updated_at, activated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, contractor_id) DO NOTHING`,
		state.TenantID, state.ContractorID, state.BusinessType, state.Status,
		completedJSON, state.CreatedBy, state.CreatedAt, state.UpdatedAt, state.ActivatedAt, state.Version,
	)
	if err != nil {
		return fmt.Errorf("insert contractor workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("contractor %q already has a workflow", state.ContractorID),
		)
	}
	return nil
}

// Get retrieves a contractor workflow scoped to tenant.
func (s *PgContractorStore) Get(ctx context.Context, tenantID, contractorID string) (model.ContractorWorkflow, error) {
	row := s.pool.QueryRow(ctx, selectWorkflowColumns+`
		WHERE tenant_id = $1 AND contractor_id = $2`,
		tenantID, contractorID,
	)
	state, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ContractorWorkflow{}, notFound(contractorID)
	}
	if err != nil {
		return model.ContractorWorkflow{}, fmt.Errorf("query contractor workflow: %w", err)
	}
	return state, nil
}

// Update persists a modified workflow with optimistic locking.
func (s *PgContractorStore) Update(ctx context.Context, state model.ContractorWorkflow) error {
	completedJSON, err := marshalCompleted(state.Completed)
	if err != nil {
		return err
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE contractor_workflows SET
			status = $1,
			completed_steps = $2,
			activated_at = $3,
			version = $4,
			updated_at = $5
		WHERE tenant_id = $6 AND contractor_id = $7 AND version = $8`,
		state.Status, completedJSON, state.ActivatedAt, state.Version+1, updatedAt,
		state.TenantID, state.ContractorID, state.Version,
	)
	if err != nil {
		return fmt.Errorf("update contractor workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, state.TenantID, state.ContractorID); getErr != nil {
			return getErr
		}
		return model.NewConflictError(
			fmt.Sprintf("contractor %q version conflict (expected %d)", state.ContractorID, state.Version),
		)
	}
	return nil
}

// List returns the tenant's workflows matching filters, newest first.
func (s *PgContractorStore) List(ctx context.Context, tenantID string, filters model.ContractorFilters) ([]model.ContractorWorkflow, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.BusinessType != "" {
		where += fmt.Sprintf(" AND business_type = $%d", argIdx)
		args = append(args, filters.BusinessType)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM contractor_workflows`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count contractor workflows: %w", err)
	}

	query := selectWorkflowColumns + where + " ORDER BY created_at DESC, contractor_id ASC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query contractor workflows: %w", err)
	}
	defer rows.Close()

	result := []model.ContractorWorkflow{}
	for rows.Next() {
		state, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan contractor workflow: %w", err)
		}
		result = append(result, state)
	}
	return result, total, rows.Err()
}

// Delete removes a contractor workflow; its events go with it through the
// foreign key cascade.
func (s *PgContractorStore) Delete(ctx context.Context, tenantID, contractorID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM contractor_workflows
		WHERE tenant_id = $1 AND contractor_id = $2`,
		tenantID, contractorID,
	)
	if err != nil {
		return fmt.Errorf("delete contractor workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(contractorID)
	}
	return nil
}

// AppendEvent adds an event to the contractor's audit trail.
func (s *PgContractorStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contractor_workflow_events (
			id, tenant_id, contractor_id, business_type, step_id, event,
			actor_id, from_status, to_status, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.TenantID, event.ContractorID, event.BusinessType, event.StepID, event.Event,
		event.ActorID, event.FromStatus, event.ToStatus, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a contractor.
func (s *PgContractorStore) GetEvents(ctx context.Context, tenantID, contractorID string) ([]model.WorkflowEvent, error) {
	if _, err := s.Get(ctx, tenantID, contractorID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, contractor_id, business_type, step_id, event,
		       actor_id, from_status, to_status, comment, created_at
		FROM contractor_workflow_events
		WHERE tenant_id = $1 AND contractor_id = $2
		ORDER BY created_at ASC`,
		tenantID, contractorID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkflowEvent{}
	for rows.Next() {
		var evt model.WorkflowEvent
		if err := rows.Scan(
			&evt.ID, &evt.TenantID, &evt.ContractorID, &evt.BusinessType, &evt.StepID, &evt.Event,
			&evt.ActorID, &evt.FromStatus, &evt.ToStatus, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck pings the database.
func (s *PgContractorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalCompleted(completed map[string]model.StepCompletion) ([]byte, error) {
	if completed == nil {
		completed = map[string]model.StepCompletion{}
	}
	data, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	return data, nil
}

func scanWorkflow(row pgx.Row) (model.ContractorWorkflow, error) {
	var state model.ContractorWorkflow
	var completedJSON []byte
	if err := row.Scan(
		&state.TenantID, &state.ContractorID, &state.BusinessType, &state.Status,
		&completedJSON, &state.CreatedBy, &state.CreatedAt, &state.UpdatedAt, &state.ActivatedAt, &state.Version,
	); err != nil {
		return model.ContractorWorkflow{}, err
	}
	state.Completed = map[string]model.StepCompletion{}
	if len(completedJSON) > 0 {
		if err := json.Unmarshal(completedJSON, &state.Completed); err != nil {
			return model.ContractorWorkflow{}, fmt.Errorf("unmarshal completed steps: %w", err)
		}
	}
	return state, nil
}
