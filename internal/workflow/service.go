package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aventus/onboarding/internal/events"
	"github.com/aventus/onboarding/internal/lock"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/model"
)

// Operation names used for metrics, logs and span names.
const (
	opCreate             = "create"
	opCompleteStep       = "complete_step"
	opTransition         = "transition"
	opDecline            = "decline"
	opChangeBusinessType = "change_business_type"
	opDelete             = "delete"
)

// Service is the only writer of contractor workflow state. It serialises
// writes per contractor through a Locker, runs the pure tracker and status
// rules, persists the result and records the audit trail.
type Service struct {
	tracker   *Tracker
	store     ContractorStore
	locker    lock.Locker
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLocker sets the per-contractor write lock. Defaults to an in-process
// MemoryLocker.
func WithLocker(l lock.Locker) ServiceOption {
	return func(s *Service) { s.locker = l }
}

// WithPublisher sets where audit events are published after they are stored.
func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics enables workflow metrics.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a workflow service.
func NewService(tracker *Tracker, store ContractorStore, opts ...ServiceOption) *Service {
	s := &Service{
		tracker:   tracker,
		store:     store,
		locker:    lock.NewMemoryLocker(),
		publisher: events.NopPublisher{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tracker returns the service's progress tracker.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Create starts onboarding for a contractor on the path of the given business
// type. The status starts at draft with no completed steps.
func (s *Service) Create(
	ctx context.Context,
	rctx *model.RequestContext,
	contractorID string,
	bt model.BusinessType,
) (desc *model.ContractorDescriptor, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrContractorID.String(contractorID),
		observability.AttrBusinessType.String(string(bt)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	var fields []model.FieldError
	if strings.TrimSpace(contractorID) == "" {
		fields = append(fields, model.FieldError{Field: "contractor_id", Code: "REQUIRED", Message: "contractor_id is required"})
	}
	if !bt.Valid() {
		fields = append(fields, model.FieldError{
			Field:   "business_type",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("business_type %q is not a known business type", bt),
		})
	}
	if len(fields) > 0 {
		return nil, s.reject(ctx, opCreate, model.NewValidationError(fields))
	}

	// 2. A business type without a path is a configuration bug, never a
	// silent empty workflow.
	if _, err := s.tracker.paths.WorkflowSteps(bt); err != nil {
		return nil, s.reject(ctx, opCreate, err)
	}

	// 3. Persist the initial state.
	now := s.now()
	state := model.ContractorWorkflow{
		ContractorID: contractorID,
		TenantID:     rctx.TenantID,
		BusinessType: bt,
		Status:       model.StatusDraft,
		Completed:    map[string]model.StepCompletion{},
		CreatedBy:    rctx.SubjectID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := s.store.Create(ctx, state); err != nil {
		return nil, s.reject(ctx, opCreate, err)
	}

	// 4. Audit.
	s.record(ctx, s.newEvent(rctx, state, model.EventContractorCreated, now, func(e *model.WorkflowEvent) {
		e.ToStatus = string(model.StatusDraft)
	}))

	if s.metrics != nil {
		s.metrics.RecordContractorCreated(string(bt))
	}
	observability.RequestLogger(ctx, s.logger).Info("contractor workflow created",
		zap.String("contractor_id", contractorID),
		zap.String("business_type", string(bt)),
	)

	return s.describe(state)
}

// Get returns the contractor's descriptor.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, contractorID string) (*model.ContractorDescriptor, error) {
	state, err := s.store.Get(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, err
	}
	return s.describe(state)
}

// List returns summaries of the tenant's contractors and the total count
// before pagination.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filters model.ContractorFilters) ([]model.ContractorSummary, int, error) {
	states, total, err := s.store.List(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	out := make([]model.ContractorSummary, 0, len(states))
	for _, state := range states {
		sum := model.ContractorSummary{
			ContractorID: state.ContractorID,
			BusinessType: state.BusinessType,
			Status:       state.Status,
			UpdatedAt:    state.UpdatedAt,
		}
		current, err := s.tracker.CurrentStep(state)
		if err != nil {
			// Still list the contractor; the unmapped path is logged so the
			// catalog can be fixed.
			observability.RequestLogger(ctx, s.logger).Error("contractor has no workflow path",
				zap.String("contractor_id", state.ContractorID),
				zap.String("business_type", string(state.BusinessType)),
			)
			out = append(out, sum)
			continue
		}
		if current != nil {
			sum.CurrentStepID = current.ID
		}
		sum.Progress, _ = s.tracker.ProgressFraction(state)
		out = append(out, sum)
	}
	return out, total, nil
}

// History returns the contractor's audit trail in time order.
func (s *Service) History(ctx context.Context, rctx *model.RequestContext, contractorID string) ([]model.WorkflowEvent, error) {
	return s.store.GetEvents(ctx, rctx.TenantID, contractorID)
}

// CompleteStep marks stepID complete for the contractor. Completing a step
// that is already complete returns the current descriptor without writing.
// The status is left where it is even when the path is now complete:
// activation only happens through Transition, which checks the status graph
// and is gated on the activate capability.
func (s *Service) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	contractorID, stepID, comment string,
) (desc *model.ContractorDescriptor, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.complete_step",
		observability.AttrContractorID.String(contractorID),
		observability.AttrStepID.String(stepID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Serialise writers on this contractor.
	release, err := s.acquire(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opCompleteStep, err)
	}
	defer release()

	// 2. Load.
	state, err := s.store.Get(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opCompleteStep, err)
	}

	// 3. Apply.
	now := s.now()
	next, changed, err := s.tracker.MarkStepComplete(state, stepID, rctx.SubjectID, now)
	if err != nil {
		return nil, s.reject(ctx, opCompleteStep, err)
	}
	if !changed {
		observability.RequestLogger(ctx, s.logger).Debug("step already completed",
			zap.String("contractor_id", contractorID),
			zap.String("step_id", stepID),
		)
		return s.describe(state)
	}
	next.Status = state.Status
	next.ActivatedAt = state.ActivatedAt

	// 4. Persist.
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next); err != nil {
		return nil, s.reject(ctx, opCompleteStep, err)
	}
	next.Version++

	// 5. Audit.
	s.record(ctx, s.newEvent(rctx, next, model.EventStepCompleted, now, func(e *model.WorkflowEvent) {
		e.StepID = stepID
		e.Comment = comment
	}))

	if s.metrics != nil {
		s.metrics.RecordStepCompleted(string(next.BusinessType), stepID)
	}
	observability.RequestLogger(ctx, s.logger).Info("step completed",
		zap.String("contractor_id", contractorID),
		zap.String("step_id", stepID),
	)

	return s.describe(next)
}

// Transition moves the contractor's status one edge along the status graph.
// Moving to activated also requires every step on the path to be complete.
func (s *Service) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	contractorID string,
	to model.Status,
	comment string,
) (desc *model.ContractorDescriptor, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrContractorID.String(contractorID),
		observability.AttrToStatus.String(string(to)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Serialise writers on this contractor.
	release, err := s.acquire(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opTransition, err)
	}
	defer release()

	// 2. Load.
	state, err := s.store.Get(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opTransition, err)
	}
	span.SetAttributes(observability.AttrFromStatus.String(string(state.Status)))

	// 3. Validate the edge, then the activation gate.
	now := s.now()
	next, err := Transition(state, to)
	if err != nil {
		return nil, s.reject(ctx, opTransition, err)
	}
	if to == model.StatusActivated {
		ok, err := s.tracker.CanActivate(state)
		if err != nil {
			return nil, s.reject(ctx, opTransition, err)
		}
		if !ok {
			current, _ := s.tracker.CurrentStep(state)
			return nil, s.reject(ctx, opTransition, model.NewIllegalTransitionErrorf(
				"contractor %q cannot be activated: step %q is not completed", contractorID, current.ID))
		}
		activatedAt := now
		next.ActivatedAt = &activatedAt
	}

	// 4. Persist.
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next); err != nil {
		return nil, s.reject(ctx, opTransition, err)
	}
	next.Version++

	// 5. Audit.
	eventType := model.EventStatusChanged
	if to == model.StatusActivated {
		eventType = model.EventActivated
	}
	s.record(ctx, s.newEvent(rctx, next, eventType, now, func(e *model.WorkflowEvent) {
		e.FromStatus = string(state.Status)
		e.ToStatus = string(to)
		e.Comment = comment
	}))

	if s.metrics != nil {
		s.metrics.RecordStatusTransition(string(state.Status), string(to))
		if to == model.StatusActivated {
			s.metrics.RecordActivation(string(next.BusinessType))
		}
	}
	observability.RequestLogger(ctx, s.logger).Info("status changed",
		zap.String("contractor_id", contractorID),
		zap.String("from", string(state.Status)),
		zap.String("to", string(to)),
	)

	return s.describe(next)
}

// Decline records a decline with its reason in the audit trail. The status
// is unchanged: a declined contractor stays where it is until someone acts.
func (s *Service) Decline(
	ctx context.Context,
	rctx *model.RequestContext,
	contractorID, reason string,
) (desc *model.ContractorDescriptor, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.decline",
		observability.AttrContractorID.String(contractorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if strings.TrimSpace(reason) == "" {
		return nil, s.reject(ctx, opDecline, model.NewValidationError([]model.FieldError{
			{Field: "reason", Code: "REQUIRED", Message: "reason is required"},
		}))
	}

	release, err := s.acquire(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opDecline, err)
	}
	defer release()

	state, err := s.store.Get(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opDecline, err)
	}
	if state.Status == model.StatusActivated {
		return nil, s.reject(ctx, opDecline, model.NewIllegalTransitionErrorf(
			"contractor %q is activated and cannot be declined", contractorID))
	}

	s.record(ctx, s.newEvent(rctx, state, model.EventDeclined, s.now(), func(e *model.WorkflowEvent) {
		e.FromStatus = string(state.Status)
		e.Comment = reason
	}))

	if s.metrics != nil {
		s.metrics.RecordDecline(string(state.BusinessType))
	}
	observability.RequestLogger(ctx, s.logger).Info("contractor declined",
		zap.String("contractor_id", contractorID),
		zap.String("status", string(state.Status)),
	)

	return s.describe(state)
}

// ChangeBusinessType is not supported once a workflow exists. Requesting the
// current business type is a no-op; anything else is rejected so completed
// steps are never silently re-mapped onto another path.
func (s *Service) ChangeBusinessType(
	ctx context.Context,
	rctx *model.RequestContext,
	contractorID string,
	bt model.BusinessType,
) (desc *model.ContractorDescriptor, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.change_business_type",
		observability.AttrContractorID.String(contractorID),
		observability.AttrBusinessType.String(string(bt)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if !bt.Valid() {
		return nil, s.reject(ctx, opChangeBusinessType, model.NewValidationError([]model.FieldError{{
			Field:   "business_type",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("business_type %q is not a known business type", bt),
		}}))
	}

	state, err := s.store.Get(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return nil, s.reject(ctx, opChangeBusinessType, err)
	}
	if state.BusinessType == bt {
		return s.describe(state)
	}
	return nil, s.reject(ctx, opChangeBusinessType, model.NewIllegalTransitionErrorf(
		"business type of contractor %q is fixed at %q; delete and recreate the workflow to use %q",
		contractorID, state.BusinessType, bt))
}

// Delete removes the contractor's workflow and audit trail. The deletion
// itself is still published.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, contractorID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.delete",
		observability.AttrContractorID.String(contractorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	release, err := s.acquire(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return s.reject(ctx, opDelete, err)
	}
	defer release()

	state, err := s.store.Get(ctx, rctx.TenantID, contractorID)
	if err != nil {
		return s.reject(ctx, opDelete, err)
	}
	if err := s.store.Delete(ctx, rctx.TenantID, contractorID); err != nil {
		return s.reject(ctx, opDelete, err)
	}

	s.publish(ctx, s.newEvent(rctx, state, model.EventContractorDeleted, s.now(), func(e *model.WorkflowEvent) {
		e.FromStatus = string(state.Status)
	}))
	observability.RequestLogger(ctx, s.logger).Info("contractor workflow deleted",
		zap.String("contractor_id", contractorID),
	)
	return nil
}

// --- helpers ---

func (s *Service) acquire(ctx context.Context, tenantID, contractorID string) (func(), error) {
	start := time.Now()
	release, err := s.locker.Acquire(ctx, tenantID+"/"+contractorID)
	if s.metrics != nil {
		s.metrics.RecordLockWait(time.Since(start))
	}
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("contractor lock not acquired",
			zap.String("contractor_id", contractorID),
			zap.Error(err),
		)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, model.NewConflictError(
				fmt.Sprintf("contractor %q is being modified; retry", contractorID))
		}
		return nil, fmt.Errorf("acquire contractor lock: %w", err)
	}
	return release, nil
}

// reject logs and counts a failed operation and returns err unchanged.
func (s *Service) reject(ctx context.Context, op string, err error) error {
	var env *model.ErrorEnvelope
	code := model.ErrInternalError
	if errors.As(err, &env) {
		code = env.Code
	}
	if s.metrics != nil {
		s.metrics.RecordRejection(op, code)
	}

	logger := observability.RequestLogger(ctx, s.logger)
	switch code {
	case model.ErrInternalError, model.ErrUnmappedBusinessType:
		logger.Error("workflow operation failed",
			zap.String("operation", op),
			zap.String("code", code),
			zap.Error(err),
		)
	default:
		logger.Warn("workflow operation rejected",
			zap.String("operation", op),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	return err
}

func (s *Service) newEvent(
	rctx *model.RequestContext,
	state model.ContractorWorkflow,
	eventType string,
	at time.Time,
	fill func(*model.WorkflowEvent),
) model.WorkflowEvent {
	e := model.WorkflowEvent{
		ID:           uuid.New().String(),
		ContractorID: state.ContractorID,
		TenantID:     state.TenantID,
		BusinessType: string(state.BusinessType),
		Event:        eventType,
		ActorID:      rctx.Actor(),
		Timestamp:    at,
	}
	if fill != nil {
		fill(&e)
	}
	return e
}

// record stores events in the audit trail and publishes them. The state
// change they describe is already committed, so failures here are logged
// rather than returned.
func (s *Service) record(ctx context.Context, evts ...model.WorkflowEvent) {
	for _, e := range evts {
		if err := s.store.AppendEvent(ctx, e); err != nil {
			observability.RequestLogger(ctx, s.logger).Error("failed to append audit event",
				zap.String("contractor_id", e.ContractorID),
				zap.String("event", e.Event),
				zap.Error(err),
			)
		}
		s.publish(ctx, e)
	}
}

func (s *Service) publish(ctx context.Context, e model.WorkflowEvent) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		if s.metrics != nil {
			s.metrics.RecordEventPublishFailure()
		}
		observability.RequestLogger(ctx, s.logger).Warn("failed to publish workflow event",
			zap.String("contractor_id", e.ContractorID),
			zap.String("event", e.Event),
			zap.Error(err),
		)
	}
}
