package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aventus/onboarding/internal/events"
	"github.com/aventus/onboarding/internal/lock"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.WorkflowEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e model.WorkflowEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

type fixture struct {
	svc     *Service
	store   *MemoryContractorStore
	pub     *recordingPublisher
	metrics *observability.Metrics
	logs    *observer.ObservedLogs
	clock   *time.Time
}

func newFixture(t *testing.T, opts ...TrackerOption) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		store:   NewMemoryContractorStore(),
		pub:     &recordingPublisher{},
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
		logs:    logs,
		clock:   &now,
	}
	f.svc = NewService(NewTracker(builtinRegistry(t), opts...), f.store,
		WithPublisher(f.pub),
		WithMetrics(f.metrics),
		WithLogger(zap.New(core)),
		WithClock(func() time.Time { return *f.clock }),
	)
	return f
}

func (f *fixture) tick() {
	*f.clock = f.clock.Add(time.Minute)
}

func consultant() *model.RequestContext {
	return &model.RequestContext{SubjectID: "consultant-1", TenantID: "aventus", Roles: []string{"consultant"}}
}

func (f *fixture) create(t *testing.T, id string, bt model.BusinessType) {
	t.Helper()
	_, err := f.svc.Create(context.Background(), consultant(), id, bt)
	require.NoError(t, err)
}

// --- Create ---

func TestService_Create(t *testing.T) {
	f := newFixture(t)

	desc, err := f.svc.Create(context.Background(), consultant(), "c-1", model.BusinessThirdPartySaudi)
	require.NoError(t, err)

	assert.Equal(t, model.StatusDraft, desc.Status)
	assert.Equal(t, 1, desc.Version)
	assert.Equal(t, "contractor_details", desc.CurrentStep.ID)
	assert.Len(t, desc.Steps, 6)
	assert.Zero(t, desc.Progress)
	assert.Equal(t, []model.Status{model.StatusPendingDocuments}, desc.NextStatuses)

	state, err := f.store.Get(context.Background(), "aventus", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "consultant-1", state.CreatedBy)
	assert.Equal(t, *f.clock, state.CreatedAt)

	assert.Equal(t, []string{model.EventContractorCreated}, f.pub.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ContractorsCreatedTotal.WithLabelValues("3rd_party_saudi")))
}

func TestService_Create_validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), consultant(), " ", "martian")
	require.Error(t, err)

	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrValidationError, env.Code)
	require.Len(t, env.Details, 2)
	assert.Equal(t, "contractor_id", env.Details[0].Field)
	assert.Equal(t, "REQUIRED", env.Details[0].Code)
	assert.Equal(t, "business_type", env.Details[1].Field)
	assert.Equal(t, "INVALID_ENUM", env.Details[1].Code)

	assert.Zero(t, f.store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedOperationsTotal.WithLabelValues(opCreate, model.ErrValidationError)))
}

func TestService_Create_duplicate(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)

	_, err := f.svc.Create(context.Background(), consultant(), "c-1", model.BusinessThirdPartyUAE)
	assert.True(t, model.HasCode(err, model.ErrConflict))
}

// --- CompleteStep ---

func TestService_CompleteStep(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)
	f.tick()

	desc, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", "contractor_details", "docs checked")
	require.NoError(t, err)

	assert.Equal(t, "quote_sheets", desc.CurrentStep.ID)
	assert.Equal(t, 2, desc.Version)
	assert.True(t, desc.Steps[0].Completed)
	assert.Equal(t, "consultant-1", desc.Steps[0].CompletedBy)
	assert.Equal(t, *f.clock, *desc.Steps[0].CompletedAt)
	assert.Equal(t, *f.clock, desc.UpdatedAt)

	history, err := f.svc.History(context.Background(), consultant(), "c-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.EventStepCompleted, history[1].Event)
	assert.Equal(t, "contractor_details", history[1].StepID)
	assert.Equal(t, "docs checked", history[1].Comment)
}

func TestService_CompleteStep_duplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartyUAE)

	first, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", "cds_cs", "")
	require.NoError(t, err)
	f.tick()
	second, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", "cds_cs", "")
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, []string{model.EventContractorCreated, model.EventStepCompleted}, f.pub.types())
}

func TestService_CompleteStep_invalidStep(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)

	_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", "schedule_form", "")
	assert.True(t, model.HasCode(err, model.ErrInvalidStep))

	desc, err := f.svc.Get(context.Background(), consultant(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedOperationsTotal.WithLabelValues(opCompleteStep, model.ErrInvalidStep)))

	warnings := f.logs.FilterMessage("workflow operation rejected").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
}

func TestService_CompleteStep_notFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CompleteStep(context.Background(), consultant(), "missing", "contractor_details", "")
	assert.True(t, model.HasCode(err, model.ErrNotFound))
}

func TestService_CompleteStep_strictOrder(t *testing.T) {
	f := newFixture(t, WithStrictOrder(true))
	f.create(t, "c-1", model.BusinessEnterpriseClient)

	_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", "proposal", "")
	assert.True(t, model.HasCode(err, model.ErrStepOutOfOrder))
}

// walkToValidated moves a contractor along the status graph up to validated.
func (f *fixture) walkToValidated(t *testing.T, id string) {
	t.Helper()
	for _, to := range []model.Status{
		model.StatusPendingDocuments,
		model.StatusDocumentsUploaded,
		model.StatusPendingReview,
		model.StatusApproved,
		model.StatusPendingSignature,
		model.StatusSigned,
		model.StatusValidated,
	} {
		_, err := f.svc.Transition(context.Background(), consultant(), id, to, "")
		require.NoError(t, err, "transition to %s", to)
	}
}

var freelancerPath = []string{"contractor_details", "cds_cs", "work_order", "contract", "finalize"}

func TestService_CompleteStep_lastStepKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessRemoteFreelancer)

	var desc *model.ContractorDescriptor
	for _, step := range freelancerPath {
		f.tick()
		var err error
		desc, err = f.svc.CompleteStep(context.Background(), consultant(), "c-1", step, "")
		require.NoError(t, err)
	}

	assert.Equal(t, model.StatusDraft, desc.Status)
	assert.True(t, desc.CanActivate)
	assert.Nil(t, desc.CurrentStep)
	assert.Equal(t, 1.0, desc.Progress)
	assert.Nil(t, desc.ActivatedAt)
	assert.NotContains(t, f.pub.types(), model.EventActivated)
	assert.Zero(t, testutil.ToFloat64(f.metrics.ActivationsTotal.WithLabelValues("av_remote_freelancer")))
}

func TestService_CompleteThenActivateThroughGraph(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessRemoteFreelancer)
	for _, step := range freelancerPath {
		_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", step, "")
		require.NoError(t, err)
	}

	// Completion alone never skips the graph.
	_, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusActivated, "")
	require.True(t, model.HasCode(err, model.ErrIllegalTransition))

	f.walkToValidated(t, "c-1")
	f.tick()
	desc, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusActivated, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActivated, desc.Status)
	require.NotNil(t, desc.ActivatedAt)
	assert.Equal(t, *f.clock, *desc.ActivatedAt)
	assert.Empty(t, desc.NextStatuses)

	types := f.pub.types()
	assert.Equal(t, model.EventActivated, types[len(types)-1])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActivationsTotal.WithLabelValues("av_remote_freelancer")))

	_, err = f.svc.CompleteStep(context.Background(), consultant(), "c-1", "contract", "")
	assert.True(t, model.HasCode(err, model.ErrIllegalTransition))
}

func TestService_CompleteStep_concurrentWriters(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartyPayroll)

	steps := []string{"contractor_details", "quote_sheets", "cds_cs", "work_order", "contract", "schedule_form"}

	var wg sync.WaitGroup
	errs := make(chan error, len(steps)*2)
	for _, step := range steps {
		for range 2 {
			wg.Add(1)
			go func(step string) {
				defer wg.Done()
				_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", step, "")
				errs <- err
			}(step)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	state, err := f.store.Get(context.Background(), "aventus", "c-1")
	require.NoError(t, err)
	assert.Len(t, state.Completed, len(steps))
	// One write per distinct step on top of the initial version.
	assert.Equal(t, 1+len(steps), state.Version)
	assert.NotEqual(t, model.StatusActivated, state.Status)
}

// --- Transition ---

func TestService_Transition(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)
	f.tick()

	desc, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusPendingDocuments, "requested docs")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingDocuments, desc.Status)
	assert.Equal(t, 2, desc.Version)

	history, _ := f.svc.History(context.Background(), consultant(), "c-1")
	last := history[len(history)-1]
	assert.Equal(t, model.EventStatusChanged, last.Event)
	assert.Equal(t, "draft", last.FromStatus)
	assert.Equal(t, "pending_documents", last.ToStatus)
	assert.Equal(t, "requested docs", last.Comment)
}

func TestService_Transition_illegalEdge(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)

	_, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusSigned, "")
	assert.True(t, model.HasCode(err, model.ErrIllegalTransition))

	desc, _ := f.svc.Get(context.Background(), consultant(), "c-1")
	assert.Equal(t, model.StatusDraft, desc.Status)
}

func TestService_Transition_activationGate(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessEnterpriseClient)

	walk := []model.Status{
		model.StatusPendingDocuments,
		model.StatusDocumentsUploaded,
		model.StatusPendingReview,
		model.StatusApproved,
		model.StatusPendingSignature,
		model.StatusSigned,
		model.StatusValidated,
	}
	for _, to := range walk {
		_, err := f.svc.Transition(context.Background(), consultant(), "c-1", to, "")
		require.NoError(t, err, "transition to %s", to)
	}

	_, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusActivated, "")
	require.True(t, model.HasCode(err, model.ErrIllegalTransition))
	assert.Contains(t, err.Error(), "contractor_details")

	for _, step := range []string{"contractor_details", "cds_cs", "proposal", "contract"} {
		_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", step, "")
		require.NoError(t, err)
	}
	desc, _ := f.svc.Get(context.Background(), consultant(), "c-1")
	assert.False(t, desc.CanActivate)
	assert.Empty(t, desc.NextStatuses)
}

func TestService_Transition_toActivatedWhenComplete(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessEnterpriseClient)

	// Seed a validated contractor with every step complete so activation
	// goes through Transition.
	state, _ := f.store.Get(context.Background(), "aventus", "c-1")
	state.Status = model.StatusValidated
	for _, id := range []string{"contractor_details", "cds_cs", "proposal", "contract", "finalize"} {
		state.Completed[id] = model.StepCompletion{StepID: id, CompletedAt: *f.clock}
	}
	require.NoError(t, f.store.Update(context.Background(), state))

	desc, err := f.svc.Get(context.Background(), consultant(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Status{model.StatusActivated}, desc.NextStatuses)

	f.tick()
	desc, err = f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusActivated, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActivated, desc.Status)
	require.NotNil(t, desc.ActivatedAt)
	assert.Equal(t, *f.clock, *desc.ActivatedAt)

	types := f.pub.types()
	assert.Equal(t, model.EventActivated, types[len(types)-1])
}

// --- Decline ---

func TestService_Decline(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartyPerm)
	_, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusPendingDocuments, "")
	require.NoError(t, err)

	desc, err := f.svc.Decline(context.Background(), consultant(), "c-1", "missing visa")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingDocuments, desc.Status)
	assert.Equal(t, 2, desc.Version)

	history, _ := f.svc.History(context.Background(), consultant(), "c-1")
	last := history[len(history)-1]
	assert.Equal(t, model.EventDeclined, last.Event)
	assert.Equal(t, "missing visa", last.Comment)
	assert.Equal(t, "pending_documents", last.FromStatus)
}

func TestService_Decline_requiresReason(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartyPerm)

	_, err := f.svc.Decline(context.Background(), consultant(), "c-1", "  ")
	assert.True(t, model.HasCode(err, model.ErrValidationError))
}

func TestService_Decline_activated(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessRemoteFreelancer)
	for _, step := range freelancerPath {
		_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-1", step, "")
		require.NoError(t, err)
	}
	f.walkToValidated(t, "c-1")
	_, err := f.svc.Transition(context.Background(), consultant(), "c-1", model.StatusActivated, "")
	require.NoError(t, err)

	_, err = f.svc.Decline(context.Background(), consultant(), "c-1", "changed mind")
	assert.True(t, model.HasCode(err, model.ErrIllegalTransition))
}

// --- ChangeBusinessType ---

func TestService_ChangeBusinessType(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)

	desc, err := f.svc.ChangeBusinessType(context.Background(), consultant(), "c-1", model.BusinessThirdPartySaudi)
	require.NoError(t, err)
	assert.Equal(t, model.BusinessThirdPartySaudi, desc.BusinessType)

	_, err = f.svc.ChangeBusinessType(context.Background(), consultant(), "c-1", model.BusinessThirdPartyUAE)
	assert.True(t, model.HasCode(err, model.ErrIllegalTransition))

	state, _ := f.store.Get(context.Background(), "aventus", "c-1")
	assert.Equal(t, model.BusinessThirdPartySaudi, state.BusinessType)
}

func TestService_ChangeBusinessType_unknownType(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)

	_, err := f.svc.ChangeBusinessType(context.Background(), consultant(), "c-1", "4th_party_mars")
	require.True(t, model.HasCode(err, model.ErrValidationError))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.RejectedOperationsTotal.WithLabelValues(opChangeBusinessType, model.ErrValidationError)))
}

// --- Locking ---

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) {
	return nil, lock.ErrNotAcquired
}

func TestService_lockFailuresAreRejections(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)
	svc := NewService(f.svc.Tracker(), f.store, WithLocker(busyLocker{}), WithMetrics(f.metrics))
	rctx := consultant()
	ctx := context.Background()

	_, err := svc.CompleteStep(ctx, rctx, "c-1", "contractor_details", "")
	assert.True(t, model.HasCode(err, model.ErrConflict))
	_, err = svc.Transition(ctx, rctx, "c-1", model.StatusPendingDocuments, "")
	assert.True(t, model.HasCode(err, model.ErrConflict))
	_, err = svc.Decline(ctx, rctx, "c-1", "no visa")
	assert.True(t, model.HasCode(err, model.ErrConflict))
	err = svc.Delete(ctx, rctx, "c-1")
	assert.True(t, model.HasCode(err, model.ErrConflict))

	for _, op := range []string{opCompleteStep, opTransition, opDecline, opDelete} {
		assert.Equal(t, 1.0, testutil.ToFloat64(
			f.metrics.RejectedOperationsTotal.WithLabelValues(op, model.ErrConflict)), op)
	}
}

// --- List / Delete ---

func TestService_List(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)
	f.tick()
	f.create(t, "c-2", model.BusinessThirdPartyUAE)
	_, err := f.svc.CompleteStep(context.Background(), consultant(), "c-2", "contractor_details", "")
	require.NoError(t, err)

	// A workflow stored under a business type the catalog no longer maps.
	orphan := testState("c-3", "aventus", "retired_type")
	orphan.CreatedAt = f.clock.Add(time.Hour)
	require.NoError(t, f.store.Create(context.Background(), orphan))

	summaries, total, err := f.svc.List(context.Background(), consultant(), model.ContractorFilters{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, summaries, 3)

	assert.Equal(t, "c-3", summaries[0].ContractorID)
	assert.Empty(t, summaries[0].CurrentStepID)
	assert.Equal(t, "c-2", summaries[1].ContractorID)
	assert.Equal(t, "quote_sheets", summaries[1].CurrentStepID)
	assert.InDelta(t, 1.0/7.0, summaries[1].Progress, 1e-9)

	assert.Equal(t, 1, f.logs.FilterMessage("contractor has no workflow path").Len())
}

func TestService_Get_unmappedBusinessType(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), testState("c-1", "aventus", "retired_type")))

	_, err := f.svc.Get(context.Background(), consultant(), "c-1")
	assert.True(t, model.HasCode(err, model.ErrUnmappedBusinessType))
}

func TestService_Delete(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c-1", model.BusinessThirdPartySaudi)

	require.NoError(t, f.svc.Delete(context.Background(), consultant(), "c-1"))

	_, err := f.svc.Get(context.Background(), consultant(), "c-1")
	assert.True(t, model.HasCode(err, model.ErrNotFound))

	types := f.pub.types()
	assert.Equal(t, model.EventContractorDeleted, types[len(types)-1])

	err = f.svc.Delete(context.Background(), consultant(), "c-1")
	assert.True(t, model.HasCode(err, model.ErrNotFound))
}

// --- Events ---

func TestService_publishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")

	_, err := f.svc.Create(context.Background(), consultant(), "c-1", model.BusinessThirdPartySaudi)
	require.NoError(t, err)

	history, err := f.svc.History(context.Background(), consultant(), "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventPublishFailuresTotal))
	assert.Equal(t, 1, f.logs.FilterMessage("failed to publish workflow event").Len())
}

func TestService_publishesThroughWatermill(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10, Persistent: true}, watermill.NopLogger{})
	defer pubSub.Close()

	svc := NewService(NewTracker(builtinRegistry(t)), NewMemoryContractorStore(),
		WithPublisher(events.NewWatermillPublisher(pubSub, "contractors")),
	)

	messages, err := pubSub.Subscribe(context.Background(), "contractors")
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), consultant(), "c-1", model.BusinessThirdPartyUAE)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		evt, err := events.Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, model.EventContractorCreated, evt.Event)
		assert.Equal(t, "3rd_party_uae", evt.BusinessType)
		assert.Equal(t, "c-1", msg.Metadata.Get(events.MetadataContractorID))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}
