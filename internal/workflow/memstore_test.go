package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/aventus/onboarding/model"
)

func testState(contractorID, tenantID string, bt model.BusinessType) model.ContractorWorkflow {
	now := time.Now().UTC()
	return model.ContractorWorkflow{
		ContractorID: contractorID,
		TenantID:     tenantID,
		BusinessType: bt,
		Status:       model.StatusDraft,
		Completed:    map[string]model.StepCompletion{},
		CreatedBy:    "user-alice",
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

// --- Create ---

func TestMemoryContractorStore_Create(t *testing.T) {
	store := NewMemoryContractorStore()
	err := store.Create(context.Background(), testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryContractorStore_Create_duplicate(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	state := testState("c-1", "tenant-1", model.BusinessThirdPartySaudi)

	if err := store.Create(ctx, state); err != nil {
		t.Fatalf("first Create error: %v", err)
	}
	err := store.Create(ctx, state)
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("duplicate Create error = %v, want CONFLICT", err)
	}
}

func TestMemoryContractorStore_Create_sameIDOtherTenant(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()

	if err := store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi)); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, testState("c-1", "tenant-2", model.BusinessThirdPartyUAE)); err != nil {
		t.Errorf("Create in other tenant error = %v", err)
	}
}

// --- Get ---

func TestMemoryContractorStore_Get(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	state := testState("c-1", "tenant-1", model.BusinessRemoteWPS)
	state.Completed["contractor_details"] = model.StepCompletion{StepID: "contractor_details", CompletedAt: state.CreatedAt}
	store.Create(ctx, state)

	got, err := store.Get(ctx, "tenant-1", "c-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.BusinessType != model.BusinessRemoteWPS {
		t.Errorf("BusinessType = %q, want av_remote_wps", got.BusinessType)
	}
	if !got.IsCompleted("contractor_details") {
		t.Error("completion not persisted")
	}

	// Mutating the returned copy must not leak into the store.
	got.Completed["cds_cs"] = model.StepCompletion{StepID: "cds_cs"}
	again, _ := store.Get(ctx, "tenant-1", "c-1")
	if again.IsCompleted("cds_cs") {
		t.Error("Get returned a shared map")
	}
}

func TestMemoryContractorStore_Get_notFound(t *testing.T) {
	store := NewMemoryContractorStore()
	_, err := store.Get(context.Background(), "tenant-1", "missing")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryContractorStore_Get_tenantIsolation(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	_, err := store.Get(ctx, "tenant-2", "c-1")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant Get error = %v, want NOT_FOUND", err)
	}
}

// --- Update ---

func TestMemoryContractorStore_Update(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	state, _ := store.Get(ctx, "tenant-1", "c-1")
	state.Status = model.StatusPendingDocuments
	if err := store.Update(ctx, state); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	got, _ := store.Get(ctx, "tenant-1", "c-1")
	if got.Status != model.StatusPendingDocuments {
		t.Errorf("Status = %q, want pending_documents", got.Status)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestMemoryContractorStore_Update_keepsUpdatedAt(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	state, _ := store.Get(ctx, "tenant-1", "c-1")
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	state.UpdatedAt = at
	store.Update(ctx, state)

	got, _ := store.Get(ctx, "tenant-1", "c-1")
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
	}
}

func TestMemoryContractorStore_Update_versionConflict(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	a, _ := store.Get(ctx, "tenant-1", "c-1")
	b, _ := store.Get(ctx, "tenant-1", "c-1")

	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first Update error: %v", err)
	}
	err := store.Update(ctx, b)
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("stale Update error = %v, want CONFLICT", err)
	}
}

func TestMemoryContractorStore_Update_notFound(t *testing.T) {
	store := NewMemoryContractorStore()
	err := store.Update(context.Background(), testState("missing", "tenant-1", model.BusinessThirdPartySaudi))
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- List ---

func TestMemoryContractorStore_List(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, bt := range []model.BusinessType{
		model.BusinessThirdPartySaudi,
		model.BusinessThirdPartyUAE,
		model.BusinessThirdPartySaudi,
	} {
		s := testState("c-"+string(rune('a'+i)), "tenant-1", bt)
		s.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		store.Create(ctx, s)
	}
	store.Create(ctx, testState("other", "tenant-2", model.BusinessThirdPartySaudi))

	all, total, err := store.List(ctx, "tenant-1", model.ContractorFilters{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("List = %d (total %d), want 3", len(all), total)
	}
	if all[0].ContractorID != "c-c" {
		t.Errorf("first = %q, want newest c-c", all[0].ContractorID)
	}

	saudi, total, _ := store.List(ctx, "tenant-1", model.ContractorFilters{BusinessType: model.BusinessThirdPartySaudi})
	if total != 2 || len(saudi) != 2 {
		t.Errorf("filtered List = %d (total %d), want 2", len(saudi), total)
	}
}

func TestMemoryContractorStore_List_pagination(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		store.Create(ctx, testState(id, "tenant-1", model.BusinessRemoteFreelancer))
	}

	page, total, _ := store.List(ctx, "tenant-1", model.ContractorFilters{Limit: 2, Offset: 2})
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}

	past, _, _ := store.List(ctx, "tenant-1", model.ContractorFilters{Offset: 10})
	if len(past) != 0 {
		t.Errorf("offset past end = %d items, want 0", len(past))
	}
}

// --- Events ---

func TestMemoryContractorStore_AppendAndGetEvents(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.AppendEvent(ctx, model.WorkflowEvent{ID: "e2", ContractorID: "c-1", TenantID: "tenant-1", Event: model.EventStepCompleted, Timestamp: base.Add(time.Minute)})
	store.AppendEvent(ctx, model.WorkflowEvent{ID: "e1", ContractorID: "c-1", TenantID: "tenant-1", Event: model.EventContractorCreated, Timestamp: base})

	events, err := store.GetEvents(ctx, "tenant-1", "c-1")
	if err != nil {
		t.Fatalf("GetEvents error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("order = [%s %s], want [e1 e2]", events[0].ID, events[1].ID)
	}
}

func TestMemoryContractorStore_GetEvents_tenantIsolation(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	_, err := store.GetEvents(ctx, "tenant-2", "c-1")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant GetEvents error = %v, want NOT_FOUND", err)
	}
}

// --- Delete ---

func TestMemoryContractorStore_Delete(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))
	store.AppendEvent(ctx, model.WorkflowEvent{ID: "e1", ContractorID: "c-1", TenantID: "tenant-1"})

	if err := store.Delete(ctx, "tenant-1", "c-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}

	// Recreating the id starts with an empty trail.
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))
	events, _ := store.GetEvents(ctx, "tenant-1", "c-1")
	if len(events) != 0 {
		t.Errorf("events after recreate = %d, want 0", len(events))
	}
}

func TestMemoryContractorStore_Delete_tenantIsolation(t *testing.T) {
	store := NewMemoryContractorStore()
	ctx := context.Background()
	store.Create(ctx, testState("c-1", "tenant-1", model.BusinessThirdPartySaudi))

	err := store.Delete(ctx, "tenant-2", "c-1")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant Delete error = %v, want NOT_FOUND", err)
	}
	if store.Len() != 1 {
		t.Error("cross-tenant Delete removed the workflow")
	}
}
