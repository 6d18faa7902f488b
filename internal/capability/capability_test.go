package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aventus/onboarding/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		TenantID:  "aventus",
		Roles:     roles,
	}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, err := e.ResolveCapabilities(testRctx("consultant"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}

	if !caps.Has(model.CapStepsComplete) {
		t.Errorf("consultant should have %s", model.CapStepsComplete)
	}
	if caps.Has(model.CapContractorActivate) {
		t.Errorf("consultant should not have %s", model.CapContractorActivate)
	}
}

func TestStaticPolicyEvaluator_MultipleRoles(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("viewer", "approver"))

	if !caps.HasAll(model.CapCatalogView, model.CapStatusTransition, model.CapContractorActivate) {
		t.Errorf("combined roles = %v, missing expected capabilities", caps)
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("manager"))

	if !caps.Has(model.CapContractorActivate) {
		t.Error("manager with contractors:* should match contractors:activate")
	}
	if !caps.Has(model.CapStepsComplete) {
		t.Error("manager with contractors:* should match contractors:steps:complete")
	}
	if caps.Has(model.CapCatalogView) {
		t.Error("manager with contractors:* should not match catalog:view")
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("nonexistent"))

	if len(caps) != 0 {
		t.Errorf("unknown role caps = %v, want empty", caps)
	}
}

func TestStaticPolicyEvaluator_BuiltinDefault(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator(\"\") error = %v", err)
	}

	roles := e.Roles()
	want := []string{"admin", "consultant", "onboarding_manager", "ops", "payroll"}
	if len(roles) != len(want) {
		t.Fatalf("Roles() = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("Roles()[%d] = %q, want %q", i, roles[i], want[i])
		}
	}

	tests := []struct {
		role string
		cap  string
		want bool
	}{
		{"consultant", model.CapStepsComplete, true},
		{"consultant", model.CapContractorActivate, false},
		{"ops", model.CapStatusTransition, true},
		{"ops", model.CapContractorActivate, false},
		{"payroll", model.CapContractorsCreate, false},
		{"onboarding_manager", model.CapContractorActivate, true},
		{"admin", model.CapContractorsDelete, true},
	}
	for _, tt := range tests {
		caps, err := e.ResolveCapabilities(testRctx(tt.role))
		if err != nil {
			t.Fatalf("ResolveCapabilities(%s) error = %v", tt.role, err)
		}
		if got := caps.Has(tt.cap); got != tt.want {
			t.Errorf("%s has %s = %v, want %v", tt.role, tt.cap, got, tt.want)
		}
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := NewStaticPolicyEvaluator("testdata/malformed.yaml"); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func TestStaticPolicyEvaluator_SyncKeepsPolicyOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  ops: [contractors:view]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := NewStaticPolicyEvaluator(path)
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("roles: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err == nil {
		t.Fatal("Sync() of an empty policy should fail")
	}
	caps, _ := e.ResolveCapabilities(testRctx("ops"))
	if !caps.Has(model.CapContractorsView) {
		t.Error("a failed Sync should keep the previous grants")
	}

	if err := os.WriteFile(path, []byte("roles:\n  ops: [contractors:decline]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	caps, _ = e.ResolveCapabilities(testRctx("ops"))
	if caps.Has(model.CapContractorsView) || !caps.Has(model.CapContractorDecline) {
		t.Errorf("after Sync caps = %v", caps)
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	obs := &countingObserver{}
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	r := NewResolver(e, 5*time.Minute, WithObserver(obs))

	rctx := testRctx("viewer")

	caps1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	caps2, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has(model.CapContractorsView) || !caps2.Has(model.CapContractorsView) {
		t.Error("both results should have contractors:view")
	}
	if obs.hits != 1 || obs.misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", obs.hits, obs.misses)
	}
}

func TestResolver_RolesArePartOfKey(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)

	r.Resolve(testRctx("viewer"))
	r.Resolve(testRctx("viewer", "approver"))
	r.Resolve(testRctx("approver", "viewer"))

	if callCount != 2 {
		t.Errorf("callCount = %d, want 2 (role order must not matter)", callCount)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{model.CapContractorsView: true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx("viewer")

	r.Resolve(rctx)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1", "aventus")

	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Resolve(testRctx())
	now = now.Add(2 * time.Minute)
	r.Resolve(testRctx())

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_Purge(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	r := NewResolver(e, time.Minute)
	r.Resolve(testRctx("viewer"))
	r.Resolve(&model.RequestContext{SubjectID: "user-2", TenantID: "aventus", Roles: []string{"manager"}})

	r.Purge()
	if r.Len() != 0 {
		t.Errorf("Len() after Purge = %d, want 0", r.Len())
	}
}

func TestResolver_MaxEntries(t *testing.T) {
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Minute, WithMaxEntries(2))

	for _, subject := range []string{"a", "b", "c", "d"} {
		r.Resolve(&model.RequestContext{SubjectID: subject, TenantID: "aventus"})
	}
	if r.Len() > 2 {
		t.Errorf("Len() = %d, want <= 2", r.Len())
	}
}

// --- Test doubles ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) RecordCapabilityCacheHit()  { o.hits++ }
func (o *countingObserver) RecordCapabilityCacheMiss() { o.misses++ }
