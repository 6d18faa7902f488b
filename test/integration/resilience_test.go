package integration

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aventus/onboarding/model"
)

// ==========================================================================
// Concurrency
// ==========================================================================

func testConcurrentCompletions(t *testing.T, h *TestHarness) {
	t.Helper()
	token := h.GenerateToken(ConsultantClaims())
	h.CreateContractor("ctr-race", model.BusinessThirdPartyUAE, token)

	path := h.PathStepIDs(model.BusinessThirdPartyUAE)

	var wg sync.WaitGroup
	statuses := make(chan int, len(path)*3)
	for _, stepID := range path {
		for range 3 {
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				resp := h.POST(fmt.Sprintf("/v1/contractors/ctr-race/steps/%s/complete", stepID), nil, token)
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				statuses <- resp.StatusCode
			}(stepID)
		}
	}
	wg.Wait()
	close(statuses)

	for code := range statuses {
		if code != http.StatusOK {
			t.Errorf("concurrent completion status = %d", code)
		}
	}

	var desc model.ContractorDescriptor
	h.AssertJSON(t, h.GET("/v1/contractors/ctr-race", token), http.StatusOK, &desc)
	if desc.Status != model.StatusDraft || !desc.CanActivate {
		t.Errorf("status = %q can_activate = %v, want draft and true", desc.Status, desc.CanActivate)
	}

	var history struct {
		Data []model.WorkflowEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/contractors/ctr-race/history", token), http.StatusOK, &history)
	completions := 0
	for _, e := range history.Data {
		switch e.Event {
		case model.EventStepCompleted:
			completions++
		case model.EventActivated:
			t.Error("step completion must not activate")
		}
	}
	if completions != len(path) {
		t.Errorf("step_completed events = %d, want %d", completions, len(path))
	}
}

func TestResilience_ConcurrentCompletions_MemoryLock(t *testing.T) {
	testConcurrentCompletions(t, NewTestHarness(t))
}

func TestResilience_ConcurrentCompletions_RedisLock(t *testing.T) {
	h := NewTestHarness(t, WithRedis())
	testConcurrentCompletions(t, h)

	for _, k := range h.Redis.Keys() {
		if strings.HasPrefix(k, "onboard:lock:") {
			t.Errorf("lock key %q was not released", k)
		}
	}
}

// ==========================================================================
// Idempotency
// ==========================================================================

func testIdempotentCreate(t *testing.T, h *TestHarness) {
	t.Helper()
	token := h.GenerateToken(ConsultantClaims())
	body := map[string]string{"contractor_id": "ctr-idem", "business_type": "3rd_party_saudi"}
	headers := map[string]string{"X-Idempotency-Key": "create-ctr-idem"}

	first := h.POSTWithHeaders("/v1/contractors", body, token, headers)
	h.AssertStatus(t, first, http.StatusCreated)

	second := h.POSTWithHeaders("/v1/contractors", body, token, headers)
	defer second.Body.Close()
	if second.StatusCode != http.StatusCreated {
		t.Errorf("replay status = %d, want 201", second.StatusCode)
	}
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("replay should set Idempotent-Replayed")
	}

	body["business_type"] = "3rd_party_uae"
	reused := h.POSTWithHeaders("/v1/contractors", body, token, headers)
	h.AssertError(t, reused, http.StatusConflict, model.ErrConflict)

	// Without the key a second create is a plain conflict on the id.
	h.AssertError(t, h.POST("/v1/contractors", map[string]string{
		"contractor_id": "ctr-idem", "business_type": "3rd_party_saudi",
	}, token), http.StatusConflict, model.ErrConflict)
}

func TestResilience_IdempotentCreate_Memory(t *testing.T) {
	testIdempotentCreate(t, NewTestHarness(t))
}

func TestResilience_IdempotentCreate_Redis(t *testing.T) {
	testIdempotentCreate(t, NewTestHarness(t, WithRedis()))
}

func TestResilience_IdempotencyDisabled(t *testing.T) {
	h := NewTestHarness(t, WithoutIdempotency())
	token := h.GenerateToken(ConsultantClaims())
	body := map[string]string{"contractor_id": "ctr-noidem", "business_type": "3rd_party_saudi"}
	headers := map[string]string{"X-Idempotency-Key": "k-1"}

	h.AssertStatus(t, h.POSTWithHeaders("/v1/contractors", body, token, headers), http.StatusCreated)
	h.AssertError(t, h.POSTWithHeaders("/v1/contractors", body, token, headers), http.StatusConflict, model.ErrConflict)
}

// ==========================================================================
// Operational endpoints
// ==========================================================================

func TestResilience_ReadinessWithRedis(t *testing.T) {
	h := NewTestHarness(t, WithRedis())

	resp := h.GET("/ready", "")
	h.AssertStatus(t, resp, http.StatusOK)

	h.Redis.Close()
	resp = h.GET("/ready", "")
	h.AssertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestResilience_MetricsReflectWorkflowActivity(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ConsultantClaims())
	h.CreateContractor("ctr-metrics", model.BusinessRemoteFreelancer, token)
	h.CompleteStep("ctr-metrics", "contractor_details", token)

	resp := h.GET("/metrics", "")
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	text := string(data)

	for _, name := range []string{
		"onboard_contractors_created_total",
		"onboard_steps_completed_total",
		"onboard_http_requests_total",
	} {
		if !strings.Contains(text, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestResilience_LogsCarryRequestFields(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ConsultantClaims())
	h.CreateContractor("ctr-logs", model.BusinessRemoteFreelancer, token)

	entries := h.Logs.FilterMessage("contractor workflow created").All()
	if len(entries) != 1 {
		t.Fatalf("created log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["contractor_id"] != "ctr-logs" {
		t.Errorf("contractor_id = %v", fields["contractor_id"])
	}
	if fields["tenant_id"] != "acme-staffing" {
		t.Errorf("tenant_id = %v, want acme-staffing", fields["tenant_id"])
	}
}
