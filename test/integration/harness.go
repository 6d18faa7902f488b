// Package integration provides a reusable test harness for end-to-end
// testing of the onboarding API. It starts a full HTTP server over the
// builtin catalog, in-memory or miniredis-backed stores, an in-process event
// bus, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aventus/onboarding/internal/capability"
	"github.com/aventus/onboarding/internal/config"
	"github.com/aventus/onboarding/internal/definition"
	"github.com/aventus/onboarding/internal/events"
	"github.com/aventus/onboarding/internal/idempotency"
	"github.com/aventus/onboarding/internal/lock"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/internal/openapi"
	"github.com/aventus/onboarding/internal/transport"
	"github.com/aventus/onboarding/internal/workflow"
	"github.com/aventus/onboarding/model"
)

// TestHarness encapsulates a fully wired onboarding API for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Store       *workflow.MemoryContractorStore
	Service     *workflow.Service
	Idempotency idempotency.Store
	Bus         *events.Bus
	Redis       *miniredis.Miniredis
	Metrics     *prometheus.Registry
	Logs        *observer.ObservedLogs

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	strictOrder    bool
	redis          bool
	idempotency    bool
	policyFile     string
	handlerTimeout time.Duration
}

// WithStrictOrder enforces sequential step completion.
func WithStrictOrder() HarnessOption {
	return func(c *harnessConfig) {
		c.strictOrder = true
	}
}

// WithRedis backs the contractor lock and idempotency store with miniredis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithoutIdempotency disables X-Idempotency-Key handling.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		idempotency:    true,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	h.Logs = logs

	// Step 1: Load the builtin catalog.
	catalog, err := definition.NewLoader().LoadBuiltin()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if verrs := definition.NewValidator().Validate(catalog); len(verrs) > 0 {
		t.Fatalf("builtin catalog invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(catalog)

	// Step 2: Load the OpenAPI index.
	oaIndex, err := openapi.Load()
	if err != nil {
		t.Fatalf("load OpenAPI document: %v", err)
	}

	// Step 3: Build capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	capResolver := capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 4: Build stores, lock and event bus.
	h.Store = workflow.NewMemoryContractorStore()

	var locker lock.Locker = lock.NewMemoryLocker()
	h.Idempotency = idempotency.NewMemoryStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })

		locker = lock.NewRedisLocker(client, "onboard:lock:",
			lock.WithTTL(5*time.Second),
			lock.WithRetryInterval(5*time.Millisecond),
			lock.WithLogger(logger),
		)
		h.Idempotency = idempotency.NewRedisStore(client)
	}

	h.Bus, err = events.Open(config.EventsConfig{Driver: "gochannel", Buffer: 64}, events.NewZapLogger(logger))
	if err != nil {
		t.Fatalf("open event bus: %v", err)
	}
	t.Cleanup(func() { h.Bus.Close() })

	// Step 5: Build the workflow service.
	h.Metrics = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Metrics)

	tracker := workflow.NewTracker(h.Registry, workflow.WithStrictOrder(hc.strictOrder))
	h.Service = workflow.NewService(tracker, h.Store,
		workflow.WithLocker(locker),
		workflow.WithPublisher(h.Bus.Publisher),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	// Step 6: Create JWT issuer.
	h.issuer = newTokenIssuer()

	// Step 7: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Idempotency.Enabled = hc.idempotency
	h.cfg.Idempotency.TTL = time.Hour

	// Step 8: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, h.issuer.SigningKey()),
		CapabilityResolver: capResolver,
		Catalog:            h.Registry,
		Service:            h.Service,
		OpenAPI:            oaIndex,
		Idempotency:        h.Idempotency,
		Metrics:            metrics,
		Gatherer:           h.Metrics,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded:    func() bool { return len(h.Registry.BusinessTypes()) > 0 },
			OpenAPILoaded:    func() bool { return len(oaIndex.Operations()) > 0 },
			ContractorStore:  h.Store,
			IdempotencyStore: h.Idempotency.(observability.HealthChecker),
		},
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Subscribe returns a channel receiving every event published on the bus
// from now on. Events published before the call are not delivered.
func (h *TestHarness) Subscribe() <-chan model.WorkflowEvent {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)

	msgs, err := h.Bus.Subscriber.Subscribe(ctx, h.Bus.Topic)
	if err != nil {
		h.t.Fatalf("subscribe: %v", err)
	}

	out := make(chan model.WorkflowEvent, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			evt, err := events.Decode(msg)
			msg.Ack()
			if err != nil {
				continue
			}
			out <- evt
		}
	}()
	return out
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Do performs a request with arbitrary method and headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			bodyReader = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// CreateContractor creates a workflow and fails the test on anything but 201.
func (h *TestHarness) CreateContractor(id string, bt model.BusinessType, token string) model.ContractorDescriptor {
	h.t.Helper()
	var desc model.ContractorDescriptor
	h.AssertJSON(h.t, h.POST("/v1/contractors", map[string]string{
		"contractor_id": id,
		"business_type": string(bt),
	}, token), http.StatusCreated, &desc)
	return desc
}

// CompleteStep completes a step and returns the updated descriptor.
func (h *TestHarness) CompleteStep(id, stepID, token string) model.ContractorDescriptor {
	h.t.Helper()
	var desc model.ContractorDescriptor
	h.AssertJSON(h.t, h.POST(fmt.Sprintf("/v1/contractors/%s/steps/%s/complete", id, stepID), nil, token),
		http.StatusOK, &desc)
	return desc
}

// Transition moves the contractor to status to and returns the updated
// descriptor.
func (h *TestHarness) Transition(id string, to model.Status, token string) model.ContractorDescriptor {
	h.t.Helper()
	var desc model.ContractorDescriptor
	h.AssertJSON(h.t, h.POST(fmt.Sprintf("/v1/contractors/%s/transitions", id), map[string]string{"to": string(to)}, token),
		http.StatusOK, &desc)
	return desc
}

// StatusWalk is every status from pending_documents through validated.
var StatusWalk = []model.Status{
	model.StatusPendingDocuments,
	model.StatusDocumentsUploaded,
	model.StatusPendingReview,
	model.StatusApproved,
	model.StatusPendingSignature,
	model.StatusSigned,
	model.StatusValidated,
}

// Activate walks the contractor from draft to validated and then activates
// it. Every path step must already be complete.
func (h *TestHarness) Activate(id, token string) model.ContractorDescriptor {
	h.t.Helper()
	for _, to := range StatusWalk {
		h.Transition(id, to, token)
	}
	return h.Transition(id, model.StatusActivated, token)
}

// PathStepIDs returns the ordered step ids of bt's path.
func (h *TestHarness) PathStepIDs(bt model.BusinessType) []string {
	h.t.Helper()
	steps, err := h.Registry.WorkflowSteps(bt)
	if err != nil {
		h.t.Fatalf("WorkflowSteps(%s): %v", bt, err)
	}
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

// --- Default test claims ---

// ConsultantClaims returns TestClaims for a consultant in acme-staffing.
func ConsultantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-consultant",
		TenantID:  "acme-staffing",
		Email:     "consultant@acme.example.com",
		Roles:     []string{"consultant"},
	}
}

// OpsClaims returns TestClaims for an ops user in acme-staffing.
func OpsClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-ops",
		TenantID:  "acme-staffing",
		Email:     "ops@acme.example.com",
		Roles:     []string{"ops"},
	}
}

// PayrollClaims returns TestClaims for a payroll user in acme-staffing.
func PayrollClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-payroll",
		TenantID:  "acme-staffing",
		Email:     "payroll@acme.example.com",
		Roles:     []string{"payroll"},
	}
}

// ManagerClaims returns TestClaims for an onboarding manager in acme-staffing.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  "acme-staffing",
		Email:     "manager@acme.example.com",
		Roles:     []string{"onboarding_manager"},
	}
}

// OtherTenantManagerClaims returns manager claims for a different tenant.
func OtherTenantManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager-2",
		TenantID:  "globex-hr",
		Email:     "manager@globex.example.com",
		Roles:     []string{"onboarding_manager"},
	}
}
