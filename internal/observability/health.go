package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Set with -ldflags "-X .../observability.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores and clients that can ping their
// backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc lets a plain function serve as a HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready verifies. The catalog and OpenAPI flags
// are always checked and fail when nil. Backend checkers are skipped when
// nil, which is the case for the in-memory drivers.
type ReadinessChecks struct {
	CatalogLoaded func() bool
	OpenAPILoaded func() bool

	ContractorStore  HealthChecker
	IdempotencyStore HealthChecker
	Lock             HealthChecker
}

var (
	errCatalogNotLoaded = errors.New("step catalog not loaded")
	errOpenAPINotLoaded = errors.New("OpenAPI document not loaded")
)

const checkTimeout = 2 * time.Second

// named returns the checks to run keyed by the name reported in the body.
func (c ReadinessChecks) named() map[string]HealthChecker {
	flag := func(loaded func() bool, err error) HealthChecker {
		return HealthCheckFunc(func(context.Context) error {
			if loaded == nil || !loaded() {
				return err
			}
			return nil
		})
	}
	out := map[string]HealthChecker{
		"catalog": flag(c.CatalogLoaded, errCatalogNotLoaded),
		"openapi": flag(c.OpenAPILoaded, errOpenAPINotLoaded),
	}
	for name, hc := range map[string]HealthChecker{
		"contractor_store":  c.ContractorStore,
		"idempotency_store": c.IdempotencyStore,
		"lock":              c.Lock,
	} {
		if hc != nil {
			out[name] = hc
		}
	}
	return out
}

// HandleHealth answers liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every readiness check in parallel, each under its own
// timeout, and answers 503 if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(named))}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, hc := range named {
			wg.Go(func() {
				res := runCheck(r.Context(), hc)
				mu.Lock()
				resp.Checks[name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		code := http.StatusOK
		for _, res := range resp.Checks {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, code, resp)
	}
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
