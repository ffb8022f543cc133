package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// ServiceName identifies the process in health bodies and trace resources.
const ServiceName = "flowengine"

var startedAt = time.Now()

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body, one entry per dependency.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what the engine needs before it can take work.
// Definitions reports how many workflow types are loaded; zero means not
// ready. The dependency checkers are skipped when nil.
type ReadinessChecks struct {
	Definitions func() int

	Store  HealthChecker
	Lock   HealthChecker
	Events HealthChecker
}

func (c ReadinessChecks) dependencies() map[string]HealthChecker {
	deps := make(map[string]HealthChecker, 3)
	if c.Store != nil {
		deps["store"] = c.Store
	}
	if c.Lock != nil {
		deps["lock"] = c.Lock
	}
	if c.Events != nil {
		deps["events"] = c.Events
	}
	return deps
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Service:       ServiceName,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady returns the readiness handler. Dependency checks run
// concurrently, each bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{"definitions": definitionsResult(checks.Definitions)}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, checker := range checks.dependencies() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, resp)
	}
}

func definitionsResult(count func() int) CheckResult {
	n := 0
	if count != nil {
		n = count()
	}
	if n == 0 {
		return CheckResult{Status: "error", Error: "no workflow definitions loaded"}
	}
	return CheckResult{Status: "ok", Detail: fmt.Sprintf("%d workflow types", n)}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
