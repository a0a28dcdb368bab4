package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set by cmd/modulus from ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is one dependency's outcome.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists the dependencies /ready probes. Store is required;
// the rest are probed only when set.
type ReadinessChecks struct {
	Store            HealthChecker
	Cache            HealthChecker
	IdempotencyStore HealthChecker
	Events           HealthChecker
}

var errNoStore = errors.New("no config store")

// named returns the checks to run keyed by report name.
func (c ReadinessChecks) named() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"config_store": c.Store,
	}
	if c.Store == nil {
		out["config_store"] = CheckFunc(func(context.Context) error { return errNoStore })
	}
	for name, hc := range map[string]HealthChecker{
		"cache":             c.Cache,
		"idempotency_store": c.IdempotencyStore,
		"events":            c.Events,
	} {
		if hc != nil {
			out[name] = hc
		}
	}
	return out
}

// checkTimeout bounds each dependency probe.
var checkTimeout = 2 * time.Second

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady probes every configured dependency concurrently and answers
// 503 when any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = make(map[string]CheckResult)
			g       errgroup.Group
		)
		for name, hc := range checks.named() {
			name, hc := name, hc
			g.Go(func() error {
				res := probe(r.Context(), hc)
				mu.Lock()
				results[name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, status, resp)
	}
}

func probe(parent context.Context, hc HealthChecker) CheckResult {
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

func writeProbe(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
