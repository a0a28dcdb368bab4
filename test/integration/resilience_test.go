package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/modulus/internal/config"
	"github.com/pitabwire/modulus/internal/render"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/model"
)

func TestResilience_circuitBreakerOpensAfterFailures(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("holdVehicle").RespondWith(http.StatusInternalServerError, map[string]any{"error": "boom"})

	for i := 0; i < 2; i++ {
		h.AssertStatus(t, h.POST("/ui/actions/fleet/vehicles/hold", nil, token), http.StatusInternalServerError)
	}
	if got := h.Client.Breaker().State(); got != resolver.BreakerOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	resp := h.POST("/ui/actions/fleet/vehicles/hold", nil, token)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 while open", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrUpstreamFailure {
		t.Errorf("code = %q, want UPSTREAM_FAILURE", code)
	}
	h.Backend().AssertCalled(t, "holdVehicle", 2)
}

func TestResilience_openBreakerDegradesRender(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("holdVehicle").RespondWithConnectionError()
	h.AssertStatus(t, h.POST("/ui/actions/fleet/vehicles/hold", nil, token), http.StatusBadGateway)

	var view render.View
	h.AssertJSON(t, h.GET("/ui/render?path=/vehicles", token), http.StatusOK, &view)

	blocks := view.Rows[0].Columns[0].Blocks
	for _, b := range blocks[1:3] {
		if b.Metric.Display != render.MetricSentinel {
			t.Errorf("metric %s display = %q, want sentinel", b.Metric.ID, b.Metric.Display)
		}
	}
	if blocks[3].Metric.Display != "Nairobi" {
		t.Errorf("static metric display = %q, want Nairobi", blocks[3].Metric.Display)
	}
	if got := len(blocks[4].Table.Rows); got != 0 {
		t.Errorf("table rows = %d, want 0", got)
	}
	h.Backend().AssertNotCalled(t, "listVehicles")
	h.Backend().AssertNotCalled(t, "vehicleStats")
}

func TestResilience_connectionErrorOnRunAPI(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("createVehicle").RespondWithConnectionError()

	resp := h.POST("/ui/actions/fleet/vehicles/create", map[string]any{"payload": map[string]any{"plate": "KDA 001"}}, token)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrUpstreamFailure {
		t.Errorf("code = %q, want UPSTREAM_FAILURE", code)
	}
}

func TestResilience_slowSourceReportsError(t *testing.T) {
	h := NewTestHarness(t, WithHandlerTimeout(300*time.Millisecond))
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("vehicleStats").RespondWithDelay(3*time.Second, http.StatusOK, map[string]any{"active": 1})

	start := time.Now()
	var res resolver.MetricResult
	h.AssertJSON(t, h.POST("/ui/resolve", map[string]any{
		"kind":       "metric",
		"dataSource": map[string]any{"url": "/api/vehicles/stats", "path": "active"},
	}, token), http.StatusOK, &res)

	if res.Error == "" {
		t.Error("a timed-out metric should carry an error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %v, the handler timeout should cut it short", elapsed)
	}
}

func TestResilience_textUpstreamBody(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims())

	h.Backend().OnOperation("listDrivers").RespondWithText(http.StatusOK, "not json")

	var view render.View
	h.AssertJSON(t, h.GET("/ui/render?path=/drivers", token), http.StatusOK, &view)
	table := view.Rows[0].Columns[0].Blocks[0].Table
	// A text body has no "data" path to extract rows from.
	if table.Rows == nil || len(table.Rows) != 0 {
		t.Errorf("rows = %v, want an empty list", table.Rows)
	}
}
