package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/modulus/internal/action"
	"github.com/pitabwire/modulus/model"
)

func TestAction_runAPIForwardsPayload(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("createVehicle").RespondWith(http.StatusCreated, map[string]any{"id": "v-9"})

	var res action.Result
	h.AssertJSON(t, h.POST("/ui/actions/fleet/vehicles/create",
		map[string]any{"payload": map[string]any{"plate": "KDD 004", "seats": 14}}, token),
		http.StatusOK, &res)

	if res.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", res.Status)
	}
	if res.Body == nil {
		t.Fatal("body should be set")
	}
	if got := res.Body.At("id").Text(); got != "v-9" {
		t.Errorf("body.id = %q, want v-9", got)
	}
	if ok, _ := res.Body.Get("ok"); !ok.Truthy() {
		t.Error("body should carry ok: true")
	}

	req := h.Backend().LastRequest("createVehicle")
	if req == nil {
		t.Fatal("createVehicle not called")
	}
	if req.Body["plate"] != "KDD 004" {
		t.Errorf("forwarded body = %v", req.Body)
	}
	if req.Headers.Get("X-Subject-Id") != "user-manager" {
		t.Errorf("X-Subject-Id = %q", req.Headers.Get("X-Subject-Id"))
	}
}

func TestAction_simpleTypesDoNotCallAPI(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims())

	var modal action.Result
	h.AssertJSON(t, h.POST("/ui/actions/fleet/vehicles/open-add", nil, token), http.StatusOK, &modal)
	if modal.Type != model.ActionOpenModal || modal.ModalID != "add-modal" {
		t.Errorf("open-modal result = %+v", modal)
	}

	var export action.Result
	h.AssertJSON(t, h.POST("/ui/actions/fleet/vehicles/export", nil, token), http.StatusOK, &export)
	if export.Target != "/api/vehicles?format=csv" {
		t.Errorf("export target = %q", export.Target)
	}

	h.Backend().AssertNotCalled(t, "listVehicles")
}

func TestAction_permissionDenied(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims())

	resp := h.POST("/ui/actions/fleet/vehicles/create", map[string]any{"payload": map[string]any{}}, token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrForbidden {
		t.Errorf("code = %q, want FORBIDDEN", code)
	}
	h.Backend().AssertNotCalled(t, "createVehicle")
}

func TestAction_upstreamFailureRelayed(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims())

	h.Backend().OnOperation("holdVehicle").
		RespondWith(http.StatusConflict, map[string]any{"reason": "vehicle on trip"})

	resp := h.POST("/ui/actions/fleet/vehicles/hold", nil, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want the upstream 409", resp.StatusCode)
	}
	var body map[string]any
	h.ParseJSON(resp, &body)
	if body["reason"] != "vehicle on trip" {
		t.Errorf("body = %v, want the upstream body verbatim", body)
	}
}

func TestAction_upstreamTextFailureWrapped(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims())

	h.Backend().OnOperation("holdVehicle").RespondWithText(http.StatusServiceUnavailable, "maintenance")

	resp := h.POST("/ui/actions/fleet/vehicles/hold", nil, token)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Error    model.ErrorEnvelope `json:"error"`
		Upstream string              `json:"upstream"`
	}
	h.ParseJSON(resp, &body)
	if body.Error.Code != model.ErrUpstreamFailure || body.Upstream != "maintenance" {
		t.Errorf("body = %+v", body)
	}
}

func TestAction_unknownReferences(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	for _, path := range []string{
		"/ui/actions/ghost/vehicles/create",
		"/ui/actions/fleet/ghost/create",
		"/ui/actions/fleet/vehicles/ghost",
		"/ui/actions/reports/monthly/anything",
	} {
		t.Run(path, func(t *testing.T) {
			h.AssertStatus(t, h.POST(path, nil, token), http.StatusNotFound)
		})
	}
}

func TestAction_idempotentReplay(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("createVehicle").
		RespondWith(http.StatusCreated, map[string]any{"id": "v-1"}).
		RespondWith(http.StatusCreated, map[string]any{"id": "v-2"})

	body := map[string]any{"payload": map[string]any{"plate": "KDD 004"}, "idempotencyKey": "create-1"}

	var first, second action.Result
	h.AssertJSON(t, h.POST("/ui/actions/fleet/vehicles/create", body, token), http.StatusOK, &first)
	h.AssertJSON(t, h.POST("/ui/actions/fleet/vehicles/create", body, token), http.StatusOK, &second)

	h.Backend().AssertCalled(t, "createVehicle", 1)
	if !second.Replayed {
		t.Error("second call should be a replay")
	}
	if second.Body.At("id").Text() != "v-1" {
		t.Errorf("replayed id = %q, want v-1", second.Body.At("id").Text())
	}

	// Another caller with the same key is a different invocation.
	other := h.GenerateToken(AdminClaims())
	var third action.Result
	h.AssertJSON(t, h.POST("/ui/actions/fleet/vehicles/create", body, other), http.StatusOK, &third)
	if third.Replayed {
		t.Error("idempotency keys must be scoped to the caller")
	}
	h.Backend().AssertCalled(t, "createVehicle", 2)
}

func TestAction_idempotencyKeyReuseWithDifferentPayload(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	token := h.GenerateToken(ManagerClaims())

	h.AssertStatus(t, h.POST("/ui/actions/fleet/vehicles/create",
		map[string]any{"payload": map[string]any{"plate": "KDD 004"}, "idempotencyKey": "k"}, token), http.StatusOK)

	resp := h.POST("/ui/actions/fleet/vehicles/create",
		map[string]any{"payload": map[string]any{"plate": "KEE 005"}, "idempotencyKey": "k"}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 for a reused key", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestForm_submitValidatesThenRunsAction(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	resp := h.POST("/ui/forms/fleet/vehicles/add-form/submit",
		map[string]any{"values": map[string]any{"plate": "kdd4", "seats": 0}}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var invalid struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &invalid)
	fields := map[string]string{}
	for _, d := range invalid.Error.Details {
		fields[d.Field] = d.Code
	}
	if len(fields) != 2 || fields["plate"] == "" || fields["seats"] == "" {
		t.Errorf("details = %+v, want plate and seats", invalid.Error.Details)
	}
	h.Backend().AssertNotCalled(t, "createVehicle")

	h.Backend().OnOperation("createVehicle").RespondWith(http.StatusCreated, map[string]any{"id": "v-3"})
	var res action.Result
	h.AssertJSON(t, h.POST("/ui/forms/fleet/vehicles/add-form/submit",
		map[string]any{"values": map[string]any{"plate": "KDD 004", "seats": 14}}, token),
		http.StatusOK, &res)
	if res.ActionID != "create" {
		t.Errorf("actionId = %q, want create", res.ActionID)
	}
	req := h.Backend().LastRequest("createVehicle")
	if req == nil || req.Body["plate"] != "KDD 004" {
		t.Fatalf("submitted values not forwarded: %+v", req)
	}
}

func TestForm_optionalEmptyFieldSkipsRules(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	resp := h.POST("/ui/forms/fleet/vehicles/add-form/submit",
		map[string]any{"values": map[string]any{"plate": "KDD 004", "seats": ""}}, token)
	h.AssertStatus(t, resp, http.StatusOK)
}
