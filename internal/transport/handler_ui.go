package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/action"
	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/render"
	"github.com/pitabwire/modulus/internal/validation"
	"github.com/pitabwire/modulus/model"
)

// HeaderViewID scopes render cancellation to one client view, such as a
// browser tab. Renders without it are never superseded.
const HeaderViewID = "X-View-Id"

// HeaderIdempotencyKey carries the run-api idempotency key.
const HeaderIdempotencyKey = "X-Idempotency-Key"

type menuResponse struct {
	Modules  []render.MenuModule `json:"modules"`
	Revision uint64              `json:"revision"`
}

func (h *handlers) menu(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	doc, err := h.store.Load(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, menuResponse{
		Modules:  render.Menu(&doc.Config, rctx.Role),
		Revision: uint64(doc.Revision),
	})
}

func (h *handlers) render(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	route := r.URL.Query().Get("path")
	if route == "" {
		WriteError(w, model.NewBadRequestError("path query parameter is required"))
		return
	}
	doc, err := h.store.Load(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	var view render.View
	if viewID := r.Header.Get(HeaderViewID); viewID != "" {
		view, err = h.navigators.Navigate(r.Context(), rctx.SubjectID+"|"+viewID, rctx, &doc.Config, route)
	} else {
		view, err = h.renderer.Render(r.Context(), rctx, &doc.Config, route)
	}
	if errors.Is(err, render.ErrSuperseded) {
		WriteError(w, model.NewConflictError("navigation superseded by a newer request"))
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

type actionRequest struct {
	Payload        *model.Value `json:"payload,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

func (h *handlers) executeAction(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	inv := action.Invocation{
		ModuleID:       chi.URLParam(r, "moduleId"),
		SubmoduleID:    chi.URLParam(r, "submoduleId"),
		ActionID:       chi.URLParam(r, "actionId"),
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Payload != nil {
		inv.Payload = *req.Payload
	}
	if inv.IdempotencyKey == "" {
		inv.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)
	}

	res, err := h.engine.Execute(r.Context(), rctx, inv)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type formRequest struct {
	Values         map[string]model.Value `json:"values"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// submitForm validates the submitted values and, when they pass, runs the
// form's submit action with the values as payload.
func (h *handlers) submitForm(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	moduleID := chi.URLParam(r, "moduleId")
	subID := chi.URLParam(r, "submoduleId")
	formID := chi.URLParam(r, "formId")

	var req formRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	doc, err := h.store.Load(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	sub, err := action.LookupSubmodule(&doc.Config, moduleID, subID)
	if err != nil {
		WriteError(w, err)
		return
	}
	form, ok := sub.Form(formID)
	if !ok {
		WriteNotFound(w, fmt.Sprintf("form %q not found", formID))
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "form.submit",
		observability.AttrModuleID.String(moduleID),
		observability.AttrSubmoduleID.String(subID),
		observability.AttrFormID.String(formID),
	)
	defer span.End()

	result := h.validator.Validate(form, req.Values)
	if !result.Valid() {
		if h.forms != nil {
			h.forms.RecordFormValidationFailure(formID)
		}
		observability.RequestLogger(ctx, h.logger).Info("form rejected",
			zap.String("form_id", formID),
			zap.Int("invalid_fields", len(result.Fields)),
		)
		WriteValidationError(w, result.Fields)
		return
	}

	target, ok := validation.SubmitAction(sub, form)
	if !ok {
		WriteError(w, model.NewBadRequestError(fmt.Sprintf("form %q has no submit action", formID)))
		return
	}
	res, err := h.engine.Run(ctx, rctx, target, action.Invocation{
		ModuleID:       moduleID,
		SubmoduleID:    subID,
		ActionID:       target.ID,
		Payload:        model.Map(req.Values),
		IdempotencyKey: firstNonEmpty(req.IdempotencyKey, r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type resolveRequest struct {
	Kind       string                 `json:"kind"`
	DataSource *model.DataSource      `json:"dataSource"`
	Params     map[string]model.Value `json:"params,omitempty"`
}

type fetchResponse struct {
	Value model.Value `json:"value"`
	Found bool        `json:"found"`
}

// resolve runs one data source on behalf of the client, as a table, a
// metric, or a raw value at the source's path.
func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DataSource == nil {
		WriteError(w, model.NewBadRequestError("dataSource is required"))
		return
	}

	switch req.Kind {
	case "table":
		res, err := h.resolver.Table(r.Context(), rctx, req.DataSource, req.Params)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	case "metric":
		res, err := h.resolver.Metric(r.Context(), rctx, req.DataSource, req.Params)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	case "", "raw":
		v, found, err := h.resolver.Fetch(r.Context(), rctx, req.DataSource, req.Params)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, fetchResponse{Value: v, Found: found})
	default:
		WriteError(w, model.NewBadRequestError(fmt.Sprintf("unknown kind %q", req.Kind)))
	}
}

// decodeOptionalBody decodes a JSON body when one is sent.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, into any) bool {
	data, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, into); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
