// Package transport serves the settings and UI APIs over chi, with the
// auth and request-context middleware in front of them.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/modulus/model"
)

const jsonContentType = "application/json; charset=utf-8"

func jsonHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", jsonContentType)
	h.Set("X-Content-Type-Options", "nosniff")
}

// WriteJSON encodes body with status. A nil body writes headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	jsonHeaders(w)
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the shape of every error response.
type errorBody struct {
	Error    *model.ErrorEnvelope `json:"error"`
	Upstream string               `json:"upstream,omitempty"`
}

// WriteError answers with err's envelope. An internal API failure that got
// a response is relayed with that response's status: a JSON body verbatim,
// anything else inside the envelope.
func WriteError(w http.ResponseWriter, err error) {
	env := model.AsEnvelope(err)
	if env.Code != model.ErrUpstreamFailure || env.UpstreamStatus == 0 {
		WriteJSON(w, env.HTTPStatus(), errorBody{Error: env})
		return
	}

	if raw := env.UpstreamBody; len(raw) > 0 && json.Valid(raw) {
		jsonHeaders(w)
		w.WriteHeader(env.UpstreamStatus)
		_, _ = w.Write(raw)
		return
	}
	WriteJSON(w, env.UpstreamStatus, errorBody{Error: env, Upstream: string(env.UpstreamBody)})
}

func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError answers 422 with one detail per rejected field.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
