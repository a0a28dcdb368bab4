package action

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/model"
)

// runAPI proxies the action to the internal API. The target passes the same
// boundary as data sources; non-2xx responses are relayed as UPSTREAM_FAILURE
// with the upstream status and body.
func (e *Engine) runAPI(ctx context.Context, rctx *model.RequestContext, a *model.Action, inv Invocation) (Result, error) {
	target, err := e.boundary.Check(a.Target)
	if err != nil {
		return Result{}, err
	}

	if a.PayloadSchema != nil {
		schema, err := compileSchema(*a.PayloadSchema)
		if err != nil {
			observability.RequestLogger(ctx, e.logger).Error("action payload schema unreadable",
				zap.String("action_id", a.ID), zap.Error(err))
			return Result{}, model.NewInternalError()
		}
		if details := checkPayload(schema, inv.Payload); len(details) > 0 {
			return Result{}, model.NewValidationError(details)
		}
	}

	var idemKey, hash string
	if e.idempotency != nil && inv.IdempotencyKey != "" {
		subject := ""
		if rctx != nil {
			subject = rctx.SubjectID
		}
		idemKey = IdempotencyKey(inv, subject)
		hash = hashPayload(inv.Payload)
		cached, found, err := e.idempotency.Check(ctx, idemKey, hash)
		if err != nil {
			return Result{}, err
		}
		if found && cached != nil {
			replay := *cached
			replay.Replayed = true
			return replay, nil
		}
	}

	req, err := runAPIRequest(a, target, inv.Payload)
	if err != nil {
		return Result{}, err
	}

	if ce := e.logger.Check(zap.DebugLevel, "run-api request"); ce != nil {
		fields := []zap.Field{zap.String("action_id", a.ID), zap.String("target", req.Target.String())}
		if !inv.Payload.IsNull() {
			fields = append(fields, zap.Any("payload", observability.RedactValue(inv.Payload)))
		}
		ce.Write(fields...)
	}

	resp, err := e.client.Do(ctx, rctx, req)
	if err != nil {
		return Result{}, err
	}
	if !resp.OK() {
		return Result{}, model.NewUpstreamError(resp.Status, resp.Body)
	}

	body, err := resp.Decode()
	if err != nil {
		body = model.String(string(resp.Body))
	}
	wrapped := wrapOK(body)
	res := Result{ActionID: a.ID, Type: a.Type, Status: resp.Status, Body: &wrapped}

	if idemKey != "" {
		if err := e.idempotency.Store(ctx, idemKey, hash, res, e.idemTTL); err != nil {
			observability.RequestLogger(ctx, e.logger).Warn("idempotency store failed",
				zap.String("action_id", a.ID), zap.Error(err))
		}
	}
	return res, nil
}

// runAPIRequest defaults the method to POST. GET sends a map payload as
// query parameters; other methods send it as the JSON body.
func runAPIRequest(a *model.Action, target resolver.Target, payload model.Value) (resolver.Request, error) {
	method := a.Method
	if method == "" {
		method = model.MethodPost
	}
	req := resolver.Request{Method: method}

	if method == model.MethodGet {
		params, _ := payload.AsMap()
		req.Target = target.WithParams(params)
		return req, nil
	}

	req.Target = target
	if payload.IsNull() {
		payload = model.Map(nil)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return resolver.Request{}, fmt.Errorf("encode run-api payload: %w", err)
	}
	req.Body = data
	return req, nil
}

// wrapOK marks a successful body. Objects gain an ok field; anything else
// is nested under data.
func wrapOK(body model.Value) model.Value {
	out := map[string]model.Value{}
	switch {
	case body.Kind() == model.KindMap:
		m, _ := body.AsMap()
		for k, v := range m {
			out[k] = v
		}
	case !body.IsNull():
		out["data"] = body
	}
	out["ok"] = model.Bool(true)
	return model.Map(out)
}
