// Package action executes configured actions on behalf of a caller.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/model"
)

// ConfigSource supplies the current module document. *store.Store
// implements it.
type ConfigSource interface {
	Load(ctx context.Context) (store.Document, error)
}

// Recorder receives action metrics.
type Recorder interface {
	RecordActionExecution(actionType, status string, d time.Duration)
}

// Invocation names the action to run and carries the caller's payload.
type Invocation struct {
	ModuleID       string
	SubmoduleID    string
	ActionID       string
	Payload        model.Value
	IdempotencyKey string
}

// Result is the outcome of one action. Which fields are set depends on the
// action type: navigate and export carry Target, open-modal carries ModalID,
// run-api carries the upstream Status and wrapped Body, custom echoes the
// Payload.
type Result struct {
	ActionID string           `json:"actionId"`
	Type     model.ActionType `json:"type"`
	Target   string           `json:"target,omitempty"`
	ModalID  string           `json:"modalId,omitempty"`
	Status   int              `json:"status,omitempty"`
	Body     *model.Value     `json:"body,omitempty"`
	Payload  *model.Value     `json:"payload,omitempty"`
	Replayed bool             `json:"replayed,omitempty"`
}

// Engine runs actions. It holds no per-invocation state.
type Engine struct {
	source      ConfigSource
	boundary    *resolver.Boundary
	client      resolver.Doer
	idempotency IdempotencyStore
	idemTTL     time.Duration
	recorder    Recorder
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdempotencyStore enables run-api deduplication.
func WithIdempotencyStore(s IdempotencyStore, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idempotency = s
		e.idemTTL = ttl
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(source ConfigSource, boundary *resolver.Boundary, client resolver.Doer, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		boundary: boundary,
		client:   client,
		idemTTL:  24 * time.Hour,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lookup finds an enabled submodule and one of its actions.
func Lookup(cfg *model.ModulesConfig, moduleID, submoduleID, actionID string) (*model.Submodule, *model.Action, error) {
	sub, err := LookupSubmodule(cfg, moduleID, submoduleID)
	if err != nil {
		return nil, nil, err
	}
	a, ok := sub.Action(actionID)
	if !ok {
		return nil, nil, model.NewNotFoundError(fmt.Sprintf("action %q not found in %s/%s", actionID, moduleID, submoduleID))
	}
	return sub, a, nil
}

// LookupSubmodule finds an enabled submodule of an enabled module.
func LookupSubmodule(cfg *model.ModulesConfig, moduleID, submoduleID string) (*model.Submodule, error) {
	m, _ := cfg.Module(moduleID)
	if m == nil || !m.IsEnabled() {
		return nil, model.NewNotFoundError(fmt.Sprintf("module %q not found", moduleID))
	}
	sub, _ := m.Submodule(submoduleID)
	if sub == nil || !sub.IsEnabled() {
		return nil, model.NewNotFoundError(fmt.Sprintf("submodule %q not found in module %q", submoduleID, moduleID))
	}
	return sub, nil
}

// CanExecute reports whether a caller acting under role may run a.
func CanExecute(a *model.Action, role string) bool {
	return a.Permissions.Allows(role)
}

// Execute looks up the action, checks the caller's role, then dispatches on
// the action type.
func (e *Engine) Execute(ctx context.Context, rctx *model.RequestContext, inv Invocation) (Result, error) {
	doc, err := e.source.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	_, a, err := Lookup(&doc.Config, inv.ModuleID, inv.SubmoduleID, inv.ActionID)
	if err != nil {
		return Result{}, err
	}
	return e.Run(ctx, rctx, a, inv)
}

// Run executes an already resolved action.
func (e *Engine) Run(ctx context.Context, rctx *model.RequestContext, a *model.Action, inv Invocation) (Result, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "action.execute",
		observability.AttrModuleID.String(inv.ModuleID),
		observability.AttrSubmoduleID.String(inv.SubmoduleID),
		observability.AttrActionID.String(a.ID),
		observability.AttrActionType.String(string(a.Type)),
	)

	res, err := e.run(ctx, rctx, a, inv)
	observability.EndSpanWithError(span, err)
	e.observe(ctx, a, err, time.Since(start))
	return res, err
}

func (e *Engine) run(ctx context.Context, rctx *model.RequestContext, a *model.Action, inv Invocation) (Result, error) {
	role := ""
	if rctx != nil {
		role = rctx.Role
	}
	if !CanExecute(a, role) {
		return Result{}, model.NewForbiddenError(fmt.Sprintf("role %q may not execute action %q", role, a.ID))
	}

	return model.VisitAction[Result](a, &dispatcher{
		engine: e,
		ctx:    ctx,
		rctx:   rctx,
		inv:    inv,
	})
}

func (e *Engine) observe(ctx context.Context, a *model.Action, err error, d time.Duration) {
	status := "success"
	logger := observability.RequestLogger(ctx, e.logger)
	if err != nil {
		status = "error"
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			status = statusLabel(env.Code)
		}
		logger.Warn("action failed",
			zap.String("action_id", a.ID),
			zap.String("action_type", string(a.Type)),
			zap.Duration("duration", d),
			zap.Error(err),
		)
	} else {
		logger.Info("action executed",
			zap.String("action_id", a.ID),
			zap.String("action_type", string(a.Type)),
			zap.Duration("duration", d),
		)
	}
	if e.recorder != nil {
		e.recorder.RecordActionExecution(string(a.Type), status, d)
	}
}

func statusLabel(code string) string {
	switch code {
	case model.ErrForbidden:
		return "forbidden"
	case model.ErrBadRequest, model.ErrValidationError:
		return "rejected"
	case model.ErrUpstreamFailure:
		return "upstream_failure"
	case model.ErrConflict:
		return "conflict"
	}
	return "error"
}

// dispatcher carries one invocation through the per-type handlers.
type dispatcher struct {
	engine *Engine
	ctx    context.Context
	rctx   *model.RequestContext
	inv    Invocation
}

func (d *dispatcher) Navigate(a *model.Action) (Result, error) {
	return Result{ActionID: a.ID, Type: a.Type, Target: a.Target}, nil
}

func (d *dispatcher) OpenModal(a *model.Action) (Result, error) {
	return Result{ActionID: a.ID, Type: a.Type, ModalID: a.Target}, nil
}

func (d *dispatcher) Export(a *model.Action) (Result, error) {
	return Result{ActionID: a.ID, Type: a.Type, Target: a.Target}, nil
}

func (d *dispatcher) Custom(a *model.Action) (Result, error) {
	payload := d.inv.Payload
	return Result{ActionID: a.ID, Type: a.Type, Target: a.Target, Payload: &payload}, nil
}

func (d *dispatcher) RunAPI(a *model.Action) (Result, error) {
	return d.engine.runAPI(d.ctx, d.rctx, a, d.inv)
}
