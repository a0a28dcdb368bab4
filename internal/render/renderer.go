package render

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/modulus/internal/observability"
	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/model"
)

// DataResolver resolves table and metric data sources. *resolver.Resolver
// implements it.
type DataResolver interface {
	Table(ctx context.Context, rctx *model.RequestContext, ds *model.DataSource, params map[string]model.Value) (resolver.TableResult, error)
	Metric(ctx context.Context, rctx *model.RequestContext, ds *model.DataSource, params map[string]model.Value) (resolver.MetricResult, error)
}

// ErrSuperseded is returned by a navigation overtaken by a newer one.
var ErrSuperseded = errors.New("render: navigation superseded")

const defaultFetchConcurrency = 8

// Renderer builds submodule views and resolves their data concurrently.
// Failed data sources degrade to empty tables and sentinel metrics.
type Renderer struct {
	data        DataResolver
	matchers    []Matcher
	concurrency int
	logger      *zap.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithMatchers replaces the route matcher chain.
func WithMatchers(m ...Matcher) Option {
	return func(r *Renderer) { r.matchers = m }
}

// WithConcurrency bounds parallel data source fetches per view.
func WithConcurrency(n int) Option {
	return func(r *Renderer) { r.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// New creates a Renderer.
func New(data DataResolver, opts ...Option) *Renderer {
	r := &Renderer{
		data:        data,
		matchers:    DefaultMatchers,
		concurrency: defaultFetchConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render resolves route to a submodule and renders it. An unmatched route
// is NOT_FOUND.
func (r *Renderer) Render(ctx context.Context, rctx *model.RequestContext, cfg *model.ModulesConfig, route string) (View, error) {
	ctx, span := observability.StartSpan(ctx, "render.route", observability.AttrRoute.String(route))
	defer span.End()

	match, how, ok := Resolve(cfg, route, r.matchers...)
	if !ok {
		return View{}, model.NewNotFoundError(fmt.Sprintf("no submodule matches route %q", route))
	}
	span.SetAttributes(observability.AttrMatchedBy.String(how))
	view, err := r.RenderSubmodule(ctx, rctx, match.Module, match.Submodule)
	view.Matched = how
	return view, err
}

// RenderSubmodule renders sub with its declared layout, or the default
// stack when it declares none. It only fails when ctx is cancelled.
func (r *Renderer) RenderSubmodule(ctx context.Context, rctx *model.RequestContext, m *model.Module, sub *model.Submodule) (View, error) {
	ctx, span := observability.StartSpan(ctx, "render.submodule",
		observability.AttrModuleID.String(m.ID),
		observability.AttrSubmoduleID.String(sub.ID),
	)

	role := ""
	if rctx != nil {
		role = rctx.Role
	}
	b := &layoutBuilder{sub: sub, role: role}

	view := View{
		ModuleID:    m.ID,
		SubmoduleID: sub.ID,
		Name:        sub.Name,
		Description: sub.Description,
		Route:       sub.Route,
	}
	if sub.Layout.Empty() {
		view.Rows = b.defaultRows()
	} else {
		view.Rows = b.layoutRows(sub.Layout)
	}

	err := r.resolve(ctx, rctx, b.fetches)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return View{}, err
	}
	return view, nil
}

// resolve runs the fetches concurrently. Each fetch writes only its own
// view, so no further locking is needed.
func (r *Renderer) resolve(ctx context.Context, rctx *model.RequestContext, fetches []fetch) error {
	if len(fetches) == 0 {
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, f := range fetches {
		f := f
		g.Go(func() error {
			r.fill(gctx, rctx, f)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (r *Renderer) fill(ctx context.Context, rctx *model.RequestContext, f fetch) {
	switch {
	case f.table != nil:
		res, err := r.data.Table(ctx, rctx, f.ds, nil)
		if err != nil {
			f.table.Error = err.Error()
			return
		}
		f.table.Rows = res.Rows
		if res.Error != "" {
			f.table.Error = res.Error
		}
	case f.metric != nil:
		res, err := r.data.Metric(ctx, rctx, f.ds, nil)
		if err != nil {
			f.metric.Error = err.Error()
			return
		}
		f.metric.Error = res.Error
		if res.Missing || res.Error != "" {
			return
		}
		v := res.Value
		f.metric.Value = &v
		f.metric.Display = display(v)
	}
}

func display(v model.Value) string {
	if v.IsNull() {
		return MetricSentinel
	}
	if n, ok := v.AsNumber(); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return v.Text()
}

// Navigator renders one client's successive routes. Starting a navigation
// cancels the data fetches of the previous one, and a navigation that is
// overtaken returns ErrSuperseded instead of a stale view.
type Navigator struct {
	renderer *Renderer

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewNavigator creates a Navigator over renderer.
func NewNavigator(renderer *Renderer) *Navigator {
	return &Navigator{renderer: renderer}
}

// Navigate renders route, cancelling any navigation still in flight.
func (n *Navigator) Navigate(ctx context.Context, rctx *model.RequestContext, cfg *model.ModulesConfig, route string) (View, error) {
	ctx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.seq++
	mine := n.seq
	n.cancel = cancel
	n.mu.Unlock()

	view, err := n.renderer.Render(ctx, rctx, cfg, route)

	n.mu.Lock()
	current := n.seq == mine
	if current {
		n.cancel = nil
	}
	n.mu.Unlock()
	cancel()

	if !current {
		return View{}, ErrSuperseded
	}
	return view, err
}

// Navigators shares a Navigator between concurrent renders with the same
// client key. An entry lives only while a render for its key is in flight.
type Navigators struct {
	renderer *Renderer
	mu       sync.Mutex
	byKey    map[string]*navigatorEntry
}

type navigatorEntry struct {
	nav   *Navigator
	users int
}

// NewNavigators creates an empty registry.
func NewNavigators(renderer *Renderer) *Navigators {
	return &Navigators{renderer: renderer, byKey: make(map[string]*navigatorEntry)}
}

// Navigate renders route through the Navigator for key, so a newer render
// for the same key supersedes this one.
func (ns *Navigators) Navigate(ctx context.Context, key string, rctx *model.RequestContext, cfg *model.ModulesConfig, route string) (View, error) {
	ns.mu.Lock()
	e, ok := ns.byKey[key]
	if !ok {
		e = &navigatorEntry{nav: NewNavigator(ns.renderer)}
		ns.byKey[key] = e
	}
	e.users++
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		if e.users--; e.users == 0 {
			delete(ns.byKey, key)
		}
		ns.mu.Unlock()
	}()
	return e.nav.Navigate(ctx, rctx, cfg, route)
}

// Len returns the number of keys with a render in flight.
func (ns *Navigators) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.byKey)
}
