package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/modulus/internal/resolver"
	"github.com/pitabwire/modulus/model"
)

type fakeData struct {
	mu      sync.Mutex
	tables  map[string]resolver.TableResult
	metrics map[string]resolver.MetricResult
	block   map[string]chan struct{}
	calls   []string
}

func newFakeData() *fakeData {
	return &fakeData{
		tables:  map[string]resolver.TableResult{},
		metrics: map[string]resolver.MetricResult{},
		block:   map[string]chan struct{}{},
	}
}

func (f *fakeData) wait(ctx context.Context, url string) error {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	ch := f.block[url]
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeData) Table(ctx context.Context, _ *model.RequestContext, ds *model.DataSource, _ map[string]model.Value) (resolver.TableResult, error) {
	if err := f.wait(ctx, ds.URL); err != nil {
		return resolver.TableResult{Rows: []model.Value{}, Error: err.Error()}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.tables[ds.URL]; ok {
		return res, nil
	}
	return resolver.TableResult{Rows: []model.Value{}, Error: "no such table"}, nil
}

func (f *fakeData) Metric(ctx context.Context, _ *model.RequestContext, ds *model.DataSource, _ map[string]model.Value) (resolver.MetricResult, error) {
	if err := f.wait(ctx, ds.URL); err != nil {
		return resolver.MetricResult{Error: err.Error()}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.metrics[ds.URL]; ok {
		return res, nil
	}
	return resolver.MetricResult{Missing: true}, nil
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func mustValue(t *testing.T, raw string) model.Value {
	t.Helper()
	v, err := model.ParseValue([]byte(raw))
	require.NoError(t, err)
	return v
}

func fleetConfig() *model.ModulesConfig {
	return &model.ModulesConfig{Version: 1, Modules: []model.Module{
		{
			ID: "reports", Name: "Reports", Order: floatPtr(5),
			Submodules: []model.Submodule{
				{ID: "monthly", Name: "Monthly", Route: "/reports/monthly"},
			},
		},
		{
			ID: "legacy", Name: "Legacy", Order: floatPtr(0), Enabled: boolPtr(false),
			Submodules: []model.Submodule{{ID: "old", Name: "Old", Route: "/vehicles"}},
		},
		{
			ID: "fleet", Name: "Fleet", Order: floatPtr(1),
			Submodules: []model.Submodule{
				{
					ID: "vehicles", Name: "Vehicles", Route: "/vehicles",
					Actions: []model.Action{
						{ID: "new", Label: "New", Type: model.ActionOpenModal, Target: "add"},
						{ID: "purge", Label: "Purge", Type: model.ActionRunAPI, Target: "/api/purge",
							Permissions: model.NewRoleSet("ADMIN")},
					},
					Metrics: []model.Metric{
						{ID: "count", Label: "Vehicles", DataSource: &model.DataSource{URL: "/api/vehicles", Path: "length"}},
						{ID: "static", Label: "Region", ValueExpr: "Nairobi"},
					},
					Tables: []model.Table{
						{ID: "list", Columns: []model.Column{{Key: "plate", Label: "Plate"}},
							DataSource: &model.DataSource{URL: "/api/vehicles"}},
					},
					Forms: []model.Form{
						{ID: "add-form", Title: "Add", Fields: []model.FormField{{Key: "plate", Type: model.FieldText}}},
					},
				},
				{ID: "drivers", Name: "Drivers", Route: "/drivers", Enabled: boolPtr(false)},
				{ID: "hidden", Name: "Hidden"},
				{
					ID: "admin", Name: "Admin", Route: "/fleet/admin",
					Actions: []model.Action{{ID: "reset", Type: model.ActionRunAPI, Target: "/api/reset",
						Permissions: model.NewRoleSet("ADMIN")}},
				},
			},
		},
		{ID: "empty", Name: "Empty", Submodules: []model.Submodule{{ID: "nope", Name: "Nope"}}},
	}}
}

func TestResolve(t *testing.T) {
	cfg := fleetConfig()

	tests := []struct {
		route string
		sub   string
		how   string
	}{
		{route: "/vehicles", sub: "vehicles", how: "exact"},
		{route: "vehicles/", sub: "vehicles", how: "exact"},
		{route: "/vehicles?tab=2", sub: "vehicles", how: "exact"},
		{route: "/vehicles/42", sub: "vehicles", how: "prefix"},
		{route: "/somewhere/monthly", sub: "monthly", how: "id-suffix"},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			match, how, ok := Resolve(cfg, tt.route)
			require.True(t, ok)
			assert.Equal(t, tt.sub, match.Submodule.ID)
			assert.Equal(t, tt.how, how)
		})
	}

	for _, route := range []string{"/vehiclesx", "/drivers", "/", "/old"} {
		_, _, ok := Resolve(cfg, route)
		assert.False(t, ok, route)
	}
}

func TestResolve_customChain(t *testing.T) {
	_, _, ok := Resolve(fleetConfig(), "/vehicles/42", ExactMatcher{})
	assert.False(t, ok)
}

func TestMenu(t *testing.T) {
	cfg := fleetConfig()

	menu := Menu(cfg, "DRIVER")
	require.Len(t, menu, 2)
	assert.Equal(t, "fleet", menu[0].ID)
	assert.Equal(t, "reports", menu[1].ID)
	require.Len(t, menu[0].Items, 1)
	assert.Equal(t, "/vehicles", menu[0].Items[0].Route)

	menu = Menu(cfg, "ADMIN")
	require.Len(t, menu[0].Items, 2)
	assert.Equal(t, "admin", menu[0].Items[1].ID)
}

func TestMenu_unorderedLast(t *testing.T) {
	cfg := &model.ModulesConfig{Modules: []model.Module{
		{ID: "b", Submodules: []model.Submodule{{ID: "b1", Route: "/b"}}},
		{ID: "a", Order: floatPtr(10), Submodules: []model.Submodule{{ID: "a1", Route: "/a"}}},
		{ID: "c", Submodules: []model.Submodule{{ID: "c1", Route: "/c"}}},
	}}
	menu := Menu(cfg, "")
	require.Len(t, menu, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{menu[0].ID, menu[1].ID, menu[2].ID})
}

func TestRender_defaultStack(t *testing.T) {
	data := newFakeData()
	data.tables["/api/vehicles"] = resolver.TableResult{Rows: []model.Value{mustValue(t, `{"plate":"KAA 001"}`)}}
	data.metrics["/api/vehicles"] = resolver.MetricResult{Value: model.Number(3), Raw: model.Number(3)}

	view, err := New(data).Render(context.Background(), &model.RequestContext{Role: "DRIVER"}, fleetConfig(), "/vehicles")
	require.NoError(t, err)
	assert.Equal(t, "exact", view.Matched)
	require.Len(t, view.Rows, 1)
	require.Len(t, view.Rows[0].Columns, 1)
	col := view.Rows[0].Columns[0]
	assert.Equal(t, model.MaxSpan, col.Span)

	kinds := make([]model.WidgetKind, 0, len(col.Blocks))
	for _, b := range col.Blocks {
		kinds = append(kinds, b.Kind)
	}
	assert.Equal(t, []model.WidgetKind{model.WidgetActions, model.WidgetMetric, model.WidgetMetric, model.WidgetTable}, kinds)

	require.Len(t, col.Blocks[0].Actions, 1)
	assert.Equal(t, "new", col.Blocks[0].Actions[0].ID)

	assert.Equal(t, "3", col.Blocks[1].Metric.Display)
	assert.Equal(t, "Nairobi", col.Blocks[2].Metric.Display)
	require.Len(t, col.Blocks[3].Table.Rows, 1)
	assert.Empty(t, col.Blocks[3].Table.Error)
}

func TestRender_failedSourcesDegrade(t *testing.T) {
	data := newFakeData()
	data.tables["/api/vehicles"] = resolver.TableResult{Rows: []model.Value{}, Error: "upstream returned 500"}
	data.metrics["/api/vehicles"] = resolver.MetricResult{Error: "upstream returned 500"}

	view, err := New(data).Render(context.Background(), nil, fleetConfig(), "/vehicles")
	require.NoError(t, err)
	blocks := view.Rows[0].Columns[0].Blocks

	// An anonymous caller sees no restricted actions but the unrestricted one.
	require.Equal(t, model.WidgetActions, blocks[0].Kind)
	metric := blocks[1].Metric
	assert.Equal(t, MetricSentinel, metric.Display)
	assert.Nil(t, metric.Value)
	assert.Equal(t, "upstream returned 500", metric.Error)

	table := blocks[3].Table
	assert.Empty(t, table.Rows)
	assert.Equal(t, "upstream returned 500", table.Error)
}

func TestRender_missingMetricShowsSentinel(t *testing.T) {
	view, err := New(newFakeData()).Render(context.Background(), nil, fleetConfig(), "/vehicles")
	require.NoError(t, err)
	metric := view.Rows[0].Columns[0].Blocks[1].Metric
	assert.Equal(t, MetricSentinel, metric.Display)
	assert.Empty(t, metric.Error)
}

func TestRender_declaredLayout(t *testing.T) {
	cfg := fleetConfig()
	sub := &cfg.Modules[2].Submodules[0]
	sub.Layout = &model.Layout{Rows: []model.Row{
		{ID: "top", Columns: []model.LayoutColumn{
			{ID: "wide", Span: 40, Widgets: model.Widgets{
				model.TableWidget{TableID: "ghost"},
				model.TextWidget{Text: "Fleet overview"},
				model.MetricWidget{MetricID: "static"},
			}},
			{ID: "narrow", Span: 0, Widgets: model.Widgets{
				model.ActionsWidget{ActionIDs: []string{"purge"}},
				model.FormWidget{FormID: "add-form"},
			}},
		}},
	}}

	view, err := New(newFakeData()).Render(context.Background(), &model.RequestContext{Role: "DRIVER"}, cfg, "/vehicles")
	require.NoError(t, err)
	require.Len(t, view.Rows, 1)
	cols := view.Rows[0].Columns
	require.Len(t, cols, 2)

	assert.Equal(t, model.MaxSpan, cols[0].Span)
	require.Len(t, cols[0].Blocks, 2)
	assert.Equal(t, model.WidgetText, cols[0].Blocks[0].Kind)
	assert.Equal(t, "Fleet overview", cols[0].Blocks[0].Text)
	assert.Equal(t, model.WidgetMetric, cols[0].Blocks[1].Kind)

	assert.Equal(t, model.MinSpan, cols[1].Span)
	require.Len(t, cols[1].Blocks, 1)
	form := cols[1].Blocks[0].Form
	require.NotNil(t, form)
	assert.Equal(t, "new", form.SubmitActionID)
}

func TestRender_noMatch(t *testing.T) {
	_, err := New(newFakeData()).Render(context.Background(), nil, fleetConfig(), "/nowhere")
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrNotFound, env.Code)
}

func TestRender_cancelled(t *testing.T) {
	data := newFakeData()
	data.block["/api/vehicles"] = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(data).Render(ctx, nil, fleetConfig(), "/vehicles")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNavigator_supersedesStaleRender(t *testing.T) {
	data := newFakeData()
	gate := make(chan struct{})
	data.block["/api/vehicles"] = gate
	nav := NewNavigator(New(data))
	cfg := fleetConfig()

	first := make(chan error, 1)
	go func() {
		_, err := nav.Navigate(context.Background(), nil, cfg, "/vehicles")
		first <- err
	}()

	require.Eventually(t, func() bool {
		data.mu.Lock()
		defer data.mu.Unlock()
		return len(data.calls) > 0
	}, time.Second, 5*time.Millisecond)

	view, err := nav.Navigate(context.Background(), nil, cfg, "/reports/monthly")
	require.NoError(t, err)
	assert.Equal(t, "monthly", view.SubmoduleID)

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first navigation was not cancelled")
	}
}

func TestNavigators_sharedPerKeyAndReleased(t *testing.T) {
	data := newFakeData()
	gate := make(chan struct{})
	data.block["/api/vehicles"] = gate
	ns := NewNavigators(New(data))
	cfg := fleetConfig()

	first := make(chan error, 1)
	go func() {
		_, err := ns.Navigate(context.Background(), "alice|tab-1", nil, cfg, "/vehicles")
		first <- err
	}()
	require.Eventually(t, func() bool {
		data.mu.Lock()
		defer data.mu.Unlock()
		return len(data.calls) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ns.Len())

	_, err := ns.Navigate(context.Background(), "bob|tab-1", nil, cfg, "/reports/monthly")
	require.NoError(t, err, "other keys are independent")

	view, err := ns.Navigate(context.Background(), "alice|tab-1", nil, cfg, "/reports/monthly")
	require.NoError(t, err)
	assert.Equal(t, "monthly", view.SubmoduleID)

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first navigation was not cancelled")
	}
	assert.Equal(t, 0, ns.Len(), "finished navigations leave no entries behind")
}

func TestNavigators_manyKeysDoNotAccumulate(t *testing.T) {
	ns := NewNavigators(New(newFakeData()))
	cfg := fleetConfig()
	for i := 0; i < 50; i++ {
		_, err := ns.Navigate(context.Background(), fmt.Sprintf("alice|view-%d", i), nil, cfg, "/reports/monthly")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, ns.Len())
}
