package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
  "version": 1,
  "modules": [{
    "id": "m1", "name": "Fleet", "order": 2,
    "submodules": [{
      "id": "s1", "name": "Vehicles", "route": "/vehicles",
      "actions": [
        {"id": "add", "label": "Add", "type": "open-modal", "target": "vehicle-modal"},
        {"id": "sync", "label": "Sync", "type": "run-api", "target": "/api/vehicles/sync", "method": "POST",
         "permissions": ["MANAGER"], "payloadSchema": {"type": "object"}}
      ],
      "tables": [{"id": "t1", "columns": [{"key": "plate", "label": "Plate", "format": "text"}],
                  "dataSource": {"url": "/api/vehicles", "params": {"active": true}}}],
      "metrics": [{"id": "cnt", "label": "Count", "dataSource": {"url": "/api/vehicles", "path": "length"}}],
      "modals": [{"id": "vehicle-modal", "title": "New vehicle", "contentType": "form", "formId": "f1"}],
      "forms": [{"id": "f1", "title": "Vehicle", "submitActionId": "sync",
                 "fields": [{"key": "year", "label": "Year", "type": "number", "min": 1990, "max": 2030}]}],
      "layout": {"rows": [{"id": "r1", "columns": [{"id": "c1", "span": 14, "widgets": [
        {"type": "metric", "metricId": "cnt"},
        {"type": "actions", "actionIds": []},
        {"type": "actions"},
        {"type": "text", "text": "Fleet overview"}
      ]}]}]}
    }]
  }]
}`

func TestParseModulesConfig(t *testing.T) {
	mc, err := ParseModulesConfig([]byte(sampleDoc))
	require.NoError(t, err)

	m, idx := mc.Module("m1")
	require.NotNil(t, m)
	assert.Equal(t, 0, idx)
	assert.True(t, m.IsEnabled())
	require.NotNil(t, m.Order)
	assert.Equal(t, 2.0, *m.Order)

	sub, _ := m.Submodule("s1")
	require.NotNil(t, sub)
	sync, ok := sub.Action("sync")
	require.True(t, ok)
	assert.Equal(t, ActionRunAPI, sync.Type)
	assert.Equal(t, MethodPost, sync.Method)
	assert.True(t, sync.Permissions.Allows("MANAGER"))
	require.NotNil(t, sync.PayloadSchema)

	col := sub.Layout.Rows[0].Columns[0]
	assert.Equal(t, MaxSpan, col.ClampedSpan())
	require.Len(t, col.Widgets, 4)
	assert.Equal(t, MetricWidget{MetricID: "cnt"}, col.Widgets[0])
	assert.Equal(t, ActionsWidget{ActionIDs: []string{}}, col.Widgets[1])
	assert.Equal(t, ActionsWidget{}, col.Widgets[2])
	assert.Equal(t, TextWidget{Text: "Fleet overview"}, col.Widgets[3])
}

func TestModulesConfig_roundtrip_is_stable(t *testing.T) {
	first, err := ParseModulesConfig([]byte(sampleDoc))
	require.NoError(t, err)

	data, err := json.Marshal(first)
	require.NoError(t, err)
	second, err := ParseModulesConfig(data)
	require.NoError(t, err)

	again, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
	assert.Equal(t, first, second)
}

func TestNormalize_defaults(t *testing.T) {
	var mc ModulesConfig
	mc.Normalize()
	assert.Equal(t, 1, mc.Version)
	assert.NotNil(t, mc.Modules)

	mc.Modules = append(mc.Modules, Module{ID: "m", Submodules: []Submodule{{ID: "s", Layout: &Layout{}}}})
	mc.Normalize()
	sub := mc.Modules[0].Submodules[0]
	assert.NotNil(t, sub.Actions)
	assert.NotNil(t, sub.Tables)
	assert.NotNil(t, sub.Metrics)
	assert.NotNil(t, sub.Modals)
	assert.NotNil(t, sub.Forms)
	assert.NotNil(t, sub.Layout.Rows)
	assert.True(t, sub.Layout.Empty())
}

func TestParseModulesConfig_rejects_unknown_kinds(t *testing.T) {
	cases := map[string]string{
		"action type": `{"modules":[{"id":"m","submodules":[{"id":"s","actions":[{"id":"a","type":"teleport"}]}]}]}`,
		"method":      `{"modules":[{"id":"m","submodules":[{"id":"s","actions":[{"id":"a","type":"run-api","method":"PATCH"}]}]}]}`,
		"field type":  `{"modules":[{"id":"m","submodules":[{"id":"s","forms":[{"id":"f","fields":[{"key":"k","type":"color"}]}]}]}]}`,
		"widget":      `{"modules":[{"id":"m","submodules":[{"id":"s","layout":{"rows":[{"id":"r","columns":[{"id":"c","span":6,"widgets":[{"type":"chart"}]}]}]}}]}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseModulesConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestClampedSpan(t *testing.T) {
	for span, want := range map[int]int{-3: 1, 0: 1, 1: 1, 6: 6, 12: 12, 13: 12} {
		c := LayoutColumn{Span: span}
		assert.Equal(t, want, c.ClampedSpan(), "span %d", span)
	}
}

func TestClone_is_deep(t *testing.T) {
	mc, err := ParseModulesConfig([]byte(sampleDoc))
	require.NoError(t, err)

	cp := mc.Clone()
	cp.Modules[0].Submodules[0].Name = "Changed"
	assert.Equal(t, "Vehicles", mc.Modules[0].Submodules[0].Name)
}

type kindRecorder struct{}

func (kindRecorder) Navigate(a *Action) (string, error)  { return "navigate:" + a.ID, nil }
func (kindRecorder) OpenModal(a *Action) (string, error) { return "modal:" + a.ID, nil }
func (kindRecorder) RunAPI(a *Action) (string, error)    { return "api:" + a.ID, nil }
func (kindRecorder) Export(a *Action) (string, error)    { return "export:" + a.ID, nil }
func (kindRecorder) Custom(a *Action) (string, error)    { return "custom:" + a.ID, nil }

func TestVisitAction(t *testing.T) {
	got, err := VisitAction[string](&Action{ID: "x", Type: ActionExport}, kindRecorder{})
	require.NoError(t, err)
	assert.Equal(t, "export:x", got)

	_, err = VisitAction[string](&Action{ID: "x"}, kindRecorder{})
	var env *ErrorEnvelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, ErrBadRequest, env.Code)
}
