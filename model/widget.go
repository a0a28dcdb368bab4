package model

import (
	"encoding/json"
	"fmt"
)

// WidgetKind tags a layout widget.
type WidgetKind string

const (
	WidgetMetric  WidgetKind = "metric"
	WidgetTable   WidgetKind = "table"
	WidgetActions WidgetKind = "actions"
	WidgetForm    WidgetKind = "form"
	WidgetText    WidgetKind = "text"
)

// Widget is a layout cell's reference to one renderable entity. The set of
// implementations is closed: only this package can add one.
type Widget interface {
	Kind() WidgetKind
	accept(v widgetDispatch)
}

// MetricWidget shows a metric by id.
type MetricWidget struct{ MetricID string }

// TableWidget shows a table by id.
type TableWidget struct{ TableID string }

// ActionsWidget shows a group of actions. A nil ActionIDs selects every
// action of the submodule.
type ActionsWidget struct{ ActionIDs []string }

// FormWidget shows a form by id.
type FormWidget struct{ FormID string }

// TextWidget shows literal text.
type TextWidget struct{ Text string }

func (MetricWidget) Kind() WidgetKind  { return WidgetMetric }
func (TableWidget) Kind() WidgetKind   { return WidgetTable }
func (ActionsWidget) Kind() WidgetKind { return WidgetActions }
func (FormWidget) Kind() WidgetKind    { return WidgetForm }
func (TextWidget) Kind() WidgetKind    { return WidgetText }

// WidgetVisitor handles every widget kind.
type WidgetVisitor[T any] interface {
	Metric(w MetricWidget) T
	Table(w TableWidget) T
	Actions(w ActionsWidget) T
	Form(w FormWidget) T
	Text(w TextWidget) T
}

// widgetDispatch erases the visitor's result type so that Widget can stay a
// non-generic interface.
type widgetDispatch interface {
	metric(MetricWidget)
	table(TableWidget)
	actions(ActionsWidget)
	form(FormWidget)
	text(TextWidget)
}

type visitorAdapter[T any] struct {
	v   WidgetVisitor[T]
	out T
}

func (a *visitorAdapter[T]) metric(w MetricWidget)   { a.out = a.v.Metric(w) }
func (a *visitorAdapter[T]) table(w TableWidget)     { a.out = a.v.Table(w) }
func (a *visitorAdapter[T]) actions(w ActionsWidget) { a.out = a.v.Actions(w) }
func (a *visitorAdapter[T]) form(w FormWidget)       { a.out = a.v.Form(w) }
func (a *visitorAdapter[T]) text(w TextWidget)       { a.out = a.v.Text(w) }

func (w MetricWidget) accept(d widgetDispatch)  { d.metric(w) }
func (w TableWidget) accept(d widgetDispatch)   { d.table(w) }
func (w ActionsWidget) accept(d widgetDispatch) { d.actions(w) }
func (w FormWidget) accept(d widgetDispatch)    { d.form(w) }
func (w TextWidget) accept(d widgetDispatch)    { d.text(w) }

// VisitWidget dispatches w to the visitor method for its kind.
func VisitWidget[T any](w Widget, v WidgetVisitor[T]) T {
	a := &visitorAdapter[T]{v: v}
	w.accept(a)
	return a.out
}

// Widgets is an ordered list of widgets with a tagged JSON encoding:
//
//	{"type":"metric","metricId":"count"}
//	{"type":"actions","actionIds":["add","export"]}
//	{"type":"text","text":"Vehicles due for inspection"}
type Widgets []Widget

type widgetJSON struct {
	Type      WidgetKind `json:"type"`
	MetricID  string     `json:"metricId,omitempty"`
	TableID   string     `json:"tableId,omitempty"`
	ActionIDs *[]string  `json:"actionIds,omitempty"`
	FormID    string     `json:"formId,omitempty"`
	Text      string     `json:"text,omitempty"`
}

type widgetEncoder struct{}

func (widgetEncoder) Metric(w MetricWidget) widgetJSON {
	return widgetJSON{Type: WidgetMetric, MetricID: w.MetricID}
}

func (widgetEncoder) Table(w TableWidget) widgetJSON {
	return widgetJSON{Type: WidgetTable, TableID: w.TableID}
}

func (widgetEncoder) Actions(w ActionsWidget) widgetJSON {
	out := widgetJSON{Type: WidgetActions}
	if w.ActionIDs != nil {
		ids := w.ActionIDs
		out.ActionIDs = &ids
	}
	return out
}

func (widgetEncoder) Form(w FormWidget) widgetJSON {
	return widgetJSON{Type: WidgetForm, FormID: w.FormID}
}

func (widgetEncoder) Text(w TextWidget) widgetJSON {
	return widgetJSON{Type: WidgetText, Text: w.Text}
}

// MarshalJSON implements json.Marshaler.
func (ws Widgets) MarshalJSON() ([]byte, error) {
	out := make([]widgetJSON, 0, len(ws))
	for _, w := range ws {
		if w == nil {
			continue
		}
		out = append(out, VisitWidget[widgetJSON](w, widgetEncoder{}))
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown widget types are
// rejected.
func (ws *Widgets) UnmarshalJSON(data []byte) error {
	var raw []widgetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Widgets, 0, len(raw))
	for i, r := range raw {
		switch r.Type {
		case WidgetMetric:
			out = append(out, MetricWidget{MetricID: r.MetricID})
		case WidgetTable:
			out = append(out, TableWidget{TableID: r.TableID})
		case WidgetActions:
			w := ActionsWidget{}
			if r.ActionIDs != nil {
				w.ActionIDs = append([]string{}, (*r.ActionIDs)...)
			}
			out = append(out, w)
		case WidgetForm:
			out = append(out, FormWidget{FormID: r.FormID})
		case WidgetText:
			out = append(out, TextWidget{Text: r.Text})
		default:
			return fmt.Errorf("widget %d: unknown widget type %q", i, r.Type)
		}
	}
	*ws = out
	return nil
}
