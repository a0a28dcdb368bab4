package render

import (
	"github.com/pitabwire/modulus/internal/action"
	"github.com/pitabwire/modulus/internal/validation"
	"github.com/pitabwire/modulus/model"
)

// MetricSentinel is displayed when a metric has no value.
const MetricSentinel = "—"

// View is a rendered submodule.
type View struct {
	ModuleID    string    `json:"moduleId"`
	SubmoduleID string    `json:"submoduleId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Route       string    `json:"route,omitempty"`
	Matched     string    `json:"matched,omitempty"`
	Rows        []RowView `json:"rows"`
}

// RowView is a rendered layout row.
type RowView struct {
	ID      string       `json:"id"`
	Columns []ColumnView `json:"columns"`
}

// ColumnView is a rendered layout column with its span clamped to the grid.
type ColumnView struct {
	ID     string  `json:"id"`
	Span   int     `json:"span"`
	Blocks []Block `json:"blocks"`
}

// Block is one rendered widget. Exactly one payload field is set, matching
// Kind.
type Block struct {
	Kind    model.WidgetKind `json:"kind"`
	Metric  *MetricView      `json:"metric,omitempty"`
	Table   *TableView       `json:"table,omitempty"`
	Actions []ActionView     `json:"actions,omitempty"`
	Form    *FormView        `json:"form,omitempty"`
	Text    string           `json:"text,omitempty"`
}

// MetricView is a metric with its resolved value.
type MetricView struct {
	ID      string       `json:"id"`
	Label   string       `json:"label"`
	Unit    string       `json:"unit,omitempty"`
	Color   string       `json:"color,omitempty"`
	Value   *model.Value `json:"value,omitempty"`
	Display string       `json:"display"`
	Error   string       `json:"error,omitempty"`
}

// TableView is a table with its resolved rows.
type TableView struct {
	ID       string         `json:"id"`
	DataKey  string         `json:"dataKey,omitempty"`
	Columns  []model.Column `json:"columns"`
	Striped  bool           `json:"striped,omitempty"`
	PageSize int            `json:"pageSize,omitempty"`
	Rows     []model.Value  `json:"rows"`
	Error    string         `json:"error,omitempty"`
}

// ActionView is an action the caller may execute.
type ActionView struct {
	ID     string           `json:"id"`
	Label  string           `json:"label"`
	Type   model.ActionType `json:"type"`
	Target string           `json:"target,omitempty"`
}

// FormView is a form with its submit action resolved.
type FormView struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	SubmitActionID string            `json:"submitActionId,omitempty"`
	Fields         []model.FormField `json:"fields"`
}

// fetch is a pending data source resolution filling a view in place.
type fetch struct {
	metric *MetricView
	table  *TableView
	ds     *model.DataSource
}

// layoutBuilder interprets widgets against one submodule's collections.
// Missing references produce no block.
type layoutBuilder struct {
	sub     *model.Submodule
	role    string
	fetches []fetch
}

func (b *layoutBuilder) Metric(w model.MetricWidget) *Block {
	m, ok := b.sub.Metric(w.MetricID)
	if !ok {
		return nil
	}
	return b.metricBlock(m)
}

func (b *layoutBuilder) Table(w model.TableWidget) *Block {
	t, ok := b.sub.Table(w.TableID)
	if !ok {
		return nil
	}
	return b.tableBlock(t)
}

func (b *layoutBuilder) Actions(w model.ActionsWidget) *Block {
	var actions []*model.Action
	if w.ActionIDs == nil {
		for i := range b.sub.Actions {
			actions = append(actions, &b.sub.Actions[i])
		}
	} else {
		for _, id := range w.ActionIDs {
			if a, ok := b.sub.Action(id); ok {
				actions = append(actions, a)
			}
		}
	}
	return b.actionsBlock(actions)
}

func (b *layoutBuilder) Form(w model.FormWidget) *Block {
	f, ok := b.sub.Form(w.FormID)
	if !ok {
		return nil
	}
	view := &FormView{ID: f.ID, Title: f.Title, Fields: f.Fields}
	if a, ok := validation.SubmitAction(b.sub, f); ok {
		view.SubmitActionID = a.ID
	}
	return &Block{Kind: model.WidgetForm, Form: view}
}

func (b *layoutBuilder) Text(w model.TextWidget) *Block {
	return &Block{Kind: model.WidgetText, Text: w.Text}
}

func (b *layoutBuilder) metricBlock(m *model.Metric) *Block {
	view := &MetricView{ID: m.ID, Label: m.Label, Unit: m.Unit, Color: m.Color, Display: MetricSentinel}
	if m.DataSource != nil {
		b.fetches = append(b.fetches, fetch{metric: view, ds: m.DataSource})
	} else if m.ValueExpr != "" {
		v := model.String(m.ValueExpr)
		view.Value = &v
		view.Display = m.ValueExpr
	}
	return &Block{Kind: model.WidgetMetric, Metric: view}
}

func (b *layoutBuilder) tableBlock(t *model.Table) *Block {
	view := &TableView{
		ID: t.ID, DataKey: t.DataKey, Columns: t.Columns,
		Striped: t.Striped, PageSize: t.PageSize, Rows: []model.Value{},
	}
	if t.DataSource != nil {
		b.fetches = append(b.fetches, fetch{table: view, ds: t.DataSource})
	}
	return &Block{Kind: model.WidgetTable, Table: view}
}

// actionsBlock keeps only actions the caller may execute. A group left
// empty renders nothing.
func (b *layoutBuilder) actionsBlock(actions []*model.Action) *Block {
	var views []ActionView
	for _, a := range actions {
		if !action.CanExecute(a, b.role) {
			continue
		}
		views = append(views, ActionView{ID: a.ID, Label: a.Label, Type: a.Type, Target: a.Target})
	}
	if len(views) == 0 {
		return nil
	}
	return &Block{Kind: model.WidgetActions, Actions: views}
}

// layoutRows renders a declared layout.
func (b *layoutBuilder) layoutRows(layout *model.Layout) []RowView {
	rows := make([]RowView, 0, len(layout.Rows))
	for _, row := range layout.Rows {
		rv := RowView{ID: row.ID, Columns: make([]ColumnView, 0, len(row.Columns))}
		for i := range row.Columns {
			col := &row.Columns[i]
			cv := ColumnView{ID: col.ID, Span: col.ClampedSpan(), Blocks: []Block{}}
			for _, w := range col.Widgets {
				if w == nil {
					continue
				}
				if block := model.VisitWidget[*Block](w, b); block != nil {
					cv.Blocks = append(cv.Blocks, *block)
				}
			}
			rv.Columns = append(rv.Columns, cv)
		}
		rows = append(rows, rv)
	}
	return rows
}

// defaultRows stacks all actions, then all metrics, then all tables in one
// full-width column.
func (b *layoutBuilder) defaultRows() []RowView {
	col := ColumnView{ID: "default", Span: model.MaxSpan, Blocks: []Block{}}

	all := make([]*model.Action, 0, len(b.sub.Actions))
	for i := range b.sub.Actions {
		all = append(all, &b.sub.Actions[i])
	}
	if block := b.actionsBlock(all); block != nil {
		col.Blocks = append(col.Blocks, *block)
	}
	for i := range b.sub.Metrics {
		col.Blocks = append(col.Blocks, *b.metricBlock(&b.sub.Metrics[i]))
	}
	for i := range b.sub.Tables {
		col.Blocks = append(col.Blocks, *b.tableBlock(&b.sub.Tables[i]))
	}
	return []RowView{{ID: "default", Columns: []ColumnView{col}}}
}
