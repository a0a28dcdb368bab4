package model

import (
	"encoding/json"
	"fmt"
)

// ModulesConfig is the root document describing the whole application menu.
type ModulesConfig struct {
	Version int      `json:"version"`
	Modules []Module `json:"modules"`
}

// DefaultModulesConfig returns the empty document created on first access.
func DefaultModulesConfig() ModulesConfig {
	return ModulesConfig{Version: 1, Modules: []Module{}}
}

// Module is a top-level menu entry grouping submodules.
type Module struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Icon       string      `json:"icon,omitempty"`
	Order      *float64    `json:"order,omitempty"`
	Enabled    *bool       `json:"enabled,omitempty"`
	Submodules []Submodule `json:"submodules"`
}

// IsEnabled reports whether the module is shown. Modules are enabled unless
// explicitly disabled.
func (m *Module) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Submodule is a single screen addressable by route.
type Submodule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Route       string   `json:"route,omitempty"`
	Description string   `json:"description,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Actions     []Action `json:"actions"`
	Tables      []Table  `json:"tables"`
	Metrics     []Metric `json:"metrics"`
	Modals      []Modal  `json:"modals"`
	Forms       []Form   `json:"forms"`
	Layout      *Layout  `json:"layout,omitempty"`
}

// IsEnabled reports whether the submodule is shown.
func (s *Submodule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Action is a declarative operation a user can trigger.
type Action struct {
	ID            string     `json:"id"`
	Label         string     `json:"label"`
	Type          ActionType `json:"type"`
	Target        string     `json:"target,omitempty"`
	Method        HTTPMethod `json:"method,omitempty"`
	PayloadSchema *Value     `json:"payloadSchema,omitempty"`
	Permissions   RoleSet    `json:"permissions,omitempty"`
}

// Table describes a tabular view fed by a data source or a data key.
type Table struct {
	ID         string      `json:"id"`
	DataKey    string      `json:"dataKey,omitempty"`
	DataSource *DataSource `json:"dataSource,omitempty"`
	Columns    []Column    `json:"columns"`
	Striped    bool        `json:"striped,omitempty"`
	PageSize   int         `json:"pageSize,omitempty"`
}

// Column is a table column.
type Column struct {
	Key      string       `json:"key"`
	Label    string       `json:"label"`
	Width    int          `json:"width,omitempty"`
	Sortable bool         `json:"sortable,omitempty"`
	Format   ColumnFormat `json:"format,omitempty"`
}

// DataSource describes an internal API call used to populate a table or
// metric.
type DataSource struct {
	URL     string            `json:"url"`
	Method  HTTPMethod        `json:"method,omitempty"`
	Params  map[string]Value  `json:"params,omitempty"`
	Body    *Value            `json:"body,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EffectiveMethod returns the method, defaulting to GET.
func (ds *DataSource) EffectiveMethod() HTTPMethod {
	if ds.Method == "" {
		return MethodGet
	}
	return ds.Method
}

// Metric is a single headline value.
type Metric struct {
	ID         string      `json:"id"`
	Label      string      `json:"label"`
	ValueExpr  string      `json:"valueExpr,omitempty"`
	Unit       string      `json:"unit,omitempty"`
	Color      string      `json:"color,omitempty"`
	DataSource *DataSource `json:"dataSource,omitempty"`
}

// Option is a select choice.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FormField is a single input with declarative constraints. Min and Max are
// numbers for number fields and date strings for date fields.
type FormField struct {
	Key          string    `json:"key"`
	Label        string    `json:"label"`
	Type         FieldType `json:"type"`
	Required     bool      `json:"required,omitempty"`
	Options      []Option  `json:"options,omitempty"`
	Min          *Value    `json:"min,omitempty"`
	Max          *Value    `json:"max,omitempty"`
	MinLength    *int      `json:"minLength,omitempty"`
	MaxLength    *int      `json:"maxLength,omitempty"`
	Pattern      string    `json:"pattern,omitempty"`
	Message      string    `json:"message,omitempty"`
	Placeholder  string    `json:"placeholder,omitempty"`
	DefaultValue *Value    `json:"defaultValue,omitempty"`
}

// Form groups fields and names the action dispatched on submit.
type Form struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	SubmitActionID string      `json:"submitActionId,omitempty"`
	Fields         []FormField `json:"fields"`
}

// Modal is a dialog, usually hosting a form.
type Modal struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	ContentType ModalContentType `json:"contentType"`
	FormID      string           `json:"formId,omitempty"`
}

// Layout is an explicit grid of widgets.
type Layout struct {
	Rows []Row `json:"rows"`
}

// Empty reports whether the layout declares no rows.
func (l *Layout) Empty() bool {
	return l == nil || len(l.Rows) == 0
}

// Row is a horizontal band of columns.
type Row struct {
	ID      string         `json:"id"`
	Columns []LayoutColumn `json:"columns"`
}

// LayoutColumn is a cell spanning 1 to 12 grid units.
type LayoutColumn struct {
	ID      string  `json:"id"`
	Span    int     `json:"span"`
	Widgets Widgets `json:"widgets"`
}

// Grid bounds for LayoutColumn.Span.
const (
	MinSpan = 1
	MaxSpan = 12
)

// ClampedSpan returns Span limited to [MinSpan, MaxSpan].
func (c *LayoutColumn) ClampedSpan() int {
	switch {
	case c.Span < MinSpan:
		return MinSpan
	case c.Span > MaxSpan:
		return MaxSpan
	}
	return c.Span
}

// Module returns the module with the given id and its index, or -1.
func (mc *ModulesConfig) Module(id string) (*Module, int) {
	for i := range mc.Modules {
		if mc.Modules[i].ID == id {
			return &mc.Modules[i], i
		}
	}
	return nil, -1
}

// Submodule returns the submodule with the given id and its index, or -1.
func (m *Module) Submodule(id string) (*Submodule, int) {
	for i := range m.Submodules {
		if m.Submodules[i].ID == id {
			return &m.Submodules[i], i
		}
	}
	return nil, -1
}

// Action returns the action with the given id.
func (s *Submodule) Action(id string) (*Action, bool) {
	for i := range s.Actions {
		if s.Actions[i].ID == id {
			return &s.Actions[i], true
		}
	}
	return nil, false
}

// Table returns the table with the given id.
func (s *Submodule) Table(id string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].ID == id {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Metric returns the metric with the given id.
func (s *Submodule) Metric(id string) (*Metric, bool) {
	for i := range s.Metrics {
		if s.Metrics[i].ID == id {
			return &s.Metrics[i], true
		}
	}
	return nil, false
}

// Form returns the form with the given id.
func (s *Submodule) Form(id string) (*Form, bool) {
	for i := range s.Forms {
		if s.Forms[i].ID == id {
			return &s.Forms[i], true
		}
	}
	return nil, false
}

// Modal returns the modal with the given id.
func (s *Submodule) Modal(id string) (*Modal, bool) {
	for i := range s.Modals {
		if s.Modals[i].ID == id {
			return &s.Modals[i], true
		}
	}
	return nil, false
}

// Normalize fills defaults: version 1 and empty (never nil) collections
// throughout, so that a saved document reads back identically.
func (mc *ModulesConfig) Normalize() {
	if mc.Version == 0 {
		mc.Version = 1
	}
	if mc.Modules == nil {
		mc.Modules = []Module{}
	}
	for i := range mc.Modules {
		mc.Modules[i].normalize()
	}
}

func (m *Module) normalize() {
	if m.Submodules == nil {
		m.Submodules = []Submodule{}
	}
	for i := range m.Submodules {
		m.Submodules[i].normalize()
	}
}

func (s *Submodule) normalize() {
	if s.Actions == nil {
		s.Actions = []Action{}
	}
	if s.Tables == nil {
		s.Tables = []Table{}
	}
	for i := range s.Tables {
		if s.Tables[i].Columns == nil {
			s.Tables[i].Columns = []Column{}
		}
	}
	if s.Metrics == nil {
		s.Metrics = []Metric{}
	}
	if s.Modals == nil {
		s.Modals = []Modal{}
	}
	if s.Forms == nil {
		s.Forms = []Form{}
	}
	for i := range s.Forms {
		if s.Forms[i].Fields == nil {
			s.Forms[i].Fields = []FormField{}
		}
	}
	if s.Layout != nil {
		if s.Layout.Rows == nil {
			s.Layout.Rows = []Row{}
		}
		for i := range s.Layout.Rows {
			row := &s.Layout.Rows[i]
			if row.Columns == nil {
				row.Columns = []LayoutColumn{}
			}
			for j := range row.Columns {
				if row.Columns[j].Widgets == nil {
					row.Columns[j].Widgets = Widgets{}
				}
			}
		}
	}
}

// Clone returns a deep copy of the document.
func (mc ModulesConfig) Clone() ModulesConfig {
	data, err := json.Marshal(mc)
	if err != nil {
		panic(fmt.Sprintf("model: cloning modules config: %v", err))
	}
	var out ModulesConfig
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("model: cloning modules config: %v", err))
	}
	return out
}

// ParseModulesConfig decodes and normalizes a JSON document.
func ParseModulesConfig(data []byte) (ModulesConfig, error) {
	var mc ModulesConfig
	if err := json.Unmarshal(data, &mc); err != nil {
		return ModulesConfig{}, err
	}
	mc.Normalize()
	return mc, nil
}
