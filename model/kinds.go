package model

import (
	"encoding/json"
	"fmt"
)

// ActionType is the closed set of action kinds.
type ActionType string

const (
	ActionNavigate  ActionType = "navigate"
	ActionOpenModal ActionType = "open-modal"
	ActionRunAPI    ActionType = "run-api"
	ActionExport    ActionType = "export"
	ActionCustom    ActionType = "custom"
)

// Valid reports whether t is one of the known action kinds.
func (t ActionType) Valid() bool {
	switch t {
	case ActionNavigate, ActionOpenModal, ActionRunAPI, ActionExport, ActionCustom:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown action kinds.
func (t *ActionType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, t, "action type")
}

// ActionVisitor handles every action kind. Adding a kind adds a method here,
// so every dispatcher fails to compile until it handles the new kind.
type ActionVisitor[T any] interface {
	Navigate(a *Action) (T, error)
	OpenModal(a *Action) (T, error)
	RunAPI(a *Action) (T, error)
	Export(a *Action) (T, error)
	Custom(a *Action) (T, error)
}

// VisitAction dispatches a to the visitor method for its kind.
func VisitAction[T any](a *Action, v ActionVisitor[T]) (T, error) {
	switch a.Type {
	case ActionNavigate:
		return v.Navigate(a)
	case ActionOpenModal:
		return v.OpenModal(a)
	case ActionRunAPI:
		return v.RunAPI(a)
	case ActionExport:
		return v.Export(a)
	case ActionCustom:
		return v.Custom(a)
	}
	var zero T
	return zero, NewBadRequestError(fmt.Sprintf("unknown action type %q", a.Type))
}

// HTTPMethod is the closed set of methods an action or data source may use.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodDelete HTTPMethod = "DELETE"
)

// Valid reports whether m is a supported method.
func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// UnmarshalJSON rejects unsupported methods.
func (m *HTTPMethod) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, m, "method")
}

// ColumnFormat selects how a table cell is displayed.
type ColumnFormat string

const (
	FormatText   ColumnFormat = "text"
	FormatNumber ColumnFormat = "number"
	FormatDate   ColumnFormat = "date"
	FormatMoney  ColumnFormat = "money"
	FormatBadge  ColumnFormat = "badge"
	FormatLink   ColumnFormat = "link"
)

// Valid reports whether f is a known format.
func (f ColumnFormat) Valid() bool {
	switch f {
	case FormatText, FormatNumber, FormatDate, FormatMoney, FormatBadge, FormatLink:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown formats.
func (f *ColumnFormat) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, f, "column format")
}

// FieldType is the closed set of form input kinds.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
	FieldTextarea FieldType = "textarea"
	FieldFile     FieldType = "file"
)

// Valid reports whether t is a known field kind.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldSelect, FieldCheckbox, FieldTextarea, FieldFile:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown field kinds.
func (t *FieldType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, t, "field type")
}

// ModalContentType is what a modal hosts.
type ModalContentType string

const (
	ModalForm   ModalContentType = "form"
	ModalCustom ModalContentType = "custom"
)

// Valid reports whether c is a known content type.
func (c ModalContentType) Valid() bool {
	return c == ModalForm || c == ModalCustom
}

// UnmarshalJSON rejects unknown content types.
func (c *ModalContentType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, c, "modal content type")
}

// enum values decode from their string form. The empty string is accepted
// and means unset.
type enum interface {
	~string
	Valid() bool
}

func unmarshalEnum[E enum](data []byte, out *E, what string) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	e := E(s)
	if s != "" && !e.Valid() {
		return fmt.Errorf("unknown %s %q", what, s)
	}
	*out = e
	return nil
}
