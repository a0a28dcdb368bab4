package store

import "github.com/pitabwire/modulus/model"

// ModulePatch carries the top-level module fields present in an upsert.
// Nil fields are left untouched; Submodules, when present, replaces the
// whole list.
type ModulePatch struct {
	ID         string             `json:"id"`
	Name       *string            `json:"name,omitempty"`
	Icon       *string            `json:"icon,omitempty"`
	Order      *float64           `json:"order,omitempty"`
	Enabled    *bool              `json:"enabled,omitempty"`
	Submodules *[]model.Submodule `json:"submodules,omitempty"`
}

// apply shallow-merges p over m.
func (p *ModulePatch) apply(m *model.Module) {
	m.ID = p.ID
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Icon != nil {
		m.Icon = *p.Icon
	}
	if p.Order != nil {
		order := *p.Order
		m.Order = &order
	}
	if p.Enabled != nil {
		enabled := *p.Enabled
		m.Enabled = &enabled
	}
	if p.Submodules != nil {
		m.Submodules = append([]model.Submodule(nil), (*p.Submodules)...)
	}
}

// SubmodulePatch carries the top-level submodule fields present in an
// upsert. Collections and the layout are replaced wholesale when present.
type SubmodulePatch struct {
	ID          string          `json:"id"`
	Name        *string         `json:"name,omitempty"`
	Route       *string         `json:"route,omitempty"`
	Description *string         `json:"description,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Actions     *[]model.Action `json:"actions,omitempty"`
	Tables      *[]model.Table  `json:"tables,omitempty"`
	Metrics     *[]model.Metric `json:"metrics,omitempty"`
	Modals      *[]model.Modal  `json:"modals,omitempty"`
	Forms       *[]model.Form   `json:"forms,omitempty"`
	Layout      *model.Layout   `json:"layout,omitempty"`
}

// apply shallow-merges p over s.
func (p *SubmodulePatch) apply(s *model.Submodule) {
	s.ID = p.ID
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Route != nil {
		s.Route = *p.Route
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Enabled != nil {
		enabled := *p.Enabled
		s.Enabled = &enabled
	}
	if p.Actions != nil {
		s.Actions = *p.Actions
	}
	if p.Tables != nil {
		s.Tables = *p.Tables
	}
	if p.Metrics != nil {
		s.Metrics = *p.Metrics
	}
	if p.Modals != nil {
		s.Modals = *p.Modals
	}
	if p.Forms != nil {
		s.Forms = *p.Forms
	}
	if p.Layout != nil {
		layout := *p.Layout
		s.Layout = &layout
	}
}

// PatchFromModule builds a patch that sets every field of m.
func PatchFromModule(m model.Module) ModulePatch {
	subs := m.Submodules
	p := ModulePatch{
		ID:         m.ID,
		Name:       &m.Name,
		Order:      m.Order,
		Enabled:    m.Enabled,
		Submodules: &subs,
	}
	if m.Icon != "" {
		p.Icon = &m.Icon
	}
	return p
}

// PatchFromSubmodule builds a patch that sets every field of s.
func PatchFromSubmodule(s model.Submodule) SubmodulePatch {
	p := SubmodulePatch{
		ID:      s.ID,
		Name:    &s.Name,
		Enabled: s.Enabled,
		Actions: &s.Actions,
		Tables:  &s.Tables,
		Metrics: &s.Metrics,
		Modals:  &s.Modals,
		Forms:   &s.Forms,
		Layout:  s.Layout,
	}
	if s.Route != "" {
		p.Route = &s.Route
	}
	if s.Description != "" {
		p.Description = &s.Description
	}
	return p
}
