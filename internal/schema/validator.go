// Package schema checks a ModulesConfig for structural and referential
// problems.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pitabwire/modulus/model"
)

// Severity grades an Issue.
type Severity string

const (
	// SeverityError issues make a document unacceptable for writing.
	SeverityError Severity = "error"
	// SeverityWarning issues degrade rendering but are tolerated.
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeRequired          = "REQUIRED"
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeDuplicateRoute    = "DUPLICATE_ROUTE"
	CodeInvalidRoute      = "INVALID_ROUTE"
	CodeInvalidAction     = "INVALID_ACTION"
	CodeDanglingReference = "DANGLING_REFERENCE"
	CodeSpanOutOfRange    = "SPAN_OUT_OF_RANGE"
	CodeInvalidPattern    = "INVALID_PATTERN"
)

// Issue describes a single problem found in a document.
type Issue struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Validate checks the whole document.
func Validate(doc *model.ModulesConfig) []Issue {
	var issues []Issue

	moduleIDs := make(map[string]bool)
	for i := range doc.Modules {
		m := &doc.Modules[i]
		mp := fmt.Sprintf("modules[%d]", i)
		if m.ID == "" {
			issues = append(issues, errorf(mp+".id", CodeRequired, "module id is required"))
		} else if moduleIDs[m.ID] {
			issues = append(issues, errorf(mp+".id", CodeDuplicateID, "duplicate module id %q", m.ID))
		}
		moduleIDs[m.ID] = true

		subIDs := make(map[string]bool)
		for j := range m.Submodules {
			s := &m.Submodules[j]
			sp := fmt.Sprintf("%s.submodules[%d]", mp, j)
			if s.ID == "" {
				issues = append(issues, errorf(sp+".id", CodeRequired, "submodule id is required"))
			} else if subIDs[s.ID] {
				issues = append(issues, errorf(sp+".id", CodeDuplicateID, "duplicate submodule id %q in module %q", s.ID, m.ID))
			}
			subIDs[s.ID] = true
			issues = append(issues, validateSubmodule(sp, s)...)
		}
	}

	issues = append(issues, duplicateRoutes(doc)...)
	return issues
}

// Errors filters issues down to those of SeverityError.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// CheckSubmodule validates a single submodule of doc, including route
// uniqueness across the whole document. Problems elsewhere in the document
// are not reported.
func CheckSubmodule(doc *model.ModulesConfig, moduleID, subID string) []Issue {
	m, mi := doc.Module(moduleID)
	if m == nil {
		return nil
	}
	s, si := m.Submodule(subID)
	if s == nil {
		return nil
	}
	issues := validateSubmodule(fmt.Sprintf("modules[%d].submodules[%d]", mi, si), s)
	return append(issues, RouteConflicts(doc, moduleID, subID)...)
}

// RouteConflicts reports submodules other than (moduleID, subID) that
// declare the same route as that submodule.
func RouteConflicts(doc *model.ModulesConfig, moduleID, subID string) []Issue {
	m, _ := doc.Module(moduleID)
	if m == nil {
		return nil
	}
	target, _ := m.Submodule(subID)
	if target == nil || target.Route == "" {
		return nil
	}

	var issues []Issue
	for i := range doc.Modules {
		other := &doc.Modules[i]
		for j := range other.Submodules {
			s := &other.Submodules[j]
			if other.ID == moduleID && s.ID == subID {
				continue
			}
			if normalizeRoute(s.Route) == normalizeRoute(target.Route) {
				issues = append(issues, errorf(
					fmt.Sprintf("modules[%d].submodules[%d].route", i, j),
					CodeDuplicateRoute,
					"route %q is already used by %s/%s", target.Route, other.ID, s.ID,
				))
			}
		}
	}
	return issues
}

func duplicateRoutes(doc *model.ModulesConfig) []Issue {
	var issues []Issue
	seen := make(map[string]string)
	for i := range doc.Modules {
		m := &doc.Modules[i]
		for j := range m.Submodules {
			s := &m.Submodules[j]
			if s.Route == "" {
				continue
			}
			route := normalizeRoute(s.Route)
			owner := m.ID + "/" + s.ID
			if prev, ok := seen[route]; ok {
				issues = append(issues, errorf(
					fmt.Sprintf("modules[%d].submodules[%d].route", i, j),
					CodeDuplicateRoute,
					"route %q is already used by %s", s.Route, prev,
				))
				continue
			}
			seen[route] = owner
		}
	}
	return issues
}

func normalizeRoute(route string) string {
	if len(route) > 1 {
		return strings.TrimRight(route, "/")
	}
	return route
}

func validateSubmodule(prefix string, s *model.Submodule) []Issue {
	var issues []Issue

	if s.Route != "" && !strings.HasPrefix(s.Route, "/") {
		issues = append(issues, errorf(prefix+".route", CodeInvalidRoute, "route %q must be an absolute path", s.Route))
	}

	actionIDs := idSet(len(s.Actions), func(i int) string { return s.Actions[i].ID })
	tableIDs := idSet(len(s.Tables), func(i int) string { return s.Tables[i].ID })
	metricIDs := idSet(len(s.Metrics), func(i int) string { return s.Metrics[i].ID })
	formIDs := idSet(len(s.Forms), func(i int) string { return s.Forms[i].ID })
	modalIDs := idSet(len(s.Modals), func(i int) string { return s.Modals[i].ID })

	issues = append(issues, duplicates(prefix+".actions", len(s.Actions), func(i int) string { return s.Actions[i].ID })...)
	issues = append(issues, duplicates(prefix+".tables", len(s.Tables), func(i int) string { return s.Tables[i].ID })...)
	issues = append(issues, duplicates(prefix+".metrics", len(s.Metrics), func(i int) string { return s.Metrics[i].ID })...)
	issues = append(issues, duplicates(prefix+".forms", len(s.Forms), func(i int) string { return s.Forms[i].ID })...)
	issues = append(issues, duplicates(prefix+".modals", len(s.Modals), func(i int) string { return s.Modals[i].ID })...)

	for i := range s.Actions {
		a := &s.Actions[i]
		ap := fmt.Sprintf("%s.actions[%d]", prefix, i)
		if !a.Type.Valid() {
			issues = append(issues, errorf(ap+".type", CodeInvalidAction, "action type is required"))
			continue
		}
		switch a.Type {
		case model.ActionRunAPI, model.ActionNavigate, model.ActionExport:
			if a.Target == "" {
				issues = append(issues, warnf(ap+".target", CodeInvalidAction, "%s action has no target", a.Type))
			}
		case model.ActionOpenModal:
			if a.Target != "" && !modalIDs[a.Target] {
				issues = append(issues, warnf(ap+".target", CodeDanglingReference, "modal %q does not exist", a.Target))
			}
		}
	}

	for i := range s.Modals {
		md := &s.Modals[i]
		if md.ContentType == model.ModalForm && md.FormID != "" && !formIDs[md.FormID] {
			issues = append(issues, warnf(fmt.Sprintf("%s.modals[%d].formId", prefix, i), CodeDanglingReference, "form %q does not exist", md.FormID))
		}
	}

	for i := range s.Forms {
		f := &s.Forms[i]
		fp := fmt.Sprintf("%s.forms[%d]", prefix, i)
		if f.SubmitActionID != "" && !actionIDs[f.SubmitActionID] {
			issues = append(issues, warnf(fp+".submitActionId", CodeDanglingReference, "action %q does not exist", f.SubmitActionID))
		}
		for j := range f.Fields {
			fld := &f.Fields[j]
			if fld.Key == "" {
				issues = append(issues, errorf(fmt.Sprintf("%s.fields[%d].key", fp, j), CodeRequired, "field key is required"))
			}
			if fld.Pattern != "" {
				if _, err := regexp.Compile(fld.Pattern); err != nil {
					issues = append(issues, warnf(fmt.Sprintf("%s.fields[%d].pattern", fp, j), CodeInvalidPattern, "pattern does not compile: %v", err))
				}
			}
		}
	}

	if s.Layout != nil {
		refs := widgetRefs{actions: actionIDs, tables: tableIDs, metrics: metricIDs, forms: formIDs}
		for r, row := range s.Layout.Rows {
			for c := range row.Columns {
				col := &row.Columns[c]
				cp := fmt.Sprintf("%s.layout.rows[%d].columns[%d]", prefix, r, c)
				if col.Span < model.MinSpan || col.Span > model.MaxSpan {
					issues = append(issues, warnf(cp+".span", CodeSpanOutOfRange, "span %d is clamped to %d", col.Span, col.ClampedSpan()))
				}
				for w, widget := range col.Widgets {
					wp := fmt.Sprintf("%s.widgets[%d]", cp, w)
					for _, missing := range model.VisitWidget[[]string](widget, refs) {
						issues = append(issues, warnf(wp, CodeDanglingReference, "%s %q does not exist", widget.Kind(), missing))
					}
				}
			}
		}
	}

	return issues
}

// widgetRefs returns the ids a widget references that do not exist.
type widgetRefs struct {
	actions, tables, metrics, forms map[string]bool
}

func (r widgetRefs) Metric(w model.MetricWidget) []string { return missing(r.metrics, w.MetricID) }
func (r widgetRefs) Table(w model.TableWidget) []string   { return missing(r.tables, w.TableID) }
func (r widgetRefs) Form(w model.FormWidget) []string     { return missing(r.forms, w.FormID) }
func (r widgetRefs) Text(model.TextWidget) []string       { return nil }

func (r widgetRefs) Actions(w model.ActionsWidget) []string {
	var out []string
	for _, id := range w.ActionIDs {
		out = append(out, missing(r.actions, id)...)
	}
	return out
}

func missing(set map[string]bool, id string) []string {
	if set[id] {
		return nil
	}
	return []string{id}
}

func idSet(n int, id func(int) string) map[string]bool {
	set := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		set[id(i)] = true
	}
	return set
}

func duplicates(prefix string, n int, id func(int) string) []Issue {
	var issues []Issue
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		v := id(i)
		if v == "" {
			issues = append(issues, errorf(fmt.Sprintf("%s[%d].id", prefix, i), CodeRequired, "id is required"))
			continue
		}
		if seen[v] {
			issues = append(issues, errorf(fmt.Sprintf("%s[%d].id", prefix, i), CodeDuplicateID, "duplicate id %q", v))
		}
		seen[v] = true
	}
	return issues
}

func errorf(path, code, format string, args ...any) Issue {
	return Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError}
}

func warnf(path, code, format string, args ...any) Issue {
	return Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning}
}
