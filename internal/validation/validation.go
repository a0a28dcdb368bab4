// Package validation checks form submissions against their field rules.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pitabwire/modulus/model"
)

// Failure codes.
const (
	CodeRequired  = "REQUIRED"
	CodeMinLength = "MIN_LENGTH"
	CodeMaxLength = "MAX_LENGTH"
	CodePattern   = "PATTERN"
	CodeMin       = "MIN"
	CodeMax       = "MAX"
)

const defaultRequiredMessage = "Required"

// dateLayouts are tried in order when parsing date values and bounds.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Result holds the failing fields of one submission in declaration order.
// An empty Result means the form is valid.
type Result struct {
	Fields []model.FieldError `json:"fields"`
}

// Valid reports whether no field failed.
func (r Result) Valid() bool { return len(r.Fields) == 0 }

// Messages maps each failing field key to its message.
func (r Result) Messages() map[string]string {
	out := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Field] = f.Message
	}
	return out
}

// Validator evaluates form rules. Compiled patterns are cached; patterns
// that fail to compile are logged once and skipped.
type Validator struct {
	logger   *zap.Logger
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	invalid  map[string]bool
}

// New creates a Validator.
func New(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		logger:   logger,
		patterns: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]bool),
	}
}

// Validate checks every field of form against values. Fields are
// independent; each stops at its first failing rule.
func (v *Validator) Validate(form *model.Form, values map[string]model.Value) Result {
	var res Result
	for i := range form.Fields {
		f := &form.Fields[i]
		value, present := values[f.Key]
		if code, msg, ok := v.Field(f, value, present); !ok {
			res.Fields = append(res.Fields, model.FieldError{Field: f.Key, Code: code, Message: msg})
		}
	}
	return res
}

// Field evaluates one field's rules in order: required, then the rules of
// its type. Absent values only fail the required rule.
func (v *Validator) Field(f *model.FormField, value model.Value, present bool) (code, message string, ok bool) {
	empty := !present || isEmpty(f, value)
	if f.Required && empty {
		return CodeRequired, messageOr(f, defaultRequiredMessage), false
	}
	if empty {
		return "", "", true
	}

	switch f.Type {
	case model.FieldText, model.FieldTextarea:
		return v.text(f, value)
	case model.FieldNumber:
		return number(f, value)
	case model.FieldDate:
		return date(f, value)
	}
	return "", "", true
}

func isEmpty(f *model.FormField, value model.Value) bool {
	switch value.Kind() {
	case model.KindNull:
		return true
	case model.KindString:
		s, _ := value.AsString()
		return s == ""
	case model.KindBool:
		b, _ := value.AsBool()
		return f.Type == model.FieldCheckbox && !b
	}
	return false
}

func (v *Validator) text(f *model.FormField, value model.Value) (string, string, bool) {
	s := value.Text()
	n := utf8.RuneCountInString(s)
	if f.MinLength != nil && n < *f.MinLength {
		return CodeMinLength, messageOr(f, fmt.Sprintf("Must be at least %d characters", *f.MinLength)), false
	}
	if f.MaxLength != nil && n > *f.MaxLength {
		return CodeMaxLength, messageOr(f, fmt.Sprintf("Must be at most %d characters", *f.MaxLength)), false
	}
	if f.Pattern != "" {
		if re := v.compile(f.Key, f.Pattern); re != nil && !re.MatchString(s) {
			return CodePattern, messageOr(f, "Invalid format"), false
		}
	}
	return "", "", true
}

func number(f *model.FormField, value model.Value) (string, string, bool) {
	n, ok := asNumber(value)
	if !ok {
		return "", "", true
	}
	if f.Min != nil {
		if lo, ok := asNumber(*f.Min); ok && n < lo {
			return CodeMin, messageOr(f, "Must be at least "+formatNumber(lo)), false
		}
	}
	if f.Max != nil {
		if hi, ok := asNumber(*f.Max); ok && n > hi {
			return CodeMax, messageOr(f, "Must be at most "+formatNumber(hi)), false
		}
	}
	return "", "", true
}

func date(f *model.FormField, value model.Value) (string, string, bool) {
	t, ok := asTime(value)
	if !ok {
		return "", "", true
	}
	if f.Min != nil {
		if lo, ok := asTime(*f.Min); ok && t.Before(lo) {
			return CodeMin, messageOr(f, "Must be on or after "+f.Min.Text()), false
		}
	}
	if f.Max != nil {
		if hi, ok := asTime(*f.Max); ok && t.After(hi) {
			return CodeMax, messageOr(f, "Must be on or before "+f.Max.Text()), false
		}
	}
	return "", "", true
}

func (v *Validator) compile(field, pattern string) *regexp.Regexp {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[pattern]; ok {
		return re
	}
	if v.invalid[pattern] {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		v.invalid[pattern] = true
		v.logger.Warn("form field pattern does not compile, rule skipped",
			zap.String("field", field), zap.String("pattern", pattern), zap.Error(err))
		return nil
	}
	v.patterns[pattern] = re
	return re
}

func messageOr(f *model.FormField, fallback string) string {
	if f.Message != "" {
		return f.Message
	}
	return fallback
}

func asNumber(v model.Value) (float64, bool) {
	if n, ok := v.AsNumber(); ok {
		return n, true
	}
	if s, ok := v.AsString(); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return n, err == nil
	}
	return 0, false
}

func asTime(v model.Value) (time.Time, bool) {
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// SubmitAction picks the action a valid form dispatches: the declared
// submitActionId, or the submodule's first action when none is declared.
func SubmitAction(sub *model.Submodule, form *model.Form) (*model.Action, bool) {
	if form.SubmitActionID != "" {
		return sub.Action(form.SubmitActionID)
	}
	if len(sub.Actions) == 0 {
		return nil, false
	}
	return &sub.Actions[0], true
}
