// Package render turns the module document into menus and submodule views
// for the active route.
package render

import (
	"path"
	"strings"

	"github.com/pitabwire/modulus/model"
)

// Match is the enabled module and submodule a route resolved to.
type Match struct {
	Module    *model.Module
	Submodule *model.Submodule
}

// Matcher is one route matching strategy.
type Matcher interface {
	Name() string
	Match(cfg *model.ModulesConfig, route string) (Match, bool)
}

// DefaultMatchers is the fallback chain: exact route, then route prefix,
// then submodule id suffix.
var DefaultMatchers = []Matcher{ExactMatcher{}, PrefixMatcher{}, IDSuffixMatcher{}}

// Resolve runs matchers in order and returns the first match.
func Resolve(cfg *model.ModulesConfig, route string, matchers ...Matcher) (Match, string, bool) {
	if len(matchers) == 0 {
		matchers = DefaultMatchers
	}
	route = cleanRoute(route)
	for _, m := range matchers {
		if match, ok := m.Match(cfg, route); ok {
			return match, m.Name(), true
		}
	}
	return Match{}, "", false
}

// ExactMatcher matches a submodule whose route equals the path.
type ExactMatcher struct{}

func (ExactMatcher) Name() string { return "exact" }

func (ExactMatcher) Match(cfg *model.ModulesConfig, route string) (Match, bool) {
	return first(cfg, func(sub *model.Submodule) bool {
		return sub.Route != "" && cleanRoute(sub.Route) == route
	})
}

// PrefixMatcher matches a submodule whose route is a segment-aligned prefix
// of the path, so /vehicles matches /vehicles/42 but not /vehiclesx.
type PrefixMatcher struct{}

func (PrefixMatcher) Name() string { return "prefix" }

func (PrefixMatcher) Match(cfg *model.ModulesConfig, route string) (Match, bool) {
	return first(cfg, func(sub *model.Submodule) bool {
		if sub.Route == "" {
			return false
		}
		prefix := cleanRoute(sub.Route)
		if prefix == "/" {
			return true
		}
		return strings.HasPrefix(route, prefix+"/")
	})
}

// IDSuffixMatcher matches a submodule whose id is the last path segment.
type IDSuffixMatcher struct{}

func (IDSuffixMatcher) Name() string { return "id-suffix" }

func (IDSuffixMatcher) Match(cfg *model.ModulesConfig, route string) (Match, bool) {
	last := path.Base(route)
	if last == "/" || last == "." {
		return Match{}, false
	}
	return first(cfg, func(sub *model.Submodule) bool {
		return sub.ID == last
	})
}

// first returns the first enabled submodule of an enabled module, in
// declaration order, that satisfies pred.
func first(cfg *model.ModulesConfig, pred func(*model.Submodule) bool) (Match, bool) {
	for i := range cfg.Modules {
		m := &cfg.Modules[i]
		if !m.IsEnabled() {
			continue
		}
		for j := range m.Submodules {
			sub := &m.Submodules[j]
			if sub.IsEnabled() && pred(sub) {
				return Match{Module: m, Submodule: sub}, true
			}
		}
	}
	return Match{}, false
}

func cleanRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	return path.Clean("/" + strings.TrimSpace(route))
}
