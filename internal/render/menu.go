package render

import (
	"math"
	"sort"

	"github.com/pitabwire/modulus/model"
)

// MenuModule is one top-level menu group.
type MenuModule struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Icon  string      `json:"icon,omitempty"`
	Items []MenuEntry `json:"items"`
}

// MenuEntry links to a routed submodule.
type MenuEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Route       string `json:"route"`
	Description string `json:"description,omitempty"`
}

// Menu lists enabled modules by ascending order (unordered modules last,
// ties in declaration order) with the routed submodules role may use. A
// submodule is usable when it has no actions or role may execute at least
// one of them. Modules left without entries are omitted.
func Menu(cfg *model.ModulesConfig, role string) []MenuModule {
	mods := make([]*model.Module, 0, len(cfg.Modules))
	for i := range cfg.Modules {
		if cfg.Modules[i].IsEnabled() {
			mods = append(mods, &cfg.Modules[i])
		}
	}
	sort.SliceStable(mods, func(i, j int) bool {
		return order(mods[i]) < order(mods[j])
	})

	out := make([]MenuModule, 0, len(mods))
	for _, m := range mods {
		entry := MenuModule{ID: m.ID, Name: m.Name, Icon: m.Icon, Items: []MenuEntry{}}
		for j := range m.Submodules {
			sub := &m.Submodules[j]
			if !sub.IsEnabled() || sub.Route == "" || !usable(sub, role) {
				continue
			}
			entry.Items = append(entry.Items, MenuEntry{
				ID:          sub.ID,
				Name:        sub.Name,
				Route:       sub.Route,
				Description: sub.Description,
			})
		}
		if len(entry.Items) > 0 {
			out = append(out, entry)
		}
	}
	return out
}

func order(m *model.Module) float64 {
	if m.Order == nil {
		return math.Inf(1)
	}
	return *m.Order
}

func usable(sub *model.Submodule, role string) bool {
	if len(sub.Actions) == 0 {
		return true
	}
	for i := range sub.Actions {
		if sub.Actions[i].Permissions.Allows(role) {
			return true
		}
	}
	return false
}
