package model

import (
	"encoding/json"
	"sort"
)

// RoleSet is the set of role names allowed to execute an action. A nil or
// empty set means any authenticated caller may execute it.
type RoleSet map[string]bool

// NewRoleSet builds a RoleSet from role names. Empty names are ignored.
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		if r != "" {
			rs[r] = true
		}
	}
	return rs
}

// Restricted reports whether the set limits execution to specific roles.
func (rs RoleSet) Restricted() bool {
	return len(rs) > 0
}

// Allows reports whether a caller acting under role may execute. An
// unrestricted set allows everyone; a restricted set never allows an empty
// role.
func (rs RoleSet) Allows(role string) bool {
	if !rs.Restricted() {
		return true
	}
	if role == "" {
		return false
	}
	return rs[role]
}

// Sorted returns the role names in lexical order.
func (rs RoleSet) Sorted() []string {
	out := make([]string, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array of role names.
func (rs RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(rs.Sorted())
}

// UnmarshalJSON decodes an array of role names.
func (rs *RoleSet) UnmarshalJSON(data []byte) error {
	var roles []string
	if err := json.Unmarshal(data, &roles); err != nil {
		return err
	}
	*rs = NewRoleSet(roles...)
	return nil
}
