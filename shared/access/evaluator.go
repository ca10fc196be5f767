// Package access decides whether a subject holds a platform permission.
//
// Grants come from three independent axes: system role, employee access
// level and department. A permission is held if any axis grants it. No axis
// can take away what another grants.
package access

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Subject is the input to every check. Empty fields contribute nothing.
type Subject struct {
	Role        string
	AccessLevel string
	Department  string
}

// Tables maps each axis value to the permissions it grants.
type Tables struct {
	SystemRoles  map[string][]string `json:"system_roles"`
	AccessLevels map[string][]string `json:"access_levels"`
	Departments  map[string][]string `json:"departments"`
}

type grantSet map[string]map[string]struct{}

// Evaluator holds immutable grant tables. It is safe for concurrent use.
type Evaluator struct {
	roles       grantSet
	levels      grantSet
	departments grantSet
}

// NewEvaluator copies t into a new evaluator.
func NewEvaluator(t Tables) *Evaluator {
	e := &Evaluator{
		roles:       grantSet{},
		levels:      grantSet{},
		departments: grantSet{},
	}
	e.roles.add(t.SystemRoles)
	e.levels.add(t.AccessLevels)
	e.departments.add(t.Departments)
	return e
}

// Default returns an evaluator over DefaultTables.
func Default() *Evaluator {
	return NewEvaluator(DefaultTables())
}

func (g grantSet) add(table map[string][]string) {
	for key, perms := range table {
		set, ok := g[key]
		if !ok {
			set = make(map[string]struct{}, len(perms))
			g[key] = set
		}
		for _, p := range perms {
			set[p] = struct{}{}
		}
	}
}

func (g grantSet) has(key, permission string) bool {
	if key == "" {
		return false
	}
	_, ok := g[key][permission]
	return ok
}

func (g grantSet) table() map[string][]string {
	out := make(map[string][]string, len(g))
	for key, set := range g {
		for p := range set {
			out[key] = append(out[key], p)
		}
	}
	return out
}

// HasPermission reports whether any axis of s grants permission.
func (e *Evaluator) HasPermission(s Subject, permission string) bool {
	return e.roles.has(s.Role, permission) ||
		e.levels.has(s.AccessLevel, permission) ||
		e.departments.has(s.Department, permission)
}

// HasAny reports whether s holds at least one of permissions.
func (e *Evaluator) HasAny(s Subject, permissions ...string) bool {
	for _, p := range permissions {
		if e.HasPermission(s, p) {
			return true
		}
	}
	return false
}

// HasAll reports whether s holds every one of permissions.
func (e *Evaluator) HasAll(s Subject, permissions ...string) bool {
	for _, p := range permissions {
		if !e.HasPermission(s, p) {
			return false
		}
	}
	return true
}

// Permissions returns the sorted effective permission set of s.
func (e *Evaluator) Permissions(s Subject) []string {
	union := map[string]struct{}{}
	for _, set := range []map[string]struct{}{e.roles[s.Role], e.levels[s.AccessLevel], e.departments[s.Department]} {
		for p := range set {
			union[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(union))
	for p := range union {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Merge returns a new evaluator with extra grants added. e is unchanged.
func (e *Evaluator) Merge(extra Tables) *Evaluator {
	merged := NewEvaluator(Tables{
		SystemRoles:  e.roles.table(),
		AccessLevels: e.levels.table(),
		Departments:  e.departments.table(),
	})
	merged.roles.add(extra.SystemRoles)
	merged.levels.add(extra.AccessLevels)
	merged.departments.add(extra.Departments)
	return merged
}

// LoadOverrides reads extra grants from a JSON file and merges them onto the
// default tables. An empty path returns the defaults.
func LoadOverrides(path string) (*Evaluator, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read access overrides: %w", err)
	}
	var extra Tables
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse access overrides %s: %w", path, err)
	}
	return Default().Merge(extra), nil
}
