package catalog

import (
	"database/sql"
	"encoding/json"
	"strings"
)

// Module is a top-level UI area. Modules are reference data shared by all tenants.
type Module struct {
	ID            int64       `json:"id" yaml:"id"`
	Name          string      `json:"name" yaml:"name"`
	Route         string      `json:"route" yaml:"route"`
	ActiveActions []Action    `json:"active_actions,omitempty" yaml:"actions,omitempty"`
	Submodules    []Submodule `json:"submodules,omitempty" yaml:"submodules,omitempty"`
}

// Submodule belongs to exactly one Module
type Submodule struct {
	ID            int64    `json:"id" yaml:"id"`
	ModuleID      int64    `json:"module_id" yaml:"-"`
	Name          string   `json:"name" yaml:"name"`
	Route         string   `json:"route" yaml:"route"`
	ActiveActions []Action `json:"active_actions,omitempty" yaml:"actions,omitempty"`
}

// SubmoduleParents maps every submodule id to its module id
func SubmoduleParents(modules []Module) map[int64]int64 {
	parents := make(map[int64]int64)
	for _, m := range modules {
		for _, s := range m.Submodules {
			parents[s.ID] = m.ID
		}
	}
	return parents
}

// parseActiveActions decodes the active_actions column. NULL, blank or
// malformed values mean "no override" and yield nil; a JSON list, even an
// empty one, is an override and yields a non-nil slice.
func parseActiveActions(raw []byte) []Action {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil || names == nil {
		return nil
	}
	actions := make([]Action, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			actions = append(actions, Action(n))
		}
	}
	return actions
}

func encodeActiveActions(actions []Action) sql.NullString {
	if actions == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(actions)
	return sql.NullString{String: string(b), Valid: true}
}
