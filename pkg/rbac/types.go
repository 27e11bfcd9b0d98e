package rbac

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/platinummonkey/entitle/pkg/catalog"
)

// ActionSet is the permission carried by a grant: six well-known actions plus
// an open map of custom actions. Extra entries take precedence over the
// booleans when the two disagree.
type ActionSet struct {
	View       bool
	Create     bool
	Edit       bool
	Delete     bool
	Deactivate bool
	Generate   bool
	Extra      map[string]bool
}

// AllowAll grants every standard action
func AllowAll() ActionSet {
	return ActionSet{View: true, Create: true, Edit: true, Delete: true, Deactivate: true, Generate: true}
}

func (a ActionSet) standard() map[string]bool {
	return map[string]bool{
		string(catalog.ActionView):       a.View,
		string(catalog.ActionCreate):     a.Create,
		string(catalog.ActionEdit):       a.Edit,
		string(catalog.ActionDelete):     a.Delete,
		string(catalog.ActionDeactivate): a.Deactivate,
		string(catalog.ActionGenerate):   a.Generate,
	}
}

// Merged flattens the set into action name -> allowed
func (a ActionSet) Merged() map[string]bool {
	m := a.standard()
	for k, v := range a.Extra {
		m[k] = v
	}
	return m
}

// Allows reports whether action is granted. Unknown actions are denied.
func (a ActionSet) Allows(action string) bool {
	if v, ok := a.Extra[action]; ok {
		return v
	}
	return a.standard()[action]
}

// AllActions returns the granted action names, sorted
func (a ActionSet) AllActions() []string {
	var out []string
	for k, v := range a.Merged() {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Or combines two sets; an action is granted if either set allows it after
// its own extras are applied, so one set's false extra never hides another's
// grant. The result carries every decision in canonical form: standard names
// as booleans, custom names in Extra.
func (a ActionSet) Or(b ActionSet) ActionSet {
	merged := a.Merged()
	for k, v := range b.Merged() {
		merged[k] = merged[k] || v
	}
	return actionSetFromMap(merged)
}

// MarshalJSON writes the merged flat object, e.g. {"ver":true,"crear":false,"exportar":true}
func (a ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Merged())
}

// UnmarshalJSON reads a flat object; non-standard keys land in Extra
func (a *ActionSet) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = actionSetFromMap(m)
	return nil
}

// actionSetFromMap splits a flat action map into the booleans and Extra
func actionSetFromMap(m map[string]bool) ActionSet {
	var a ActionSet
	for k, v := range m {
		switch catalog.Action(k) {
		case catalog.ActionView:
			a.View = v
		case catalog.ActionCreate:
			a.Create = v
		case catalog.ActionEdit:
			a.Edit = v
		case catalog.ActionDelete:
			a.Delete = v
		case catalog.ActionDeactivate:
			a.Deactivate = v
		case catalog.ActionGenerate:
			a.Generate = v
		default:
			if a.Extra == nil {
				a.Extra = make(map[string]bool)
			}
			a.Extra[k] = v
		}
	}
	return a
}

// Grant is one stored permission row. At most one row exists per
// (role, module, submodule, tenant, plan).
type Grant struct {
	ID          int64     `json:"id"`
	RoleID      int64     `json:"role_id"`
	ModuleID    int64     `json:"module_id"`
	SubmoduleID *int64    `json:"submodule_id,omitempty"`
	TenantID    *int64    `json:"tenant_id,omitempty"`
	PlanID      int64     `json:"plan_id"`
	Actions     ActionSet `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// GrantInput is one entry of the grant document sent by admin clients
type GrantInput struct {
	ModuleID     int64           `json:"module_id"`
	SubmoduleID  *int64          `json:"submodule_id,omitempty"`
	Ver          bool            `json:"ver"`
	Crear        bool            `json:"crear"`
	Editar       bool            `json:"editar"`
	Eliminar     bool            `json:"eliminar"`
	Desactivar   bool            `json:"desactivar"`
	Generar      bool            `json:"generar"`
	ActionsExtra map[string]bool `json:"actions_extra,omitempty"`
}

// Actions converts the input flags into an ActionSet
func (g GrantInput) Actions() ActionSet {
	set := ActionSet{
		View:       g.Ver,
		Create:     g.Crear,
		Edit:       g.Editar,
		Delete:     g.Eliminar,
		Deactivate: g.Desactivar,
		Generate:   g.Generar,
	}
	if len(g.ActionsExtra) > 0 {
		set.Extra = make(map[string]bool, len(g.ActionsExtra))
		for k, v := range g.ActionsExtra {
			set.Extra[k] = v
		}
	}
	return set
}

// Role is a tenant role. IsAdmin marks the roles a plan sync targets.
type Role struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	TenantID *int64 `json:"tenant_id,omitempty"`
	State    int    `json:"state"`
	IsAdmin  bool   `json:"is_admin"`
}

// PermissionQuery identifies a single grant lookup
type PermissionQuery struct {
	RoleID      int64  `json:"role_id"`
	ModuleID    int64  `json:"module_id"`
	SubmoduleID *int64 `json:"submodule_id,omitempty"`
	TenantID    *int64 `json:"tenant_id,omitempty"`
	PlanID      int64  `json:"plan_id"`
}

// GrantFilter narrows ListGrants. Nil fields are not filtered on.
type GrantFilter struct {
	RoleID   int64
	TenantID *int64
	PlanID   *int64
}

// ReplaceRequest replaces every grant of a role within one scope. With Global
// set, the same grants are written for every tenant subscribed to PlanID.
type ReplaceRequest struct {
	RoleID   int64        `json:"role_id"`
	TenantID *int64       `json:"tenant_id,omitempty"`
	PlanID   int64        `json:"plan_id"`
	Global   bool         `json:"global,omitempty"`
	Grants   []GrantInput `json:"grants"`
}

// ReplaceResult summarizes a replace
type ReplaceResult struct {
	RoleID      int64   `json:"role_id"`
	PlanID      int64   `json:"plan_id"`
	GrantCount  int     `json:"grant_count"`
	TenantCount int     `json:"tenant_count"`
	TenantIDs   []int64 `json:"tenant_ids,omitempty"`
}

// Node types in the merged tree
const (
	NodeModule    = "modulo"
	NodeSubmodule = "submodulo"
)

// TreeNode is one module or submodule of the editable permission matrix
type TreeNode struct {
	UniqueID         string           `json:"unique_id"`
	Type             string           `json:"type"`
	ID               int64            `json:"id"`
	ParentID         *int64           `json:"parent_id,omitempty"`
	Name             string           `json:"name"`
	Route            string           `json:"route"`
	AvailableActions []catalog.Action `json:"available_actions"`
	Permissions      ActionSet        `json:"permissions"`
	Children         []TreeNode       `json:"children,omitempty"`
}

// CatalogNode is a module or submodule with its available actions
type CatalogNode struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	Route            string           `json:"route"`
	AvailableActions []catalog.Action `json:"available_actions"`
	Submodules       []CatalogNode    `json:"submodules,omitempty"`
}
