package auth

import (
	"github.com/platinummonkey/entitle/pkg/apperr"
)

// RequireOperator rejects any principal without operator scope
func RequireOperator(p Principal, op string) error {
	if !p.IsOperator() {
		return apperr.Forbidden(op, "only the platform operator may perform this operation")
	}
	return nil
}

// AuthorizeTenant returns the tenant filter to apply for p. Operators keep the
// requested filter (nil means all tenants). A tenant admin is pinned to its
// own tenant and rejected when asking for another one.
func AuthorizeTenant(p Principal, requested *int64, op string) (*int64, error) {
	if p.IsOperator() {
		return requested, nil
	}
	own, ok := TenantOf(p.Scope)
	if !ok {
		return nil, apperr.Forbidden(op, "no scope resolved for caller")
	}
	if requested != nil && *requested != own {
		return nil, apperr.Forbidden(op, "cannot access another tenant")
	}
	return &own, nil
}

// RoleRef is the subset of a role the guard needs
type RoleRef struct {
	ID       int64
	TenantID *int64
	IsAdmin  bool
}

// IsAdministrator reports whether the role is the tenant's baseline
// Administrator role
func (r RoleRef) IsAdministrator() bool {
	return r.ID == AdministratorRoleID || r.IsAdmin
}

// AuthorizeRoleMutation checks that p may change the grants of role.
// Only the operator may touch the operator role or an Administrator role.
func AuthorizeRoleMutation(p Principal, role RoleRef, op string) error {
	if p.IsOperator() {
		return nil
	}
	if role.ID == OperatorRoleID {
		return apperr.Forbidden(op, "the operator role cannot be modified")
	}
	if role.IsAdministrator() {
		return apperr.Forbidden(op, "only the platform operator may change the Administrator role")
	}
	own, _ := TenantOf(p.Scope)
	if role.TenantID != nil && *role.TenantID != own {
		return apperr.Forbidden(op, "cannot modify a role of another tenant")
	}
	return nil
}
