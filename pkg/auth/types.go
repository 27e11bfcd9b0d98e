package auth

import (
	"fmt"
	"strings"
)

const (
	// OperatorRoleID is the distinguished platform-operator role. It is not
	// tenant-scoped and implicitly holds every permission.
	OperatorRoleID int64 = 10
	// AdministratorRoleID is the built-in tenant Administrator role
	AdministratorRoleID int64 = 1
)

var operatorNames = map[string]bool{"desarrollador": true, "developer": true}

// IsOperatorName reports whether name is a reserved operator user or role name
func IsOperatorName(name string) bool {
	return operatorNames[strings.ToLower(strings.TrimSpace(name))]
}

// Actor is the authenticated caller as reported by the authentication layer.
// DeveloperClaim is advisory: Resolver re-verifies it.
type Actor struct {
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	RoleID         int64  `json:"role_id"`
	TenantID       int64  `json:"tenant_id"`
	DeveloperClaim bool   `json:"is_developer,omitempty"`
}

// Scope is what the actor may reach: Operator or TenantAdmin.
// The interface is sealed; no other implementations exist.
type Scope interface {
	isScope()
	String() string
}

// Operator is the platform-wide scope. Tenant filters are not applied.
type Operator struct{}

func (Operator) isScope()       {}
func (Operator) String() string { return "operator" }

// TenantAdmin limits every read and write to a single tenant
type TenantAdmin struct {
	TenantID int64
}

func (TenantAdmin) isScope() {}
func (t TenantAdmin) String() string {
	return fmt.Sprintf("tenant_admin(%d)", t.TenantID)
}

// IsOperator reports whether s is the operator scope
func IsOperator(s Scope) bool {
	_, ok := s.(Operator)
	return ok
}

// TenantOf returns the tenant a TenantAdmin scope is pinned to
func TenantOf(s Scope) (int64, bool) {
	if t, ok := s.(TenantAdmin); ok {
		return t.TenantID, true
	}
	return 0, false
}

// Principal is an actor together with its resolved scope. It is computed once
// per request and passed to every service call.
type Principal struct {
	Actor Actor
	Scope Scope
}

// IsOperator reports whether the principal has operator scope
func (p Principal) IsOperator() bool {
	return p.Scope != nil && IsOperator(p.Scope)
}

// SystemPrincipal is used by scheduled jobs and the operator CLI
func SystemPrincipal() Principal {
	return Principal{
		Actor: Actor{Username: "system", RoleID: OperatorRoleID},
		Scope: Operator{},
	}
}
