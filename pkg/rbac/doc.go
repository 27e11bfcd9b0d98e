// Package rbac stores role grants and answers permission queries.
//
// A grant is one row per (role, module, submodule, tenant, plan) carrying six
// boolean actions (ver, crear, editar, eliminar, desactivar, generar) plus an
// open map of custom actions. Grants are never updated in place: a replace
// deletes the whole scope and inserts the new set in one transaction.
//
// # Reads
//
//	set, err := svc.GetPermission(ctx, p, rbac.PermissionQuery{
//		RoleID: 3, ModuleID: 5, TenantID: &tenantID, PlanID: 2,
//	})
//	ok := set.Allows("editar")
//
// Operators, and the operator role itself, hold every permission without a
// lookup. Reads go through the injected cache, which every write clears.
//
// # Writes
//
//	res, err := svc.ReplaceForRole(ctx, p, rbac.ReplaceRequest{
//		RoleID: 3, PlanID: 2, Grants: []rbac.GrantInput{{ModuleID: 5, Ver: true}},
//	})
//
// Only the operator may change an Administrator role or write a global grant
// set, which is fanned out to every tenant subscribed to the plan. Each
// affected tenant's perm_version is bumped and an audit event is emitted
// asynchronously.
package rbac
