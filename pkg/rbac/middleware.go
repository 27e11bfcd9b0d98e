package rbac

import (
	"context"
	"net/http"

	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/catalog"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/middleware"
)

// PermissionChecker decides whether a principal may perform an action
type PermissionChecker interface {
	HasPermission(ctx context.Context, p auth.Principal, q PermissionQuery, action string) (bool, error)
}

// PlanLookup returns the plan a tenant is subscribed to
type PlanLookup interface {
	SubscribedPlan(ctx context.Context, tenantID int64) (*int64, error)
}

// RequirePermission guards a business route: the caller's role must hold
// action on the module (or submodule when non-nil) under its tenant's plan.
func RequirePermission(checker PermissionChecker, plans PlanLookup, moduleID int64, submoduleID *int64, action catalog.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := middleware.PrincipalFrom(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w)
				return
			}
			if p.IsOperator() {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := p.Actor.TenantID
			planID, err := plans.SubscribedPlan(r.Context(), tenantID)
			if err != nil {
				httputil.WriteServiceError(w, err)
				return
			}
			if planID == nil {
				httputil.WriteForbidden(w, "tenant has no active plan")
				return
			}

			allowed, err := checker.HasPermission(r.Context(), p, PermissionQuery{
				RoleID:      p.Actor.RoleID,
				ModuleID:    moduleID,
				SubmoduleID: submoduleID,
				TenantID:    &tenantID,
				PlanID:      *planID,
			}, string(action))
			if err != nil {
				httputil.WriteServiceError(w, err)
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
