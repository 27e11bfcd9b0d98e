package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/middleware"
)

// Handlers serves the permission API
type Handlers struct {
	service *Service
}

// NewHandlers creates permission handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/permissions/check", h.checkPermission).Methods(http.MethodGet)
	router.HandleFunc("/roles", h.listRoles).Methods(http.MethodGet)
	router.HandleFunc("/catalog", h.getCatalog).Methods(http.MethodGet)
	router.HandleFunc("/roles/{roleId}/permissions", h.listForRole).Methods(http.MethodGet)
	router.HandleFunc("/roles/{roleId}/permissions", h.replaceForRole).Methods(http.MethodPut)
	router.HandleFunc("/roles/{roleId}/permissions/tree", h.getMergedTree).Methods(http.MethodGet)
}

// CheckResponse is the body of GET /permissions/check
type CheckResponse struct {
	Permissions ActionSet `json:"permissions"`
	Action      string    `json:"action,omitempty"`
	Allowed     *bool     `json:"allowed,omitempty"`
}

func requiredQuery(r *http.Request, key string) (int64, error) {
	v, err := httputil.ParseQueryInt64(r, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, apperr.Validation("parseQuery", "%s is required", key)
	}
	return *v, nil
}

func (h *Handlers) checkPermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}

	var q PermissionQuery
	var err error
	if q.RoleID, err = requiredQuery(r, "role_id"); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if q.ModuleID, err = requiredQuery(r, "module_id"); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if q.PlanID, err = requiredQuery(r, "plan_id"); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if q.SubmoduleID, err = httputil.ParseQueryInt64(r, "submodule_id"); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if q.TenantID, err = httputil.ParseQueryInt64(r, "tenant_id"); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	set, err := h.service.GetPermission(r.Context(), p, q)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	resp := CheckResponse{Permissions: set}
	if action := r.URL.Query().Get("action"); action != "" {
		allowed := set.Allows(action)
		resp.Action = action
		resp.Allowed = &allowed
	}
	httputil.WriteSuccess(w, resp)
}

func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	roles, err := h.service.ListRoles(r.Context(), p)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

func (h *Handlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	nodes, err := h.service.GetCatalog(r.Context(), p)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, nodes)
}

func (h *Handlers) listForRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	roleID, err := httputil.ParsePathInt64(r, "roleId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	planID, err := httputil.ParseQueryInt64(r, "plan_id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	grants, err := h.service.ListForRole(r.Context(), p, roleID, tenantID, planID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

func (h *Handlers) replaceForRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	roleID, err := httputil.ParsePathInt64(r, "roleId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	var req ReplaceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.RoleID = roleID

	res, err := h.service.ReplaceForRole(r.Context(), p, req)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

func (h *Handlers) getMergedTree(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	roleID, err := httputil.ParsePathInt64(r, "roleId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	planID, err := requiredQuery(r, "plan_id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	tree, err := h.service.GetMergedTree(r.Context(), p, roleID, planID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, tree)
}
