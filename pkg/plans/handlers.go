package plans

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/middleware"
)

// Handlers serves the plan template and synchronization API
type Handlers struct {
	lifecycle *Lifecycle
	sync      *Synchronizer
}

// NewHandlers creates plan handlers
func NewHandlers(lifecycle *Lifecycle, sync *Synchronizer) *Handlers {
	return &Handlers{lifecycle: lifecycle, sync: sync}
}

// RegisterRoutes registers plan routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans/{planId}/versions", h.createDraft).Methods(http.MethodPost)
	router.HandleFunc("/plans/{planId}/versions", h.listVersions).Methods(http.MethodGet)
	router.HandleFunc("/plans/{planId}/versions/published", h.currentPublished).Methods(http.MethodGet)
	router.HandleFunc("/plan-versions/{versionId}", h.getVersion).Methods(http.MethodGet)
	router.HandleFunc("/plan-versions/{versionId}/entitlements", h.getEntitlements).Methods(http.MethodGet)
	router.HandleFunc("/plan-versions/{versionId}/entitlements", h.setEntitlements).Methods(http.MethodPut)
	router.HandleFunc("/plan-versions/{versionId}/publish", h.publishVersion).Methods(http.MethodPost)
	router.HandleFunc("/plan-versions/{versionId}/sync", h.syncVersion).Methods(http.MethodPost)
}

// CreateDraftRequest is the optional body of POST /plans/{planId}/versions
type CreateDraftRequest struct {
	CopyFrom *int64 `json:"copy_from,omitempty"`
}

// SyncRequest is the body of POST /plan-versions/{versionId}/sync
type SyncRequest struct {
	TenantID *int64 `json:"tenant_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// VersionResponse is a version together with its entitlements
type VersionResponse struct {
	Version
	Entitlements Entitlements `json:"entitlements"`
}

func (h *Handlers) createDraft(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	planID, err := httputil.ParsePathInt64(r, "planId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	var req CreateDraftRequest
	if r.ContentLength > 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	v, err := h.lifecycle.CreateDraft(r.Context(), p, planID, req.CopyFrom)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, v)
}

func (h *Handlers) listVersions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	planID, err := httputil.ParsePathInt64(r, "planId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	versions, err := h.lifecycle.ListVersions(r.Context(), p, planID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, versions)
}

func (h *Handlers) currentPublished(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	planID, err := httputil.ParsePathInt64(r, "planId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	v, err := h.lifecycle.CurrentPublished(r.Context(), p, planID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if v == nil {
		httputil.WriteServiceError(w, apperr.NotFound("currentPublished", "plan %d has no published version", planID))
		return
	}
	httputil.WriteSuccess(w, v)
}

func (h *Handlers) getVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	versionID, err := httputil.ParsePathInt64(r, "versionId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	v, err := h.lifecycle.GetVersion(r.Context(), p, versionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	ent, err := h.lifecycle.GetEntitlements(r.Context(), p, versionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, VersionResponse{Version: *v, Entitlements: ent})
}

func (h *Handlers) getEntitlements(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	versionID, err := httputil.ParsePathInt64(r, "versionId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	ent, err := h.lifecycle.GetEntitlements(r.Context(), p, versionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, ent)
}

func (h *Handlers) setEntitlements(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	versionID, err := httputil.ParsePathInt64(r, "versionId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	var ent Entitlements
	if !httputil.ParseJSONOrError(w, r, &ent) {
		return
	}
	if err := h.lifecycle.SetEntitlements(r.Context(), p, versionID, ent); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	ent, err = h.lifecycle.GetEntitlements(r.Context(), p, versionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, ent)
}

func (h *Handlers) publishVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	versionID, err := httputil.ParsePathInt64(r, "versionId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	v, err := h.lifecycle.PublishVersion(r.Context(), p, versionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, v)
}

func (h *Handlers) syncVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	versionID, err := httputil.ParsePathInt64(r, "versionId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	var req SyncRequest
	if r.ContentLength > 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		httputil.WriteServiceError(w, apperr.Validation("sync", "%v", err))
		return
	}

	if req.TenantID != nil {
		res, err := h.sync.SyncTenant(r.Context(), p, *req.TenantID, versionID, mode)
		if err != nil {
			httputil.WriteServiceError(w, err)
			return
		}
		httputil.WriteSuccess(w, res)
		return
	}

	v, err := h.lifecycle.GetVersion(r.Context(), p, versionID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	res, err := h.sync.SyncAllTenants(r.Context(), p, v.PlanID, versionID, mode)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}
