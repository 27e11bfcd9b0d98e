package tenants

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/middleware"
)

// Handlers serves tenant endpoints
type Handlers struct {
	service *Service
}

// NewHandlers creates tenant handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers tenant routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenantId}/perm-version", h.getPermVersion).Methods(http.MethodGet)
}

func (h *Handlers) getPermVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	tenantID, err := httputil.ParsePathInt64(r, "tenantId")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	info, err := h.service.PermVersion(r.Context(), p, tenantID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, info)
}
