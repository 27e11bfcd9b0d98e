package tenants

import (
	"context"
	"database/sql"
	"errors"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/auth"
)

// Service exposes tenant reads to API callers
type Service struct {
	db    *sql.DB
	store *Store
}

// NewService creates a tenant service reading from db
func NewService(db *sql.DB, store *Store) *Service {
	return &Service{db: db, store: store}
}

// PermVersion returns the tenant's permission version. A tenant admin may only
// read its own tenant.
func (s *Service) PermVersion(ctx context.Context, p auth.Principal, tenantID int64) (*PermVersionInfo, error) {
	const op = "permVersion"
	if tenantID <= 0 {
		return nil, apperr.Validation(op, "tenant_id is required")
	}
	if _, err := auth.AuthorizeTenant(p, &tenantID, op); err != nil {
		return nil, err
	}

	t, err := s.store.Get(ctx, s.db, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return nil, apperr.NotFound(op, "tenant %d not found", tenantID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return &PermVersionInfo{TenantID: t.ID, PermVersion: t.PermVersion, LastSyncedAt: t.LastSyncedAt}, nil
}

// SubscribedPlan returns the plan a tenant admin's tenant is subscribed to
func (s *Service) SubscribedPlan(ctx context.Context, tenantID int64) (*int64, error) {
	t, err := s.store.Get(ctx, s.db, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return nil, apperr.NotFound("subscribedPlan", "tenant %d not found", tenantID)
	}
	if err != nil {
		return nil, apperr.Persistence("subscribedPlan", err)
	}
	return t.PlanID, nil
}
