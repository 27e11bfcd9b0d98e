package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/storage"
	"github.com/platinummonkey/entitle/pkg/tenants"
)

const (
	msgVersionNotFound     = "template version not found"
	msgVersionNotPublished = "version is not published"
	msgTenantNotFound      = "tenant not found"
	msgNoAdminRole         = "no admin role found"
)

// Synchronizer propagates a template version into the grants of each
// tenant's administrator roles
type Synchronizer struct {
	db      *sql.DB
	store   *Store
	grants  *rbac.Store
	tenants *tenants.Store
	deps    Deps
}

// NewSynchronizer creates a plan synchronizer
func NewSynchronizer(db *sql.DB, store *Store, grants *rbac.Store, tenantStore *tenants.Store, deps Deps) *Synchronizer {
	return &Synchronizer{
		db:      db,
		store:   store,
		grants:  grants,
		tenants: tenantStore,
		deps:    deps.withDefaults(),
	}
}

// SyncTenant applies versionID to one tenant. An unknown or unpublished
// version, an unknown tenant or a tenant without administrator roles is not an
// error: the result has Success false and nothing is written.
func (s *Synchronizer) SyncTenant(ctx context.Context, p auth.Principal, tenantID, versionID int64, mode Mode) (*SyncResult, error) {
	const op = "syncTenant"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	if tenantID <= 0 || versionID <= 0 {
		return nil, apperr.Validation(op, "tenant_id and version_id are required")
	}
	if mode != ModeConservative && mode != ModeForce {
		return nil, apperr.Validation(op, "unknown sync mode %q", mode)
	}

	v, err := s.store.GetVersion(ctx, s.db, versionID)
	if errors.Is(err, ErrVersionNotFound) {
		s.deps.Metrics.SyncTenant(string(mode), "skipped", 0)
		return &SyncResult{TenantID: tenantID, VersionID: versionID, Message: msgVersionNotFound}, nil
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if v.Status != StatusPublished {
		s.deps.Metrics.SyncTenant(string(mode), "skipped", 0)
		return &SyncResult{TenantID: tenantID, VersionID: versionID, Message: msgVersionNotPublished}, nil
	}
	ent, err := s.store.Entitlements(ctx, s.db, versionID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return s.syncTenant(ctx, p, tenantID, v, ent, mode)
}

// SyncAllTenants applies versionID to every tenant subscribed to planID, one
// tenant at a time. Each tenant commits or rolls back on its own; failures are
// collected in the result and the batch moves on.
func (s *Synchronizer) SyncAllTenants(ctx context.Context, p auth.Principal, planID, versionID int64, mode Mode) (res *BatchResult, err error) {
	const op = "syncAllTenants"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	if planID <= 0 || versionID <= 0 {
		return nil, apperr.Validation(op, "plan_id and version_id are required")
	}
	if mode != ModeConservative && mode != ModeForce {
		return nil, apperr.Validation(op, "unknown sync mode %q", mode)
	}

	ctx, span := observability.StartSpan(ctx, "plans.SyncAllTenants",
		attribute.Int64("plan_id", planID),
		attribute.Int64("version_id", versionID),
		attribute.String("mode", string(mode)),
	)
	defer func() { observability.EndSpan(span, err) }()

	v, err := s.store.GetVersion(ctx, s.db, versionID)
	if errors.Is(err, ErrVersionNotFound) {
		return nil, apperr.NotFound(op, "template version %d not found", versionID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if v.PlanID != planID {
		return nil, apperr.Validation(op, "version %d belongs to plan %d, not %d", versionID, v.PlanID, planID)
	}
	if v.Status != StatusPublished {
		return nil, apperr.Validation(op, "version %d is %s, only a published version can be synchronized", versionID, v.Status)
	}

	ent, err := s.store.Entitlements(ctx, s.db, versionID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	ids, err := s.tenants.ListByPlan(ctx, s.db, planID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}

	logger := observability.FromContext(ctx, s.deps.Logger).WithFields(map[string]interface{}{
		"plan_id":    planID,
		"version_id": versionID,
		"mode":       string(mode),
	})
	logger.Infof("Synchronizing %d tenants", len(ids))

	res = &BatchResult{PlanID: planID, VersionID: versionID, TotalCount: len(ids)}
	for _, tenantID := range ids {
		r, err := s.syncTenant(ctx, p, tenantID, v, ent, mode)
		switch {
		case err != nil:
			logger.WithError(err).WithField("tenant_id", tenantID).Error("Tenant synchronization failed")
			res.Errors = append(res.Errors, TenantError{TenantID: tenantID, Error: err.Error()})
		case !r.Success:
			res.Skipped = append(res.Skipped, TenantOutcome{TenantID: tenantID, Message: r.Message})
		default:
			res.SyncedCount++
			res.Changes += r.Changes
		}
	}
	res.Success = len(res.Errors) == 0

	logger.WithFields(map[string]interface{}{
		"synced":  res.SyncedCount,
		"skipped": len(res.Skipped),
		"failed":  len(res.Errors),
		"changes": res.Changes,
	}).Info("Plan synchronization finished")
	return res, nil
}

// syncTenant runs the per-tenant transaction. Within one role, every entitled
// module or submodule without a row gets a full-access grant; FORCE then
// revokes the role's rows that are no longer entitled.
func (s *Synchronizer) syncTenant(ctx context.Context, p auth.Principal, tenantID int64, v *Version, ent Entitlements, mode Mode) (res *SyncResult, err error) {
	const op = "syncTenant"
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "plans.syncTenant",
		attribute.Int64("tenant_id", tenantID),
		attribute.Int64("version_id", v.ID),
		attribute.String("mode", string(mode)),
	)
	defer func() { observability.EndSpan(span, err) }()

	res = &SyncResult{TenantID: tenantID, VersionID: v.ID}
	err = storage.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		// serializes concurrent syncs and role replaces of the same tenant
		if err := s.tenants.Lock(ctx, tx, tenantID); err != nil {
			if errors.Is(err, tenants.ErrTenantNotFound) {
				res.Message = msgTenantNotFound
				return storage.ErrRollback
			}
			return err
		}

		roles, err := s.grants.AdminRoles(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			res.Message = msgNoAdminRole
			return storage.ErrRollback
		}

		for _, roleID := range roles {
			current, err := s.grants.GrantKeys(ctx, tx, roleID, tenantID, v.PlanID)
			if err != nil {
				return err
			}
			missing := missingGrants(roleID, tenantID, v.PlanID, ent, current)
			if err := s.grants.InsertGrants(ctx, tx, missing); err != nil {
				return err
			}
			res.Changes += len(missing)

			if mode == ModeForce {
				n, err := s.grants.DeleteGrantsOutside(ctx, tx, roleID, tenantID, v.PlanID, ent.ModuleIDs(), ent.SubmoduleIDs())
				if err != nil {
					return err
				}
				res.Revoked += int(n)
			}
		}

		if err := s.tenants.MarkSynced(ctx, tx, tenantID, s.deps.Now().UTC()); err != nil {
			return err
		}
		res.Success = true
		return nil
	})
	if err != nil {
		s.deps.Metrics.SyncTenant(string(mode), "error", time.Since(start))
		return nil, apperr.Persistence(op, err)
	}
	if !res.Success {
		s.deps.Metrics.SyncTenant(string(mode), "skipped", time.Since(start))
		observability.FromContext(ctx, s.deps.Logger).WithFields(map[string]interface{}{
			"tenant_id":  tenantID,
			"version_id": v.ID,
		}).Warnf("Skipping tenant synchronization: %s", res.Message)
		return res, nil
	}

	s.deps.Cache.Clear()
	s.deps.Metrics.SyncTenant(string(mode), "synced", time.Since(start))
	s.deps.Metrics.GrantsWritten("sync", res.Changes)
	s.deps.Metrics.GrantsRevoked(res.Revoked)

	observability.FromContext(ctx, s.deps.Logger).WithFields(map[string]interface{}{
		"tenant_id":  tenantID,
		"version_id": v.ID,
		"plan_id":    v.PlanID,
		"mode":       string(mode),
		"changes":    res.Changes,
		"revoked":    res.Revoked,
	}).Info("Synchronized tenant permissions")

	s.deps.emit(ctx, p, audit.Event{
		TargetTenantID: storage.Int64(tenantID),
		EntityType:     audit.EntityTenantPermissions,
		EntityID:       fmt.Sprintf("%d", tenantID),
		Action:         audit.ActionSync,
		Details: map[string]interface{}{
			"plan_id":    v.PlanID,
			"version_id": v.ID,
			"version":    v.Version,
			"mode":       string(mode),
			"changes":    res.Changes,
			"revoked":    res.Revoked,
		},
	})
	return res, nil
}

// missingGrants returns a full-access grant for every entitled id the role
// does not hold yet, modules first
func missingGrants(roleID, tenantID, planID int64, ent Entitlements, current rbac.GrantKeys) []rbac.Grant {
	var out []rbac.Grant
	for _, moduleID := range ent.Modules {
		if current.Modules[moduleID] {
			continue
		}
		out = append(out, rbac.Grant{
			RoleID:   roleID,
			ModuleID: moduleID,
			TenantID: storage.Int64(tenantID),
			PlanID:   planID,
			Actions:  rbac.AllowAll(),
		})
	}
	for _, sub := range ent.Submodules {
		if current.Submodules[sub.SubmoduleID] {
			continue
		}
		out = append(out, rbac.Grant{
			RoleID:      roleID,
			ModuleID:    sub.ModuleID,
			SubmoduleID: storage.Int64(sub.SubmoduleID),
			TenantID:    storage.Int64(tenantID),
			PlanID:      planID,
			Actions:     rbac.AllowAll(),
		})
	}
	return out
}
