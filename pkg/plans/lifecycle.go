package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/cache"
	"github.com/platinummonkey/entitle/pkg/catalog"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/storage"
)

const uniqueViolation = "23505"

// CatalogSource lists the module catalog
type CatalogSource interface {
	ListModules(ctx context.Context) ([]catalog.Module, error)
}

// AuditEmitter records mutations without blocking the caller
type AuditEmitter interface {
	Emit(ctx context.Context, p auth.Principal, event audit.Event)
}

// Deps are the collaborators shared by Lifecycle and Synchronizer. Everything
// but Catalog may be nil.
type Deps struct {
	Catalog CatalogSource
	Cache   *cache.Cache
	Audit   AuditEmitter
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Now defaults to time.Now
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = observability.NewNopLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Deps) emit(ctx context.Context, p auth.Principal, event audit.Event) {
	if d.Audit == nil {
		return
	}
	d.Audit.Emit(ctx, p, event)
}

// Lifecycle manages template versions: DRAFT -> PUBLISHED -> ARCHIVED
type Lifecycle struct {
	db    *sql.DB
	store *Store
	deps  Deps
}

// NewLifecycle creates the template lifecycle service
func NewLifecycle(db *sql.DB, store *Store, deps Deps) *Lifecycle {
	return &Lifecycle{db: db, store: store, deps: deps.withDefaults()}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// CreateDraft opens a new DRAFT version numbered max(version)+1. When
// copyFrom is set the new draft starts with that version's entitlements.
func (l *Lifecycle) CreateDraft(ctx context.Context, p auth.Principal, planID int64, copyFrom *int64) (v *Version, err error) {
	const op = "createDraft"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	if planID <= 0 {
		return nil, apperr.Validation(op, "plan_id is required")
	}
	if copyFrom != nil && *copyFrom <= 0 {
		return nil, apperr.Validation(op, "invalid copy_from version")
	}

	ctx, span := observability.StartSpan(ctx, "plans.CreateDraft", attribute.Int64("plan_id", planID))
	defer func() { observability.EndSpan(span, err) }()

	v = &Version{PlanID: planID, Status: StatusDraft}
	if p.Actor.UserID > 0 {
		v.CreatedBy = storage.Int64(p.Actor.UserID)
	}

	err = storage.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := l.store.LockPlan(ctx, tx, planID); err != nil {
			if errors.Is(err, ErrPlanNotFound) {
				return apperr.NotFound(op, "plan %d not found", planID)
			}
			return err
		}

		exists, err := l.store.HasDraft(ctx, tx, planID)
		if err != nil {
			return err
		}
		if exists {
			return apperr.Conflict(op, "plan %d already has a draft version", planID)
		}

		if copyFrom != nil {
			src, err := l.store.GetVersion(ctx, tx, *copyFrom)
			if errors.Is(err, ErrVersionNotFound) {
				return apperr.NotFound(op, "template version %d not found", *copyFrom)
			}
			if err != nil {
				return err
			}
			if src.PlanID != planID {
				return apperr.Validation(op, "version %d belongs to plan %d", src.ID, src.PlanID)
			}
		}

		if v.Version, err = l.store.NextVersion(ctx, tx, planID); err != nil {
			return err
		}
		if err := l.store.InsertVersion(ctx, tx, v); err != nil {
			return err
		}
		if copyFrom != nil {
			return l.store.CopyEntitlements(ctx, tx, *copyFrom, v.ID)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return nil, apperr.Conflict(op, "plan %d already has a draft version", planID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}

	l.deps.Metrics.TemplateTransition("create_draft")
	observability.FromContext(ctx, l.deps.Logger).WithFields(map[string]interface{}{
		"plan_id":    planID,
		"version_id": v.ID,
		"version":    v.Version,
	}).Info("Created draft template version")

	l.deps.emit(ctx, p, templateEvent(v, audit.ActionCreateDraft, copyFrom))
	return v, nil
}

// PublishVersion archives the plan's current PUBLISHED version and publishes
// the DRAFT in a single transaction
func (l *Lifecycle) PublishVersion(ctx context.Context, p auth.Principal, versionID int64) (v *Version, err error) {
	const op = "publishVersion"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	if versionID <= 0 {
		return nil, apperr.Validation(op, "version_id is required")
	}

	ctx, span := observability.StartSpan(ctx, "plans.PublishVersion", attribute.Int64("version_id", versionID))
	defer func() { observability.EndSpan(span, err) }()

	var archived int64
	err = storage.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		v, err = l.store.LockVersion(ctx, tx, versionID)
		if errors.Is(err, ErrVersionNotFound) {
			return apperr.NotFound(op, "template version %d not found", versionID)
		}
		if err != nil {
			return err
		}
		if v.Status != StatusDraft {
			return apperr.Conflict(op, "version %d is %s, only a DRAFT can be published", versionID, v.Status)
		}

		if archived, err = l.store.ArchivePublished(ctx, tx, v.PlanID); err != nil {
			return err
		}
		now := l.deps.Now().UTC()
		if err := l.store.MarkPublished(ctx, tx, v.ID, now); err != nil {
			return err
		}
		v.Status = StatusPublished
		v.PublishedAt = &now
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}

	l.deps.Cache.Clear()
	l.deps.Metrics.TemplateTransition("publish")
	observability.FromContext(ctx, l.deps.Logger).WithFields(map[string]interface{}{
		"plan_id":    v.PlanID,
		"version_id": v.ID,
		"version":    v.Version,
		"archived":   archived,
	}).Info("Published template version")

	l.deps.emit(ctx, p, templateEvent(v, audit.ActionPublish, nil))
	return v, nil
}

// SetEntitlements replaces the entitlement set of a DRAFT version
func (l *Lifecycle) SetEntitlements(ctx context.Context, p auth.Principal, versionID int64, ent Entitlements) (err error) {
	const op = "setEntitlements"
	if err := auth.RequireOperator(p, op); err != nil {
		return err
	}
	if versionID <= 0 {
		return apperr.Validation(op, "version_id is required")
	}

	modules, err := l.deps.Catalog.ListModules(ctx)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	ent, err = normalizeEntitlements(ent, modules)
	if err != nil {
		return err
	}

	var v *Version
	err = storage.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		v, err = l.store.LockVersion(ctx, tx, versionID)
		if errors.Is(err, ErrVersionNotFound) {
			return apperr.NotFound(op, "template version %d not found", versionID)
		}
		if err != nil {
			return err
		}
		if v.Status != StatusDraft {
			return apperr.Conflict(op, "version %d is %s, only a DRAFT can be edited", versionID, v.Status)
		}
		return l.store.ReplaceEntitlements(ctx, tx, versionID, ent)
	})
	if err != nil {
		return apperr.Persistence(op, err)
	}

	l.deps.Cache.Clear()
	l.deps.Metrics.TemplateTransition("set_entitlements")
	event := templateEvent(v, audit.ActionSetEntitlements, nil)
	event.Details["module_count"] = len(ent.Modules)
	event.Details["submodule_count"] = len(ent.Submodules)
	l.deps.emit(ctx, p, event)
	return nil
}

// normalizeEntitlements checks ids against the catalog and drops duplicates
func normalizeEntitlements(ent Entitlements, modules []catalog.Module) (Entitlements, error) {
	const op = "setEntitlements"
	known := make(map[int64]bool, len(modules))
	for _, m := range modules {
		known[m.ID] = true
	}
	parents := catalog.SubmoduleParents(modules)

	out := Entitlements{Modules: []int64{}, Submodules: []SubmoduleEntitlement{}}
	seen := map[int64]bool{}
	for _, id := range ent.Modules {
		if !known[id] {
			return out, apperr.Validation(op, "unknown module %d", id)
		}
		if !seen[id] {
			seen[id] = true
			out.Modules = append(out.Modules, id)
		}
	}

	seenSub := map[int64]bool{}
	for _, s := range ent.Submodules {
		parent, ok := parents[s.SubmoduleID]
		if !ok {
			return out, apperr.Validation(op, "unknown submodule %d", s.SubmoduleID)
		}
		if s.ModuleID == 0 {
			s.ModuleID = parent
		}
		if s.ModuleID != parent {
			return out, apperr.Validation(op, "submodule %d belongs to module %d, not %d", s.SubmoduleID, parent, s.ModuleID)
		}
		if !seenSub[s.SubmoduleID] {
			seenSub[s.SubmoduleID] = true
			out.Submodules = append(out.Submodules, s)
		}
	}
	return out, nil
}

func templateEvent(v *Version, action audit.Action, copyFrom *int64) audit.Event {
	details := map[string]interface{}{
		"plan_id": v.PlanID,
		"version": v.Version,
	}
	if copyFrom != nil {
		details["copy_from"] = *copyFrom
	}
	return audit.Event{
		EntityType: audit.EntityPlanTemplate,
		EntityID:   fmt.Sprintf("%d", v.ID),
		Action:     action,
		Details:    details,
	}
}

// GetVersion returns a template version
func (l *Lifecycle) GetVersion(ctx context.Context, p auth.Principal, versionID int64) (*Version, error) {
	const op = "getVersion"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	v, err := l.store.GetVersion(ctx, l.db, versionID)
	if errors.Is(err, ErrVersionNotFound) {
		return nil, apperr.NotFound(op, "template version %d not found", versionID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return v, nil
}

// ListVersions returns every version of a plan, newest first
func (l *Lifecycle) ListVersions(ctx context.Context, p auth.Principal, planID int64) ([]Version, error) {
	const op = "listVersions"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	if planID <= 0 {
		return nil, apperr.Validation(op, "plan_id is required")
	}
	versions, err := l.store.ListVersions(ctx, l.db, planID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return versions, nil
}

// GetEntitlements returns the entitlement set of a version
func (l *Lifecycle) GetEntitlements(ctx context.Context, p auth.Principal, versionID int64) (Entitlements, error) {
	const op = "getEntitlements"
	if err := auth.RequireOperator(p, op); err != nil {
		return Entitlements{}, err
	}
	if _, err := l.GetVersion(ctx, p, versionID); err != nil {
		return Entitlements{}, err
	}
	ent, err := l.store.Entitlements(ctx, l.db, versionID)
	if err != nil {
		return Entitlements{}, apperr.Persistence(op, err)
	}
	return ent, nil
}

// CurrentPublished returns the plan's PUBLISHED version, or nil when the
// plan has none
func (l *Lifecycle) CurrentPublished(ctx context.Context, p auth.Principal, planID int64) (*Version, error) {
	const op = "currentPublished"
	if err := auth.RequireOperator(p, op); err != nil {
		return nil, err
	}
	if planID <= 0 {
		return nil, apperr.Validation(op, "plan_id is required")
	}
	v, err := l.store.CurrentPublished(ctx, l.db, planID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return v, nil
}
