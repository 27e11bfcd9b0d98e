package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/cache"
	"github.com/platinummonkey/entitle/pkg/catalog"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/storage"
	"github.com/platinummonkey/entitle/pkg/tenants"
)

// CatalogSource lists the module catalog
type CatalogSource interface {
	ListModules(ctx context.Context) ([]catalog.Module, error)
}

// AuditEmitter records mutations without blocking the caller
type AuditEmitter interface {
	Emit(ctx context.Context, p auth.Principal, event audit.Event)
}

// Deps are the collaborators of a Service. Cache, Audit, Logger and Metrics
// may be nil.
type Deps struct {
	Catalog CatalogSource
	Tenants *tenants.Store
	Cache   *cache.Cache
	Audit   AuditEmitter
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Service answers permission queries and replaces grants
type Service struct {
	db      *sql.DB
	store   *Store
	catalog CatalogSource
	tenants *tenants.Store
	cache   *cache.Cache
	audit   AuditEmitter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewService creates the permission service
func NewService(db *sql.DB, store *Store, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.Tenants == nil {
		deps.Tenants = tenants.NewStore()
	}
	return &Service{
		db:      db,
		store:   store,
		catalog: deps.Catalog,
		tenants: deps.Tenants,
		cache:   deps.Cache,
		audit:   deps.Audit,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
}

// GetPermission returns the actions role holds on a module or submodule.
// Operators and the operator role hold everything without a lookup; a
// missing row denies everything.
func (s *Service) GetPermission(ctx context.Context, p auth.Principal, q PermissionQuery) (ActionSet, error) {
	const op = "getPermission"
	if q.RoleID <= 0 || q.ModuleID <= 0 || q.PlanID <= 0 {
		return ActionSet{}, apperr.Validation(op, "role_id, module_id and plan_id are required")
	}
	if p.IsOperator() || q.RoleID == auth.OperatorRoleID {
		return AllowAll(), nil
	}

	tenantID, err := auth.AuthorizeTenant(p, q.TenantID, op)
	if err != nil {
		return ActionSet{}, err
	}
	q.TenantID = tenantID

	key := cache.PermissionKey(q.RoleID, q.ModuleID, q.SubmoduleID, q.TenantID, q.PlanID)
	set, err := cache.GetOrLoad(ctx, s.cache, key, func(ctx context.Context) (ActionSet, error) {
		set, _, err := s.store.FindGrant(ctx, s.db, q)
		return set, err
	})
	if err != nil {
		return ActionSet{}, apperr.Persistence(op, err)
	}
	return set, nil
}

// HasPermission is the allow/deny decision consumed by business modules
func (s *Service) HasPermission(ctx context.Context, p auth.Principal, q PermissionQuery, action string) (bool, error) {
	if p.IsOperator() || q.RoleID == auth.OperatorRoleID {
		s.metrics.PermissionCheck("operator")
		return true, nil
	}
	set, err := s.GetPermission(ctx, p, q)
	if err != nil {
		s.metrics.PermissionCheck("error")
		return false, err
	}
	allowed := set.Allows(action)
	if allowed {
		s.metrics.PermissionCheck("allowed")
	} else {
		s.metrics.PermissionCheck("denied")
	}
	return allowed, nil
}

// ListForRole returns the stored grants of a role. Operators see every tenant
// unless they filter; a tenant admin only sees its tenant under the plan the
// tenant is subscribed to.
func (s *Service) ListForRole(ctx context.Context, p auth.Principal, roleID int64, tenantID, planID *int64) ([]Grant, error) {
	const op = "listForRole"
	if roleID <= 0 {
		return nil, apperr.Validation(op, "role_id is required")
	}
	tenantID, err := auth.AuthorizeTenant(p, tenantID, op)
	if err != nil {
		return nil, err
	}

	if !p.IsOperator() {
		t, err := s.tenants.Get(ctx, s.db, *tenantID)
		if errors.Is(err, tenants.ErrTenantNotFound) {
			return nil, apperr.NotFound(op, "tenant %d not found", *tenantID)
		}
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		if t.PlanID == nil {
			return []Grant{}, nil
		}
		if planID != nil && *planID != *t.PlanID {
			return nil, apperr.Forbidden(op, "tenant is not subscribed to plan %d", *planID)
		}
		planID = t.PlanID
	}

	filter := GrantFilter{RoleID: roleID, TenantID: tenantID, PlanID: planID}
	grants, err := cache.GetOrLoad(ctx, s.cache, cache.RoleGrantsKey(roleID, tenantID, planID), func(ctx context.Context) ([]Grant, error) {
		return s.store.ListGrants(ctx, s.db, filter)
	})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return cloneGrants(grants), nil
}

// cloneGrants copies grants out of the shared cache so callers may modify
// what they get back
func cloneGrants(grants []Grant) []Grant {
	out := make([]Grant, len(grants))
	for i, g := range grants {
		if g.SubmoduleID != nil {
			g.SubmoduleID = storage.Int64(*g.SubmoduleID)
		}
		if g.TenantID != nil {
			g.TenantID = storage.Int64(*g.TenantID)
		}
		if g.Actions.Extra != nil {
			extra := make(map[string]bool, len(g.Actions.Extra))
			for k, v := range g.Actions.Extra {
				extra[k] = v
			}
			g.Actions.Extra = extra
		}
		out[i] = g
	}
	return out
}

type grantKey struct {
	module    int64
	submodule int64
}

func validateReplace(req ReplaceRequest) error {
	const op = "replaceForRole"
	if req.RoleID <= 0 {
		return apperr.Validation(op, "role_id is required")
	}
	if req.PlanID <= 0 {
		return apperr.Validation(op, "plan_id is required")
	}
	if req.Global && req.TenantID != nil {
		return apperr.Validation(op, "tenant_id cannot be combined with global")
	}
	seen := make(map[grantKey]bool, len(req.Grants))
	for i, g := range req.Grants {
		if g.ModuleID <= 0 {
			return apperr.Validation(op, "grants[%d]: module_id is required", i)
		}
		key := grantKey{module: g.ModuleID}
		if g.SubmoduleID != nil {
			if *g.SubmoduleID <= 0 {
				return apperr.Validation(op, "grants[%d]: invalid submodule_id", i)
			}
			key.submodule = *g.SubmoduleID
		}
		if seen[key] {
			return apperr.Validation(op, "grants[%d]: duplicate grant for module %d", i, g.ModuleID)
		}
		seen[key] = true
	}
	return nil
}

// ReplaceForRole deletes every grant of the role in the target scope and
// inserts req.Grants, all in one transaction. A global replace writes the
// same grants for every tenant subscribed to the plan.
func (s *Service) ReplaceForRole(ctx context.Context, p auth.Principal, req ReplaceRequest) (res *ReplaceResult, err error) {
	const op = "replaceForRole"
	ctx, span := observability.StartSpan(ctx, "rbac.ReplaceForRole",
		attribute.Int64("role_id", req.RoleID),
		attribute.Int64("plan_id", req.PlanID),
		attribute.Bool("global", req.Global),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := validateReplace(req); err != nil {
		return nil, err
	}
	if req.Global {
		if err := auth.RequireOperator(p, op); err != nil {
			return nil, err
		}
	}
	// the Administrator role is rejected before anything is read
	if err := auth.AuthorizeRoleMutation(p, auth.RoleRef{ID: req.RoleID}, op); err != nil {
		return nil, err
	}

	var tenantID *int64
	if !req.Global {
		if tenantID, err = auth.AuthorizeTenant(p, req.TenantID, op); err != nil {
			return nil, err
		}
	}

	role, err := s.store.GetRole(ctx, s.db, req.RoleID)
	if errors.Is(err, ErrRoleNotFound) {
		return nil, apperr.NotFound(op, "role %d not found", req.RoleID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	if err := auth.AuthorizeRoleMutation(p, auth.RoleRef{ID: role.ID, TenantID: role.TenantID, IsAdmin: role.IsAdmin}, op); err != nil {
		return nil, err
	}

	var affected []int64
	err = storage.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		targets := []*int64{tenantID}
		if req.Global {
			ids, err := s.tenants.ListByPlan(ctx, tx, req.PlanID)
			if err != nil {
				return err
			}
			targets = targets[:0]
			for _, id := range ids {
				targets = append(targets, storage.Int64(id))
			}
		}

		// ascending id order keeps overlapping replaces from deadlocking
		// each other; a sync of the same tenant waits on the same row
		for _, target := range sortedTargets(targets) {
			if err := s.tenants.Lock(ctx, tx, *target); err != nil {
				return err
			}
		}

		for _, target := range targets {
			if _, err := s.store.DeleteScope(ctx, tx, req.RoleID, req.PlanID, target); err != nil {
				return err
			}
			if err := s.store.InsertGrants(ctx, tx, buildGrants(req, target)); err != nil {
				return err
			}
			if target != nil {
				affected = append(affected, *target)
			}
		}
		return s.tenants.BumpPermVersion(ctx, tx, affected...)
	})
	if errors.Is(err, tenants.ErrTenantNotFound) {
		return nil, apperr.NotFound(op, "tenant not found")
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}

	s.cache.Clear()
	s.metrics.GrantsWritten("replace", len(req.Grants)*max(len(affected), 1))

	res = &ReplaceResult{
		RoleID:      req.RoleID,
		PlanID:      req.PlanID,
		GrantCount:  len(req.Grants),
		TenantCount: len(affected),
		TenantIDs:   affected,
	}

	observability.FromContext(ctx, s.logger).WithFields(map[string]interface{}{
		"role_id":      req.RoleID,
		"plan_id":      req.PlanID,
		"grant_count":  res.GrantCount,
		"tenant_count": res.TenantCount,
		"global":       req.Global,
	}).Info("Replaced role permissions")

	s.emit(ctx, p, audit.Event{
		TargetTenantID: tenantID,
		EntityType:     audit.EntityPermissions,
		EntityID:       fmt.Sprintf("%d", req.RoleID),
		Action:         audit.ActionReplace,
		Details: map[string]interface{}{
			"role_id":      req.RoleID,
			"plan_id":      req.PlanID,
			"global":       req.Global,
			"grant_count":  res.GrantCount,
			"tenant_count": res.TenantCount,
		},
	})
	return res, nil
}

// sortedTargets returns the tenant ids of targets in ascending order,
// skipping the nil tenant-less scope
func sortedTargets(targets []*int64) []*int64 {
	out := make([]*int64, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i] < *out[j] })
	return out
}

func buildGrants(req ReplaceRequest, tenantID *int64) []Grant {
	grants := make([]Grant, 0, len(req.Grants))
	for _, in := range req.Grants {
		grants = append(grants, Grant{
			RoleID:      req.RoleID,
			ModuleID:    in.ModuleID,
			SubmoduleID: in.SubmoduleID,
			TenantID:    tenantID,
			PlanID:      req.PlanID,
			Actions:     in.Actions(),
		})
	}
	return grants
}

func (s *Service) emit(ctx context.Context, p auth.Principal, event audit.Event) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, p, event)
}

func (s *Service) modules(ctx context.Context) ([]catalog.Module, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.CatalogKey, s.catalog.ListModules)
}

// GetMergedTree builds the full module tree with the role's permissions on
// every node. Nodes without a grant are included with nothing allowed. For
// operators, rows of all tenants are combined.
func (s *Service) GetMergedTree(ctx context.Context, p auth.Principal, roleID, planID int64) ([]TreeNode, error) {
	const op = "getMergedTree"
	if roleID <= 0 || planID <= 0 {
		return nil, apperr.Validation(op, "role_id and plan_id are required")
	}
	tenantID, err := auth.AuthorizeTenant(p, nil, op)
	if err != nil {
		return nil, err
	}

	var modules []catalog.Module
	var grants []Grant
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		modules, err = s.modules(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		grants, err = s.store.ListGrants(gctx, s.db, GrantFilter{RoleID: roleID, TenantID: tenantID, PlanID: &planID})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Persistence(op, err)
	}

	moduleSets := make(map[int64]ActionSet)
	submoduleSets := make(map[int64]ActionSet)
	for _, gr := range grants {
		if gr.SubmoduleID != nil {
			submoduleSets[*gr.SubmoduleID] = submoduleSets[*gr.SubmoduleID].Or(gr.Actions)
		} else {
			moduleSets[gr.ModuleID] = moduleSets[gr.ModuleID].Or(gr.Actions)
		}
	}
	lookup := func(sets map[int64]ActionSet, id int64) ActionSet {
		if roleID == auth.OperatorRoleID {
			return AllowAll()
		}
		return sets[id]
	}

	tree := make([]TreeNode, 0, len(modules))
	for _, m := range modules {
		node := TreeNode{
			UniqueID:         fmt.Sprintf("M_%d", m.ID),
			Type:             NodeModule,
			ID:               m.ID,
			Name:             m.Name,
			Route:            m.Route,
			AvailableActions: catalog.ModuleActions(m),
			Permissions:      lookup(moduleSets, m.ID),
		}
		for _, sm := range m.Submodules {
			parent := m.ID
			node.Children = append(node.Children, TreeNode{
				UniqueID:         fmt.Sprintf("S_%d", sm.ID),
				Type:             NodeSubmodule,
				ID:               sm.ID,
				ParentID:         &parent,
				Name:             sm.Name,
				Route:            sm.Route,
				AvailableActions: catalog.SubmoduleActions(sm),
				Permissions:      lookup(submoduleSets, sm.ID),
			})
		}
		tree = append(tree, node)
	}
	return tree, nil
}

// ListRoles lists the roles visible to p; the operator role is never listed
func (s *Service) ListRoles(ctx context.Context, p auth.Principal) ([]Role, error) {
	const op = "listRoles"
	tenantID, err := auth.AuthorizeTenant(p, nil, op)
	if err != nil {
		return nil, err
	}
	roles, err := cache.GetOrLoad(ctx, s.cache, cache.RolesKey(tenantID), func(ctx context.Context) ([]Role, error) {
		return s.store.ListRoles(ctx, s.db, tenantID)
	})
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return roles, nil
}

// GetCatalog returns the module hierarchy with the available actions of every node
func (s *Service) GetCatalog(ctx context.Context, p auth.Principal) ([]CatalogNode, error) {
	const op = "getCatalog"
	if p.Scope == nil {
		return nil, apperr.Forbidden(op, "no scope resolved for caller")
	}
	modules, err := s.modules(ctx)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}

	nodes := make([]CatalogNode, 0, len(modules))
	for _, m := range modules {
		node := CatalogNode{ID: m.ID, Name: m.Name, Route: m.Route, AvailableActions: catalog.ModuleActions(m)}
		for _, sm := range m.Submodules {
			node.Submodules = append(node.Submodules, CatalogNode{
				ID:               sm.ID,
				Name:             sm.Name,
				Route:            sm.Route,
				AvailableActions: catalog.SubmoduleActions(sm),
			})
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
