package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/storage"
)

// ErrRoleNotFound is returned when a role id does not exist
var ErrRoleNotFound = errors.New("role not found")

// grantColumns are the insertable columns of permission_grants, in order
const grantColumns = "role_id, module_id, submodule_id, tenant_id, plan_id, ver, crear, editar, eliminar, desactivar, generar, actions_extra"

// Store persists grants and reads roles. Every method takes the Querier to
// run on, so callers compose them inside one transaction.
type Store struct{}

// NewStore creates a grant store
func NewStore() *Store {
	return &Store{}
}

func encodeExtra(extra map[string]bool) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal actions_extra: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeExtra ignores malformed values; a broken extra map must not hide the
// six standard flags.
func decodeExtra(raw sql.NullString) map[string]bool {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]bool
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}

// FindGrant returns the actions of the row matching lookup. A nil submodule or
// tenant matches only rows where that column is NULL. found is false when no
// row matches.
func (s *Store) FindGrant(ctx context.Context, q storage.Querier, lookup PermissionQuery) (set ActionSet, found bool, err error) {
	var extra sql.NullString
	err = q.QueryRowContext(ctx, `
		SELECT ver, crear, editar, eliminar, desactivar, generar, actions_extra
		FROM permission_grants
		WHERE role_id = $1
		  AND module_id = $2
		  AND (submodule_id = $3 OR ($3::BIGINT IS NULL AND submodule_id IS NULL))
		  AND (tenant_id = $4 OR ($4::BIGINT IS NULL AND tenant_id IS NULL))
		  AND plan_id = $5
		LIMIT 1
	`, lookup.RoleID, lookup.ModuleID, storage.NullInt64(lookup.SubmoduleID), storage.NullInt64(lookup.TenantID), lookup.PlanID,
	).Scan(&set.View, &set.Create, &set.Edit, &set.Delete, &set.Deactivate, &set.Generate, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return ActionSet{}, false, nil
	}
	if err != nil {
		return ActionSet{}, false, fmt.Errorf("failed to find grant: %w", err)
	}
	set.Extra = decodeExtra(extra)
	return set, true, nil
}

// ListGrants returns the grants of a role, optionally filtered by tenant and plan
func (s *Store) ListGrants(ctx context.Context, q storage.Querier, f GrantFilter) ([]Grant, error) {
	query := `
		SELECT id, role_id, module_id, submodule_id, tenant_id, plan_id,
		       ver, crear, editar, eliminar, desactivar, generar, actions_extra, created_at
		FROM permission_grants
		WHERE role_id = $1`
	args := []interface{}{f.RoleID}
	if f.TenantID != nil {
		args = append(args, *f.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if f.PlanID != nil {
		args = append(args, *f.PlanID)
		query += fmt.Sprintf(" AND plan_id = $%d", len(args))
	}
	query += " ORDER BY module_id, submodule_id NULLS FIRST, tenant_id NULLS FIRST"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var submoduleID, tenantID sql.NullInt64
		var extra sql.NullString
		if err := rows.Scan(
			&g.ID, &g.RoleID, &g.ModuleID, &submoduleID, &tenantID, &g.PlanID,
			&g.Actions.View, &g.Actions.Create, &g.Actions.Edit, &g.Actions.Delete,
			&g.Actions.Deactivate, &g.Actions.Generate, &extra, &g.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.SubmoduleID = storage.Int64Ptr(submoduleID)
		g.TenantID = storage.Int64Ptr(tenantID)
		g.Actions.Extra = decodeExtra(extra)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// DeleteScope removes every grant of roleID within (plan, tenant). A nil
// tenant matches the tenant-agnostic rows only.
func (s *Store) DeleteScope(ctx context.Context, q storage.Querier, roleID, planID int64, tenantID *int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM permission_grants
		WHERE role_id = $1
		  AND plan_id = $2
		  AND (tenant_id = $3 OR ($3::BIGINT IS NULL AND tenant_id IS NULL))
	`, roleID, planID, storage.NullInt64(tenantID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertGrants writes grants with a single multi-row INSERT
func (s *Store) InsertGrants(ctx context.Context, q storage.Querier, grants []Grant) error {
	if len(grants) == 0 {
		return nil
	}

	const width = 12
	placeholders := make([]string, 0, len(grants))
	args := make([]interface{}, 0, len(grants)*width)
	for i, g := range grants {
		extra, err := encodeExtra(g.Actions.Extra)
		if err != nil {
			return err
		}
		base := i * width
		ph := make([]string, width)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			g.RoleID, g.ModuleID, storage.NullInt64(g.SubmoduleID), storage.NullInt64(g.TenantID), g.PlanID,
			g.Actions.View, g.Actions.Create, g.Actions.Edit, g.Actions.Delete,
			g.Actions.Deactivate, g.Actions.Generate, extra,
		)
	}

	query := "INSERT INTO permission_grants (" + grantColumns + ") VALUES " + strings.Join(placeholders, ", ")
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert grants: %w", err)
	}
	return nil
}

// GrantKeys is the set of capabilities a role currently holds in one
// (tenant, plan): module-level rows by module id, submodule rows by submodule id.
type GrantKeys struct {
	Modules    map[int64]bool
	Submodules map[int64]bool
}

// GrantKeys loads the current capability set of a role within (tenant, plan)
func (s *Store) GrantKeys(ctx context.Context, q storage.Querier, roleID, tenantID, planID int64) (GrantKeys, error) {
	keys := GrantKeys{Modules: map[int64]bool{}, Submodules: map[int64]bool{}}
	rows, err := q.QueryContext(ctx, `
		SELECT module_id, submodule_id
		FROM permission_grants
		WHERE role_id = $1 AND tenant_id = $2 AND plan_id = $3
	`, roleID, tenantID, planID)
	if err != nil {
		return keys, fmt.Errorf("failed to load grant keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var moduleID int64
		var submoduleID sql.NullInt64
		if err := rows.Scan(&moduleID, &submoduleID); err != nil {
			return keys, fmt.Errorf("failed to scan grant key: %w", err)
		}
		if submoduleID.Valid {
			keys.Submodules[submoduleID.Int64] = true
		} else {
			keys.Modules[moduleID] = true
		}
	}
	return keys, rows.Err()
}

// DeleteGrantsOutside removes the role's rows in (tenant, plan) whose module
// (module-level rows) or submodule (submodule rows) is not listed.
func (s *Store) DeleteGrantsOutside(ctx context.Context, q storage.Querier, roleID, tenantID, planID int64, modules, submodules []int64) (int64, error) {
	if modules == nil {
		modules = []int64{}
	}
	if submodules == nil {
		submodules = []int64{}
	}
	res, err := q.ExecContext(ctx, `
		DELETE FROM permission_grants
		WHERE role_id = $1 AND tenant_id = $2 AND plan_id = $3
		  AND ((submodule_id IS NULL AND NOT (module_id = ANY($4)))
		    OR (submodule_id IS NOT NULL AND NOT (submodule_id = ANY($5))))
	`, roleID, tenantID, planID, pq.Array(modules), pq.Array(submodules))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetRole returns a role by id
func (s *Store) GetRole(ctx context.Context, q storage.Querier, id int64) (*Role, error) {
	var r Role
	var tenantID sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT id, name, tenant_id, state, is_admin FROM roles WHERE id = $1",
		id,
	).Scan(&r.ID, &r.Name, &tenantID, &r.State, &r.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	r.TenantID = storage.Int64Ptr(tenantID)
	return &r, nil
}

// ListRoles returns roles ordered by name, excluding the operator role. A
// non-nil tenant restricts the list to that tenant.
func (s *Store) ListRoles(ctx context.Context, q storage.Querier, tenantID *int64) ([]Role, error) {
	query := "SELECT id, name, tenant_id, state, is_admin FROM roles WHERE id <> $1"
	args := []interface{}{auth.OperatorRoleID}
	if tenantID != nil {
		query += " AND tenant_id = $2"
		args = append(args, *tenantID)
	}
	query += " ORDER BY name, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		var r Role
		var tid sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &tid, &r.State, &r.IsAdmin); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if auth.IsOperatorName(r.Name) {
			continue
		}
		r.TenantID = storage.Int64Ptr(tid)
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// AdminRoles returns the ids of the administrator roles of a tenant
func (s *Store) AdminRoles(ctx context.Context, q storage.Querier, tenantID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id FROM roles WHERE tenant_id = $1 AND is_admin = TRUE ORDER BY id",
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin roles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan role id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
