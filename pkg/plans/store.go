package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/entitle/pkg/storage"
)

var (
	// ErrPlanNotFound is returned when a plan id does not exist
	ErrPlanNotFound = errors.New("plan not found")
	// ErrVersionNotFound is returned when a template version id does not exist
	ErrVersionNotFound = errors.New("template version not found")
)

const versionColumns = "id, plan_id, version, status, created_by, created_at, published_at"

// Store persists template versions and their entitlements
type Store struct{}

// NewStore creates a template store
func NewStore() *Store {
	return &Store{}
}

func scanVersion(row interface{ Scan(...interface{}) error }) (*Version, error) {
	var v Version
	var createdBy sql.NullInt64
	var publishedAt sql.NullTime
	if err := row.Scan(&v.ID, &v.PlanID, &v.Version, &v.Status, &createdBy, &v.CreatedAt, &publishedAt); err != nil {
		return nil, err
	}
	v.CreatedBy = storage.Int64Ptr(createdBy)
	if publishedAt.Valid {
		t := publishedAt.Time
		v.PublishedAt = &t
	}
	return &v, nil
}

// LockPlan takes a row lock on the plan so concurrent draft creation for it
// serializes
func (s *Store) LockPlan(ctx context.Context, q storage.Querier, planID int64) error {
	var id int64
	err := q.QueryRowContext(ctx, "SELECT id FROM plans WHERE id = $1 FOR UPDATE", planID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPlanNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock plan: %w", err)
	}
	return nil
}

// HasDraft reports whether the plan already has a DRAFT version
func (s *Store) HasDraft(ctx context.Context, q storage.Querier, planID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM plan_template_versions WHERE plan_id = $1 AND status = 'DRAFT')",
		planID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for draft: %w", err)
	}
	return exists, nil
}

// NextVersion returns max(version)+1 for the plan, starting at 1
func (s *Store) NextVersion(ctx context.Context, q storage.Querier, planID int64) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM plan_template_versions WHERE plan_id = $1",
		planID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate version number: %w", err)
	}
	return next, nil
}

// InsertVersion creates v and fills in its id and creation time
func (s *Store) InsertVersion(ctx context.Context, q storage.Querier, v *Version) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO plan_template_versions (plan_id, version, status, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, v.PlanID, v.Version, v.Status, storage.NullInt64(v.CreatedBy)).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert template version: %w", err)
	}
	return nil
}

// GetVersion returns a template version by id
func (s *Store) GetVersion(ctx context.Context, q storage.Querier, id int64) (*Version, error) {
	return s.getVersion(ctx, q, "SELECT "+versionColumns+" FROM plan_template_versions WHERE id = $1", id)
}

// LockVersion returns a template version and holds a row lock on it until
// the transaction ends
func (s *Store) LockVersion(ctx context.Context, q storage.Querier, id int64) (*Version, error) {
	return s.getVersion(ctx, q, "SELECT "+versionColumns+" FROM plan_template_versions WHERE id = $1 FOR UPDATE", id)
}

func (s *Store) getVersion(ctx context.Context, q storage.Querier, query string, id int64) (*Version, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template version: %w", err)
	}
	return v, nil
}

// ListVersions returns a plan's versions, newest first
func (s *Store) ListVersions(ctx context.Context, q storage.Querier, planID int64) ([]Version, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM plan_template_versions WHERE plan_id = $1 ORDER BY version DESC",
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list template versions: %w", err)
	}
	defer rows.Close()

	versions := []Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// CurrentPublished returns the plan's PUBLISHED version, or nil
func (s *Store) CurrentPublished(ctx context.Context, q storage.Querier, planID int64) (*Version, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM plan_template_versions WHERE plan_id = $1 AND status = 'PUBLISHED' ORDER BY version DESC LIMIT 1",
		planID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get published version: %w", err)
	}
	return v, nil
}

// ArchivePublished demotes every PUBLISHED version of the plan
func (s *Store) ArchivePublished(ctx context.Context, q storage.Querier, planID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE plan_template_versions SET status = 'ARCHIVED' WHERE plan_id = $1 AND status = 'PUBLISHED'",
		planID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive published versions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkPublished moves a DRAFT version to PUBLISHED
func (s *Store) MarkPublished(ctx context.Context, q storage.Querier, id int64, at time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE plan_template_versions SET status = 'PUBLISHED', published_at = $2 WHERE id = $1 AND status = 'DRAFT'",
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to publish version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("failed to publish version %d: not in DRAFT", id)
	}
	return nil
}

// Entitlements loads the modules and submodules of a version
func (s *Store) Entitlements(ctx context.Context, q storage.Querier, versionID int64) (Entitlements, error) {
	ent := Entitlements{Modules: []int64{}, Submodules: []SubmoduleEntitlement{}}

	rows, err := q.QueryContext(ctx,
		"SELECT module_id FROM plan_entitlement_modules WHERE version_id = $1 ORDER BY module_id",
		versionID,
	)
	if err != nil {
		return ent, fmt.Errorf("failed to load module entitlements: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return ent, fmt.Errorf("failed to scan module entitlement: %w", err)
		}
		ent.Modules = append(ent.Modules, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ent, err
	}

	rows, err = q.QueryContext(ctx,
		"SELECT submodule_id, module_id FROM plan_entitlement_submodules WHERE version_id = $1 ORDER BY submodule_id",
		versionID,
	)
	if err != nil {
		return ent, fmt.Errorf("failed to load submodule entitlements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e SubmoduleEntitlement
		if err := rows.Scan(&e.SubmoduleID, &e.ModuleID); err != nil {
			return ent, fmt.Errorf("failed to scan submodule entitlement: %w", err)
		}
		ent.Submodules = append(ent.Submodules, e)
	}
	return ent, rows.Err()
}

// CopyEntitlements copies every entitlement row of one version to another
func (s *Store) CopyEntitlements(ctx context.Context, q storage.Querier, fromID, toID int64) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO plan_entitlement_modules (version_id, module_id)
		SELECT $2, module_id FROM plan_entitlement_modules WHERE version_id = $1
	`, fromID, toID); err != nil {
		return fmt.Errorf("failed to copy module entitlements: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO plan_entitlement_submodules (version_id, submodule_id, module_id)
		SELECT $2, submodule_id, module_id FROM plan_entitlement_submodules WHERE version_id = $1
	`, fromID, toID); err != nil {
		return fmt.Errorf("failed to copy submodule entitlements: %w", err)
	}
	return nil
}

// ReplaceEntitlements deletes a version's entitlements and writes ent
func (s *Store) ReplaceEntitlements(ctx context.Context, q storage.Querier, versionID int64, ent Entitlements) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM plan_entitlement_modules WHERE version_id = $1", versionID); err != nil {
		return fmt.Errorf("failed to clear module entitlements: %w", err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM plan_entitlement_submodules WHERE version_id = $1", versionID); err != nil {
		return fmt.Errorf("failed to clear submodule entitlements: %w", err)
	}

	if len(ent.Modules) > 0 {
		values := make([]string, 0, len(ent.Modules))
		args := []interface{}{versionID}
		for _, id := range ent.Modules {
			args = append(args, id)
			values = append(values, fmt.Sprintf("($1, $%d)", len(args)))
		}
		query := "INSERT INTO plan_entitlement_modules (version_id, module_id) VALUES " + strings.Join(values, ", ")
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert module entitlements: %w", err)
		}
	}

	if len(ent.Submodules) > 0 {
		values := make([]string, 0, len(ent.Submodules))
		args := []interface{}{versionID}
		for _, e := range ent.Submodules {
			args = append(args, e.SubmoduleID, e.ModuleID)
			values = append(values, fmt.Sprintf("($1, $%d, $%d)", len(args)-1, len(args)))
		}
		query := "INSERT INTO plan_entitlement_submodules (version_id, submodule_id, module_id) VALUES " + strings.Join(values, ", ")
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert submodule entitlements: %w", err)
		}
	}
	return nil
}
