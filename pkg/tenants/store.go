package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/entitle/pkg/storage"
)

// ErrTenantNotFound is returned when a tenant id does not exist
var ErrTenantNotFound = errors.New("tenant not found")

// Store reads and versions tenants. Methods taking a storage.Querier run
// inside the caller's transaction.
type Store struct{}

// NewStore creates a tenant store
func NewStore() *Store {
	return &Store{}
}

// Get returns a tenant by id
func (s *Store) Get(ctx context.Context, q storage.Querier, id int64) (*Tenant, error) {
	var t Tenant
	var planID sql.NullInt64
	var lastSynced sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, name, plan_id, perm_version, last_synced_at
		FROM tenants
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &planID, &t.PermVersion, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	t.PlanID = storage.Int64Ptr(planID)
	if lastSynced.Valid {
		ts := lastSynced.Time
		t.LastSyncedAt = &ts
	}
	return &t, nil
}

// Lock takes a row lock on the tenant until q's transaction ends. Writers of a
// tenant's grants take it first so they apply one after another.
func (s *Store) Lock(ctx context.Context, q storage.Querier, id int64) error {
	var locked int64
	err := q.QueryRowContext(ctx, "SELECT id FROM tenants WHERE id = $1 FOR UPDATE", id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTenantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock tenant: %w", err)
	}
	return nil
}

// ListByPlan returns the ids of every tenant currently subscribed to planID
func (s *Store) ListByPlan(ctx context.Context, q storage.Querier, planID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT id FROM tenants WHERE plan_id = $1 ORDER BY id", planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants for plan: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BumpPermVersion increments perm_version for every id
func (s *Store) BumpPermVersion(ctx context.Context, q storage.Querier, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx,
		"UPDATE tenants SET perm_version = perm_version + 1 WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to bump perm_version: %w", err)
	}
	return nil
}

// MarkSynced bumps perm_version and records the sync time for one tenant
func (s *Store) MarkSynced(ctx context.Context, q storage.Querier, id int64, at time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE tenants SET perm_version = perm_version + 1, last_synced_at = $2 WHERE id = $1",
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark tenant synced: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTenantNotFound
	}
	return nil
}
