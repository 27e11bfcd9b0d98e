package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/entitle/pkg/storage"
)

// ErrModuleNotFound is returned when a module id does not exist
var ErrModuleNotFound = errors.New("module not found")

// Store reads and seeds the module/submodule catalog
type Store struct {
	db *sql.DB
}

// NewStore creates a catalog store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListModules returns every module ordered by name, each with its
// submodules ordered by name.
func (s *Store) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, route, active_actions
		FROM modules
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	index := make(map[int64]int)
	for rows.Next() {
		var m Module
		var actions []byte
		if err := rows.Scan(&m.ID, &m.Name, &m.Route, &actions); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		m.ActiveActions = parseActiveActions(actions)
		index[m.ID] = len(modules)
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate modules: %w", err)
	}

	subRows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, name, route, active_actions
		FROM submodules
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list submodules: %w", err)
	}
	defer subRows.Close()

	for subRows.Next() {
		var sm Submodule
		var actions []byte
		if err := subRows.Scan(&sm.ID, &sm.ModuleID, &sm.Name, &sm.Route, &actions); err != nil {
			return nil, fmt.Errorf("failed to scan submodule: %w", err)
		}
		sm.ActiveActions = parseActiveActions(actions)
		if i, ok := index[sm.ModuleID]; ok {
			modules[i].Submodules = append(modules[i].Submodules, sm)
		}
	}
	if err := subRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submodules: %w", err)
	}

	return modules, nil
}

// GetModule returns one module with its submodules ordered by name
func (s *Store) GetModule(ctx context.Context, id int64) (*Module, error) {
	var m Module
	var actions []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, route, active_actions
		FROM modules
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Route, &actions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	m.ActiveActions = parseActiveActions(actions)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, name, route, active_actions
		FROM submodules
		WHERE module_id = $1
		ORDER BY name, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list submodules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sm Submodule
		var subActions []byte
		if err := rows.Scan(&sm.ID, &sm.ModuleID, &sm.Name, &sm.Route, &subActions); err != nil {
			return nil, fmt.Errorf("failed to scan submodule: %w", err)
		}
		sm.ActiveActions = parseActiveActions(subActions)
		m.Submodules = append(m.Submodules, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submodules: %w", err)
	}
	return &m, nil
}

// SubmoduleParent returns the module id owning submoduleID, or sql.ErrNoRows
func (s *Store) SubmoduleParent(ctx context.Context, q storage.Querier, submoduleID int64) (int64, error) {
	var moduleID int64
	err := q.QueryRowContext(ctx, "SELECT module_id FROM submodules WHERE id = $1", submoduleID).Scan(&moduleID)
	if err != nil {
		return 0, err
	}
	return moduleID, nil
}

// ApplySeed upserts every module and submodule of seed in one transaction.
// Rows not mentioned in the seed are left alone.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) error {
	return storage.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, m := range seed.Modules {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO modules (id, name, route, active_actions)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name, route = EXCLUDED.route, active_actions = EXCLUDED.active_actions
			`, m.ID, m.Name, m.Route, encodeActiveActions(m.ActiveActions))
			if err != nil {
				return fmt.Errorf("failed to upsert module %d: %w", m.ID, err)
			}

			for _, sm := range m.Submodules {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO submodules (id, module_id, name, route, active_actions)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (id) DO UPDATE
					SET module_id = EXCLUDED.module_id, name = EXCLUDED.name,
						route = EXCLUDED.route, active_actions = EXCLUDED.active_actions
				`, sm.ID, m.ID, sm.Name, sm.Route, encodeActiveActions(sm.ActiveActions))
				if err != nil {
					return fmt.Errorf("failed to upsert submodule %d: %w", sm.ID, err)
				}
			}
		}
		return nil
	})
}
