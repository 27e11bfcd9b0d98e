package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/entitle/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema migrations in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create plans, tenants, roles and users",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					id BIGSERIAL PRIMARY KEY,
					description TEXT NOT NULL
				);

				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					plan_id BIGINT REFERENCES plans(id) ON DELETE SET NULL,
					perm_version INTEGER NOT NULL DEFAULT 1,
					last_synced_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_tenants_plan_id ON tenants(plan_id);

				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL,
					tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
					state SMALLINT NOT NULL DEFAULT 1,
					is_admin BOOLEAN NOT NULL DEFAULT FALSE
				);
				CREATE INDEX IF NOT EXISTS idx_roles_tenant_id ON roles(tenant_id);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(100) NOT NULL,
					tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
					role_id BIGINT REFERENCES roles(id) ON DELETE SET NULL
				);
				CREATE INDEX IF NOT EXISTS idx_users_username_tenant ON users(username, tenant_id);
			`,
		},
		{
			Version:     2,
			Description: "Create module and submodule catalog",
			SQL: `
				CREATE TABLE IF NOT EXISTS modules (
					id BIGINT PRIMARY KEY,
					name VARCHAR(100) NOT NULL,
					route VARCHAR(255) NOT NULL DEFAULT '',
					active_actions JSONB
				);

				CREATE TABLE IF NOT EXISTS submodules (
					id BIGINT PRIMARY KEY,
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					name VARCHAR(100) NOT NULL,
					route VARCHAR(255) NOT NULL DEFAULT '',
					active_actions JSONB
				);
				CREATE INDEX IF NOT EXISTS idx_submodules_module_id ON submodules(module_id);
			`,
		},
		{
			Version:     3,
			Description: "Create permission_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_grants (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					submodule_id BIGINT REFERENCES submodules(id) ON DELETE CASCADE,
					tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
					plan_id BIGINT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
					ver BOOLEAN NOT NULL DEFAULT FALSE,
					crear BOOLEAN NOT NULL DEFAULT FALSE,
					editar BOOLEAN NOT NULL DEFAULT FALSE,
					eliminar BOOLEAN NOT NULL DEFAULT FALSE,
					desactivar BOOLEAN NOT NULL DEFAULT FALSE,
					generar BOOLEAN NOT NULL DEFAULT FALSE,
					actions_extra JSONB,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_grants_scope ON permission_grants(role_id, plan_id, tenant_id);
				CREATE INDEX IF NOT EXISTS idx_grants_tenant ON permission_grants(tenant_id);
			`,
		},
		{
			Version:     4,
			Description: "Create plan template versions and entitlements",
			SQL: `
				CREATE TABLE IF NOT EXISTS plan_template_versions (
					id BIGSERIAL PRIMARY KEY,
					plan_id BIGINT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
					version INTEGER NOT NULL,
					status VARCHAR(20) NOT NULL DEFAULT 'DRAFT',
					created_by BIGINT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					published_at TIMESTAMPTZ,
					UNIQUE(plan_id, version),
					CHECK (status IN ('DRAFT', 'PUBLISHED', 'ARCHIVED'))
				);
				CREATE UNIQUE INDEX IF NOT EXISTS uq_plan_template_versions_one_draft
					ON plan_template_versions(plan_id) WHERE status = 'DRAFT';

				CREATE TABLE IF NOT EXISTS plan_entitlement_modules (
					version_id BIGINT NOT NULL REFERENCES plan_template_versions(id) ON DELETE CASCADE,
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					PRIMARY KEY (version_id, module_id)
				);

				CREATE TABLE IF NOT EXISTS plan_entitlement_submodules (
					version_id BIGINT NOT NULL REFERENCES plan_template_versions(id) ON DELETE CASCADE,
					submodule_id BIGINT NOT NULL REFERENCES submodules(id) ON DELETE CASCADE,
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					PRIMARY KEY (version_id, submodule_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create audit_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id UUID PRIMARY KEY,
					timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					actor_user_id BIGINT,
					actor_role BIGINT,
					target_tenant_id BIGINT,
					entity_type VARCHAR(50) NOT NULL,
					entity_id VARCHAR(100) NOT NULL,
					action VARCHAR(50) NOT NULL,
					details JSONB,
					ip VARCHAR(64),
					user_agent TEXT
				);
				CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
				CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(target_tenant_id);
			`,
		},
		{
			Version:     6,
			Description: "Back-fill is_admin for conventionally named administrator roles",
			SQL: `
				UPDATE roles SET is_admin = TRUE
				WHERE name IN ('Administrador', 'Admin', 'Super Admin');
			`,
		},
	}
}

// Migrate applies every pending migration, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}
		m := migration
		logger.WithField("version", m.Version).Infof("Running migration: %s", m.Description)

		err := RunInTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
