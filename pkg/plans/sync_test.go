package plans

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// expectVersionLoad covers version 3 of plan 2 entitling module 5 and its
// submodule 12
func expectVersionLoad(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(3)).
		WillReturnRows(versionRows(3, 2, 3, StatusPublished))
	mock.ExpectQuery("FROM plan_entitlement_modules WHERE version_id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"module_id"}).AddRow(5))
	mock.ExpectQuery("FROM plan_entitlement_submodules WHERE version_id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"submodule_id", "module_id"}).AddRow(12, 5))
}

// expectTenant covers the row lock every sync transaction opens with
func expectTenant(mock sqlmock.Sqlmock, tenantID int64) {
	mock.ExpectQuery("SELECT id FROM tenants WHERE id = \\$1 FOR UPDATE").
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(tenantID))
}

func expectAdminRoles(mock sqlmock.Sqlmock, tenantID int64, roles ...int64) {
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range roles {
		rows.AddRow(id)
	}
	mock.ExpectQuery("SELECT id FROM roles WHERE tenant_id = \\$1 AND is_admin = TRUE").
		WithArgs(tenantID).
		WillReturnRows(rows)
}

func expectGrantKeys(mock sqlmock.Sqlmock, roleID, tenantID int64, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT module_id, submodule_id FROM permission_grants").
		WithArgs(roleID, tenantID, int64(2)).
		WillReturnRows(rows)
}

func expectMarkSynced(mock sqlmock.Sqlmock, tenantID int64) {
	mock.ExpectExec("UPDATE tenants SET perm_version = perm_version \\+ 1, last_synced_at = \\$2 WHERE id = \\$1").
		WithArgs(tenantID, testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func keyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"module_id", "submodule_id"})
}

func TestSynchronizer_SyncTenant_AddsMissingSubmodule(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectBegin()
	expectTenant(env.mock, 7)
	expectAdminRoles(env.mock, 7, 21)
	expectGrantKeys(env.mock, 21, 7, keyRows().AddRow(5, nil))
	env.mock.ExpectExec("INSERT INTO permission_grants").
		WithArgs(int64(21), int64(5), int64(12), int64(7), int64(2), true, true, true, true, true, true, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectMarkSynced(env.mock, 7)
	env.mock.ExpectCommit()

	res, err := env.sync.SyncTenant(context.Background(), operator(), 7, 3, ModeConservative)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Changes)
	assert.Equal(t, 0, res.Revoked)
	assert.NoError(t, env.mock.ExpectationsWereMet())

	events := env.audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EntityTenantPermissions, events[0].EntityType)
	assert.Equal(t, audit.ActionSync, events[0].Action)
	assert.Equal(t, int64(7), *events[0].TargetTenantID)
	assert.Equal(t, 1, events[0].Details["changes"])
}

func TestSynchronizer_SyncTenant_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectBegin()
	expectTenant(env.mock, 7)
	expectAdminRoles(env.mock, 7, 21)
	expectGrantKeys(env.mock, 21, 7, keyRows().AddRow(5, nil).AddRow(5, 12))
	expectMarkSynced(env.mock, 7)
	env.mock.ExpectCommit()

	res, err := env.sync.SyncTenant(context.Background(), operator(), 7, 3, ModeConservative)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Changes)
	assert.NoError(t, env.mock.ExpectationsWereMet(), "nothing is inserted or deleted")
}

func TestSynchronizer_SyncTenant_ForceRevokes(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectBegin()
	expectTenant(env.mock, 7)
	expectAdminRoles(env.mock, 7, 21, 22)

	// role 21 holds an extra module 1; role 22 holds nothing yet
	expectGrantKeys(env.mock, 21, 7, keyRows().AddRow(1, nil).AddRow(5, nil).AddRow(5, 12))
	env.mock.ExpectExec("DELETE FROM permission_grants").
		WithArgs(int64(21), int64(7), int64(2), pq.Array([]int64{5}), pq.Array([]int64{12})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectGrantKeys(env.mock, 22, 7, keyRows())
	env.mock.ExpectExec("INSERT INTO permission_grants").
		WillReturnResult(sqlmock.NewResult(0, 2))
	env.mock.ExpectExec("DELETE FROM permission_grants").
		WithArgs(int64(22), int64(7), int64(2), pq.Array([]int64{5}), pq.Array([]int64{12})).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectMarkSynced(env.mock, 7)
	env.mock.ExpectCommit()

	res, err := env.sync.SyncTenant(context.Background(), operator(), 7, 3, ModeForce)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Changes)
	assert.Equal(t, 1, res.Revoked)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncTenant_NoAdminRole(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectBegin()
	expectTenant(env.mock, 7)
	expectAdminRoles(env.mock, 7)
	env.mock.ExpectRollback()

	res, err := env.sync.SyncTenant(context.Background(), operator(), 7, 3, ModeConservative)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, msgNoAdminRole, res.Message)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Empty(t, env.audit.recorded())
}

func TestSynchronizer_SyncTenant_UnknownVersion(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(versionRowColumns))

	res, err := env.sync.SyncTenant(context.Background(), operator(), 7, 99, ModeConservative)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, msgVersionNotFound, res.Message)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncTenant_UnpublishedVersion(t *testing.T) {
	for _, status := range []Status{StatusDraft, StatusArchived} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)

			// an empty draft under FORCE would revoke every admin grant, so
			// nothing past the version lookup may run
			env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
				WithArgs(int64(4)).
				WillReturnRows(versionRows(4, 2, 4, status))

			res, err := env.sync.SyncTenant(context.Background(), operator(), 7, 4, ModeForce)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, msgVersionNotPublished, res.Message)
			assert.Zero(t, res.Revoked)
			assert.NoError(t, env.mock.ExpectationsWereMet())
			assert.Empty(t, env.audit.recorded())
		})
	}
}

func TestSynchronizer_SyncTenant_UnknownTenant(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery("SELECT id FROM tenants WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	env.mock.ExpectRollback()

	res, err := env.sync.SyncTenant(context.Background(), operator(), 404, 3, ModeForce)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, msgTenantNotFound, res.Message)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncTenant_RollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectBegin()
	expectTenant(env.mock, 7)
	expectAdminRoles(env.mock, 7, 21)
	expectGrantKeys(env.mock, 21, 7, keyRows())
	env.mock.ExpectExec("INSERT INTO permission_grants").
		WillReturnError(errors.New("connection reset"))
	env.mock.ExpectRollback()

	_, err := env.sync.SyncTenant(context.Background(), operator(), 7, 3, ModeConservative)
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncTenant_Guards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sync.SyncTenant(ctx, tenantAdmin(7), 7, 3, ModeConservative)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = env.sync.SyncTenant(ctx, operator(), 0, 3, ModeConservative)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = env.sync.SyncTenant(ctx, operator(), 7, 3, Mode("LOOSE"))
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncAllTenants_PartialFailure(t *testing.T) {
	env := newTestEnv(t)

	expectVersionLoad(env.mock)
	env.mock.ExpectQuery("SELECT id FROM tenants WHERE plan_id = \\$1").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7).AddRow(8).AddRow(9))

	// tenant 7 gains submodule 12
	env.mock.ExpectBegin()
	expectTenant(env.mock, 7)
	expectAdminRoles(env.mock, 7, 21)
	expectGrantKeys(env.mock, 21, 7, keyRows().AddRow(5, nil))
	env.mock.ExpectExec("INSERT INTO permission_grants").WillReturnResult(sqlmock.NewResult(0, 1))
	expectMarkSynced(env.mock, 7)
	env.mock.ExpectCommit()

	// tenant 8 has no admin role
	env.mock.ExpectBegin()
	expectTenant(env.mock, 8)
	expectAdminRoles(env.mock, 8)
	env.mock.ExpectRollback()

	// tenant 9 fails and is rolled back
	env.mock.ExpectBegin()
	expectTenant(env.mock, 9)
	expectAdminRoles(env.mock, 9, 31)
	env.mock.ExpectQuery("SELECT module_id, submodule_id FROM permission_grants").
		WillReturnError(errors.New("deadlock detected"))
	env.mock.ExpectRollback()

	res, err := env.sync.SyncAllTenants(context.Background(), operator(), 2, 3, ModeConservative)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.TotalCount)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 1, res.Changes)
	assert.Equal(t, []TenantOutcome{{TenantID: 8, Message: msgNoAdminRole}}, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, int64(9), res.Errors[0].TenantID)
	assert.Contains(t, res.Errors[0].Error, "deadlock detected")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncAllTenants_VersionOfOtherPlan(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(3)).
		WillReturnRows(versionRows(3, 2, 3, StatusPublished))

	_, err := env.sync.SyncAllTenants(context.Background(), operator(), 6, 3, ModeConservative)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncAllTenants_UnpublishedVersion(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(3)).
		WillReturnRows(versionRows(3, 2, 3, StatusArchived))

	res, err := env.sync.SyncAllTenants(context.Background(), operator(), 2, 3, ModeForce)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Contains(t, err.Error(), "only a published version")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSynchronizer_SyncAllTenants_UnknownVersion(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(versionRowColumns))

	_, err := env.sync.SyncAllTenants(context.Background(), operator(), 2, 99, ModeConservative)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestMissingGrants(t *testing.T) {
	ent := Entitlements{
		Modules:    []int64{1, 5},
		Submodules: []SubmoduleEntitlement{{SubmoduleID: 10, ModuleID: 5}, {SubmoduleID: 12, ModuleID: 5}},
	}
	current := keysOf(map[int64]bool{5: true}, map[int64]bool{10: true})

	grants := missingGrants(21, 7, 2, ent, current)
	require.Len(t, grants, 2)
	assert.Equal(t, int64(1), grants[0].ModuleID)
	assert.Nil(t, grants[0].SubmoduleID)
	assert.Equal(t, int64(5), grants[1].ModuleID)
	assert.Equal(t, int64(12), *grants[1].SubmoduleID)
	for _, g := range grants {
		assert.Equal(t, int64(7), *g.TenantID)
		assert.Equal(t, int64(2), g.PlanID)
		assert.True(t, g.Actions.View && g.Actions.Create && g.Actions.Edit &&
			g.Actions.Delete && g.Actions.Deactivate && g.Actions.Generate)
	}
}

func keysOf(modules, submodules map[int64]bool) rbac.GrantKeys {
	return rbac.GrantKeys{Modules: modules, Submodules: submodules}
}
