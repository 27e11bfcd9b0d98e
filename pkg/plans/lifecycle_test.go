package plans

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/cache"
	"github.com/platinummonkey/entitle/pkg/catalog"
	"github.com/platinummonkey/entitle/pkg/rbac"
	"github.com/platinummonkey/entitle/pkg/tenants"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, p auth.Principal, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) recorded() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

type staticCatalog struct {
	modules []catalog.Module
}

func (s staticCatalog) ListModules(ctx context.Context) ([]catalog.Module, error) {
	return s.modules, nil
}

var testModules = []catalog.Module{
	{ID: 1, Name: "Inicio", Route: "/inicio"},
	{ID: 5, Name: "Ventas", Route: "/ventas", Submodules: []catalog.Submodule{
		{ID: 10, ModuleID: 5, Name: "Facturas", Route: "/ventas/facturas"},
		{ID: 12, ModuleID: 5, Name: "Cotizaciones", Route: "/ventas/cotizaciones"},
	}},
}

type testEnv struct {
	lifecycle *Lifecycle
	sync      *Synchronizer
	mock      sqlmock.Sqlmock
	cache     *cache.Cache
	audit     *recordingEmitter
}

func newTestEnv(t *testing.T) *testEnv {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		mock:  mock,
		cache: cache.New(cache.Config{}, nil),
		audit: &recordingEmitter{},
	}
	deps := Deps{
		Catalog: staticCatalog{modules: testModules},
		Cache:   env.cache,
		Audit:   env.audit,
		Now:     func() time.Time { return testTime },
	}
	store := NewStore()
	env.lifecycle = NewLifecycle(db, store, deps)
	env.sync = NewSynchronizer(db, store, rbac.NewStore(), tenants.NewStore(), deps)
	return env
}

func operator() auth.Principal {
	return auth.Principal{Actor: auth.Actor{UserID: 1, Username: "desarrollador", RoleID: auth.OperatorRoleID}, Scope: auth.Operator{}}
}

func tenantAdmin(tenantID int64) auth.Principal {
	return auth.Principal{Actor: auth.Actor{UserID: 5, Username: "maria", RoleID: 1, TenantID: tenantID}, Scope: auth.TenantAdmin{TenantID: tenantID}}
}

func expectLockPlan(mock sqlmock.Sqlmock, planID int64) {
	mock.ExpectQuery("SELECT id FROM plans WHERE id = \\$1 FOR UPDATE").
		WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(planID))
}

func expectHasDraft(mock sqlmock.Sqlmock, planID int64, exists bool) {
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM plan_template_versions WHERE plan_id = \\$1 AND status = 'DRAFT'\\)").
		WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectNextVersion(mock sqlmock.Sqlmock, planID int64, next int) {
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\) \\+ 1").
		WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(next))
}

func TestLifecycle_CreateDraft(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	expectLockPlan(env.mock, 4)
	expectHasDraft(env.mock, 4, false)
	expectNextVersion(env.mock, 4, 1)
	env.mock.ExpectQuery("INSERT INTO plan_template_versions").
		WithArgs(int64(4), 1, "DRAFT", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(20, testTime))
	env.mock.ExpectCommit()

	v, err := env.lifecycle.CreateDraft(context.Background(), operator(), 4, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v.ID)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, StatusDraft, v.Status)
	assert.Equal(t, int64(1), *v.CreatedBy)
	assert.NoError(t, env.mock.ExpectationsWereMet())

	events := env.audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EntityPlanTemplate, events[0].EntityType)
	assert.Equal(t, audit.ActionCreateDraft, events[0].Action)
	assert.Equal(t, "20", events[0].EntityID)
	assert.Equal(t, int64(4), events[0].Details["plan_id"])
	assert.Equal(t, 1, events[0].Details["version"])
}

func TestLifecycle_CreateDraft_SecondDraftConflicts(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	expectLockPlan(env.mock, 4)
	expectHasDraft(env.mock, 4, false)
	expectNextVersion(env.mock, 4, 1)
	env.mock.ExpectQuery("INSERT INTO plan_template_versions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(20, testTime))
	env.mock.ExpectCommit()

	env.mock.ExpectBegin()
	expectLockPlan(env.mock, 4)
	expectHasDraft(env.mock, 4, true)
	env.mock.ExpectRollback()

	_, err := env.lifecycle.CreateDraft(context.Background(), operator(), 4, nil)
	require.NoError(t, err)

	_, err = env.lifecycle.CreateDraft(context.Background(), operator(), 4, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
	assert.Contains(t, apperr.PublicMessage(err), "already has a draft")

	// no second insert was attempted
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Len(t, env.audit.recorded(), 1)
}

func TestLifecycle_CreateDraft_UniqueViolation(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	expectLockPlan(env.mock, 4)
	expectHasDraft(env.mock, 4, false)
	expectNextVersion(env.mock, 4, 2)
	env.mock.ExpectQuery("INSERT INTO plan_template_versions").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	env.mock.ExpectRollback()

	_, err := env.lifecycle.CreateDraft(context.Background(), operator(), 4, nil)
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLifecycle_CreateDraft_CopyFrom(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	expectLockPlan(env.mock, 2)
	expectHasDraft(env.mock, 2, false)
	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(3)).
		WillReturnRows(versionRows(3, 2, 3, StatusPublished))
	expectNextVersion(env.mock, 2, 4)
	env.mock.ExpectQuery("INSERT INTO plan_template_versions").
		WithArgs(int64(2), 4, "DRAFT", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(21, testTime))
	env.mock.ExpectExec("INSERT INTO plan_entitlement_modules").
		WithArgs(int64(3), int64(21)).WillReturnResult(sqlmock.NewResult(0, 2))
	env.mock.ExpectExec("INSERT INTO plan_entitlement_submodules").
		WithArgs(int64(3), int64(21)).WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	v, err := env.lifecycle.CreateDraft(context.Background(), operator(), 2, int64p(3))
	require.NoError(t, err)
	assert.Equal(t, 4, v.Version)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, int64(3), env.audit.recorded()[0].Details["copy_from"])
}

func TestLifecycle_CreateDraft_CopyFromOtherPlan(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	expectLockPlan(env.mock, 2)
	expectHasDraft(env.mock, 2, false)
	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1$").
		WithArgs(int64(9)).
		WillReturnRows(versionRows(9, 6, 1, StatusPublished))
	env.mock.ExpectRollback()

	_, err := env.lifecycle.CreateDraft(context.Background(), operator(), 2, int64p(9))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLifecycle_OperatorOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := tenantAdmin(7)

	_, err := env.lifecycle.CreateDraft(ctx, p, 4, nil)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = env.lifecycle.PublishVersion(ctx, p, 5)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	err = env.lifecycle.SetEntitlements(ctx, p, 5, Entitlements{Modules: []int64{1}})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = env.lifecycle.ListVersions(ctx, p, 4)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLifecycle_CreateDraft_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.lifecycle.CreateDraft(context.Background(), operator(), 0, nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLifecycle_PublishVersion(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("perm:3:5:-:7:2", rbac.AllowAll())

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FROM plan_template_versions WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(versionRows(5, 2, 3, StatusDraft))
	env.mock.ExpectExec("UPDATE plan_template_versions SET status = 'ARCHIVED' WHERE plan_id = \\$1 AND status = 'PUBLISHED'").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE plan_template_versions SET status = 'PUBLISHED'").
		WithArgs(int64(5), testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	v, err := env.lifecycle.PublishVersion(context.Background(), operator(), 5)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, v.Status)
	require.NotNil(t, v.PublishedAt)
	assert.Equal(t, testTime, *v.PublishedAt)
	assert.NoError(t, env.mock.ExpectationsWereMet())
	assert.Equal(t, 0, env.cache.Len())

	events := env.audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionPublish, events[0].Action)
	assert.Equal(t, int64(2), events[0].Details["plan_id"])
	assert.Equal(t, 3, events[0].Details["version"])
}

func TestLifecycle_PublishVersion_NotDraft(t *testing.T) {
	for _, status := range []Status{StatusPublished, StatusArchived} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			env.mock.ExpectBegin()
			env.mock.ExpectQuery("FOR UPDATE").
				WithArgs(int64(5)).
				WillReturnRows(versionRows(5, 2, 3, status))
			env.mock.ExpectRollback()

			_, err := env.lifecycle.PublishVersion(context.Background(), operator(), 5)
			assert.True(t, errors.Is(err, apperr.ErrStateConflict))
			assert.NoError(t, env.mock.ExpectationsWereMet())
			assert.Empty(t, env.audit.recorded())
		})
	}
}

func TestLifecycle_PublishVersion_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(versionRowColumns))
	env.mock.ExpectRollback()

	_, err := env.lifecycle.PublishVersion(context.Background(), operator(), 99)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLifecycle_SetEntitlements(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(versionRows(5, 2, 3, StatusDraft))
	env.mock.ExpectExec("DELETE FROM plan_entitlement_modules").WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec("DELETE FROM plan_entitlement_submodules").WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec("INSERT INTO plan_entitlement_modules").
		WithArgs(int64(5), int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("INSERT INTO plan_entitlement_submodules").
		WithArgs(int64(5), int64(12), int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	// duplicates collapse and a missing module id is taken from the catalog
	err := env.lifecycle.SetEntitlements(context.Background(), operator(), 5, Entitlements{
		Modules:    []int64{5, 5},
		Submodules: []SubmoduleEntitlement{{SubmoduleID: 12}},
	})
	require.NoError(t, err)
	assert.NoError(t, env.mock.ExpectationsWereMet())

	events := env.audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionSetEntitlements, events[0].Action)
	assert.Equal(t, 1, events[0].Details["submodule_count"])
}

func TestLifecycle_SetEntitlements_Invalid(t *testing.T) {
	tests := []struct {
		name string
		ent  Entitlements
	}{
		{"unknown module", Entitlements{Modules: []int64{99}}},
		{"unknown submodule", Entitlements{Submodules: []SubmoduleEntitlement{{SubmoduleID: 77}}}},
		{"wrong parent", Entitlements{Submodules: []SubmoduleEntitlement{{SubmoduleID: 12, ModuleID: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			err := env.lifecycle.SetEntitlements(context.Background(), operator(), 5, tt.ent)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
			assert.NoError(t, env.mock.ExpectationsWereMet())
		})
	}
}

func TestLifecycle_SetEntitlements_PublishedIsFrozen(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(4)).
		WillReturnRows(versionRows(4, 2, 2, StatusPublished))
	env.mock.ExpectRollback()

	err := env.lifecycle.SetEntitlements(context.Background(), operator(), 4, Entitlements{Modules: []int64{1}})
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
