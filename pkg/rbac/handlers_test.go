package rbac

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/middleware"
)

func newTestRouter(env *testEnv) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(env.svc).RegisterRoutes(router)
	return router
}

func serve(router *mux.Router, p *auth.Principal, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if p != nil {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), *p))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_CheckPermission(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	admin := tenantAdmin(7)

	env.mock.ExpectQuery("FROM permission_grants").
		WithArgs(int64(3), int64(5), int64(12), int64(7), int64(2)).
		WillReturnRows(sqlmock.NewRows(flagColumns).AddRow(true, false, false, false, false, true, nil))

	w := serve(router, &admin, http.MethodGet, "/permissions/check?role_id=3&module_id=5&submodule_id=12&plan_id=2&action=generar", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Permissions map[string]bool `json:"permissions"`
		Allowed     bool            `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Permissions["ver"])
	assert.False(t, resp.Permissions["crear"])
}

func TestHandlers_CheckPermission_MissingPlan(t *testing.T) {
	env := newTestEnv(t)
	admin := tenantAdmin(7)

	w := serve(newTestRouter(env), &admin, http.MethodGet, "/permissions/check?role_id=3&module_id=5", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "plan_id is required")
}

func TestHandlers_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	w := serve(newTestRouter(env), nil, http.MethodGet, "/roles", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_ReplaceForRole(t *testing.T) {
	env := newTestEnv(t)
	admin := tenantAdmin(7)

	expectRole(env.mock, 3, 7, false)
	env.mock.ExpectBegin()
	expectTenantLock(env.mock, 7)
	env.mock.ExpectExec("DELETE FROM permission_grants").
		WithArgs(int64(3), int64(2), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec("INSERT INTO permission_grants").
		WithArgs(int64(3), int64(5), nil, int64(7), int64(2), true, false, true, false, false, false, `{"exportar":true}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE tenants SET perm_version").
		WithArgs(pq.Array([]int64{7})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	body := []byte(`{"plan_id": 2, "grants": [{"module_id": 5, "ver": true, "editar": true, "actions_extra": {"exportar": true}}]}`)
	w := serve(newTestRouter(env), &admin, http.MethodPut, "/roles/3/permissions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ReplaceResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(3), res.RoleID)
	assert.Equal(t, 1, res.GrantCount)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestHandlers_ReplaceForRole_AdministratorForbidden(t *testing.T) {
	env := newTestEnv(t)
	admin := tenantAdmin(7)

	body := []byte(`{"plan_id": 2, "grants": [{"module_id": 5, "ver": true}]}`)
	w := serve(newTestRouter(env), &admin, http.MethodPut, "/roles/1/permissions", body)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestHandlers_ReplaceForRole_BadBody(t *testing.T) {
	env := newTestEnv(t)
	op := operator()

	w := serve(newTestRouter(env), &op, http.MethodPut, "/roles/3/permissions", []byte(`{"grants":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_GetMergedTree(t *testing.T) {
	env := newTestEnv(t)
	op := operator()

	env.mock.ExpectQuery("FROM permission_grants").
		WithArgs(int64(3), int64(2)).
		WillReturnRows(sqlmock.NewRows(grantRowColumns))

	w := serve(newTestRouter(env), &op, http.MethodGet, "/roles/3/permissions/tree?plan_id=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tree []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tree))
	require.Len(t, tree, 2)
	assert.Equal(t, "M_1", tree[0]["unique_id"])
	assert.Equal(t, "modulo", tree[0]["type"])
}

func TestHandlers_GetCatalog(t *testing.T) {
	env := newTestEnv(t)
	admin := tenantAdmin(7)

	w := serve(newTestRouter(env), &admin, http.MethodGet, "/catalog", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Facturas"`)
}
