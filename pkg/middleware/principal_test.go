package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/observability"
)

type stubResolver struct {
	got auth.Actor
	p   auth.Principal
	err error
}

func (s *stubResolver) Resolve(ctx context.Context, actor auth.Actor) (auth.Principal, error) {
	s.got = actor
	if s.err != nil {
		return auth.Principal{}, s.err
	}
	p := s.p
	p.Actor = actor
	return p, nil
}

func TestActorFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "5")
	req.Header.Set(HeaderUsername, "maria")
	req.Header.Set(HeaderRoleID, "3")
	req.Header.Set(HeaderTenantID, "7")
	req.Header.Set(HeaderDeveloper, "true")

	actor, ok, err := ActorFromRequest(req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, auth.Actor{UserID: 5, Username: "maria", RoleID: 3, TenantID: 7, DeveloperClaim: true}, actor)
}

func TestActorFromRequest_Anonymous(t *testing.T) {
	_, ok, err := ActorFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActorFromRequest_BadHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUsername, "maria")
	req.Header.Set(HeaderTenantID, "seven")

	_, _, err := ActorFromRequest(req)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestPrincipal(t *testing.T) {
	resolver := &stubResolver{p: auth.Principal{Scope: auth.TenantAdmin{TenantID: 7}}}
	var got auth.Principal
	var found bool
	h := Principal(resolver, observability.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUsername, "maria")
	req.Header.Set(HeaderTenantID, "7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, found)
	assert.Equal(t, auth.TenantAdmin{TenantID: 7}, got.Scope)
	assert.Equal(t, "maria", resolver.got.Username)
}

func TestPrincipal_Unauthenticated(t *testing.T) {
	called := false
	h := Principal(&stubResolver{}, observability.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestPrincipal_ResolverError(t *testing.T) {
	resolver := &stubResolver{err: apperr.Validation("resolveScope", "tenant is required for non-operator users")}
	h := Principal(resolver, observability.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUsername, "maria")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestInfo(t *testing.T) {
	var info audit.RequestInfo
	h := RequestInfo(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info = audit.RequestInfoFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:51234"
	req.Header.Set("User-Agent", "admin-ui/2.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "10.0.0.9", info.IP)
	assert.Equal(t, "admin-ui/2.1", info.UserAgent)

	req.Header.Set("X-Forwarded-For", "203.0.113.4, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.4", info.IP)
}
