package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/contextkeys"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// Headers set by the authentication proxy in front of the service
const (
	HeaderUserID    = "X-User-ID"
	HeaderUsername  = "X-Username"
	HeaderRoleID    = "X-Role-ID"
	HeaderTenantID  = "X-Tenant-ID"
	HeaderDeveloper = "X-Developer"
)

// ScopeResolver computes a principal for an authenticated actor
type ScopeResolver interface {
	Resolve(ctx context.Context, actor auth.Actor) (auth.Principal, error)
}

// ActorFromRequest reads the actor headers. ok is false when the request
// carries no user identity.
func ActorFromRequest(r *http.Request) (auth.Actor, bool, error) {
	username := strings.TrimSpace(r.Header.Get(HeaderUsername))
	userID := r.Header.Get(HeaderUserID)
	if username == "" && userID == "" {
		return auth.Actor{}, false, nil
	}

	actor := auth.Actor{Username: username}
	var err error
	if actor.UserID, err = headerInt64(r, HeaderUserID); err != nil {
		return auth.Actor{}, true, err
	}
	if actor.RoleID, err = headerInt64(r, HeaderRoleID); err != nil {
		return auth.Actor{}, true, err
	}
	if actor.TenantID, err = headerInt64(r, HeaderTenantID); err != nil {
		return auth.Actor{}, true, err
	}
	if v := r.Header.Get(HeaderDeveloper); v != "" {
		actor.DeveloperClaim, _ = strconv.ParseBool(v)
	}
	return actor, true, nil
}

func headerInt64(r *http.Request, name string) (int64, error) {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperr.Validation("actor", "invalid %s header", name)
	}
	return n, nil
}

// Principal resolves the caller's scope once per request and stores the
// result in the context. Requests without an identity are rejected with 401.
func Principal(resolver ScopeResolver, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok, err := ActorFromRequest(r)
			if err != nil {
				httputil.WriteServiceError(w, err)
				return
			}
			if !ok {
				httputil.WriteUnauthorized(w)
				return
			}

			p, err := resolver.Resolve(r.Context(), actor)
			if err != nil {
				observability.FromContext(r.Context(), logger).
					WithError(err).
					WithField("username", actor.Username).
					Warn("failed to resolve scope")
				httputil.WriteServiceError(w, err)
				return
			}

			ctx := contextkeys.With(r.Context(), contextkeys.ActorKey, actor)
			ctx = contextkeys.With(ctx, contextkeys.PrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the principal stored by Principal
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(auth.Principal)
	return p, ok
}

// WithPrincipal stores p in ctx. Used by tests and in-process callers.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return contextkeys.With(ctx, contextkeys.PrincipalKey, p)
}

// RequestInfo records the client address and user agent for audit events
func RequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := audit.RequestInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
		next.ServeHTTP(w, r.WithContext(audit.WithRequestInfo(r.Context(), info)))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
