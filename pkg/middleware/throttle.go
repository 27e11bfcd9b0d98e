package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// ThrottleConfig bounds how many mutating requests one principal may send
// per window. Fan-out writes and tenant syncs are expensive.
type ThrottleConfig struct {
	Requests int
	Window   time.Duration
	Prefix   string
}

// WriteThrottle is a fixed-window limiter shared across instances through
// Redis. It fails open when Redis is unavailable.
type WriteThrottle struct {
	redis  *redis.Client
	cfg    ThrottleConfig
	logger *observability.Logger
}

// NewWriteThrottle creates a write throttle. A nil client disables it.
func NewWriteThrottle(client *redis.Client, cfg ThrottleConfig, logger *observability.Logger) *WriteThrottle {
	if cfg.Requests <= 0 {
		cfg.Requests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "entitle:throttle"
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &WriteThrottle{redis: client, cfg: cfg, logger: logger}
}

func throttleKey(p auth.Principal) string {
	if p.IsOperator() {
		return fmt.Sprintf("operator:%d", p.Actor.UserID)
	}
	tenantID, _ := auth.TenantOf(p.Scope)
	return fmt.Sprintf("tenant:%d:%d", tenantID, p.Actor.UserID)
}

// Allow counts one request for key and reports whether it is within the limit
func (t *WriteThrottle) Allow(ctx context.Context, key string) (bool, error) {
	if t == nil || t.redis == nil {
		return true, nil
	}
	redisKey := t.cfg.Prefix + ":" + key

	count, err := t.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	// first hit opens the window
	if count == 1 {
		if err := t.redis.Expire(ctx, redisKey, t.cfg.Window).Err(); err != nil {
			return true, fmt.Errorf("redis error: %w", err)
		}
	}
	return count <= int64(t.cfg.Requests), nil
}

// Handler throttles non-GET requests of the resolved principal. It must run
// after Principal.
func (t *WriteThrottle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := t.Allow(r.Context(), throttleKey(p))
		if err != nil {
			observability.FromContext(r.Context(), t.logger).WithError(err).Warn("write throttle unavailable, allowing request")
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(t.cfg.Window.Seconds())))
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "too many write requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
