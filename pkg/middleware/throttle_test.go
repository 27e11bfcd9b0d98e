package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/auth"
)

func newTestThrottle(t *testing.T, requests int) (*WriteThrottle, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWriteThrottle(client, ThrottleConfig{Requests: requests, Window: time.Minute}, nil), mr
}

func TestWriteThrottle_Allow(t *testing.T) {
	th, mr := newTestThrottle(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := th.Allow(ctx, "tenant:7:5")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := th.Allow(ctx, "tenant:7:5")
	require.NoError(t, err)
	assert.False(t, ok)

	// other principals have their own window
	ok, err = th.Allow(ctx, "tenant:8:5")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = th.Allow(ctx, "tenant:7:5")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteThrottle_FailsOpen(t *testing.T) {
	th, mr := newTestThrottle(t, 1)
	mr.Close()

	ok, err := th.Allow(context.Background(), "operator:1")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestWriteThrottle_NilIsDisabled(t *testing.T) {
	var th *WriteThrottle
	ok, err := th.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteThrottle_Handler(t *testing.T) {
	th, _ := newTestThrottle(t, 1)
	h := th.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	p := auth.Principal{Actor: auth.Actor{UserID: 5, TenantID: 7}, Scope: auth.TenantAdmin{TenantID: 7}}
	send := func(method string) int {
		req := httptest.NewRequest(method, "/roles/3/permissions", nil)
		req = req.WithContext(WithPrincipal(req.Context(), p))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send(http.MethodPut))
	assert.Equal(t, http.StatusTooManyRequests, send(http.MethodPut))
	assert.Equal(t, http.StatusNoContent, send(http.MethodGet))
}
