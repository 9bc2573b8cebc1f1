package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/solomilloinc/transport-api-sub000/internal/http/middleware"
)

func newLimitedServer(t *testing.T, budgets middleware.Budgets) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := middleware.NewRateLimiter(client, budgets)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func doAs(t *testing.T, server *httptest.Server, method, path, clientID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", clientID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestAcquireBudgetExhausts(t *testing.T) {
	server := newLimitedServer(t, middleware.Budgets{
		Read:    middleware.RateConfig{Rate: 100, Burst: 100},
		Write:   middleware.RateConfig{Rate: 100, Burst: 100},
		Acquire: middleware.RateConfig{Rate: 1, Burst: 2},
	})

	for i := 0; i < 2; i++ {
		resp := doAs(t, server, http.MethodPost, "/v1/locks", "client-a")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := doAs(t, server, http.MethodPost, "/v1/locks", "client-a")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// The acquire bucket is per client.
	resp = doAs(t, server, http.MethodPost, "/v1/locks", "client-b")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScopesHaveIndependentBudgets(t *testing.T) {
	server := newLimitedServer(t, middleware.Budgets{
		Read:    middleware.RateConfig{Rate: 1, Burst: 1},
		Write:   middleware.RateConfig{Rate: 100, Burst: 100},
		Acquire: middleware.RateConfig{Rate: 1, Burst: 1},
	})

	resp := doAs(t, server, http.MethodGet, "/v1/locks/tok", "client-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doAs(t, server, http.MethodGet, "/v1/locks/tok", "client-a")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Draining the read budget leaves writes unaffected.
	resp = doAs(t, server, http.MethodPost, "/v1/locks/tok/cancel", "client-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestZeroBudgetDisablesScope(t *testing.T) {
	server := newLimitedServer(t, middleware.Budgets{
		Write: middleware.RateConfig{Rate: 100, Burst: 100},
	})

	// An unset read budget means reads pass through unmetered.
	for i := 0; i < 5; i++ {
		resp := doAs(t, server, http.MethodGet, "/healthz", "client-a")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
