package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/service"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0x00000000000000000000000000000000000000aa"

type mockSync struct {
	eventsFunc       func(ctx context.Context) ([]*service.SyncReport, error)
	listingsFunc     func(ctx context.Context) (*service.ReconcileResult, error)
	collectiblesFunc func(ctx context.Context) (*service.ReconcileResult, error)
}

func (m *mockSync) SyncEvents(ctx context.Context) ([]*service.SyncReport, error) {
	if m.eventsFunc != nil {
		return m.eventsFunc(ctx)
	}
	return []*service.SyncReport{{Contract: "0xmarket", EventsStored: 3}, {Contract: "0xtoken", EventsStored: 2}}, nil
}

func (m *mockSync) SyncListings(ctx context.Context) (*service.ReconcileResult, error) {
	if m.listingsFunc != nil {
		return m.listingsFunc(ctx)
	}
	return &service.ReconcileResult{Events: 4, Created: 1}, nil
}

func (m *mockSync) SyncCollectibles(ctx context.Context) (*service.ReconcileResult, error) {
	if m.collectiblesFunc != nil {
		return m.collectiblesFunc(ctx)
	}
	return &service.ReconcileResult{Events: 2, Updated: 2}, nil
}

type mockOwnership struct {
	gotPage, gotPerPage int
	err                 error
}

func (m *mockOwnership) GetOwnedTokens(ctx context.Context, address string, page, perPage int) (*service.OwnedTokensPage, error) {
	m.gotPage, m.gotPerPage = page, perPage
	if m.err != nil {
		return nil, m.err
	}
	if !types.IsAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	return &service.OwnedTokensPage{
		Address:    address,
		TokenIDs:   []string{"1", "2"},
		Pagination: types.NewPagination(page, perPage, 2),
	}, nil
}

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.LevelError, logging.FormatJSON)
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, deps Dependencies, cfg *ServerConfig) http.Handler {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{Host: "127.0.0.1", Port: "0", RateLimitRPS: 1000, RateLimitBurst: 1000}
	}
	deps.Logger = quietLogger()
	return NewServer(cfg, deps).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newTestServer(t, Dependencies{Checks: map[string]HealthCheck{
			"redis": func(ctx context.Context) error { return nil },
		}}, nil)

		rec, body := do(t, h, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		h := newTestServer(t, Dependencies{Checks: map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return errors.New("connection refused") },
		}}, nil)

		rec, body := do(t, h, http.MethodGet, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "degraded", body["status"])
		deps := body["dependencies"].(map[string]interface{})
		assert.Equal(t, "connection refused", deps["postgres"])
	})
}

func TestSyncTriggers(t *testing.T) {
	h := newTestServer(t, Dependencies{Sync: &mockSync{}}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/sync/events")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Contains(t, body["message"], "5 new events")

	rec, body = do(t, h, http.MethodPost, "/api/v1/sync/listings")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["result"].(map[string]interface{})["created"])

	rec, _ = do(t, h, http.MethodPost, "/api/v1/sync/collectibles")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/sync/listings")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncTrigger_InProgress(t *testing.T) {
	h := newTestServer(t, Dependencies{Sync: &mockSync{
		listingsFunc: func(ctx context.Context) (*service.ReconcileResult, error) {
			return &service.ReconcileResult{InProgress: true}, nil
		},
	}}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/sync/listings")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "in_progress", body["status"])
}

func TestSyncTrigger_SurvivesClientDisconnect(t *testing.T) {
	var sawCancel bool
	h := newTestServer(t, Dependencies{Sync: &mockSync{
		collectiblesFunc: func(ctx context.Context) (*service.ReconcileResult, error) {
			sawCancel = ctx.Err() != nil
			return &service.ReconcileResult{}, nil
		},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/collectibles", nil).WithContext(ctx)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, sawCancel)
}

func TestSyncTrigger_Errors(t *testing.T) {
	h := newTestServer(t, Dependencies{Sync: &mockSync{
		eventsFunc: func(ctx context.Context) ([]*service.SyncReport, error) {
			return nil, errors.New("pq: relation does not exist")
		},
		listingsFunc: func(ctx context.Context) (*service.ReconcileResult, error) {
			return nil, apperrors.NewTransientError("analytics", errors.New("503"))
		},
	}}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/sync/events")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, ErrCodeInternalError, errBody["code"])
	assert.NotContains(t, errBody["message"], "relation")

	rec, body = do(t, h, http.MethodPost, "/api/v1/sync/listings")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "TRANSIENT_EXTERNAL", body["error"].(map[string]interface{})["code"])
}

type fixedStatus struct{ status *worker.SyncRunnerStatus }

func (f fixedStatus) GetStatus() *worker.SyncRunnerStatus { return f.status }

func TestSyncStatus(t *testing.T) {
	h := newTestServer(t, Dependencies{Status: fixedStatus{&worker.SyncRunnerStatus{
		Running:      true,
		Cycles:       4,
		LastError:    "rpc down",
		PollInterval: "15s",
		Jobs:         map[string]worker.JobStats{"listings": {Runs: 4, Failures: 1}},
	}}}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/v1/sync/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(4), body["cycles"])
	assert.Equal(t, "rpc down", body["lastError"])
	jobs := body["jobs"].(map[string]interface{})
	assert.Equal(t, float64(1), jobs["listings"].(map[string]interface{})["failures"])
}

func TestUnconfiguredRoutes(t *testing.T) {
	h := newTestServer(t, Dependencies{}, nil)

	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/api/v1/sync/events"},
		{http.MethodGet, "/api/v1/owners/" + owner + "/tokens"},
		{http.MethodDelete, "/api/v1/cache"},
		{http.MethodGet, "/api/v1/sync/status"},
	} {
		rec, _ := do(t, h, tc.method, tc.target)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.target)
	}
}

func TestGetOwnedTokens(t *testing.T) {
	own := &mockOwnership{}
	h := newTestServer(t, Dependencies{Ownership: own}, nil)

	t.Run("defaults", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/owners/"+owner+"/tokens")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, own.gotPage)
		assert.Equal(t, service.DefaultPerPage, own.gotPerPage)
		assert.Equal(t, []interface{}{"1", "2"}, body["tokenIds"])
	})

	t.Run("explicit paging", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/owners/"+owner+"/tokens?page=2&perPage=1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, own.gotPage)
		assert.Equal(t, 1, own.gotPerPage)
		pagination := body["pagination"].(map[string]interface{})
		assert.Equal(t, true, pagination["hasPreviousPage"])
	})

	t.Run("non-numeric page", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/owners/"+owner+"/tokens?page=two")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_PARAMETER", body["error"].(map[string]interface{})["code"])
	})

	t.Run("invalid address", func(t *testing.T) {
		rec, body := do(t, h, http.MethodGet, "/api/v1/owners/not-an-address/tokens")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_ADDRESS", body["error"].(map[string]interface{})["code"])
	})
}

func TestClearCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := storage.NewTTLCache(storage.NewRedisCacheFromClient(client), time.Hour)

	ctx := context.Background()
	seed := func() {
		cache.Set(ctx, "owned:"+owner+":1:12", []string{"1"}, 0)
		cache.Set(ctx, "owned:"+owner+":2:12", []string{"2"}, 0)
		cache.Set(ctx, "identity:"+owner, "alice", 0)
	}
	seed()

	h := newTestServer(t, Dependencies{Cache: cache}, nil)

	rec, body := do(t, h, http.MethodDelete, "/api/v1/cache?pattern=owned:*")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owned:*", body["pattern"])

	var v interface{}
	hit, err := cache.Get(ctx, "owned:"+owner+":1:12", &v)
	require.NoError(t, err)
	assert.False(t, hit)
	hit, err = cache.Get(ctx, "identity:"+owner, &v)
	require.NoError(t, err)
	assert.True(t, hit)

	rec, _ = do(t, h, http.MethodDelete, "/api/v1/cache")
	assert.Equal(t, http.StatusOK, rec.Code)
	hit, err = cache.Get(ctx, "identity:"+owner, &v)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Dependencies{Sync: &mockSync{}}, &ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodPost, "/api/v1/sync/listings")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := do(t, h, http.MethodPost, "/api/v1/sync/listings")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrCodeRateLimited, body["error"].(map[string]interface{})["code"])

	rec, _ = do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := newTestServer(t, Dependencies{Sync: &mockSync{
		eventsFunc: func(ctx context.Context) ([]*service.SyncReport, error) { panic("boom") },
	}}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/sync/events")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, body["error"].(map[string]interface{})["code"])
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, Dependencies{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sync/events", nil)
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	h := newTestServer(t, Dependencies{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"))
}
