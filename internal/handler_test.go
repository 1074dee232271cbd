package internal_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/koopa0/visit-tracker/internal"
	"github.com/koopa0/visit-tracker/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer 用真實的 Redis 與 PostgreSQL 組出完整的 HTTP 服務
func newTestServer(t *testing.T, cfg *internal.Config) (http.Handler, *testutils.TestEnvironment) {
	t.Helper()

	env := testutils.SetupTestEnvironment(t)

	resolver := internal.NewJWTResolver(cfg.Auth.JWTSecret)
	tracker := internal.NewVisitTracker(env.RedisClient, resolver, cfg, env.Logger)
	limiter := internal.NewRateLimiter(env.RedisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, env.Logger)
	store := internal.NewHistoryStore(env.PostgresPool, env.Logger)
	archiver := internal.NewArchiver(tracker, store, cfg, env.Logger)
	handler := internal.NewHandler(tracker, limiter, archiver, store, env.RedisClient, cfg, env.Logger)

	return handler.Routes(), env
}

// signTestToken 簽發測試用的 HS256 JWT
func signTestToken(t *testing.T, secret string, userID int64) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTrackVisitEndpoint(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	rec := testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/100/visit", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	payload := testutils.DecodeJSON(t, rec)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, true, payload["tracked"])

	// 追蹤後可以查到計數
	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/metrics/100", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload = testutils.DecodeJSON(t, rec)
	metrics := payload["metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["total_visits"])
	assert.Equal(t, float64(1), metrics["unique_visits"])
}

func TestTrackVisitEndpoint_InvalidProductID(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	for _, path := range []string{
		"/api/v1/products/abc/visit",
		"/api/v1/products/-1/visit",
		"/api/v1/products/0/visit",
	} {
		rec := testutils.DoRequest(t, routes, http.MethodPost, path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "path %s", path)
	}
}

func TestTrackVisitEndpoint_WithJWT(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	token := signTestToken(t, cfg.Auth.JWTSecret, 42)
	rec := testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/200/visit", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/metrics/200", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	metrics := testutils.DecodeJSON(t, rec)["metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["user_visits"])
}

func TestTrackVisitEndpoint_RateLimited(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	cfg.RateLimit.Limit = 3
	routes, _ := newTestServer(t, cfg)

	for i := range 3 {
		rec := testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/300/visit", nil, nil)
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d", i+1)
	}

	rec := testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/300/visit", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	payload := testutils.DecodeJSON(t, rec)
	assert.Equal(t, false, payload["success"])

	// 被限流的請求沒有進到計數
	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/metrics/300", nil, nil)
	metrics := testutils.DecodeJSON(t, rec)["metrics"].(map[string]any)
	assert.Equal(t, float64(3), metrics["total_visits"])
}

func TestMetricsEndpoint_NotFound(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/metrics/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAllMetricsEndpoint(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	for _, id := range []int{1, 2} {
		rec := testutils.DoRequest(t, routes, http.MethodPost, fmt.Sprintf("/api/v1/products/%d/visit", id), nil, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := testutils.DecodeJSON(t, rec)
	assert.Equal(t, float64(2), payload["count"])
	metrics := payload["metrics"].(map[string]any)
	assert.Contains(t, metrics, "1")
	assert.Contains(t, metrics, "2")
}

func TestTopEndpoint(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	// 產品 2 訪問兩次、產品 1 一次
	require.Equal(t, http.StatusAccepted, testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/1/visit", nil, nil).Code)
	require.Equal(t, http.StatusAccepted, testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/2/visit", nil, nil).Code)
	require.Equal(t, http.StatusAccepted, testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/2/visit", nil, nil).Code)

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/top?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	products := testutils.DecodeJSON(t, rec)["products"].([]any)
	require.Len(t, products, 1)
	first := products[0].(map[string]any)
	assert.Equal(t, float64(2), first["product_id"])
	assert.Equal(t, float64(2), first["total_visits"])

	// limit 超出範圍
	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/top?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveEndpoints(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	require.Equal(t, http.StatusAccepted, testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/products/7/visit", nil, nil).Code)

	rec := testutils.DoRequest(t, routes, http.MethodPost, "/api/v1/stats/visits/archive", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	payload := testutils.DecodeJSON(t, rec)
	taskID, ok := payload["task_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, taskID)

	statusPath := "/api/v1/stats/visits/archive/status/" + taskID
	testutils.WaitForCondition(t, 10*time.Second, func() bool {
		rec := testutils.DoRequest(t, routes, http.MethodGet, statusPath, nil, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		task := testutils.DecodeJSON(t, rec)["task"].(map[string]any)
		return task["status"] == internal.ArchiveStatusCompleted
	})

	// 歸檔後歷史可查
	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/history/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := testutils.DecodeJSON(t, rec)["history"].([]any)
	require.Len(t, history, 1)

	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/history/details/7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), testutils.DecodeJSON(t, rec)["count"])
}

func TestArchiveStatusEndpoint_UnknownTask(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/archive/status/no-such-task", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistorySummaryEndpoint_InvalidParams(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/history/summary?start_date=not-a-date", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = testutils.DoRequest(t, routes, http.MethodGet, "/api/v1/stats/visits/history/summary?product_ids=1,abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", testutils.DecodeJSON(t, rec)["status"])

	rec = testutils.DoRequest(t, routes, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", testutils.DecodeJSON(t, rec)["status"])
}

func TestRequestIDHeader(t *testing.T) {
	cfg := testutils.DefaultTestConfig()
	routes, _ := newTestServer(t, cfg)

	rec := testutils.DoRequest(t, routes, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// 已帶 X-Request-ID 的請求保留原值
	rec = testutils.DoRequest(t, routes, http.MethodGet, "/health", nil, map[string]string{
		"X-Request-ID": "my-request-id",
	})
	assert.Equal(t, "my-request-id", rec.Header().Get("X-Request-ID"))
}
