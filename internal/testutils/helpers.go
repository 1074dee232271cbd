package testutils

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koopa0/visit-tracker/internal"
)

// DefaultTestConfig 返回整合測試用的配置
func DefaultTestConfig() *internal.Config {
	cfg := &internal.Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Second

	cfg.Visit.TTL = 24 * time.Hour
	cfg.Visit.CacheTimeout = 3 * time.Second
	cfg.Visit.ScanBatchSize = 100
	cfg.Visit.DeleteBatchSize = 1000

	cfg.RateLimit.Limit = 15
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.FailOpen = true

	cfg.Archive.Timezone = "UTC"
	cfg.Archive.TaskRetention = time.Hour

	cfg.Auth.JWTSecret = "test-secret"

	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"

	return cfg
}

// DoRequest 對 handler 發送測試請求並返回 recorder
func DoRequest(t testing.TB, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:12345"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

// DecodeJSON 解析回應主體為 map
func DecodeJSON(t testing.TB, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

// WaitForCondition 輪詢直到條件成立或超時
func WaitForCondition(t testing.TB, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}
