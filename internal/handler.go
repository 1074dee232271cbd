package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/visit-tracker/pkg/errors"
	"github.com/koopa0/visit-tracker/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// responseWriter 包裝 http.ResponseWriter 以記錄狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler HTTP 請求處理器
type Handler struct {
	tracker  *VisitTracker
	limiter  *RateLimiter
	archiver *Archiver
	history  *HistoryStore
	redis    *redis.Client
	config   *Config
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(
	tracker *VisitTracker,
	limiter *RateLimiter,
	archiver *Archiver,
	history *HistoryStore,
	redisClient *redis.Client,
	config *Config,
	log *slog.Logger,
) *Handler {
	return &Handler{
		tracker:  tracker,
		limiter:  limiter,
		archiver: archiver,
		history:  history,
		redis:    redisClient,
		config:   config,
		logger:   log,
	}
}

// Routes 註冊所有路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/products/{id}/visit", h.rateLimited(h.trackVisit))

	mux.HandleFunc("GET /api/v1/stats/visits/metrics", h.allMetrics)
	mux.HandleFunc("GET /api/v1/stats/visits/metrics/{id}", h.productMetrics)
	mux.HandleFunc("GET /api/v1/stats/visits/top", h.topProducts)

	mux.HandleFunc("POST /api/v1/stats/visits/archive", h.triggerArchive)
	mux.HandleFunc("GET /api/v1/stats/visits/archive/status/{task_id}", h.archiveStatus)

	mux.HandleFunc("GET /api/v1/stats/visits/history/summary", h.historySummary)
	mux.HandleFunc("GET /api/v1/stats/visits/history/details/{id}", h.historyDetails)

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", h.ready)

	// 中間件由外向內：panic 恢復 → 請求 ID → 請求日誌
	return h.recoverer(h.requestID(h.loggerMiddleware(mux)))
}

// trackVisit 記錄一次產品訪問，永遠返回 202
func (h *Handler) trackVisit(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || productID <= 0 {
		h.respondError(w, "invalid product id", http.StatusBadRequest)
		return
	}

	info := VisitInfo{
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
		SessionID: r.Header.Get("X-Session-ID"),
	}

	tracked := h.tracker.TrackVisit(r.Context(), productID, clientIP(r), bearerToken(r), info)

	// 追蹤失敗不是客戶端的問題，回應一律成功
	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"tracked": tracked,
	})
}

// productMetrics 查詢單一產品的訪問計數
func (h *Handler) productMetrics(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || productID <= 0 {
		h.respondError(w, "invalid product id", http.StatusBadRequest)
		return
	}

	metrics, err := h.tracker.GetVisitMetrics(r.Context(), productID)
	if err != nil {
		h.respondDomainError(w, r, err, "failed to get visit metrics")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"product_id": productID,
		"metrics":    metrics,
	})
}

// allMetrics 查詢所有產品的訪問計數
func (h *Handler) allMetrics(w http.ResponseWriter, r *http.Request) {
	all, err := h.tracker.GetAllProductMetrics(r.Context())
	if err != nil {
		h.respondDomainError(w, r, err, "failed to get all product metrics")
		return
	}

	// JSON 物件的鍵必須是字串
	metrics := make(map[string]VisitMetrics, len(all))
	for id, m := range all {
		metrics[strconv.FormatInt(id, 10)] = m
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(metrics),
		"metrics": metrics,
	})
}

// topProducts 查詢訪問量排行榜
func (h *Handler) topProducts(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			h.respondError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ranking, err := h.tracker.GetTopVisitedProducts(r.Context(), limit)
	if err != nil {
		h.respondDomainError(w, r, err, "failed to get top visited products")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"products": ranking,
	})
}

// triggerArchive 觸發一次非同步歸檔
func (h *Handler) triggerArchive(w http.ResponseWriter, r *http.Request) {
	taskID := h.archiver.Trigger()

	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"message":    "archive task started",
		"task_id":    taskID,
		"status_url": "/api/v1/stats/visits/archive/status/" + taskID,
	})
}

// archiveStatus 查詢歸檔任務狀態
func (h *Handler) archiveStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	task, err := h.archiver.TaskStatus(taskID)
	if err != nil {
		h.respondDomainError(w, r, err, "failed to get archive task status")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}

// historySummary 查詢已歸檔的每日彙總
func (h *Handler) historySummary(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter HistoryFilter
	if raw := query.Get("start_date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.respondError(w, "start_date must be in YYYY-MM-DD format", http.StatusBadRequest)
			return
		}
		filter.StartDate = parsed
	}
	if raw := query.Get("end_date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.respondError(w, "end_date must be in YYYY-MM-DD format", http.StatusBadRequest)
			return
		}
		filter.EndDate = parsed
	}
	if raw := query.Get("product_ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				h.respondError(w, "product_ids must be a comma-separated list of positive integers", http.StatusBadRequest)
				return
			}
			filter.ProductIDs = append(filter.ProductIDs, id)
		}
	}

	summaries, err := h.history.VisitHistory(r.Context(), filter)
	if err != nil {
		h.respondDomainError(w, r, err, "failed to query visit history")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(summaries),
		"history": summaries,
	})
}

// historyDetails 查詢單一產品已歸檔的訪問明細
func (h *Handler) historyDetails(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || productID <= 0 {
		h.respondError(w, "invalid product id", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()

	filter := DetailFilter{Limit: 100}
	if raw := query.Get("start_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, "start_date must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		filter.Start = parsed
	}
	if raw := query.Get("end_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, "end_date must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		filter.End = parsed
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			h.respondError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		filter.Limit = parsed
	}

	details, err := h.history.VisitDetails(r.Context(), productID, filter)
	if err != nil {
		h.respondDomainError(w, r, err, "failed to query visit details")
		return
	}

	type detailResponse struct {
		ClientIP  string `json:"client_ip"`
		Timestamp string `json:"visit_timestamp"`
		UserAgent string `json:"user_agent,omitempty"`
		Referrer  string `json:"referrer,omitempty"`
		SessionID string `json:"session_id,omitempty"`
		UserID    int64  `json:"user_id,omitempty"`
	}
	items := make([]detailResponse, 0, len(details))
	for _, d := range details {
		items = append(items, detailResponse{
			ClientIP:  d.ClientIP,
			Timestamp: d.Timestamp.UTC().Format(time.RFC3339),
			UserAgent: d.UserAgent,
			Referrer:  d.Referrer,
			SessionID: d.SessionID,
			UserID:    d.UserID,
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"product_id": productID,
		"count":      len(items),
		"details":    items,
	})
}

// health 存活探針
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ready 就緒探針，檢查 Redis 和 PostgreSQL 連線
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{
		"redis":    "ok",
		"postgres": "ok",
	}
	status := http.StatusOK

	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.history.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}

	h.respondJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

// rateLimited 按客戶端 IP 限流的中間件
func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.config.Visit.CacheTimeout)
		defer cancel()

		allowed, err := h.limiter.Allow(ctx, RateLimitKey(clientIP(r)))
		if err != nil {
			h.logger.Error("rate limit check failed",
				"client_ip", clientIP(r),
				"error", err,
			)
			if h.config.RateLimit.FailOpen {
				// 可用性優先：限流器故障時放行
				next(w, r)
				return
			}
			h.respondError(w, "rate limiter unavailable", http.StatusServiceUnavailable)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.Window().Seconds())))
			h.respondError(w, "too many requests, please try again later", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// requestID 為每個請求生成 ID，寫入上下文與回應標頭
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		ctx = logger.WithClientIP(ctx, clientIP(r))
		w.Header().Set("X-Request-ID", id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerMiddleware 記錄每個請求的方法、路徑、狀態碼與耗時
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

// recoverer 捕獲 panic，返回 500 而非讓整個服務崩潰
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"panic", rec,
					"path", r.URL.Path,
				)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// respondDomainError 將領域錯誤映射為 HTTP 狀態碼
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error, logMsg string) {
	switch {
	case apperrors.IsNotFound(err):
		h.respondError(w, err.Error(), http.StatusNotFound)
	case apperrors.IsUnavailable(err):
		h.logger.ErrorContext(r.Context(), logMsg, "error", err)
		h.respondError(w, "service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.ErrorContext(r.Context(), logMsg, "error", err)
		h.respondError(w, "internal server error", http.StatusInternalServerError)
	}
}

// respondJSON 發送 JSON 回應
func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError 發送錯誤回應
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	h.respondJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

// clientIP 取出客戶端 IP，優先採用反向代理設置的 X-Forwarded-For
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// 取最左邊的原始客戶端位址
		if idx := strings.Index(forwarded, ","); idx != -1 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken 從 Authorization 標頭取出 bearer token，沒有則返回空字串
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
