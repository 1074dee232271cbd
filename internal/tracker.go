package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/koopa0/visit-tracker/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis 鍵命名規則。所有訪問資料共用 product: 前綴，
// 歸檔時用 SCAN 掃描前綴即可找出所有有資料的產品。
const (
	visitKeyPrefix = "product:"

	detailFieldClientIP  = "client_ip"
	detailFieldTimestamp = "timestamp"
	detailFieldUserAgent = "user_agent"
	detailFieldReferrer  = "referrer"
	detailFieldSessionID = "session_id"
	detailFieldUserID    = "user_id"
)

// VisitMetrics 單一產品的訪問計數
type VisitMetrics struct {
	TotalVisits  int64 `json:"total_visits"`
	UniqueVisits int64 `json:"unique_visits"`
	UserVisits   int64 `json:"user_visits"`
}

// ProductVisitCount 排行榜中的一項
type ProductVisitCount struct {
	ProductID int64 `json:"product_id"`
	VisitMetrics
}

// VisitInfo 單次訪問附帶的請求資訊
type VisitInfo struct {
	UserAgent string
	Referrer  string
	SessionID string
}

// VisitDetail 單一訪客的最近一次訪問明細
type VisitDetail struct {
	ProductID int64
	ClientIP  string
	Timestamp time.Time
	UserAgent string
	Referrer  string
	SessionID string
	// UserID 為 0 表示匿名訪問
	UserID int64
}

// VisitTracker 基於 Redis 的產品訪問追蹤器。
//
// 計數器與集合都帶 TTL，每次寫入刷新，所以快取中只保留「最近仍有流量」
// 的產品。持久化交給 Archiver：每日將快照搬進 PostgreSQL 後清除快取。
type VisitTracker struct {
	redis    *redis.Client
	resolver TokenResolver
	config   *Config
	logger   *slog.Logger
}

// NewVisitTracker 創建訪問追蹤器
func NewVisitTracker(redisClient *redis.Client, resolver TokenResolver, config *Config, logger *slog.Logger) *VisitTracker {
	return &VisitTracker{
		redis:    redisClient,
		resolver: resolver,
		config:   config,
		logger:   logger,
	}
}

func totalVisitsKey(productID int64) string {
	return fmt.Sprintf("product:%d:total_visits", productID)
}

func uniqueVisitsKey(productID int64) string {
	return fmt.Sprintf("product:%d:unique_visits", productID)
}

func userVisitsKey(productID int64) string {
	return fmt.Sprintf("product:%d:user_visits", productID)
}

func visitorDetailKey(productID int64, clientIP string) string {
	return fmt.Sprintf("product:%d:visitor:%s", productID, clientIP)
}

// parseProductKey 從 "product:{id}:..." 取出產品 ID
func parseProductKey(key string) (int64, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "product" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// TrackVisit 記錄一次產品訪問。
//
// 追蹤是盡力而為的：任何失敗（Redis 斷線、操作逾時、token 無效）
// 都只會降級或返回 false，絕不向呼叫者拋出錯誤——
// 訪問統計掛掉不該讓商品頁面跟著掛。
func (vt *VisitTracker) TrackVisit(ctx context.Context, productID int64, clientIP, token string, info VisitInfo) bool {
	ctx, cancel := context.WithTimeout(ctx, vt.config.Visit.CacheTimeout)
	defer cancel()

	var userID int64
	if token != "" {
		id, err := vt.resolver.Resolve(ctx, token)
		if err != nil {
			// 無效憑證降級為匿名追蹤
			vt.logger.Debug("token resolution failed, tracking anonymously",
				"product_id", productID,
				"error", err,
			)
		} else {
			userID = id
		}
	}

	now := time.Now().UTC()
	ttl := vt.config.Visit.TTL

	detail := map[string]any{
		detailFieldClientIP:  clientIP,
		detailFieldTimestamp: now.Format(time.RFC3339Nano),
		detailFieldUserAgent: info.UserAgent,
		detailFieldReferrer:  info.Referrer,
		detailFieldSessionID: info.SessionID,
	}
	if userID != 0 {
		detail[detailFieldUserID] = strconv.FormatInt(userID, 10)
	}

	// 所有寫入放進單一 pipeline，一次往返完成
	pipe := vt.redis.Pipeline()
	pipe.Incr(ctx, totalVisitsKey(productID))
	pipe.Expire(ctx, totalVisitsKey(productID), ttl)
	pipe.SAdd(ctx, uniqueVisitsKey(productID), clientIP)
	pipe.Expire(ctx, uniqueVisitsKey(productID), ttl)
	if userID != 0 {
		pipe.SAdd(ctx, userVisitsKey(productID), userID)
		pipe.Expire(ctx, userVisitsKey(productID), ttl)
	}
	// 同一 IP 重複訪問時覆蓋明細，只保留最近一次
	pipe.HSet(ctx, visitorDetailKey(productID, clientIP), detail)
	pipe.Expire(ctx, visitorDetailKey(productID, clientIP), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		vt.logger.Error("failed to track visit",
			"product_id", productID,
			"error", err,
		)
		return false
	}

	return true
}

// GetVisitMetrics 獲取單一產品的訪問計數。
// 快取中沒有任何記錄（計數器和集合都是空的）時返回 ErrMetricsNotFound。
func (vt *VisitTracker) GetVisitMetrics(ctx context.Context, productID int64) (*VisitMetrics, error) {
	pipe := vt.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalVisitsKey(productID))
	uniqueCmd := pipe.SCard(ctx, uniqueVisitsKey(productID))
	userCmd := pipe.SCard(ctx, userVisitsKey(productID))

	// 計數器不存在時 GET 返回 redis.Nil，視為 0 而非錯誤
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to read visit metrics")
	}

	total, err := totalCmd.Int64()
	if err != nil && err != redis.Nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "invalid visit counter value")
	}

	metrics := &VisitMetrics{
		TotalVisits:  total,
		UniqueVisits: uniqueCmd.Val(),
		UserVisits:   userCmd.Val(),
	}

	if metrics.TotalVisits == 0 && metrics.UniqueVisits == 0 {
		return nil, apperrors.ErrMetricsNotFound
	}

	return metrics, nil
}

// GetAllProductMetrics 獲取快取中所有產品的訪問計數。
// 個別產品讀取失敗時記錄日誌並跳過，不中斷整體查詢。
func (vt *VisitTracker) GetAllProductMetrics(ctx context.Context) (map[int64]VisitMetrics, error) {
	ids, err := vt.scanProductIDs(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to scan visit keys")
	}

	metrics := make(map[int64]VisitMetrics, len(ids))
	for _, id := range ids {
		m, err := vt.GetVisitMetrics(ctx, id)
		if err != nil {
			// 鍵可能在掃描和讀取之間過期
			if apperrors.IsNotFound(err) {
				continue
			}
			vt.logger.Error("failed to read metrics for product",
				"product_id", id,
				"error", err,
			)
			continue
		}
		metrics[id] = *m
	}

	return metrics, nil
}

// GetTopVisitedProducts 返回訪問量最高的前 N 個產品，按總訪問量降序
func (vt *VisitTracker) GetTopVisitedProducts(ctx context.Context, limit int) ([]ProductVisitCount, error) {
	all, err := vt.GetAllProductMetrics(ctx)
	if err != nil {
		return nil, err
	}

	ranking := make([]ProductVisitCount, 0, len(all))
	for id, m := range all {
		ranking = append(ranking, ProductVisitCount{ProductID: id, VisitMetrics: m})
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].TotalVisits != ranking[j].TotalVisits {
			return ranking[i].TotalVisits > ranking[j].TotalVisits
		}
		// 同訪問量時按 ID 排序，讓結果可重現
		return ranking[i].ProductID < ranking[j].ProductID
	})

	if limit > 0 && len(ranking) > limit {
		ranking = ranking[:limit]
	}

	return ranking, nil
}

// VisitorDetails 讀取單一產品的所有訪客明細。
// 無法解碼的明細（欄位缺失、時間戳格式錯誤）跳過並計數，返回跳過的筆數。
func (vt *VisitTracker) VisitorDetails(ctx context.Context, productID int64) ([]VisitDetail, int, error) {
	keys, err := vt.scanKeys(ctx, fmt.Sprintf("product:%d:visitor:*", productID))
	if err != nil {
		return nil, 0, fmt.Errorf("scan visitor keys: %w", err)
	}

	details := make([]VisitDetail, 0, len(keys))
	skipped := 0
	for _, key := range keys {
		data, err := vt.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, skipped, fmt.Errorf("read visitor detail %s: %w", key, err)
		}
		// 鍵在掃描後過期
		if len(data) == 0 {
			continue
		}

		detail, err := decodeVisitDetail(productID, data)
		if err != nil {
			vt.logger.Warn("skipping malformed visitor detail",
				"key", key,
				"error", err,
			)
			skipped++
			continue
		}
		details = append(details, *detail)
	}

	return details, skipped, nil
}

// decodeVisitDetail 將 Redis hash 解碼為訪客明細
func decodeVisitDetail(productID int64, data map[string]string) (*VisitDetail, error) {
	clientIP := data[detailFieldClientIP]
	if clientIP == "" {
		return nil, fmt.Errorf("missing %s field", detailFieldClientIP)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, data[detailFieldTimestamp])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", detailFieldTimestamp, err)
	}

	var userID int64
	if raw := data[detailFieldUserID]; raw != "" {
		userID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", detailFieldUserID, err)
		}
	}

	return &VisitDetail{
		ProductID: productID,
		ClientIP:  clientIP,
		Timestamp: timestamp,
		UserAgent: data[detailFieldUserAgent],
		Referrer:  data[detailFieldReferrer],
		SessionID: data[detailFieldSessionID],
		UserID:    userID,
	}, nil
}

// ClearVisitData 清除單一產品的所有訪問資料，成功時返回 true
func (vt *VisitTracker) ClearVisitData(ctx context.Context, productID int64) bool {
	visitorKeys, err := vt.scanKeys(ctx, fmt.Sprintf("product:%d:visitor:*", productID))
	if err != nil {
		vt.logger.Error("failed to scan visitor keys for clearing",
			"product_id", productID,
			"error", err,
		)
		return false
	}

	keys := append([]string{
		totalVisitsKey(productID),
		uniqueVisitsKey(productID),
		userVisitsKey(productID),
	}, visitorKeys...)

	return vt.deleteKeys(ctx, keys)
}

// ClearAllVisitData 清除所有產品的訪問資料，成功時返回 true
func (vt *VisitTracker) ClearAllVisitData(ctx context.Context) bool {
	keys, err := vt.scanKeys(ctx, visitKeyPrefix+"*")
	if err != nil {
		vt.logger.Error("failed to scan visit keys for clearing", "error", err)
		return false
	}

	return vt.deleteKeys(ctx, keys)
}

// scanProductIDs 掃描快取，返回去重後的產品 ID，升序排列
func (vt *VisitTracker) scanProductIDs(ctx context.Context) ([]int64, error) {
	keys, err := vt.scanKeys(ctx, visitKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	ids := make([]int64, 0)
	for _, key := range keys {
		id, ok := parseProductKey(key)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// scanKeys 用 SCAN 游標遍歷符合模式的鍵，避免 KEYS 阻塞 Redis
func (vt *VisitTracker) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := vt.redis.Scan(ctx, cursor, pattern, vt.config.Visit.ScanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// deleteKeys 分批刪除鍵，單批上限由配置決定
func (vt *VisitTracker) deleteKeys(ctx context.Context, keys []string) bool {
	if len(keys) == 0 {
		return true
	}

	batchSize := vt.config.Visit.DeleteBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		if err := vt.redis.Del(ctx, keys[start:end]...).Err(); err != nil {
			vt.logger.Error("failed to delete visit keys",
				"batch_start", start,
				"error", err,
			)
			return false
		}
	}

	return true
}
