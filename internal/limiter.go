package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitKeyPrefix 限流計數器的鍵前綴，與訪問資料的 product: 前綴分開，
// 清除訪問資料時不會動到限流狀態。
const rateLimitKeyPrefix = "rate_limit:"

// RateLimitKey 生成客戶端的限流鍵
func RateLimitKey(clientIP string) string {
	return rateLimitKeyPrefix + clientIP
}

// RateLimiter 基於 Redis 的固定視窗限流器。
//
// 演算法：視窗內第一個請求建立計數器並設定視窗長度的 TTL，
// 之後的請求遞增計數器；達到上限後直接拒絕、不再遞增，
// 計數器不會無限增長，視窗由 TTL 到期自然重置。
//
// 固定視窗的已知限制：視窗邊界允許最多 2×limit 的突發流量。
// 對訪問追蹤這種防濫用場景可以接受，換來 GET/SET/INCR 的極低成本。
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewRateLimiter 創建固定視窗限流器
func NewRateLimiter(redisClient *redis.Client, limit int64, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow 檢查指定鍵是否允許再一次請求。
// Redis 不可用時返回錯誤，由呼叫者決定放行或拒絕（fail-open / fail-closed）。
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := rl.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		// 視窗內的第一個請求：建立計數器並綁定視窗 TTL
		if err := rl.redis.Set(ctx, key, 1, rl.window).Err(); err != nil {
			return false, fmt.Errorf("init rate limit counter: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read rate limit counter: %w", err)
	}

	if count >= rl.limit {
		rl.logger.Debug("rate limit exceeded",
			"key", key,
			"count", count,
			"limit", rl.limit,
		)
		return false, nil
	}

	if err := rl.redis.Incr(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("increment rate limit counter: %w", err)
	}

	return true, nil
}

// Window 返回視窗長度，供 HTTP 層生成 Retry-After
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}
