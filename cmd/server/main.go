// 產品訪問追蹤服務
//
// Redis 承接即時的訪問計數與訪客明細，PostgreSQL 保存每日歸檔的歷史。
// 追蹤端點掛在商品頁面的關鍵路徑上，所有快取操作都是盡力而為。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/visit-tracker/internal"
	"github.com/koopa0/visit-tracker/internal/migrations"
	"github.com/koopa0/visit-tracker/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, "stdout", false); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := slog.Default()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *internal.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := connectRedis(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	migrator, err := migrations.New(cfg.PostgresDSN(), log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := migrator.Close(); err != nil {
		log.Warn("failed to close migrator", "error", err)
	}

	resolver := internal.NewJWTResolver(cfg.Auth.JWTSecret)
	tracker := internal.NewVisitTracker(redisClient, resolver, cfg, log)
	limiter := internal.NewRateLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, log)
	history := internal.NewHistoryStore(pool, log)
	archiver := internal.NewArchiver(tracker, history, cfg, log)

	if cfg.Archive.EnableScheduler {
		scheduler := internal.NewArchiveScheduler(archiver, cfg.Archive.Timezone, log)
		scheduler.Start()
		defer scheduler.Stop()
	}

	handler := internal.NewHandler(tracker, limiter, archiver, history, redisClient, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// connectRedis 建立 Redis 連線，啟動時帶重試：
// 容器編排環境下 Redis 可能比服務晚就緒
func connectRedis(ctx context.Context, cfg *internal.Config, log *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	var lastErr error
	for attempt := 1; attempt <= cfg.Redis.ConnAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			log.Info("redis connected", "addr", cfg.Redis.Addr)
			return client, nil
		}

		log.Warn("redis connection failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.Redis.ConnAttempts,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.Redis.ConnRetryWait):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("redis unreachable after %d attempts: %w", cfg.Redis.ConnAttempts, lastErr)
}

// connectPostgres 建立 PostgreSQL 連線池
func connectPostgres(ctx context.Context, cfg *internal.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		poolConfig.MinConns = cfg.Postgres.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}
