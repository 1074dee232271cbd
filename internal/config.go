package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr          string        `yaml:"addr"`
		Password      string        `yaml:"password"`
		DB            int           `yaml:"db"`
		PoolSize      int           `yaml:"pool_size"`
		MinIdleConns  int           `yaml:"min_idle_conns"`
		MaxRetries    int           `yaml:"max_retries"`
		ReadTimeout   time.Duration `yaml:"read_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		ConnAttempts  int           `yaml:"conn_attempts"`
		ConnRetryWait time.Duration `yaml:"conn_retry_wait"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Visit struct {
		// TTL 訪問計數的快取視窗（預設 1 天），每次寫入都會刷新
		TTL time.Duration `yaml:"ttl"`

		// CacheTimeout 單次快取操作的逾時，追蹤不能拖慢商品頁面
		CacheTimeout time.Duration `yaml:"cache_timeout"`

		// ScanBatchSize SCAN 的 COUNT 參數
		ScanBatchSize int64 `yaml:"scan_batch_size"`

		// DeleteBatchSize 批次刪除的大小上限
		DeleteBatchSize int `yaml:"delete_batch_size"`
	} `yaml:"visit"`

	RateLimit struct {
		// Limit 每個視窗允許的請求數
		Limit int64 `yaml:"limit"`

		// Window 固定視窗長度
		Window time.Duration `yaml:"window"`

		// FailOpen Redis 故障時是否放行請求
		// 部署風險決策：true 表示可用性優先，false 表示嚴格限流優先
		FailOpen bool `yaml:"fail_open"`
	} `yaml:"rate_limit"`

	Archive struct {
		// EnableScheduler 是否啟用每日定時歸檔
		EnableScheduler bool `yaml:"enable_scheduler"`

		// Timezone 每日歸檔的時區（在該時區的午夜執行）
		Timezone string `yaml:"timezone"`

		// TaskRetention 已完成任務狀態的保留時間
		TaskRetention time.Duration `yaml:"task_retention"`
	} `yaml:"archive"`

	Auth struct {
		// JWTSecret HS256 簽章密鑰
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadConfig 從 YAML 檔案載入配置
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path 來自命令列參數，由部署者控制
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults 填入未配置欄位的預設值
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.ConnAttempts == 0 {
		c.Redis.ConnAttempts = 5
	}
	if c.Redis.ConnRetryWait == 0 {
		c.Redis.ConnRetryWait = 2 * time.Second
	}
	if c.Visit.TTL == 0 {
		c.Visit.TTL = 24 * time.Hour
	}
	if c.Visit.CacheTimeout == 0 {
		c.Visit.CacheTimeout = 3 * time.Second
	}
	if c.Visit.ScanBatchSize == 0 {
		c.Visit.ScanBatchSize = 100
	}
	if c.Visit.DeleteBatchSize == 0 {
		c.Visit.DeleteBatchSize = 1000
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 15
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Archive.Timezone == "" {
		c.Archive.Timezone = "Asia/Taipei"
	}
	if c.Archive.TaskRetention == 0 {
		c.Archive.TaskRetention = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// PostgresDSN 生成 PostgreSQL 連線 URL，pgxpool 與遷移工具共用同一字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
