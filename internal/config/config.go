package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Stripe
	StripeSecretKey         string
	StripeWebhookSecret     string
	StripeAPIURL            string // 空の場合はSDKのデフォルト
	StripeMaxNetworkRetries int64

	// Verify
	VerifyTimeout     time.Duration
	ProviderRateLimit int // 1秒あたりの照会数。0で無制限

	// Reconcile
	ReconcileInterval   time.Duration
	ReconcileBatchSize  int
	ReconcileBatchDelay time.Duration

	// Webhook
	WebhookTolerance     time.Duration
	WebhookEventTTL      time.Duration
	WebhookRetentionDays int

	// Redis（空の場合はPostgreSQLで重複排除する）
	RedisURL string

	// Internal API
	InternalAPIToken string
	RateLimitAPI     int

	// Logging
	LogLevel string

	// Server
	ServerPort string
}

// LoadDotEnv は.envファイルが存在すれば環境変数に読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	if cfg.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}

	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	if cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}

	cfg.InternalAPIToken = os.Getenv("INTERNAL_API_TOKEN")
	if cfg.InternalAPIToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.StripeAPIURL = getEnvString("STRIPE_API_URL", "")
	cfg.StripeMaxNetworkRetries = getEnvInt64("STRIPE_MAX_NETWORK_RETRIES", 0)
	cfg.VerifyTimeout = getEnvDuration("VERIFY_TIMEOUT", 10*time.Second)
	cfg.ProviderRateLimit = getEnvInt("PROVIDER_RATE_LIMIT", 20)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 6*time.Hour)
	cfg.ReconcileBatchSize = getEnvInt("RECONCILE_BATCH_SIZE", 100)
	cfg.ReconcileBatchDelay = getEnvDuration("RECONCILE_BATCH_DELAY", time.Second)
	cfg.WebhookTolerance = getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute)
	cfg.WebhookEventTTL = getEnvDuration("WEBHOOK_EVENT_TTL", 72*time.Hour)
	cfg.WebhookRetentionDays = getEnvInt("WEBHOOK_RETENTION_DAYS", 30)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 60)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	if cfg.ReconcileBatchSize <= 0 {
		return nil, fmt.Errorf("RECONCILE_BATCH_SIZE must be positive: %d", cfg.ReconcileBatchSize)
	}
	if cfg.VerifyTimeout <= 0 {
		return nil, fmt.Errorf("VERIFY_TIMEOUT must be positive: %s", cfg.VerifyTimeout)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
