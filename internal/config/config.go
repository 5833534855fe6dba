package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアの種類。
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisURL      string

	// Identity
	IdentityHashKey       string
	IdentityEncryptionKey string

	// Session
	SessionSecret string
	SessionTTL    time.Duration

	// Onboarding
	CompanyRulesFile string
	ResumeWindow     time.Duration

	// Verification code
	CodeTTL         time.Duration
	CodeMaxAttempts int

	// Notification sweep
	NotifyMaxAttempts int
	NotifyBatchLimit  int
	NotifyHardCap     int
	NotifyThrottle    int
	NotifyDeadline    time.Duration
	NotifyStaleClaim  time.Duration
	NotifyInterval    time.Duration

	// Cleanup sweep
	CleanupBatchLimit int
	CleanupHardCap    int
	CleanupInterval   time.Duration

	// Mail
	MailAPIURL string
	MailAPIKey string
	MailFrom   string

	// Operator credentials
	AdminAPIToken string
	CronSecret    string

	// Rate Limit
	RateLimitGeneral int
	RateLimitResume  int
	TrustProxy       bool

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.StoreDriver = strings.ToLower(getEnvString("STORE_DRIVER", StoreDriverPostgres))
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreDriverMongo:
		cfg.MongoURI = os.Getenv("MONGO_URI")
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q", cfg.StoreDriver)
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.IdentityHashKey = os.Getenv("IDENTITY_HASH_KEY")
	if cfg.IdentityHashKey == "" {
		missing = append(missing, "IDENTITY_HASH_KEY")
	}

	cfg.IdentityEncryptionKey = os.Getenv("IDENTITY_ENCRYPTION_KEY")
	if cfg.IdentityEncryptionKey == "" {
		missing = append(missing, "IDENTITY_ENCRYPTION_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	if key, err := hex.DecodeString(cfg.IdentityEncryptionKey); err != nil || len(key) != 32 {
		return nil, fmt.Errorf("IDENTITY_ENCRYPTION_KEY must be 64 hex characters")
	}

	// Optional fields with defaults
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "driverhire")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 6*time.Hour)
	cfg.CompanyRulesFile = getEnvString("COMPANY_RULES_FILE", "")
	cfg.ResumeWindow = getEnvDuration("RESUME_WINDOW", 720*time.Hour)
	cfg.CodeTTL = getEnvDuration("CODE_TTL", 10*time.Minute)
	cfg.CodeMaxAttempts = getEnvInt("CODE_MAX_ATTEMPTS", 5)
	cfg.NotifyMaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 5)
	cfg.NotifyBatchLimit = getEnvInt("NOTIFY_BATCH_LIMIT", 25)
	cfg.NotifyHardCap = getEnvInt("NOTIFY_HARD_CAP", 100)
	cfg.NotifyThrottle = getEnvInt("NOTIFY_THROTTLE", 25)
	cfg.NotifyDeadline = getEnvDuration("NOTIFY_DEADLINE", 55*time.Second)
	cfg.NotifyStaleClaim = getEnvDuration("NOTIFY_STALE_CLAIM", 10*time.Minute)
	cfg.NotifyInterval = getEnvDuration("NOTIFY_INTERVAL", time.Minute)
	cfg.CleanupBatchLimit = getEnvInt("CLEANUP_BATCH_LIMIT", 100)
	cfg.CleanupHardCap = getEnvInt("CLEANUP_HARD_CAP", 500)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.MailAPIURL = getEnvString("MAIL_API_URL", "")
	cfg.MailAPIKey = getEnvString("MAIL_API_KEY", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "no-reply@driverhire.local")
	cfg.AdminAPIToken = getEnvString("ADMIN_API_TOKEN", "")
	cfg.CronSecret = getEnvString("CRON_SECRET", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitResume = getEnvInt("RATE_LIMIT_RESUME", 10)
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", strings.HasPrefix(cfg.BaseURL, "https://"))
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)

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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvLevel は debug / info / warn / error を受け付ける。
func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
