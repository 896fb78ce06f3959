// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/botpanel/internal/security"
)

// ストアのバックエンド種別
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Discord OAuth
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURL  string

	// Provider
	ProviderTimeout      time.Duration
	ProviderRateLimit    float64 // req/sec
	ProviderStrictEgress bool

	// Session / Token
	SessionMaxAge            time.Duration
	RefreshLookahead         time.Duration
	ExplicitRefreshLookahead time.Duration
	SessionCleanupInterval   time.Duration

	// Store
	UserStore    string
	SessionStore string
	ProfileCache string

	DatabaseURL     string
	DBMaxOpenConns  int
	MongoURI        string
	MongoDatabase   string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ProfileCacheTTL time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitLogin   int

	// Server
	ServerPort  string
	BaseURL     string
	FrontendURL string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリの.env（ENV_FILEで変更可）があれば先に読み込む。既存の環境変数は上書きしない。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DiscordClientID = required("DISCORD_CLIENT_ID")
	cfg.DiscordClientSecret = required("DISCORD_CLIENT_SECRET")
	cfg.DiscordRedirectURL = required("DISCORD_REDIRECT_URL")
	cfg.BaseURL = required("BASE_URL")

	cfg.UserStore = strings.ToLower(getEnvString("USER_STORE", BackendPostgres))
	cfg.SessionStore = strings.ToLower(getEnvString("SESSION_STORE", BackendPostgres))
	cfg.ProfileCache = strings.ToLower(getEnvString("PROFILE_CACHE", BackendMemory))

	if cfg.UserStore == BackendPostgres || cfg.SessionStore == BackendPostgres {
		cfg.DatabaseURL = required("DATABASE_URL")
	} else {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.UserStore == BackendMongo {
		cfg.MongoURI = required("MONGODB_URI")
	}
	if cfg.SessionStore == BackendRedis || cfg.ProfileCache == BackendRedis {
		cfg.RedisAddr = required("REDIS_ADDR")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.ProviderRateLimit = getEnvFloat("PROVIDER_RATE_LIMIT", 5)
	cfg.ProviderStrictEgress = getEnvBool("PROVIDER_STRICT_EGRESS", true)
	cfg.SessionMaxAge = time.Duration(getEnvInt("SESSION_MAX_AGE", 604800)) * time.Second
	cfg.RefreshLookahead = getEnvDuration("REFRESH_LOOKAHEAD", time.Hour)
	cfg.ExplicitRefreshLookahead = getEnvDuration("EXPLICIT_REFRESH_LOOKAHEAD", 24*time.Hour)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.MongoDatabase = getEnvString("MONGODB_DATABASE", "botpanel")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 5*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 20)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.FrontendURL = getEnvString("FRONTEND_URL", "http://localhost:3000")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.FrontendURL)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	if !oneOf(c.UserStore, BackendPostgres, BackendMongo, BackendMemory) {
		return fmt.Errorf("invalid USER_STORE: %q", c.UserStore)
	}
	if !oneOf(c.SessionStore, BackendPostgres, BackendRedis, BackendMemory) {
		return fmt.Errorf("invalid SESSION_STORE: %q", c.SessionStore)
	}
	if !oneOf(c.ProfileCache, BackendRedis, BackendMemory) {
		return fmt.Errorf("invalid PROFILE_CACHE: %q", c.ProfileCache)
	}
	if !oneOf(c.LogLevel, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid LOG_LEVEL: %q", c.LogLevel)
	}

	// BASE_URLがhttpsの場合、リダイレクトURIもhttpsの公開ホストに限る
	if err := security.ValidateEndpoint(c.DiscordRedirectURL, !c.CookieSecure); err != nil {
		return fmt.Errorf("invalid DISCORD_REDIRECT_URL: %w", err)
	}

	if c.SessionMaxAge <= 0 {
		return errors.New("SESSION_MAX_AGE must be positive")
	}
	if c.RefreshLookahead <= 0 || c.ExplicitRefreshLookahead < c.RefreshLookahead {
		return errors.New("EXPLICIT_REFRESH_LOOKAHEAD must be at least REFRESH_LOOKAHEAD, and both positive")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if c.ProviderRateLimit <= 0 {
		return errors.New("PROVIDER_RATE_LIMIT must be positive")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitLogin <= 0 {
		return errors.New("RATE_LIMIT_GENERAL and RATE_LIMIT_LOGIN must be positive")
	}
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func oneOf(v string, candidates ...string) bool {
	for _, c := range candidates {
		if v == c {
			return true
		}
	}
	return false
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
