package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Upstream     UpstreamConfig
	Token        TokenConfig
	Staging      StagingConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// UpstreamConfig describes the ticketing API and the service account used
// to authenticate against it.
type UpstreamConfig struct {
	BaseURL        string
	LoginPath      string
	APIPath        string
	ClientID       string
	Username       string
	Password       string
	Scope          string
	PersonID       int
	TimeoutSeconds int
	MaxAttempts    int
	BackoffBaseMS  int
	BackoffMaxMS   int
	RatePerSecond  float64
}

// TokenConfig tunes bearer token caching.
type TokenConfig struct {
	ExpiryMarginSeconds int
	FallbackTTLSeconds  int
}

// StagingConfig controls local attachment storage.
type StagingConfig struct {
	Dir      string
	MaxBytes int64
}

// RedisConfig holds Redis connection values. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TokenKey string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// NotificationConfig holds notification endpoints.
type NotificationConfig struct {
	WebhookURL string
}

// requiredKeys must all be present before the process starts.
var requiredKeys = []string{
	"UPSTREAM_CLIENT_ID",
	"UPSTREAM_USERNAME",
	"UPSTREAM_PASSWORD",
	"UPSTREAM_BASE_URL",
}

// Load reads configuration from environment variables, applying defaults where
// possible. Files are loaded with godotenv first; a missing file is ignored.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(os.Getenv(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	rate, err := strconv.ParseFloat(getEnv("UPSTREAM_RATE_PER_SECOND", "0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_RATE_PER_SECOND: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-gateway"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "3000"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 90),
		},
		Upstream: UpstreamConfig{
			BaseURL:        strings.TrimRight(os.Getenv("UPSTREAM_BASE_URL"), "/"),
			LoginPath:      getEnv("UPSTREAM_LOGIN_PATH", "/alemba.web/oauth/login"),
			APIPath:        getEnv("UPSTREAM_API_PATH", "/alemba.api/api/v2"),
			ClientID:       os.Getenv("UPSTREAM_CLIENT_ID"),
			Username:       os.Getenv("UPSTREAM_USERNAME"),
			Password:       os.Getenv("UPSTREAM_PASSWORD"),
			Scope:          getEnv("UPSTREAM_SCOPE", "session-type:Analyst"),
			PersonID:       getEnvAsInt("UPSTREAM_PERSON_ID", 34419),
			TimeoutSeconds: getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 30),
			MaxAttempts:    getEnvAsInt("UPSTREAM_MAX_ATTEMPTS", 3),
			BackoffBaseMS:  getEnvAsInt("UPSTREAM_BACKOFF_BASE_MS", 250),
			BackoffMaxMS:   getEnvAsInt("UPSTREAM_BACKOFF_MAX_MS", 5000),
			RatePerSecond:  rate,
		},
		Token: TokenConfig{
			ExpiryMarginSeconds: getEnvAsInt("TOKEN_EXPIRY_MARGIN_SECONDS", 30),
			FallbackTTLSeconds:  getEnvAsInt("TOKEN_FALLBACK_TTL_SECONDS", 270),
		},
		Staging: StagingConfig{
			Dir:      getEnv("STAGING_DIR", os.TempDir()),
			MaxBytes: int64(getEnvAsInt("STAGING_MAX_BYTES", 20<<20)),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
			TokenKey: getEnv("REDIS_TOKEN_KEY", "ticket-gateway:upstream-token"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Notification: NotificationConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// LoginURL is the absolute OAuth login endpoint.
func (u UpstreamConfig) LoginURL() string {
	return u.BaseURL + u.LoginPath
}

// APIURL is the absolute root of the ticketing REST resources.
func (u UpstreamConfig) APIURL() string {
	return u.BaseURL + u.APIPath
}

// Timeout returns the per-call upstream timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// ExpiryMargin returns how long before upstream expiry a token is dropped.
func (t TokenConfig) ExpiryMargin() time.Duration {
	return time.Duration(t.ExpiryMarginSeconds) * time.Second
}

// FallbackTTL returns the cache lifetime used when the upstream gives none.
func (t TokenConfig) FallbackTTL() time.Duration {
	return time.Duration(t.FallbackTTLSeconds) * time.Second
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
