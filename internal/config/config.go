package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config bundles every environment-driven setting the broker needs to boot.
type Config struct {
	AppEnv string

	HTTP struct {
		Addr              string
		ReadHeaderTimeout time.Duration
		ReadTimeout       time.Duration
		WriteTimeout      time.Duration
		IdleTimeout       time.Duration
		MaxHeaderBytes    int
	}

	Log struct {
		Level string
	}

	Postgres struct {
		DSN      string
		MaxConns int32
	}

	Redis struct {
		Addr       string
		Username   string
		Password   string
		DB         int
		TLSEnabled bool
	}

	RedisLock struct {
		KeyPrefix string
		TTL       time.Duration
	}

	Sentry struct {
		DSN         string
		Environment string
		Release     string
	}

	Prometheus struct {
		Namespace string
	}

	Auth struct {
		// Secrets is the set of bearer tokens accepted by the session engine.
		// Populated from SECRETS (comma-separated) and, for single-token
		// deployments, SECRET.
		Secrets                  []string
		AccessTokenExpireMinutes int
	}

	Encryption struct {
		Key string
	}

	Pool struct {
		DefaultUsageIntervalSeconds int
		RefillBatchSize             int
		RefillMaxRetries            int
		CacheTTL                    time.Duration
		RateLimitPerSecond          float64
	}
}

// Load reads configuration from the process environment, applying the same
// fallback-to-default semantics used across the broker's env-driven knobs.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.AppEnv = getEnv("APP_ENV", "development")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	readHeaderTimeout, err := parseDuration(getEnv("HTTP_READ_HEADER_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_READ_HEADER_TIMEOUT: %w", err)
	}
	cfg.HTTP.ReadHeaderTimeout = readHeaderTimeout
	readTimeout, err := parseDuration(getEnv("HTTP_READ_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTP.ReadTimeout = readTimeout
	writeTimeout, err := parseDuration(getEnv("HTTP_WRITE_TIMEOUT", "0s"))
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTP.WriteTimeout = writeTimeout
	idleTimeout, err := parseDuration(getEnv("HTTP_IDLE_TIMEOUT", "120s"))
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.HTTP.IdleTimeout = idleTimeout
	maxHeaderBytes, err := parseInt(getEnv("HTTP_MAX_HEADER_BYTES", "1048576"))
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_MAX_HEADER_BYTES: %w", err)
	}
	cfg.HTTP.MaxHeaderBytes = maxHeaderBytes

	cfg.Log.Level = getEnv("LOG_LEVEL", "INFO")

	cfg.Postgres.DSN = getEnv("POSTGRES_DSN", buildPostgresDSN())
	maxConns, err := parseInt32(getEnv("POSTGRES_MAX_CONNS", "10"))
	if err != nil {
		return nil, fmt.Errorf("parse POSTGRES_MAX_CONNS: %w", err)
	}
	cfg.Postgres.MaxConns = maxConns

	cfg.Redis.Addr = getEnv("REDIS_ADDR", fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")))
	cfg.Redis.Username = getEnv("REDIS_USERNAME", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	redisDB, err := parseInt(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	cfg.Redis.TLSEnabled = parseBool(getEnv("REDIS_TLS_ENABLED", "false"))

	cfg.RedisLock.KeyPrefix = getEnv("REDIS_LOCK_PREFIX", "proxybroker:lock:")
	lockTTL, err := parseDuration(getEnv("REDIS_LOCK_TTL", "10s"))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_LOCK_TTL: %w", err)
	}
	cfg.RedisLock.TTL = lockTTL

	cfg.Sentry.DSN = getEnv("SENTRY_DSN", "")
	cfg.Sentry.Environment = getEnv("SENTRY_ENVIRONMENT", cfg.AppEnv)
	cfg.Sentry.Release = getEnv("SENTRY_RELEASE", "")

	cfg.Prometheus.Namespace = getEnv("PROMETHEUS_NAMESPACE", "proxybroker")

	cfg.Auth.Secrets = resolveSecrets()
	tokenExpiry, err := parseInt(getEnv("ACCESS_TOKEN_EXPIRE_MINUTES", "30"))
	if err != nil {
		return nil, fmt.Errorf("parse ACCESS_TOKEN_EXPIRE_MINUTES: %w", err)
	}
	cfg.Auth.AccessTokenExpireMinutes = tokenExpiry

	cfg.Encryption.Key = getEnv("ENCRYPTION_KEY", "")

	defaultInterval, err := parseInt(getEnv("DEFAULT_USAGE_INTERVAL_SECONDS", "30"))
	if err != nil {
		return nil, fmt.Errorf("parse DEFAULT_USAGE_INTERVAL_SECONDS: %w", err)
	}
	cfg.Pool.DefaultUsageIntervalSeconds = defaultInterval
	cfg.Pool.RefillBatchSize = mustParsePositiveInt(getEnv("REFILL_BATCH_SIZE", "10"))
	cfg.Pool.RefillMaxRetries = mustParsePositiveInt(getEnv("REFILL_MAX_RETRIES", "10"))
	cacheTTL, err := parseDuration(getEnv("CACHE_TTL", "6m"))
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_TTL: %w", err)
	}
	cfg.Pool.CacheTTL = cacheTTL
	rateLimit, err := strconv.ParseFloat(getEnv("RATE_LIMIT", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("parse RATE_LIMIT: %w", err)
	}
	cfg.Pool.RateLimitPerSecond = rateLimit

	return cfg, nil
}

func buildPostgresDSN() string {
	user := getEnv("POSTGRES_USER", "postgres")
	password := getEnv("POSTGRES_PASSWORD", "")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "proxycare")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, db, sslmode)
}

// resolveSecrets builds the accepted bearer token set. SECRETS takes a
// comma-separated list; SECRET (singular, matching the original deployment's
// single-tenant shared secret) is folded in for backward compatibility.
func resolveSecrets() []string {
	secrets := parseStringSlice(getEnv("SECRETS", ""))
	if single := strings.TrimSpace(getEnv("SECRET", "")); single != "" {
		secrets = append(secrets, single)
	}
	return secrets
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return val
	}
	return fallback
}

func parseDuration(val string) (time.Duration, error) {
	trimmed := strings.TrimSpace(val)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasSuffix(trimmed, "d") {
		daysStr := strings.TrimSuffix(trimmed, "d")
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	if strings.HasSuffix(trimmed, "w") {
		weeksStr := strings.TrimSuffix(trimmed, "w")
		weeks, err := strconv.ParseFloat(weeksStr, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(weeks * 7 * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(trimmed)
}

func parseInt(val string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, err
	}
	return i, nil
}

func parseInt32(val string) (int32, error) {
	parsed, err := parseInt(val)
	if err != nil {
		return 0, err
	}
	return int32(parsed), nil
}

func parseBool(val string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return false
	}
	return b
}

func mustParsePositiveInt(val string) int {
	parsed, err := parseInt(val)
	if err != nil || parsed <= 0 {
		return 1
	}
	return parsed
}

func parseStringSlice(val string) []string {
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
