package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server           ServerConfig
	Database         DatabaseConfig
	IdentityProvider IdentityProviderConfig
	Redis            *RedisConfig // Optional fast cache tier. When nil, fallback tier only.
	Session          SessionConfig
	Resilience       ResilienceConfig
	Retry            RetryConfig
	ResponseCache    ResponseCacheConfig
	CacheRulesPath   string
	PermissionsPath  string
	Observability    ObservabilityConfig
	Environment      string
}

// ResponseCacheConfig holds dual-tier response cache tuning
type ResponseCacheConfig struct {
	FallbackMaxEntries int           // in-memory tier capacity
	FastTierCooldown   time.Duration // bench duration after a fast tier failure
	CleanupInterval    time.Duration // fallback tier expired-entry sweep
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL profile store configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// IdentityProviderConfig holds the token verification endpoint configuration
type IdentityProviderConfig struct {
	BaseURL      string // e.g. https://id.example.com
	Issuer       string // expected iss claim; defaults to BaseURL
	Audience     string // expected aud claim
	ServiceKey   string // service credential sent on JWKS/verification calls
	JWKSCacheTTL time.Duration
	HTTPTimeout  time.Duration
}

// RedisConfig holds fast-tier distributed cache connection parameters
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SessionConfig holds session cache tuning
type SessionConfig struct {
	TTL                  time.Duration
	RefreshMargin        time.Duration // proactive refresh when token TTL under this
	DefaultTokenLifetime time.Duration // substituted when the expiry claim cannot be decoded
	MaxEntries           int
	SnapshotPath         string // redacted snapshot file; empty disables persistence
}

// ResilienceConfig holds loop detection and circuit breaker tuning
type ResilienceConfig struct {
	LoopThreshold    int           // failures within LoopWindow that mark an active loop
	LoopWindow       time.Duration
	BreakerThreshold int           // consecutive failures that open a breaker partition
	BreakerCooldown  time.Duration // initial open duration
	MaxCooldown      time.Duration // cap for exponential cooldown growth
	EventCapacity    int           // ring buffer size
	EventRetention   time.Duration // sweep removes events older than this
	SweepInterval    time.Duration
}

// RetryConfig holds outbound call retry policy defaults
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Timeout     time.Duration
	Exponential bool
	Jitter      bool
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env if present (repo root or current directory)
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabaseConfig(),
		IdentityProvider: IdentityProviderConfig{
			BaseURL:      getEnv("IDP_BASE_URL", ""),
			Issuer:       getEnv("IDP_ISSUER", ""),
			Audience:     getEnv("IDP_AUDIENCE", ""),
			ServiceKey:   getEnv("IDP_SERVICE_KEY", ""),
			JWKSCacheTTL: getEnvAsDuration("IDP_JWKS_CACHE_TTL", 1*time.Hour),
			HTTPTimeout:  getEnvAsDuration("IDP_HTTP_TIMEOUT", 10*time.Second),
		},
		Redis: loadRedisConfig(),
		Session: SessionConfig{
			TTL:                  getEnvAsDuration("SESSION_TTL", 15*time.Minute),
			RefreshMargin:        getEnvAsDuration("SESSION_REFRESH_MARGIN", 5*time.Minute),
			DefaultTokenLifetime: getEnvAsDuration("SESSION_DEFAULT_TOKEN_LIFETIME", 1*time.Hour),
			MaxEntries:           getEnvAsInt("SESSION_MAX_ENTRIES", 10000),
			SnapshotPath:         getEnv("SESSION_SNAPSHOT_PATH", ""),
		},
		Resilience: ResilienceConfig{
			LoopThreshold:    getEnvAsInt("AUTH_LOOP_THRESHOLD", 5),
			LoopWindow:       getEnvAsDuration("AUTH_LOOP_WINDOW", 30*time.Second),
			BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", 60*time.Second),
			MaxCooldown:      getEnvAsDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),
			EventCapacity:    getEnvAsInt("AUTH_EVENT_CAPACITY", 1000),
			EventRetention:   getEnvAsDuration("AUTH_EVENT_RETENTION", 24*time.Hour),
			SweepInterval:    getEnvAsDuration("AUTH_EVENT_SWEEP_INTERVAL", 1*time.Hour),
		},
		Retry: RetryConfig{
			MaxRetries:  getEnvAsInt("RETRY_MAX", 3),
			BaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
			Timeout:     getEnvAsDuration("RETRY_TIMEOUT", 5*time.Second),
			Exponential: getEnvAsBool("RETRY_EXPONENTIAL", true),
			Jitter:      getEnvAsBool("RETRY_JITTER", true),
		},
		ResponseCache: ResponseCacheConfig{
			FallbackMaxEntries: getEnvAsInt("RESPCACHE_MAX_ENTRIES", 1000),
			FastTierCooldown:   getEnvAsDuration("RESPCACHE_FAST_COOLDOWN", 30*time.Second),
			CleanupInterval:    getEnvAsDuration("RESPCACHE_CLEANUP_INTERVAL", 1*time.Minute),
		},
		CacheRulesPath:  getEnv("CACHE_RULES_PATH", "config/cache_rules.yaml"),
		PermissionsPath: getEnv("PERMISSIONS_PATH", "config/permissions.yaml"),
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// Identity provider is required in production; development may run
	// against a local stub.
	if c.IsProduction() {
		if c.IdentityProvider.BaseURL == "" {
			return fmt.Errorf("identity provider base URL is required in production")
		}
		if c.IdentityProvider.Audience == "" {
			return fmt.Errorf("identity provider audience is required in production")
		}
	}

	if c.Resilience.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	if c.Resilience.LoopThreshold <= 0 {
		return fmt.Errorf("loop threshold must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max must not be negative")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "buildplane"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "buildplane"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadRedisConfig loads fast-tier connection parameters from REDIS_* env vars.
// Returns nil when REDIS_ADDR is unset: the response cache then runs on the
// fallback tier only instead of failing startup.
func loadRedisConfig() *RedisConfig {
	addr := getEnv("REDIS_ADDR", "")
	if addr == "" {
		return nil
	}
	return &RedisConfig{
		Addr:     addr,
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
