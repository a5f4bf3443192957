// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Counter backends selectable with RATE_LIMIT_BACKEND.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendDelegated = "delegated"
)

// Config holds all configuration for the application.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Authority AuthorityConfig
	Rate      RateLimitConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PurgeInterval   time.Duration

	// StatementTimeout bounds each counter statement on the server.
	StatementTimeout time.Duration

	// AsyncCommit turns off synchronous_commit for the pool's sessions. A
	// crash may then lose the last few counter increments.
	AsyncCommit bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// AuthorityConfig points delegated quotas at an upstream quota authority.
type AuthorityConfig struct {
	URL     string
	Timeout time.Duration
	RPS     float64 // outbound requests per second; 0 disables the throttle
	Burst   int

	// MaxPolicies caps the distinct window policies the served authority
	// API will track.
	MaxPolicies int
}

// RateLimitConfig holds the daemon's counting backend and the default
// policies protecting its own routes.
type RateLimitConfig struct {
	Enabled       bool
	Backend       string
	TimeUnit      string
	Interval      int
	Allow         int64
	SpikeTimeUnit string
	SpikeAllow    int64 // 0 disables the spike arrest
	SpikeBuffer   int
	APIKeyHeader  string
	TrustProxy    bool
	SweepInterval time.Duration
	PoliciesFile  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")

	port, err := getEnvAsInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = port

	readTimeout, err := getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	cfg.Server.ReadTimeout = readTimeout

	writeTimeout, err := getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	cfg.Server.WriteTimeout = writeTimeout

	shutdownTimeout, err := getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout

	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}
	if err := loadRedis(cfg); err != nil {
		return nil, err
	}
	if err := loadAuthority(cfg); err != nil {
		return nil, err
	}
	if err := loadRate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDatabase(cfg *Config) error {
	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	dbPort, err := getEnvAsInt("DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort
	cfg.Database.User = getEnvOrDefault("DB_USER", "edgequota")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "edgequota")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	maxOpenConns, err := getEnvAsInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := getEnvAsInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	purgeInterval, err := getEnvAsDuration("DB_PURGE_INTERVAL", time.Minute)
	if err != nil {
		return fmt.Errorf("invalid DB_PURGE_INTERVAL: %w", err)
	}
	cfg.Database.PurgeInterval = purgeInterval

	statementTimeout, err := getEnvAsDuration("DB_STATEMENT_TIMEOUT", 2*time.Second)
	if err != nil {
		return fmt.Errorf("invalid DB_STATEMENT_TIMEOUT: %w", err)
	}
	cfg.Database.StatementTimeout = statementTimeout

	asyncCommit, err := getEnvAsBool("DB_ASYNC_COMMIT", false)
	if err != nil {
		return fmt.Errorf("invalid DB_ASYNC_COMMIT: %w", err)
	}
	cfg.Database.AsyncCommit = asyncCommit
	return nil
}

func loadRedis(cfg *Config) error {
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort, err := getEnvAsInt("REDIS_PORT", 6379)
	if err != nil {
		return fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Port = redisPort
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	redisDB, err := getEnvAsInt("REDIS_DB", 0)
	if err != nil {
		return fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	redisPoolSize, err := getEnvAsInt("REDIS_POOL_SIZE", 10)
	if err != nil {
		return fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	cfg.Redis.PoolSize = redisPoolSize
	return nil
}

func loadAuthority(cfg *Config) error {
	cfg.Authority.URL = getEnvOrDefault("AUTHORITY_URL", "")

	timeout, err := getEnvAsDuration("AUTHORITY_TIMEOUT", 5*time.Second)
	if err != nil {
		return fmt.Errorf("invalid AUTHORITY_TIMEOUT: %w", err)
	}
	cfg.Authority.Timeout = timeout

	rps, err := getEnvAsFloat("AUTHORITY_RPS", 0)
	if err != nil {
		return fmt.Errorf("invalid AUTHORITY_RPS: %w", err)
	}
	cfg.Authority.RPS = rps

	burst, err := getEnvAsInt("AUTHORITY_BURST", 10)
	if err != nil {
		return fmt.Errorf("invalid AUTHORITY_BURST: %w", err)
	}
	cfg.Authority.Burst = burst

	maxPolicies, err := getEnvAsInt("AUTHORITY_MAX_POLICIES", 64)
	if err != nil {
		return fmt.Errorf("invalid AUTHORITY_MAX_POLICIES: %w", err)
	}
	if maxPolicies <= 0 {
		return fmt.Errorf("invalid AUTHORITY_MAX_POLICIES: must be positive, got %d", maxPolicies)
	}
	cfg.Authority.MaxPolicies = maxPolicies
	return nil
}

func loadRate(cfg *Config) error {
	enabled, err := getEnvAsBool("RATE_LIMIT_ENABLED", true)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_ENABLED: %w", err)
	}
	cfg.Rate.Enabled = enabled

	backend := strings.ToLower(getEnvOrDefault("RATE_LIMIT_BACKEND", BackendMemory))
	switch backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendDelegated:
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND: %q", backend)
	}
	if backend == BackendDelegated && cfg.Authority.URL == "" {
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND: %q requires AUTHORITY_URL", backend)
	}
	cfg.Rate.Backend = backend

	cfg.Rate.TimeUnit = getEnvOrDefault("RATE_LIMIT_TIME_UNIT", "minute")
	interval, err := getEnvAsInt("RATE_LIMIT_INTERVAL", 1)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_INTERVAL: %w", err)
	}
	cfg.Rate.Interval = interval

	allow, err := getEnvAsInt64("RATE_LIMIT_ALLOW", 100)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_ALLOW: %w", err)
	}
	cfg.Rate.Allow = allow

	cfg.Rate.SpikeTimeUnit = getEnvOrDefault("RATE_LIMIT_SPIKE_TIME_UNIT", "second")
	spikeAllow, err := getEnvAsInt64("RATE_LIMIT_SPIKE_ALLOW", 0)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_SPIKE_ALLOW: %w", err)
	}
	cfg.Rate.SpikeAllow = spikeAllow

	spikeBuffer, err := getEnvAsInt("RATE_LIMIT_SPIKE_BUFFER", 0)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_SPIKE_BUFFER: %w", err)
	}
	cfg.Rate.SpikeBuffer = spikeBuffer

	cfg.Rate.APIKeyHeader = getEnvOrDefault("RATE_LIMIT_API_KEY_HEADER", "X-API-Key")

	trustProxy, err := getEnvAsBool("RATE_LIMIT_TRUST_PROXY", false)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_TRUST_PROXY: %w", err)
	}
	cfg.Rate.TrustProxy = trustProxy

	sweep, err := getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_SWEEP_INTERVAL: %w", err)
	}
	cfg.Rate.SweepInterval = sweep

	cfg.Rate.PoliciesFile = getEnvOrDefault("RATE_LIMIT_POLICIES_FILE", "")
	return nil
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsInt64 returns the environment variable as a 64-bit integer.
func getEnvAsInt64(key string, defaultValue int64) (int64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(valueStr, 10, 64)
}

// getEnvAsFloat returns the environment variable as a float.
func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(valueStr, 64)
}

// getEnvAsBool returns the environment variable as a bool.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}
