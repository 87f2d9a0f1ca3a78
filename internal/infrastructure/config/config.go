package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the enrollment core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWT           JWTConfig `yaml:"jwt"`
	InternalToken string    `yaml:"internal_token"`

	// RequireTeacherTOTP forces TOTP at login stage 2 for teachers that have
	// a secret enrolled. Students always require TOTP; admins never do.
	RequireTeacherTOTP bool `yaml:"require_teacher_totp"`
}

// JWTConfig contains access/refresh token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// AccessTokenTTL is the access token lifetime in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`

	// RefreshTokenTTL is the refresh token lifetime in minutes.
	RefreshTokenTTL int `yaml:"refresh_token_ttl"`
}

// RateLimitConfig contains token-bucket settings for the admission funnel.
// Capacity is the burst size; refill is tokens added per minute.
type RateLimitConfig struct {
	UserCapacity      int `yaml:"user_capacity"`
	UserRefillPerMin  int `yaml:"user_refill_per_min"`
	IPCapacity        int `yaml:"ip_capacity"`
	IPRefillPerMin    int `yaml:"ip_refill_per_min"`
	BucketIdleMinutes int `yaml:"bucket_idle_minutes"`

	// TOTPFailCapacity bounds consecutive bad TOTP codes per user at
	// stage 2 before the exchange is locked out.
	TOTPFailCapacity     int `yaml:"totp_fail_capacity"`
	TOTPFailRefillPerMin int `yaml:"totp_fail_refill_per_min"`
}

// DispatchConfig contains selection dispatcher settings.
type DispatchConfig struct {
	WorkerCount   int `yaml:"worker_count"`
	MaxQueueDepth int `yaml:"max_queue_depth"`
	MaxAttempts   int `yaml:"max_attempts"`

	// TaskDeadlineSeconds is the wall-clock limit for a single task execution,
	// including transaction time.
	TaskDeadlineSeconds int `yaml:"task_deadline_seconds"`

	// TaskTTLSeconds is how long terminal tasks remain available for polling.
	TaskTTLSeconds int `yaml:"task_ttl_seconds"`

	// ShutdownGraceSeconds is how long to wait for in-flight tasks on shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// WebSocketConfig contains task-event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ENROLLD_SECTION_KEY
// For example: ENROLLD_DATABASE_PATH, ENROLLD_JWT_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/enrolld.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL:  30,
				RefreshTokenTTL: 7 * 24 * 60,
			},
			RequireTeacherTOTP: true,
		},
		RateLimit: RateLimitConfig{
			UserCapacity:      10,
			UserRefillPerMin:  10,
			IPCapacity:        60,
			IPRefillPerMin:    60,
			BucketIdleMinutes: 10,

			TOTPFailCapacity:     3,
			TOTPFailRefillPerMin: 3,
		},
		Dispatch: DispatchConfig{
			WorkerCount:          4,
			MaxQueueDepth:        10000,
			MaxAttempts:          3,
			TaskDeadlineSeconds:  5,
			TaskTTLSeconds:       24 * 60 * 60,
			ShutdownGraceSeconds: 10,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ENROLLD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENROLLD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := envInt("ENROLLD_API_PORT"); v > 0 {
		cfg.API.Port = v
	}

	if v := os.Getenv("ENROLLD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("ENROLLD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Secrets: always set from the environment in production.
	if v := os.Getenv("ENROLLD_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("ENROLLD_INTERNAL_TOKEN"); v != "" {
		cfg.Security.InternalToken = v
	}
	if v := envInt("ENROLLD_ACCESS_TOKEN_TTL"); v > 0 {
		cfg.Security.JWT.AccessTokenTTL = v
	}
	if v := envInt("ENROLLD_REFRESH_TOKEN_TTL"); v > 0 {
		cfg.Security.JWT.RefreshTokenTTL = v
	}

	if v := envInt("ENROLLD_RATE_USER_CAPACITY"); v > 0 {
		cfg.RateLimit.UserCapacity = v
	}
	if v := envInt("ENROLLD_RATE_USER_REFILL"); v > 0 {
		cfg.RateLimit.UserRefillPerMin = v
	}
	if v := envInt("ENROLLD_RATE_IP_CAPACITY"); v > 0 {
		cfg.RateLimit.IPCapacity = v
	}
	if v := envInt("ENROLLD_RATE_IP_REFILL"); v > 0 {
		cfg.RateLimit.IPRefillPerMin = v
	}
	if v := envInt("ENROLLD_RATE_TOTP_FAIL_CAPACITY"); v > 0 {
		cfg.RateLimit.TOTPFailCapacity = v
	}
	if v := envInt("ENROLLD_RATE_TOTP_FAIL_REFILL"); v > 0 {
		cfg.RateLimit.TOTPFailRefillPerMin = v
	}

	if v := envInt("ENROLLD_WORKER_COUNT"); v > 0 {
		cfg.Dispatch.WorkerCount = v
	}
	if v := envInt("ENROLLD_MAX_QUEUE_DEPTH"); v > 0 {
		cfg.Dispatch.MaxQueueDepth = v
	}
	if v := envInt("ENROLLD_MAX_TASK_ATTEMPTS"); v > 0 {
		cfg.Dispatch.MaxAttempts = v
	}
	if v := envInt("ENROLLD_TASK_TTL_SECONDS"); v > 0 {
		cfg.Dispatch.TaskTTLSeconds = v
	}
}

// envInt reads an integer environment variable, returning 0 if unset or invalid.
func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// minJWTSecretLength is the minimum accepted JWT secret length. Shorter
// secrets make forged access tokens feasible.
const minJWTSecretLength = 32

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Secrets are REQUIRED. The access token gates every mutation the
	// dispatcher performs; the internal token gates the course mutate path.
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set ENROLLD_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.InternalToken == "" {
		errs = append(errs, "security.internal_token is required (set ENROLLD_INTERNAL_TOKEN environment variable)")
	}

	if c.Security.JWT.AccessTokenTTL <= 0 {
		errs = append(errs, "security.jwt.access_token_ttl must be positive")
	}
	if c.Security.JWT.RefreshTokenTTL <= 0 {
		errs = append(errs, "security.jwt.refresh_token_ttl must be positive")
	}

	if c.RateLimit.UserCapacity <= 0 || c.RateLimit.IPCapacity <= 0 {
		errs = append(errs, "rate_limit capacities must be positive")
	}
	if c.RateLimit.UserRefillPerMin <= 0 || c.RateLimit.IPRefillPerMin <= 0 {
		errs = append(errs, "rate_limit refill rates must be positive")
	}

	if c.Dispatch.WorkerCount <= 0 {
		errs = append(errs, "dispatch.worker_count must be positive")
	}
	if c.Dispatch.MaxQueueDepth <= 0 {
		errs = append(errs, "dispatch.max_queue_depth must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, "dispatch.max_attempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// AccessTokenDuration returns the access token TTL as a Duration.
func (c *SecurityConfig) AccessTokenDuration() time.Duration {
	return time.Duration(c.JWT.AccessTokenTTL) * time.Minute
}

// RefreshTokenDuration returns the refresh token TTL as a Duration.
func (c *SecurityConfig) RefreshTokenDuration() time.Duration {
	return time.Duration(c.JWT.RefreshTokenTTL) * time.Minute
}
