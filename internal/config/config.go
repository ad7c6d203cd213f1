package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultBatchSize is the default number of records written per upsert batch.
	DefaultBatchSize = 500

	// MaxBatchSize bounds a single write so one transaction stays reasonably sized.
	MaxBatchSize = 1000

	// DefaultMinRequestInterval is the default minimum delay between two source API requests.
	DefaultMinRequestInterval = 150 * time.Millisecond

	// DefaultRequestTimeout is the default per-call timeout for outbound requests.
	DefaultRequestTimeout = 30 * time.Second
)

// Auth types accepted in source.auth.type.
const (
	AuthOAuth2 = "oauth2"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// Config holds all configuration for graphsync.
type Config struct {
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	Source   SourceConfig   `mapstructure:"source"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Migrate  MigrateConfig  `mapstructure:"migrate"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	API      APIConfig      `mapstructure:"api"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
}

// Neo4jConfig holds graph database connection settings.
type Neo4jConfig struct {
	URI            string        `mapstructure:"uri"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	MaxPoolSize    int           `mapstructure:"max_pool_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// String returns a safe representation of Neo4jConfig with the password masked.
func (c Neo4jConfig) String() string {
	return fmt.Sprintf("Neo4jConfig{URI:%s, Username:%s, Password:%s, Database:%s}",
		c.URI, c.Username, maskSecret(c.Password), c.Database)
}

// SourceConfig holds settings for the SaaS API being synchronized.
type SourceConfig struct {
	BaseURL            string               `mapstructure:"base_url"`
	UserAgent          string               `mapstructure:"user_agent"`
	Auth               AuthConfig           `mapstructure:"auth"`
	RequestTimeout     time.Duration        `mapstructure:"request_timeout"`
	MinRequestInterval time.Duration        `mapstructure:"min_request_interval"`
	Retry              RetryConfig          `mapstructure:"retry"`
	CircuitBreaker     CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// AuthConfig describes how the fetch client authenticates against the source API.
type AuthConfig struct {
	Type         string   `mapstructure:"type"`
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	APIKey       string   `mapstructure:"api_key"`
	APIKeyHeader string   `mapstructure:"api_key_header"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	Token        string   `mapstructure:"token"`
}

// String returns a safe representation of AuthConfig with every secret masked.
func (c AuthConfig) String() string {
	return fmt.Sprintf("AuthConfig{Type:%s, ClientID:%s, ClientSecret:%s, APIKey:%s, Username:%s, Password:%s, Token:%s}",
		c.Type, c.ClientID, maskSecret(c.ClientSecret), maskSecret(c.APIKey),
		c.Username, maskSecret(c.Password), maskSecret(c.Token))
}

// RetryConfig holds the source API retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CircuitBreakerConfig holds the optional circuit breaker around source API calls.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// SyncConfig holds sync orchestration settings.
type SyncConfig struct {
	SchemaFile    string        `mapstructure:"schema_file"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	WriteRetries  int           `mapstructure:"write_retries"`
	Lookback      time.Duration `mapstructure:"lookback"`
	SampleLimit   int           `mapstructure:"sample_limit"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// MigrateConfig holds migration engine settings.
type MigrateConfig struct {
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	BatchSize int           `mapstructure:"batch_size"`
}

// ScheduleConfig holds the cron schedule for unattended incremental runs.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// maskSecret shows first 4 + last 4 chars, replacing the middle with asterisks.
func maskSecret(key string) string {
	const visible = 4
	if key == "" {
		return ""
	}
	if len(key) <= visible*2 {
		return "***"
	}
	return key[:visible] + "****" + key[len(key)-visible:]
}

// Load reads configuration from .env, file and environment variables.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(homeDir(), ".graphsync"))
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("GRAPHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map well-known env vars
	_ = v.BindEnv("neo4j.uri", "GRAPHSYNC_NEO4J_URI", "NEO4J_URI")
	_ = v.BindEnv("neo4j.username", "GRAPHSYNC_NEO4J_USERNAME", "NEO4J_USERNAME")
	_ = v.BindEnv("neo4j.password", "GRAPHSYNC_NEO4J_PASSWORD", "NEO4J_PASSWORD")
	_ = v.BindEnv("neo4j.database", "GRAPHSYNC_NEO4J_DATABASE", "NEO4J_DATABASE")
	_ = v.BindEnv("source.base_url", "GRAPHSYNC_SOURCE_BASE_URL")
	_ = v.BindEnv("source.auth.type", "GRAPHSYNC_SOURCE_AUTH_TYPE")
	_ = v.BindEnv("source.auth.token_url", "GRAPHSYNC_SOURCE_AUTH_TOKEN_URL")
	_ = v.BindEnv("source.auth.client_id", "GRAPHSYNC_SOURCE_AUTH_CLIENT_ID")
	_ = v.BindEnv("source.auth.client_secret", "GRAPHSYNC_SOURCE_AUTH_CLIENT_SECRET")
	_ = v.BindEnv("source.auth.api_key", "GRAPHSYNC_SOURCE_AUTH_API_KEY")
	_ = v.BindEnv("source.auth.username", "GRAPHSYNC_SOURCE_AUTH_USERNAME")
	_ = v.BindEnv("source.auth.password", "GRAPHSYNC_SOURCE_AUTH_PASSWORD")
	_ = v.BindEnv("source.auth.token", "GRAPHSYNC_SOURCE_AUTH_TOKEN")
	_ = v.BindEnv("sync.schema_file", "GRAPHSYNC_SYNC_SCHEMA_FILE")
	_ = v.BindEnv("api.listen_addr", "GRAPHSYNC_API_LISTEN_ADDR")
	_ = v.BindEnv("api.auth_token", "GRAPHSYNC_API_AUTH_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_pool_size", 50)
	v.SetDefault("neo4j.connect_timeout", "10s")
	v.SetDefault("neo4j.read_timeout", "30s")
	v.SetDefault("neo4j.write_timeout", "60s")

	v.SetDefault("source.base_url", "")
	v.SetDefault("source.user_agent", "graphsync/1.0")
	v.SetDefault("source.auth.type", AuthOAuth2)
	v.SetDefault("source.auth.api_key_header", "X-API-Key")
	v.SetDefault("source.request_timeout", DefaultRequestTimeout)
	v.SetDefault("source.min_request_interval", DefaultMinRequestInterval)
	v.SetDefault("source.retry.max_attempts", 5)
	v.SetDefault("source.retry.base_delay", "1s")
	v.SetDefault("source.retry.max_delay", "60s")
	v.SetDefault("source.circuit_breaker.enabled", false)
	v.SetDefault("source.circuit_breaker.max_requests", 3)
	v.SetDefault("source.circuit_breaker.interval", "1m")
	v.SetDefault("source.circuit_breaker.timeout", "2m")
	v.SetDefault("source.circuit_breaker.min_requests", 10)
	v.SetDefault("source.circuit_breaker.failure_ratio", 0.6)

	v.SetDefault("sync.schema_file", "schema.yaml")
	v.SetDefault("sync.batch_size", DefaultBatchSize)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.write_retries", 2)
	v.SetDefault("sync.lookback", "168h") // 7 days
	v.SetDefault("sync.sample_limit", 100)
	v.SetDefault("sync.enable_metrics", true)

	v.SetDefault("migrate.lock_ttl", "10m")
	v.SetDefault("migrate.batch_size", 1000)

	v.SetDefault("schedule.cron", "0 */15 * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.auth_token", "")
}

// Validate checks that required configuration fields are set and consistent.
// The source base URL is checked separately by ValidateSource because
// migration and status commands never talk to the source API.
func (c *Config) Validate() error {
	if c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri must not be empty")
	}
	if c.Neo4j.MaxPoolSize <= 0 {
		return fmt.Errorf("neo4j.max_pool_size must be greater than 0")
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > MaxBatchSize {
		return fmt.Errorf("sync.batch_size must be between 1 and %d, got %d", MaxBatchSize, c.Sync.BatchSize)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be greater than 0")
	}
	if c.Sync.WriteRetries < 0 {
		return fmt.Errorf("sync.write_retries must be >= 0")
	}
	if c.Sync.Lookback < 0 {
		return fmt.Errorf("sync.lookback must be >= 0")
	}
	if c.Sync.SampleLimit <= 0 {
		return fmt.Errorf("sync.sample_limit must be greater than 0")
	}
	if c.Migrate.LockTTL <= 0 {
		return fmt.Errorf("migrate.lock_ttl must be greater than 0")
	}
	if c.Migrate.BatchSize <= 0 {
		return fmt.Errorf("migrate.batch_size must be greater than 0")
	}
	if c.Source.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("source.retry.max_attempts must be greater than 0")
	}
	if c.Source.Retry.BaseDelay < 0 || c.Source.Retry.MaxDelay < c.Source.Retry.BaseDelay {
		return fmt.Errorf("source.retry.max_delay (%s) must be >= source.retry.base_delay (%s)", c.Source.Retry.MaxDelay, c.Source.Retry.BaseDelay)
	}
	if c.Source.MinRequestInterval < 0 {
		return fmt.Errorf("source.min_request_interval must be >= 0")
	}
	if c.Source.RequestTimeout <= 0 {
		return fmt.Errorf("source.request_timeout must be greater than 0")
	}
	if cb := c.Source.CircuitBreaker; cb.Enabled && (cb.FailureRatio <= 0 || cb.FailureRatio > 1) {
		return fmt.Errorf("source.circuit_breaker.failure_ratio must be between 0 and 1")
	}
	if !slices.Contains([]string{AuthOAuth2, AuthAPIKey, AuthBasic, AuthBearer}, c.Source.Auth.Type) {
		return fmt.Errorf("source.auth.type must be one of oauth2, api_key, basic, bearer; got %q", c.Source.Auth.Type)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}
	return nil
}

// ValidateSource checks the settings needed to talk to the source API.
func (c *Config) ValidateSource() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url must not be empty")
	}
	if _, err := url.ParseRequestURI(c.Source.BaseURL); err != nil {
		return fmt.Errorf("source.base_url is not a valid URL: %w", err)
	}
	a := c.Source.Auth
	switch a.Type {
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" || a.ClientSecret == "" {
			return fmt.Errorf("source.auth: oauth2 requires token_url, client_id and client_secret")
		}
	case AuthAPIKey:
		if a.APIKey == "" {
			return fmt.Errorf("source.auth: api_key requires api_key")
		}
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("source.auth: basic requires username")
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("source.auth: bearer requires token")
		}
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
