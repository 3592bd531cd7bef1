// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.mnemos/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Embedding: model version, vector dimension, similarity metric
//   - Retrieval: default top-k, overfetch factor, recall floor
//   - Quota: per-principal token/request limits and period length
//   - Generation: timeouts, retry bounds, backoff intervals
//   - Audit: buffer capacity
//   - Storage: PostgreSQL connection
//
// Sensitive data (the database password) is never logged; see MarshalJSON.
// Load validates immediately so a bad configuration fails at startup, not
// on first query.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidDimension indicates the vector dimension is out of range.
	ErrInvalidDimension = errors.New("invalid vector dimension")

	// ErrInvalidMetric indicates the similarity metric is not supported.
	ErrInvalidMetric = errors.New("invalid similarity metric")

	// ErrInvalidModelVersion indicates the embedder model version is empty.
	ErrInvalidModelVersion = errors.New("invalid embedder model version")

	// ErrInvalidTopK indicates the default top-k is out of range.
	ErrInvalidTopK = errors.New("invalid top-k")

	// ErrInvalidOverfetch indicates the retrieval overfetch factor is out of range.
	ErrInvalidOverfetch = errors.New("invalid overfetch factor")

	// ErrInvalidRecallFloor indicates the recall floor is outside (0, 1].
	ErrInvalidRecallFloor = errors.New("invalid recall floor")

	// ErrInvalidContextBudget indicates the context budget is not positive.
	ErrInvalidContextBudget = errors.New("invalid context budget")

	// ErrInvalidQuotaLimit indicates a quota limit is not positive.
	ErrInvalidQuotaLimit = errors.New("invalid quota limit")

	// ErrInvalidQuotaPeriod indicates the quota period is too short.
	ErrInvalidQuotaPeriod = errors.New("invalid quota period")

	// ErrInvalidTimeout indicates a timeout value is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidRetries indicates the generation retry bound is out of range.
	ErrInvalidRetries = errors.New("invalid retry bound")

	// ErrInvalidAuditBuffer indicates the audit buffer capacity is out of range.
	ErrInvalidAuditBuffer = errors.New("invalid audit buffer capacity")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Similarity metric identifiers used in Config.Metric.
const (
	MetricCosine = "cosine"
	MetricDot    = "dot"
)

const (
	// DefaultEmbedderModel is the default embedder model version.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the chunks schema uses vector(768).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultVectorDimension matches the pgvector schema in
	// internal/database/migrations.
	DefaultVectorDimension = 768

	// DefaultContextBudget is the default context assembly budget in
	// characters.
	DefaultContextBudget = 8000

	// MaxTopK bounds top-k to keep a single retrieval from scanning the
	// whole corpus into memory.
	MaxTopK = 100
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
type Config struct {
	// Embedding configuration
	EmbedderModel   string `mapstructure:"embedder_model" json:"embedder_model"`
	VectorDimension int    `mapstructure:"vector_dimension" json:"vector_dimension"`
	Metric          string `mapstructure:"metric" json:"metric"` // "cosine" (default) or "dot"

	// Retrieval configuration
	DefaultTopK     int     `mapstructure:"default_top_k" json:"default_top_k"`
	OverfetchFactor int     `mapstructure:"overfetch_factor" json:"overfetch_factor"`
	RecallFloor     float64 `mapstructure:"recall_floor" json:"recall_floor"`

	// Context assembly
	ContextBudget int `mapstructure:"context_budget" json:"context_budget"` // characters

	// Quota configuration (per principal, per period)
	QuotaLimitTokens   int64         `mapstructure:"quota_limit_tokens" json:"quota_limit_tokens"`
	QuotaLimitRequests int64         `mapstructure:"quota_limit_requests" json:"quota_limit_requests"`
	QuotaPeriod        time.Duration `mapstructure:"quota_period" json:"quota_period"`
	QuotaRatePerSecond float64       `mapstructure:"quota_rate_per_second" json:"quota_rate_per_second"`
	QuotaBurst         int           `mapstructure:"quota_burst" json:"quota_burst"`

	// Generation backend configuration
	GenerationModel     string        `mapstructure:"generation_model" json:"generation_model"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout" json:"query_timeout"`
	AttemptTimeout      time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
	MaxRetries          int           `mapstructure:"max_retries" json:"max_retries"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff" json:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff" json:"retry_max_backoff"`

	// Audit configuration
	AuditBufferCapacity int `mapstructure:"audit_buffer_capacity" json:"audit_buffer_capacity"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".mnemos")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL has highest priority for PostgreSQL settings
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Fail fast on invalid configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// Embedding defaults
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("vector_dimension", DefaultVectorDimension)
	viper.SetDefault("metric", MetricCosine)

	// Retrieval defaults
	viper.SetDefault("default_top_k", 5)
	viper.SetDefault("overfetch_factor", 4)
	viper.SetDefault("recall_floor", 0.95)

	// Context assembly defaults
	viper.SetDefault("context_budget", DefaultContextBudget)

	// Quota defaults
	viper.SetDefault("quota_limit_tokens", 100_000)
	viper.SetDefault("quota_limit_requests", 1_000)
	viper.SetDefault("quota_period", "24h")
	viper.SetDefault("quota_rate_per_second", 5.0)
	viper.SetDefault("quota_burst", 10)

	// Generation defaults
	viper.SetDefault("generation_model", "googleai/gemini-2.5-flash")
	viper.SetDefault("query_timeout", "60s")
	viper.SetDefault("attempt_timeout", "20s")
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("retry_initial_backoff", "500ms")
	viper.SetDefault("retry_max_backoff", "10s")

	// Audit defaults
	viper.SetDefault("audit_buffer_capacity", 1024)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "mnemos")
	viper.SetDefault("postgres_password", "mnemos_dev_password")
	viper.SetDefault("postgres_db_name", "mnemos")
	viper.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variable overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables() {
	// Hardcoded keys can't fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("embedder_model", "MNEMOS_EMBEDDER_MODEL")
	mustBind("generation_model", "MNEMOS_GENERATION_MODEL")
	mustBind("metric", "MNEMOS_METRIC")
	mustBind("quota_limit_tokens", "MNEMOS_QUOTA_LIMIT_TOKENS")
	mustBind("quota_limit_requests", "MNEMOS_QUOTA_LIMIT_REQUESTS")
	mustBind("quota_period", "MNEMOS_QUOTA_PERIOD")
	mustBind("audit_buffer_capacity", "MNEMOS_AUDIT_BUFFER_CAPACITY")
	mustBind("postgres_password", "MNEMOS_POSTGRES_PASSWORD")
}

// parseDatabaseURL overrides PostgreSQL settings from DATABASE_URL if set.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported DATABASE_URL scheme %q", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("malformed DATABASE_URL port %q: %w", port, err)
		}
		c.PostgresPort = p
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if len(u.Path) > 1 {
		c.PostgresDBName = u.Path[1:]
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}

	return nil
}

// ConnString returns the PostgreSQL connection string for pgx.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars or
// fewer are fully masked to prevent substring attacks; longer secrets show
// the first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
