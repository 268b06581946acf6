// Package config handles loading and validating ScrapeForge configuration.
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
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads a .env file from the working directory if it exists.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Config is the root configuration for ScrapeForge.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Root for scripts, outputs, scratch and data. Default: ~/.scrapeforge. Override: SCRAPEFORGE_WORKSPACE.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the workspace.
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Generator     GeneratorConfig      `json:"generator" yaml:"generator"`
	Validator     ValidatorConfig      `json:"validator" yaml:"validator"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"` // nil = recurring runs disabled.
	Credits       CreditsConfig        `json:"credits" yaml:"credits"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Webhook       *WebhookConfig       `json:"webhook,omitempty" yaml:"webhook,omitempty"`             // nil = no webhook.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled.
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr                   string `json:"addr" yaml:"addr"`                                         // Default: ":8080". Override: SCRAPEFORGE_LISTEN_ADDR.
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`         // Default: 30.
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`       // Default: 60.
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"` // Default: 30.
}

// ListenAddr returns the listen address with a default of ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

func (s *ServerConfig) ReadTimeout() time.Duration {
	return seconds(s.ReadTimeoutSeconds, 30)
}

func (s *ServerConfig) WriteTimeout() time.Duration {
	return seconds(s.WriteTimeoutSeconds, 60)
}

func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(s.ShutdownTimeoutSeconds, 30)
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SCRAPEFORGE_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ProviderConfig selects the remote generation provider.
// API keys may be literals or credential references ("env://OPENAI_API_KEY").
type ProviderConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai", "anthropic", or "" (template only).
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails.
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Any OpenAI-compatible endpoint.
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// GeneratorConfig holds the provider call parameters.
type GeneratorConfig struct {
	Model          string  `json:"model" yaml:"model"` // Default: provider model, else gpt-3.5-turbo.
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	CostPerToken   float64 `json:"cost_per_token" yaml:"cost_per_token"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 120.
}

func (g *GeneratorConfig) Timeout() time.Duration {
	return seconds(g.TimeoutSeconds, 120)
}

// ValidatorConfig configures script validation.
type ValidatorConfig struct {
	MaxScriptSize int    `json:"max_script_size" yaml:"max_script_size"` // Default: 10000.
	SyntaxChecker string `json:"syntax_checker" yaml:"syntax_checker"`   // "tokenizer" (default) or "python".
	Interpreter   string `json:"interpreter" yaml:"interpreter"`         // For the python checker. Default: python3.
}

// SandboxConfig configures where and how scripts run.
type SandboxConfig struct {
	Executor      string               `json:"executor" yaml:"executor"`       // "process" (default) or "docker".
	Interpreter   string               `json:"interpreter" yaml:"interpreter"` // Process executor only. Default: python3.
	MaxCPUSeconds int                  `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryMB   int                  `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxFileSizeMB int                  `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxProcesses  int                  `json:"max_processes" yaml:"max_processes"`
	PassEnv       []string             `json:"pass_env,omitempty" yaml:"pass_env,omitempty"` // Host variables forwarded to scripts (e.g. HTTPS_PROXY).
	Docker        *DockerSandboxConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// SandboxExecutor returns the executor name, defaulting to "process".
func (s *SandboxConfig) SandboxExecutor() string {
	if s.Executor != "" {
		return s.Executor
	}
	return "process"
}

// DockerSandboxConfig configures the Docker executor.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image"`
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // Scrapers usually need the network.
}

// ExecutionConfig configures the execution worker pool.
type ExecutionConfig struct {
	MaxConcurrent  int `json:"max_concurrent" yaml:"max_concurrent"`   // Default: 4.
	QueueSize      int `json:"queue_size" yaml:"queue_size"`           // Default: 100.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"` // Per run. Default: 300.
}

func (e *ExecutionConfig) Timeout() time.Duration {
	return seconds(e.TimeoutSeconds, 300)
}

// SchedulerConfig configures recurring scraper runs.
// When nil, scraper schedules are ignored.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds    int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 30.
	MissedJobWindowSeconds int  `json:"missed_job_window_seconds" yaml:"missed_job_window_seconds"` // Default: 3600 (1 hour).
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MissedJobWindow returns the window for recovering missed runs.
// Runs missed more than this duration ago are skipped. Default: 1 hour.
func (s *SchedulerConfig) MissedJobWindow() time.Duration {
	if s != nil && s.MissedJobWindowSeconds > 0 {
		return time.Duration(s.MissedJobWindowSeconds) * time.Second
	}
	return 1 * time.Hour
}

// CreditsConfig configures the credit ledger.
type CreditsConfig struct {
	DefaultBalance int `json:"default_balance" yaml:"default_balance"` // New users. Default: 100.
	GenerationCost int `json:"generation_cost" yaml:"generation_cost"` // Per generation. Default: 10.
}

func (c *CreditsConfig) Initial() int {
	if c.DefaultBalance > 0 {
		return c.DefaultBalance
	}
	return 100
}

func (c *CreditsConfig) Cost() int {
	if c.GenerationCost > 0 {
		return c.GenerationCost
	}
	return 10
}

// RateLimitConfig configures per-user rate limiting of generation and execution calls.
type RateLimitConfig struct {
	Requests      int `json:"requests" yaml:"requests"`             // Per window. Default: 10. Negative disables.
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"` // Default: 60.
}

func (r *RateLimitConfig) Limit() int {
	if r.Requests != 0 {
		return r.Requests
	}
	return 10
}

func (r *RateLimitConfig) Window() time.Duration {
	return seconds(r.WindowSeconds, 60)
}

// WebhookConfig configures the terminal-execution webhook.
type WebhookConfig struct {
	URL            string `json:"url" yaml:"url"`                         // Override: SCRAPEFORGE_WEBHOOK_URL.
	Secret         string `json:"secret" yaml:"secret"`                   // HMAC key; may be a credential reference. Override: SCRAPEFORGE_WEBHOOK_SECRET.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10.
	AllowPrivate   bool   `json:"allow_private" yaml:"allow_private"`     // Permit private/loopback targets.
}

func (w *WebhookConfig) Timeout() time.Duration {
	return seconds(w.TimeoutSeconds, 10)
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "scrapeforge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures failure-rate warnings for provider calls and script runs.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0–1.0. Zero disables the check.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300.
}

// HealthConfig configures readiness checks.
type HealthConfig struct {
	MinFreeDiskMB int `json:"min_free_disk_mb" yaml:"min_free_disk_mb"` // Outputs volume. Default: 100.
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// AdminAPIKey bootstraps an admin user on serve. May be a credential
	// reference. Override: SCRAPEFORGE_ADMIN_KEY.
	AdminAPIKey string `json:"admin_api_key,omitempty" yaml:"admin_api_key,omitempty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error. Override: SCRAPEFORGE_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" or "text". Empty = command default.
}

// SlogLevel parses Level, defaulting to info.
func (l *LoggingConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// DefaultConfigPath returns the default config file path (~/.scrapeforge/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/scrapeforge.yaml"
	}
	return filepath.Join(home, ".scrapeforge", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path, or a missing file at the default path, yields Default().
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			return cfg, nil
		}
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("SCRAPEFORGE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("SCRAPEFORGE_LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SCRAPEFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCRAPEFORGE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = v
	}

	// Provider keys: a bare env var fills an unset key.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Provider.OpenAI.APIKey == "" {
		c.Provider.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Provider.Anthropic.APIKey == "" {
		c.Provider.Anthropic.APIKey = v
	}
	if v := os.Getenv("SCRAPEFORGE_PROVIDER"); v != "" {
		c.Provider.Default = v
	}

	if v := os.Getenv("SCRAPEFORGE_WEBHOOK_URL"); v != "" {
		if c.Webhook == nil {
			c.Webhook = &WebhookConfig{}
		}
		c.Webhook.URL = v
	}
	if v := os.Getenv("SCRAPEFORGE_WEBHOOK_SECRET"); v != "" && c.Webhook != nil {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("SCRAPEFORGE_ADMIN_KEY"); v != "" {
		c.Auth.AdminAPIKey = v
	}
	if v := os.Getenv("SCRAPEFORGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxConcurrent = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Workspace = filepath.Join(home, ".scrapeforge")
		} else {
			c.Workspace = ".scrapeforge"
		}
	}
	if c.Provider.OpenAI.Model == "" {
		c.Provider.OpenAI.Model = "gpt-3.5-turbo"
	}
	if c.Provider.Anthropic.Model == "" {
		c.Provider.Anthropic.Model = "claude-3-5-haiku-latest"
	}
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Validate checks the configuration for contradictions and out-of-range values.
func (c *Config) Validate() error {
	if err := c.validateProvider(); err != nil {
		return err
	}
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SCRAPEFORGE_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	switch c.Validator.SyntaxChecker {
	case "", "tokenizer", "python":
	default:
		return fmt.Errorf("validator.syntax_checker %q is not supported (use tokenizer or python)", c.Validator.SyntaxChecker)
	}
	switch c.Sandbox.SandboxExecutor() {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.executor %q is not supported (use process or docker)", c.Sandbox.Executor)
	}
	if c.Sandbox.MaxMemoryMB < 0 || c.Sandbox.MaxCPUSeconds < 0 || c.Sandbox.MaxFileSizeMB < 0 || c.Sandbox.MaxProcesses < 0 {
		return fmt.Errorf("sandbox limits must not be negative")
	}
	if c.Execution.MaxConcurrent < 0 || c.Execution.QueueSize < 0 || c.Execution.TimeoutSeconds < 0 {
		return fmt.Errorf("execution settings must not be negative")
	}
	if c.Credits.DefaultBalance < 0 || c.Credits.GenerationCost < 0 {
		return fmt.Errorf("credits settings must not be negative")
	}
	if c.Webhook != nil && c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.url %q must be an absolute http(s) URL", c.Webhook.URL)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	return nil
}

// validateProvider checks that the selected providers have the required fields.
// An empty default means template-only generation.
func (c *Config) validateProvider() error {
	names := append([]string{c.Provider.Default}, c.Provider.Fallback...)
	for i, name := range names {
		switch name {
		case "":
			if i > 0 {
				return fmt.Errorf("provider.fallback must not contain empty names")
			}
		case "openai":
			if c.Provider.OpenAI.APIKey == "" {
				return fmt.Errorf("provider.openai.api_key is required (set OPENAI_API_KEY env var)")
			}
		case "anthropic":
			if c.Provider.Anthropic.APIKey == "" {
				return fmt.Errorf("provider.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
			}
		default:
			return fmt.Errorf("provider %q is not supported (use openai or anthropic)", name)
		}
	}
	return nil
}

func seconds(v, def int) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(def) * time.Second
}
