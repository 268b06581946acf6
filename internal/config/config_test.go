package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "scrapeforge.yaml", `
workspace: /srv/scrapeforge
server:
  addr: ":9090"
provider:
  default: openai
  openai:
    api_key: env://OPENAI_API_KEY
    model: gpt-4o-mini
execution:
  max_concurrent: 8
  timeout_seconds: 120
scheduler:
  enabled: true
  poll_interval_seconds: 10
webhook:
  url: https://hooks.example.test/scrapeforge
  secret: s3cret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/srv/scrapeforge" || cfg.Server.ListenAddr() != ":9090" {
		t.Errorf("workspace/addr = %q %q", cfg.Workspace, cfg.Server.ListenAddr())
	}
	if cfg.Provider.OpenAI.APIKey != "env://OPENAI_API_KEY" || cfg.Provider.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("openai = %+v", cfg.Provider.OpenAI)
	}
	if cfg.Execution.MaxConcurrent != 8 || cfg.Execution.Timeout() != 120*time.Second {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.PollInterval() != 10*time.Second || cfg.Scheduler.MissedJobWindow() != time.Hour {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
}

func TestLoad_JSONWithEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPEFORGE_DB_DSN", "postgres://u:p@db/scrapeforge")
	t.Setenv("SCRAPEFORGE_LOG_LEVEL", "debug")
	t.Setenv("SCRAPEFORGE_WORKSPACE", "/tmp/sf")
	path := writeConfig(t, "scrapeforge.json", `{"workspace": "/ignored", "logging": {"level": "warn"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/tmp/sf" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@db/scrapeforge" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Logging.SlogLevel())
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero config invalid: %v", err)
	}
	if cfg.Credits.Initial() != 100 || cfg.Credits.Cost() != 10 {
		t.Errorf("credits = %d/%d", cfg.Credits.Initial(), cfg.Credits.Cost())
	}
	if cfg.RateLimit.Limit() != 10 || cfg.RateLimit.Window() != time.Minute {
		t.Errorf("rate limit = %d/%v", cfg.RateLimit.Limit(), cfg.RateLimit.Window())
	}
	if cfg.Execution.Timeout() != 300*time.Second || cfg.Sandbox.SandboxExecutor() != "process" {
		t.Errorf("execution defaults wrong")
	}
	var nilSched *SchedulerConfig
	if nilSched.PollInterval() != 30*time.Second {
		t.Errorf("nil scheduler poll interval = %v", nilSched.PollInterval())
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"openai without key", func(c *Config) { c.Provider.Default = "openai" }, "provider.openai.api_key"},
		{"unknown provider", func(c *Config) { c.Provider.Default = "gemini" }, "not supported"},
		{"anthropic fallback without key", func(c *Config) {
			c.Provider.Default = "openai"
			c.Provider.OpenAI.APIKey = "k"
			c.Provider.Fallback = []string{"anthropic"}
		}, "provider.anthropic.api_key"},
		{"postgres without dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "dsn is required"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mysql"} }, "not supported"},
		{"unknown executor", func(c *Config) { c.Sandbox.Executor = "firecracker" }, "sandbox.executor"},
		{"negative memory", func(c *Config) { c.Sandbox.MaxMemoryMB = -1 }, "must not be negative"},
		{"bad webhook url", func(c *Config) { c.Webhook = &WebhookConfig{URL: "ftp://x"} }, "webhook.url"},
		{"bad checker", func(c *Config) { c.Validator.SyntaxChecker = "pyflakes" }, "syntax_checker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
