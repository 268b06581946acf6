package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/scrapeforge/internal/config"
	"github.com/jkaninda/scrapeforge/internal/credits"
	"github.com/jkaninda/scrapeforge/internal/generator"
	"github.com/jkaninda/scrapeforge/internal/llm"
	"github.com/jkaninda/scrapeforge/internal/llm/anthropic"
	"github.com/jkaninda/scrapeforge/internal/llm/openai"
	"github.com/jkaninda/scrapeforge/internal/observability"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
	"github.com/jkaninda/scrapeforge/internal/sandbox"
	"github.com/jkaninda/scrapeforge/internal/secrets"
	"github.com/jkaninda/scrapeforge/internal/service"
	"github.com/jkaninda/scrapeforge/internal/storage"
	pgstore "github.com/jkaninda/scrapeforge/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/scrapeforge/internal/storage/sqlite"
	"github.com/jkaninda/scrapeforge/internal/validator"
	"github.com/jkaninda/scrapeforge/internal/workspace"
)

// loadConfig reads the config named by --config or SCRAPEFORGE_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("SCRAPEFORGE_CONFIG", configPath))
}

// newLogger builds the process logger. format is used when the config does
// not pick one; logs always go to stderr so stdout stays clean for output.
func newLogger(cfg *config.Config, format string) *slog.Logger {
	if cfg.Logging.Format != "" {
		format = cfg.Logging.Format
	}
	opts := &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// components holds the subsystems shared by the commands. Built by
// initComponents, torn down by Cleanup.
type components struct {
	cfg       *config.Config
	logger    *slog.Logger
	layout    *workspace.Layout
	secrets   secrets.Provider
	obs       *observability.Observability
	provider  llm.Provider // nil = template only.
	validator *validator.Validator

	store storage.Store // nil until openStore.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initComponents sets up the workspace, secrets, observability, the LLM
// provider and the validator. Storage is opened separately by commands
// that need it.
func initComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	layout, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := layout.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	c.layout = layout
	logger.Debug("workspace initialized", slog.String("root", layout.Root))

	c.secrets = secrets.NewCompositeProvider(secrets.NewEnvProvider(), secrets.NewFileProvider())

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	provider, err := newLLMProvider(ctx, cfg, c.secrets, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	if provider != nil {
		if m := obs.MetricsOrNil(); m != nil || obs.TracerOrNil() != nil {
			provider = observability.NewInstrumentedProvider(provider, m, obs.TracerOrNil(), obs.AnomalyOrNil())
		}
		logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	} else {
		logger.Info("no LLM provider configured, scripts come from the template")
	}
	c.provider = provider

	c.validator = newValidator(cfg, logger)
	return c, nil
}

// openStore opens and migrates the configured datastore.
func (c *components) openStore(ctx context.Context) (storage.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	var store storage.Store
	switch c.cfg.StorageDriverName() {
	case "postgres":
		pg := c.cfg.Storage.Postgres
		dsn, err := secrets.ResolveValue(ctx, c.secrets, pg.DSN)
		if err != nil {
			return nil, fmt.Errorf("resolving postgres dsn: %w", err)
		}
		db, err := pgstore.Open(pgstore.Config{
			DSN:             dsn,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, c.logger)
		if err != nil {
			return nil, err
		}
		store = pgstore.NewStore(db)
	default:
		sc := sqlitestore.Config{Path: c.layout.DatabasePath()}
		if c.cfg.Storage != nil && c.cfg.Storage.SQLite != nil {
			if c.cfg.Storage.SQLite.Path != "" {
				sc.Path = c.cfg.Storage.SQLite.Path
			}
			sc.JournalMode = c.cfg.Storage.SQLite.JournalMode
		}
		s, err := sqlitestore.Open(sc, c.logger)
		if err != nil {
			return nil, err
		}
		store = s
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}
	c.addCleanup(func() { _ = store.Close() })
	c.store = store
	c.logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}

// newGenerator builds a generator. log may be nil for offline generation.
func (c *components) newGenerator(log generator.AttemptLog) *generator.Generator {
	g := c.cfg.Generator
	model := g.Model
	if model == "" {
		switch c.cfg.Provider.Default {
		case "openai":
			model = c.cfg.Provider.OpenAI.Model
		case "anthropic":
			model = c.cfg.Provider.Anthropic.Model
		}
	}
	opts := []generator.Option{generator.WithConfig(generator.Config{
		Model:        model,
		MaxTokens:    g.MaxTokens,
		Temperature:  g.Temperature,
		CostPerToken: g.CostPerToken,
		Timeout:      g.Timeout(),
	})}
	if log != nil {
		opts = append(opts, generator.WithAttemptLog(log))
	}
	return generator.New(c.provider, c.validator, c.logger, opts...)
}

// newSandbox builds the runner for the configured executor.
func (c *components) newSandbox() sandbox.Sandbox {
	sb := c.cfg.Sandbox
	limits := sandbox.ResourceLimits{
		MaxCPUSeconds: sb.MaxCPUSeconds,
		MaxMemoryMB:   sb.MaxMemoryMB,
		MaxFileSizeMB: sb.MaxFileSizeMB,
		MaxProcesses:  sb.MaxProcesses,
	}

	var executor sandbox.Executor
	switch sb.SandboxExecutor() {
	case "docker":
		dc := sandbox.DockerConfig{MemoryMB: sb.MaxMemoryMB}
		if sb.Docker != nil {
			dc.Image = sb.Docker.Image
			dc.CPUCores = sb.Docker.CPUCores
			dc.PIDsLimit = sb.Docker.PIDsLimit
			dc.NetworkAllowed = sb.Docker.NetworkAllowed
		}
		executor = sandbox.NewDockerExecutor(dc, c.logger)
	default:
		executor = sandbox.NewProcessExecutor(sandbox.ProcessConfig{
			Interpreter:   sb.Interpreter,
			DefaultLimits: limits,
			PassEnv:       sb.PassEnv,
			LookupEnv:     os.LookupEnv,
		}, c.logger)
	}

	metrics := c.obs.MetricsOrNil()
	var opts []sandbox.RunnerOption
	if metrics != nil {
		opts = append(opts, sandbox.WithCleanupRecorder(metrics))
	}
	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		ScratchRoot:    c.layout.ScratchDir(),
		OutputsRoot:    c.layout.OutputsDir(),
		DefaultTimeout: c.cfg.Execution.Timeout(),
		Limits:         limits,
	}, executor, c.logger, opts...)
	c.logger.Debug("sandbox initialized", slog.String("executor", runner.ExecutorName()))

	if metrics == nil && c.obs.TracerOrNil() == nil {
		return runner
	}
	return observability.NewInstrumentedSandbox(runner, runner.ExecutorName(), metrics, c.obs.TracerOrNil(), c.obs.AnomalyOrNil())
}

// newOrchestrator builds the execution scheduler over the opened store.
func (c *components) newOrchestrator(store storage.Store) *orchestrator.Orchestrator {
	var opts []orchestrator.Option
	if m := c.obs.MetricsOrNil(); m != nil {
		opts = append(opts, orchestrator.WithMetrics(orchestrator.NewExecutionMetrics(m.Registry)))
	}
	return orchestrator.New(
		store.Scrapers(),
		store.Executions(),
		c.newSandbox(),
		orchestrator.EngineConfig{
			MaxConcurrent: c.cfg.Execution.MaxConcurrent,
			QueueSize:     c.cfg.Execution.QueueSize,
			RunTimeout:    c.cfg.Execution.Timeout(),
			ScriptsDir:    c.layout.ScriptsDir(),
		},
		c.logger,
		opts...,
	)
}

// newService builds the caller-facing facade. executor may be nil.
func (c *components) newService(store storage.Store, executor service.Executor) *service.Service {
	ledger := credits.NewStoreLedger(store.Users(), c.logger)
	var opts []service.Option
	if m := c.obs.MetricsOrNil(); m != nil {
		opts = append(opts, service.WithCreditRecorder(m))
	}
	return service.New(
		store,
		ledger,
		c.newGenerator(store.Attempts()),
		c.validator,
		executor,
		service.Config{
			GenerationCost: c.cfg.Credits.Cost(),
			InitialCredits: c.cfg.Credits.Initial(),
			OutputsDir:     c.layout.OutputsDir(),
		},
		c.logger,
		opts...,
	)
}

func newValidator(cfg *config.Config, logger *slog.Logger) *validator.Validator {
	opts := []validator.Option{validator.WithMaxScriptSize(cfg.Validator.MaxScriptSize)}
	if cfg.Validator.SyntaxChecker == "python" {
		opts = append(opts, validator.WithSyntaxChecker(validator.PythonChecker{Interpreter: cfg.Validator.Interpreter}))
	}
	return validator.New(logger, opts...)
}

// newLLMProvider creates the default provider followed by its fallbacks.
// It returns nil when no provider is configured.
func newLLMProvider(ctx context.Context, cfg *config.Config, sp secrets.Provider, logger *slog.Logger) (llm.Provider, error) {
	if cfg.Provider.Default == "" {
		return nil, nil
	}
	names := append([]string{cfg.Provider.Default}, cfg.Provider.Fallback...)

	providers := make([]llm.Provider, 0, len(names))
	for _, name := range names {
		p, err := newNamedProvider(ctx, cfg, name, sp, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return llm.NewFallbackProvider(providers, logger)
}

func newNamedProvider(ctx context.Context, cfg *config.Config, name string, sp secrets.Provider, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai":
		pc := cfg.Provider.OpenAI
		key, err := secrets.ResolveValue(ctx, sp, pc.APIKey)
		if err != nil {
			return nil, fmt.Errorf("resolving openai api key: %w", err)
		}
		var opts []openai.Option
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		return openai.NewClient(key, pc.Model, logger, opts...), nil
	case "anthropic":
		pc := cfg.Provider.Anthropic
		key, err := secrets.ResolveValue(ctx, sp, pc.APIKey)
		if err != nil {
			return nil, fmt.Errorf("resolving anthropic api key: %w", err)
		}
		var opts []anthropic.Option
		if pc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.BaseURL))
		}
		return anthropic.NewClient(key, pc.Model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
