package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scrapeforge/internal/gateway"
	"github.com/jkaninda/scrapeforge/internal/gateway/httpapi"
	"github.com/jkaninda/scrapeforge/internal/gateway/ws"
	"github.com/jkaninda/scrapeforge/internal/notification"
	"github.com/jkaninda/scrapeforge/internal/observability"
	"github.com/jkaninda/scrapeforge/internal/ratelimit"
	"github.com/jkaninda/scrapeforge/internal/scheduler"
	"github.com/jkaninda/scrapeforge/internal/secrets"
)

var (
	serveAddr string
	serveDocs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the execution workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI docs at /docs")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "json")

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	if err := c.layout.CleanScratch(); err != nil {
		logger.Warn("cleaning stale scratch directories", slog.String("error", err.Error()))
	}

	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}

	orch := c.newOrchestrator(store)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	svc := c.newService(store, orch)

	if cfg.Auth.AdminAPIKey != "" {
		key, err := secrets.ResolveValue(ctx, c.secrets, cfg.Auth.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("resolving admin api key: %w", err)
		}
		admin, err := svc.EnsureAdmin(ctx, key)
		if err != nil {
			return fmt.Errorf("bootstrapping admin user: %w", err)
		}
		logger.Info("admin user ready", slog.String("user_id", admin.ID.String()))
	}

	metrics := c.obs.MetricsOrNil()

	// Recurring runs (optional).
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var sm *scheduler.Metrics
		if metrics != nil {
			sm = scheduler.NewMetrics(metrics.Registry)
		}
		cancelScheduler := scheduler.New(store.Scrapers(), orch, sm, logger, cfg.Scheduler).Start(ctx)
		defer cancelScheduler()
	}

	// Completion webhook (optional).
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		secret, err := secrets.ResolveValue(ctx, c.secrets, cfg.Webhook.Secret)
		if err != nil {
			return fmt.Errorf("resolving webhook secret: %w", err)
		}
		sender, err := notification.NewWebhookSender(notification.WebhookConfig{
			URL:          cfg.Webhook.URL,
			Secret:       secret,
			Timeout:      cfg.Webhook.Timeout(),
			AllowPrivate: cfg.Webhook.AllowPrivate,
		}, logger)
		if err != nil {
			return err
		}
		var recorder notification.DeliveryRecorder
		if metrics != nil {
			recorder = metrics
		}
		events, unsubscribe := orch.Subscribe(64)
		defer unsubscribe()
		go notification.NewDispatcher(recorder, logger, sender).Run(ctx, events)
		logger.Debug("webhook dispatcher started")
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Requests: cfg.RateLimit.Limit(),
		Window:   cfg.RateLimit.Window(),
	})
	go limiter.Run(ctx)

	health := observability.NewHealthChecker(logger)
	if c.obs != nil && c.obs.Health != nil {
		health = c.obs.Health
	}
	health.AddCheck("storage", svc.Ping)
	minFree := 100
	if cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.MinFreeDiskMB > 0 {
		minFree = cfg.Observability.Health.MinFreeDiskMB
	}
	health.AddCheck("outputs_disk", observability.DiskSpaceCheck(c.layout.OutputsDir(), minFree))

	addr := cfg.Server.ListenAddr()
	if serveAddr != "" {
		addr = serveAddr
	}
	var tracer trace.Tracer
	if ts := c.obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	metricsPath := ""
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		metricsPath = cfg.Observability.Metrics.Path
	}

	api := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      addr,
		EnableDocs:      serveDocs,
		ReadTimeout:     cfg.Server.ReadTimeout(),
		WriteTimeout:    cfg.Server.WriteTimeout(),
		MetricsRegistry: metrics.RegistryOrNil(),
		MetricsPath:     metricsPath,
		HealthChecker:   health,
		Metrics:         metrics,
		Tracer:          tracer,
	}, svc, limiter, logger)
	api.WithHandler("/v1/ws/executions", ws.NewServer(svc, orch, logger).Handler())
	var gw gateway.Gateway = api

	logger.Info("scrapeforge serving",
		slog.String("addr", addr),
		slog.String("storage", store.Driver()),
		slog.Bool("llm", c.provider != nil),
	)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http server", slog.String("error", err.Error()))
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("stopping orchestrator", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
	return nil
}
