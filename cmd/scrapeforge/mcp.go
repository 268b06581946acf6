package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	mcpgw "github.com/jkaninda/scrapeforge/internal/gateway/mcp"
	"github.com/jkaninda/scrapeforge/internal/secrets"
)

var mcpAPIKey string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the scraper tools over MCP (stdio) for one user",
	Long: `Starts a Model Context Protocol server on stdin/stdout. Tools act on behalf
of the user owning the API key given by --api-key or SCRAPEFORGE_API_KEY, with the
same credit and ownership rules as the HTTP API. Executions run in-process.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpAPIKey, "api-key", "", "API key of the acting user (default $SCRAPEFORGE_API_KEY)")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(cfg, "text")

	ctx := cmd.Context()
	c, err := initComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	key := mcpAPIKey
	if key == "" {
		key = os.Getenv("SCRAPEFORGE_API_KEY")
	}
	if key == "" {
		return fmt.Errorf("an API key is required (--api-key or SCRAPEFORGE_API_KEY)")
	}
	key, err = secrets.ResolveValue(ctx, c.secrets, key)
	if err != nil {
		return fmt.Errorf("resolving api key: %w", err)
	}

	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	orch := c.newOrchestrator(store)
	if err := orch.Start(runCtx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer stopCancel()
		if err := orch.Stop(stopCtx); err != nil {
			logger.Error("stopping orchestrator", slog.String("error", err.Error()))
		}
	}()

	svc := c.newService(store, orch)
	user, err := svc.Authenticate(ctx, key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = mcpgw.NewServer(svc, user, version, logger).ServeStdio()
	logger.Info("mcp server stopped", slog.Duration("uptime", time.Since(start)))
	return err
}
