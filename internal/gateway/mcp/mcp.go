// Package mcp exposes the generation and execution pipeline as an MCP
// (Model Context Protocol) server. Every tool acts on behalf of the user
// the server was started for, with the same credit and ownership rules as
// the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/protocol"
	"github.com/jkaninda/scrapeforge/internal/service"
)

// Server is an MCP server bound to one user.
type Server struct {
	svc    *service.Service
	user   *domain.User
	logger *slog.Logger
	mcp    *server.MCPServer
}

// NewServer registers the ScrapeForge tools.
func NewServer(svc *service.Service, user *domain.User, version string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		user:   user,
		logger: logger,
		mcp: server.NewMCPServer(
			"scrapeforge",
			version,
			server.WithToolCapabilities(false),
		),
	}

	s.mcp.AddTool(mcp.NewTool("create_scraper",
		mcp.WithDescription("Create a scraper definition for a target page and the fields to extract."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Scraper name")),
		mcp.WithString("target_url", mcp.Required(), mcp.Description("http(s) URL of the page to scrape")),
		mcp.WithArray("fields", mcp.Required(), mcp.Description("Names of the fields to extract")),
		mcp.WithString("description", mcp.Description("What the scraper is for")),
	), s.handleCreateScraper)

	s.mcp.AddTool(mcp.NewTool("list_scrapers",
		mcp.WithDescription("List your scrapers, most recently updated first."),
	), s.handleListScrapers)

	s.mcp.AddTool(mcp.NewTool("generate_script",
		mcp.WithDescription("Generate the Python script of a scraper. Costs credits; refunded when no script can be produced."),
		mcp.WithString("scraper_id", mcp.Required(), mcp.Description("Scraper ID (UUID)")),
		mcp.WithString("description", mcp.Description("Extra requirements for the script")),
	), s.handleGenerate)

	s.mcp.AddTool(mcp.NewTool("validate_script",
		mcp.WithDescription("Check a Python scraping script for syntax errors and forbidden operations."),
		mcp.WithString("script", mcp.Required(), mcp.Description("Script source")),
	), s.handleValidate)

	s.mcp.AddTool(mcp.NewTool("run_scraper",
		mcp.WithDescription("Queue a sandboxed run of a scraper's generated script."),
		mcp.WithString("scraper_id", mcp.Required(), mcp.Description("Scraper ID (UUID)")),
		mcp.WithString("url", mcp.Description("URL to scrape (default: the scraper's target URL)")),
		mcp.WithString("output_format",
			mcp.Description("Output format (default: json)"),
			mcp.Enum("json", "csv", "xml"),
		),
	), s.handleRun)

	s.mcp.AddTool(mcp.NewTool("get_execution",
		mcp.WithDescription("Get the status and output of an execution."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID (UUID)")),
	), s.handleGetExecution)

	s.mcp.AddTool(mcp.NewTool("get_credits",
		mcp.WithDescription("Get your credit balance and the cost of one generation."),
	), s.handleCredits)

	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting", slog.String("user_id", s.user.ID.String()))
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleCreateScraper(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	target, err := request.RequireString("target_url")
	if err != nil {
		return mcp.NewToolResultError("target_url is required"), nil
	}
	names, err := request.RequireStringSlice("fields")
	if err != nil {
		return mcp.NewToolResultError("fields is required and must be an array of strings"), nil
	}
	fields := make([]domain.FieldSpec, 0, len(names))
	for _, n := range names {
		fields = append(fields, domain.FieldSpec{Name: strings.TrimSpace(n)})
	}

	sc, err := s.svc.CreateScraper(ctx, s.user.ID, service.ScraperInput{
		Name:        name,
		Description: request.GetString("description", ""),
		TargetURL:   target,
		Fields:      fields,
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(scraperView(sc))
}

func (s *Server) handleListScrapers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.ListScrapers(ctx, s.user.ID, domain.Page{})
	if err != nil {
		return toolError(err), nil
	}
	out := make([]scraperSummary, len(list))
	for i := range list {
		out[i] = scraperView(&list[i])
	}
	return jsonResult(out)
}

func (s *Server) handleGenerate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireID(request, "scraper_id")
	if res != nil {
		return res, nil
	}
	out, err := s.svc.GenerateScript(ctx, s.user.ID, id, request.GetString("description", ""))
	if err != nil {
		return toolError(err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", out.Meta.Model)
	fmt.Fprintf(&b, "Valid: %t\n", out.Validation.Valid)
	for _, msg := range out.Validation.Messages() {
		fmt.Fprintf(&b, "  - %s\n", msg)
	}
	fmt.Fprintf(&b, "Credits remaining: %d\n\n", out.Remaining)
	b.WriteString(out.Scraper.GeneratedScript)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := request.RequireString("script")
	if err != nil {
		return mcp.NewToolResultError("script is required"), nil
	}
	return jsonResult(s.svc.ValidateScript(ctx, script))
}

func (s *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireID(request, "scraper_id")
	if res != nil {
		return res, nil
	}
	e, err := s.svc.SubmitExecution(ctx, s.user.ID, id,
		request.GetString("url", ""),
		request.GetString("output_format", ""),
	)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(protocol.NewExecution(e))
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := requireID(request, "execution_id")
	if res != nil {
		return res, nil
	}
	e, err := s.svc.GetExecution(ctx, s.user.ID, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(protocol.NewExecution(e))
}

func (s *Server) handleCredits(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bal, err := s.svc.Balance(ctx, s.user.ID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]int{
		"credits":         bal,
		"generation_cost": s.svc.GenerationCost(),
	})
}

// scraperSummary is the tool view of a scraper. The script itself is
// returned by generate_script only.
type scraperSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	TargetURL string   `json:"target_url"`
	Fields    []string `json:"fields"`
	Status    string   `json:"status"`
	HasScript bool     `json:"has_script"`
}

func scraperView(sc *domain.Scraper) scraperSummary {
	return scraperSummary{
		ID:        sc.ID.String(),
		Name:      sc.Name,
		TargetURL: sc.TargetURL,
		Fields:    sc.FieldNames(),
		Status:    string(sc.Status),
		HasScript: sc.HasScript(),
	}
}

func requireID(request mcp.CallToolRequest, key string) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := request.RequireString(key)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(key + " is required")
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(key + " must be a UUID")
	}
	return id, nil
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
