package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/generator"
	"github.com/jkaninda/scrapeforge/internal/service"
	"github.com/jkaninda/scrapeforge/internal/validator"
)

// ScraperResponse is the JSON view of a scraper.
type ScraperResponse struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	TargetURL   string             `json:"target_url"`
	Fields      []domain.FieldSpec `json:"fields"`
	Tags        []string           `json:"tags"`
	Status      string             `json:"status"`
	IsPublic    bool               `json:"is_public"`
	Schedule    string             `json:"schedule,omitempty"`
	HasScript   bool               `json:"has_script"`
	UsageCount  int                `json:"usage_count"`
	LastRunAt   *time.Time         `json:"last_run_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func toScraperResponse(sc *domain.Scraper) ScraperResponse {
	tags := sc.Tags
	if tags == nil {
		tags = []string{}
	}
	return ScraperResponse{
		ID:          sc.ID.String(),
		Name:        sc.Name,
		Description: sc.Description,
		TargetURL:   sc.TargetURL,
		Fields:      sc.Fields,
		Tags:        tags,
		Status:      string(sc.Status),
		IsPublic:    sc.IsPublic,
		Schedule:    sc.Schedule,
		HasScript:   sc.HasScript(),
		UsageCount:  sc.UsageCount,
		LastRunAt:   sc.LastRunAt,
		CreatedAt:   sc.CreatedAt,
		UpdatedAt:   sc.UpdatedAt,
	}
}

// GenerateRequest is the JSON body for POST /v1/scrapers/{id}/generate.
type GenerateRequest struct {
	Description string `json:"description,omitempty"` // Empty = reuse the last refinement.
}

// GenerateResponse is returned after a successful generation.
type GenerateResponse struct {
	Scraper          ScraperResponse    `json:"scraper"`
	Script           string             `json:"script"`
	Metadata         generator.Metadata `json:"metadata"`
	Validation       validator.Result   `json:"validation"`
	CreditsRemaining int                `json:"credits_remaining"`
}

// GenerationResponse is one row of the generation history.
type GenerationResponse struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	TokensUsed   int       `json:"tokens_used"`
	Cost         float64   `json:"cost"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateRequest is the JSON body for POST /v1/scripts/validate.
type ValidateRequest struct {
	Script string `json:"script"`
}

func (g *Gateway) mountScrapers() {
	g.group.Post("/scrapers", g.handleScraperCreate,
		okapi.DocSummary("Create a scraper"),
		okapi.DocTags("Scrapers"),
		okapi.DocRequestBody(service.ScraperInput{}),
		okapi.DocResponse(http.StatusCreated, ScraperResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/scrapers", g.handleScraperList,
		okapi.DocSummary("List scrapers"),
		okapi.DocTags("Scrapers"),
		okapi.DocResponse([]ScraperResponse{}),
	)
	g.group.Get("/scrapers/{id}", g.handleScraperGet,
		okapi.DocSummary("Get a scraper"),
		okapi.DocTags("Scrapers"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocResponse(ScraperResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/scrapers/{id}", g.handleScraperUpdate,
		okapi.DocSummary("Update a scraper"),
		okapi.DocTags("Scrapers"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocRequestBody(service.ScraperPatch{}),
		okapi.DocResponse(ScraperResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/scrapers/{id}", g.handleScraperDelete,
		okapi.DocSummary("Delete a scraper and its executions"),
		okapi.DocTags("Scrapers"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/scrapers/{id}/generate", g.handleGenerate,
		okapi.DocSummary("Generate the scraper's script"),
		okapi.DocTags("Generation"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocRequestBody(GenerateRequest{}),
		okapi.DocResponse(GenerateResponse{}),
		okapi.DocResponse(http.StatusPaymentRequired, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/scrapers/{id}/generations", g.handleGenerations,
		okapi.DocSummary("List generation attempts"),
		okapi.DocTags("Generation"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocResponse([]GenerationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/scrapers/{id}/script", g.handleScriptDownload,
		okapi.DocSummary("Download the generated script"),
		okapi.DocTags("Generation"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/scripts/validate", g.handleValidate,
		okapi.DocSummary("Validate a script"),
		okapi.DocTags("Generation"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(validator.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
}

func (g *Gateway) handleScraperCreate(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	var req service.ScraperInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	sc, err := g.svc.CreateScraper(c.Context(), userID, req)
	if err != nil {
		return g.fail(c, err)
	}
	return c.JSON(http.StatusCreated, toScraperResponse(sc))
}

func (g *Gateway) handleScraperList(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	page, ok := pageFromQuery(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid skip or limit"})
	}
	list, err := g.svc.ListScrapers(c.Context(), userID, page)
	if err != nil {
		return g.fail(c, err)
	}
	resp := make([]ScraperResponse, len(list))
	for i := range list {
		resp[i] = toScraperResponse(&list[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleScraperGet(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid scraper ID"})
	}
	sc, err := g.svc.GetScraper(c.Context(), userID, id)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(toScraperResponse(sc))
}

func (g *Gateway) handleScraperUpdate(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid scraper ID"})
	}
	var patch service.ScraperPatch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	sc, err := g.svc.UpdateScraper(c.Context(), userID, id, patch)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(toScraperResponse(sc))
}

func (g *Gateway) handleScraperDelete(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid scraper ID"})
	}
	if err := g.svc.DeleteScraper(c.Context(), userID, id); err != nil {
		return g.fail(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleGenerate(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	if g.rateLimited(c, userID) {
		return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"})
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid scraper ID"})
	}
	var req GenerateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		}
	}

	res, err := g.svc.GenerateScript(c.Context(), userID, id, req.Description)
	if err != nil {
		return g.fail(c, err)
	}
	g.logger.InfoContext(c.Context(), "script generated",
		slog.String("user_id", userID.String()),
		slog.String("scraper_id", id.String()),
		slog.String("model", res.Meta.Model),
	)
	return c.OK(GenerateResponse{
		Scraper:          toScraperResponse(res.Scraper),
		Script:           res.Scraper.GeneratedScript,
		Metadata:         res.Meta,
		Validation:       res.Validation,
		CreditsRemaining: res.Remaining,
	})
}

func (g *Gateway) handleGenerations(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid scraper ID"})
	}
	page, ok := pageFromQuery(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid skip or limit"})
	}
	list, err := g.svc.GenerationHistory(c.Context(), userID, id, page)
	if err != nil {
		return g.fail(c, err)
	}
	resp := make([]GenerationResponse, len(list))
	for i, a := range list {
		resp[i] = GenerationResponse{
			ID:           a.ID.String(),
			Model:        a.Model,
			TokensUsed:   a.TokensUsed,
			Cost:         a.Cost,
			Success:      a.Success,
			ErrorMessage: a.ErrorMessage,
			CreatedAt:    a.CreatedAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleScriptDownload(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid scraper ID"})
	}
	script, err := g.svc.Script(c.Context(), userID, id)
	if errors.Is(err, domain.ErrNoScript) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	}
	if err != nil {
		return g.fail(c, err)
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/x-python; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="scraper_`+id.String()+`.py"`)
	w.WriteHeader(http.StatusOK)
	_, err = io.WriteString(w, script)
	return err
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	return c.OK(g.svc.ValidateScript(c.Context(), req.Script))
}
