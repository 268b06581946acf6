package httpapi

import (
	"net/http"
	"path/filepath"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/scrapeforge/internal/protocol"
)

// ExecutionRequest is the JSON body for POST /v1/scrapers/{id}/executions.
type ExecutionRequest struct {
	URL          string `json:"url,omitempty"` // Empty = the scraper's target URL.
	OutputFormat string `json:"output_format,omitempty"`
}

func (g *Gateway) mountExecutions() {
	g.group.Post("/scrapers/{id}/executions", g.handleExecutionSubmit,
		okapi.DocSummary("Run the scraper's script"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocRequestBody(ExecutionRequest{}),
		okapi.DocResponse(http.StatusAccepted, protocol.Execution{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/scrapers/{id}/executions", g.handleExecutionList,
		okapi.DocSummary("List the scraper's executions"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Scraper ID (UUID)"),
		okapi.DocResponse([]protocol.Execution{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/executions/{id}", g.handleExecutionGet,
		okapi.DocSummary("Get an execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(protocol.Execution{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/executions/{id}/output", g.handleExecutionOutput,
		okapi.DocSummary("Download an execution's output file"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleExecutionSubmit(c *okapi.Context) error {
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
	var req ExecutionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		}
	}
	e, err := g.svc.SubmitExecution(c.Context(), userID, id, req.URL, req.OutputFormat)
	if err != nil {
		return g.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, protocol.NewExecution(e))
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
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
	list, err := g.svc.ListExecutions(c.Context(), userID, id, page)
	if err != nil {
		return g.fail(c, err)
	}
	resp := make([]protocol.Execution, len(list))
	for i := range list {
		resp[i] = protocol.NewExecution(&list[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid execution ID"})
	}
	e, err := g.svc.GetExecution(c.Context(), userID, id)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(protocol.NewExecution(e))
}

func (g *Gateway) handleExecutionOutput(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid execution ID"})
	}
	path, err := g.svc.ExecutionOutput(c.Context(), userID, id)
	if err != nil {
		return g.fail(c, err)
	}
	w := c.Response()
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, c.Request(), path)
	return nil
}
