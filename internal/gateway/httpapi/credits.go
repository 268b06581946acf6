package httpapi

import (
	"net/http"

	"github.com/jkaninda/okapi"
)

// CreditsResponse is the caller's balance.
type CreditsResponse struct {
	Credits        int `json:"credits"`
	GenerationCost int `json:"generation_cost"`
}

// GrantRequest is the JSON body for POST /v1/admin/users/{id}/credits.
type GrantRequest struct {
	Amount int `json:"amount"`
}

// GrantResponse reports the new balance after a grant.
type GrantResponse struct {
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
}

func (g *Gateway) mountCredits() {
	g.group.Get("/credits", g.handleCredits,
		okapi.DocSummary("Get the caller's credit balance"),
		okapi.DocTags("Credits"),
		okapi.DocResponse(CreditsResponse{}),
	)
	g.group.Post("/admin/users/{id}/credits", g.handleGrantCredits,
		okapi.DocSummary("Grant credits to a user"),
		okapi.DocTags("Admin"),
		okapi.DocPathParam("id", "string", "User ID (UUID)"),
		okapi.DocRequestBody(GrantRequest{}),
		okapi.DocResponse(GrantResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleCredits(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	bal, err := g.svc.Balance(c.Context(), userID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(CreditsResponse{Credits: bal, GenerationCost: g.svc.GenerationCost()})
}

func (g *Gateway) handleGrantCredits(c *okapi.Context) error {
	userID, ok := caller(c)
	if !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	admin, err := g.svc.User(c.Context(), userID)
	if err != nil {
		return g.fail(c, err)
	}
	target, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid user ID"})
	}
	var req GrantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
	}
	bal, err := g.svc.GrantCredits(c.Context(), admin, target, req.Amount)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(GrantResponse{UserID: target.String(), Credits: bal})
}
