// Package marketplace exposes escrow accounts to buyers and sellers over HTTP.
package marketplace

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/apperr"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
)

// Handler serves the /escrow routes. Every route expects the JWT middleware to have set
// user_id and role.
type Handler struct {
	svc *orchestrator.Service
}

func NewHandler(svc *orchestrator.Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/escrow/accounts", h.OpenEscrow)
	g.GET("/escrow/accounts/:id", h.GetAccount)
	g.GET("/escrow/accounts/:id/transactions", h.GetTransactions)
	g.POST("/escrow/accounts/:id/milestones", h.DefineMilestones)
	g.POST("/escrow/accounts/:id/capture", h.InitiateCapture)
	g.POST("/escrow/accounts/:id/milestones/:stage/complete", h.CompleteMilestone)
	g.POST("/escrow/accounts/:id/release", h.ReleaseAccrued)
	g.POST("/escrow/accounts/:id/disputes", h.RaiseDispute)
}

type party int

const (
	partyNone party = iota
	partyBuyer
	partySeller
	partyArbitrator
)

// authorize loads the account and reports how the caller relates to it. It writes the error
// response itself and returns ok=false when the caller may not continue.
func (h *Handler) authorize(c echo.Context, allowed ...party) (orchestrator.AccountProjection, string, bool, error) {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return orchestrator.AccountProjection{}, "", false, c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	accountID := c.Param("id")
	if accountID == "" {
		return orchestrator.AccountProjection{}, "", false, c.JSON(http.StatusBadRequest, echo.Map{"error": "missing account id"})
	}
	proj, err := h.svc.GetAccountProjection(c.Request().Context(), accountID)
	if err != nil {
		return orchestrator.AccountProjection{}, "", false, apperr.Respond(c, err)
	}

	role, _ := c.Get("role").(string)
	var who party
	switch {
	case userID == proj.Account.BuyerID:
		who = partyBuyer
	case userID == proj.Account.SellerID:
		who = partySeller
	case role == orchestrator.RoleArbitrator || role == orchestrator.RoleAdmin:
		who = partyArbitrator
	}
	for _, p := range allowed {
		if who == p && who != partyNone {
			return proj, userID, true, nil
		}
	}
	return orchestrator.AccountProjection{}, "", false, c.JSON(http.StatusForbidden, echo.Map{"error": "not permitted on this escrow"})
}
