package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/apperr"
	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
)

type resolveRequest struct {
	Resolution string       `json:"resolution"`
	Amount     *money.Money `json:"amount"`
	Notes      string       `json:"notes"`
}

// POST /admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c echo.Context) error {
	adminID, ok := c.Get("user_id").(string)
	if !ok || adminID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	role, _ := c.Get("role").(string)
	out, err := h.svc.ResolveDispute(c.Request().Context(), orchestrator.ResolveRequest{
		CaseID:         c.Param("id"),
		Resolution:     dispute.Resolution(req.Resolution),
		Amount:         req.Amount,
		Notes:          req.Notes,
		ArbitratorID:   adminID,
		ArbitratorRole: role,
	})
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type transitionRequest struct {
	Status string `json:"status"`
}

// POST /admin/disputes/:id/transition - investigating or awaiting_response
func (h *Handler) TransitionDispute(c echo.Context) error {
	adminID, ok := c.Get("user_id").(string)
	if !ok || adminID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil || req.Status == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "status is required"})
	}
	role, _ := c.Get("role").(string)
	dc, err := h.svc.TransitionDispute(c.Request().Context(), c.Param("id"), dispute.Status(req.Status), adminID, role)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"dispute": dc})
}

// POST /admin/disputes/:id/close
func (h *Handler) CloseDispute(c echo.Context) error {
	adminID, ok := c.Get("user_id").(string)
	if !ok || adminID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	role, _ := c.Get("role").(string)
	dc, err := h.svc.CloseDispute(c.Request().Context(), c.Param("id"), adminID, role)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"dispute": dc})
}
