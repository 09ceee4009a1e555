package marketplace

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/apperr"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
)

type raiseDisputeRequest struct {
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Evidence    json.RawMessage `json:"evidence"`
}

// POST /escrow/accounts/:id/disputes - either party freezes the escrow
func (h *Handler) RaiseDispute(c echo.Context) error {
	proj, userID, ok, err := h.authorize(c, partyBuyer, partySeller)
	if !ok {
		return err
	}
	var req raiseDisputeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	var evidence []byte
	if len(req.Evidence) > 0 && string(req.Evidence) != "null" {
		evidence = req.Evidence
	}
	dc, err := h.svc.RaiseDispute(c.Request().Context(), orchestrator.RaiseRequest{
		AccountID:   proj.Account.ID,
		RaisedBy:    userID,
		Kind:        strings.TrimSpace(req.Kind),
		Description: req.Description,
		Evidence:    evidence,
	})
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"dispute": dc})
}
