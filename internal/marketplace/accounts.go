package marketplace

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/apperr"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
)

type openEscrowRequest struct {
	OrderID                     string              `json:"order_id"`
	SellerID                    string              `json:"seller_id"`
	TotalAmount                 money.Money         `json:"total_amount"`
	AutoReleaseHours            int                 `json:"auto_release_hours"`
	RequiresQualityConfirmation bool                `json:"requires_quality_confirmation"`
	QualityStage                string              `json:"quality_stage"`
	Milestones                  []escrow.Allocation `json:"milestones"`
}

// POST /escrow/accounts - the buyer opens escrow for an order
func (h *Handler) OpenEscrow(c echo.Context) error {
	buyerID, ok := c.Get("user_id").(string)
	if !ok || buyerID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req openEscrowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.SellerID) == "" || req.SellerID == buyerID {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seller_id must name another user"})
	}
	if req.AutoReleaseHours < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "auto_release_hours cannot be negative"})
	}

	acct, err := h.svc.OpenEscrow(c.Request().Context(), orchestrator.OpenRequest{
		OrderID:                     req.OrderID,
		BuyerID:                     buyerID,
		SellerID:                    req.SellerID,
		TotalAmount:                 req.TotalAmount,
		AutoReleaseAfter:            time.Duration(req.AutoReleaseHours) * time.Hour,
		RequiresQualityConfirmation: req.RequiresQualityConfirmation,
		QualityStage:                req.QualityStage,
		Milestones:                  req.Milestones,
	})
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"account": acct})
}

// GET /escrow/accounts/:id
func (h *Handler) GetAccount(c echo.Context) error {
	proj, _, ok, err := h.authorize(c, partyBuyer, partySeller, partyArbitrator)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, proj)
}

// GET /escrow/accounts/:id/transactions
func (h *Handler) GetTransactions(c echo.Context) error {
	proj, _, ok, err := h.authorize(c, partyBuyer, partySeller, partyArbitrator)
	if !ok {
		return err
	}
	history, err := h.svc.TransactionHistory(c.Request().Context(), proj.Account.ID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": history})
}

type milestonesRequest struct {
	Milestones []escrow.Allocation `json:"milestones"`
}

// POST /escrow/accounts/:id/milestones
func (h *Handler) DefineMilestones(c echo.Context) error {
	proj, _, ok, err := h.authorize(c, partyBuyer, partySeller)
	if !ok {
		return err
	}
	var req milestonesRequest
	if err := c.Bind(&req); err != nil || len(req.Milestones) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "milestones are required"})
	}
	ms, err := h.svc.DefineMilestones(c.Request().Context(), proj.Account.ID, req.Milestones)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"milestones": ms})
}

type captureRequest struct {
	Reference string `json:"reference"`
}

// POST /escrow/accounts/:id/capture - records the capture intent the buyer pays against
func (h *Handler) InitiateCapture(c echo.Context) error {
	proj, _, ok, err := h.authorize(c, partyBuyer)
	if !ok {
		return err
	}
	var req captureRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}
	t, err := h.svc.InitiateCapture(c.Request().Context(), proj.Account.ID, strings.TrimSpace(req.Reference))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"transaction": t})
}

type completeRequest struct {
	Evidence json.RawMessage `json:"evidence"`
}

// POST /escrow/accounts/:id/milestones/:stage/complete - the seller reports a stage done
func (h *Handler) CompleteMilestone(c echo.Context) error {
	proj, userID, ok, err := h.authorize(c, partySeller, partyArbitrator)
	if !ok {
		return err
	}
	var req completeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}
	var evidence []byte
	if len(req.Evidence) > 0 && string(req.Evidence) != "null" {
		evidence = req.Evidence
	}
	out, err := h.svc.CompleteMilestone(c.Request().Context(), orchestrator.CompleteRequest{
		AccountID:   proj.Account.ID,
		StageKey:    c.Param("stage"),
		CompletedBy: userID,
		Evidence:    evidence,
	})
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// POST /escrow/accounts/:id/release - the buyer signs off on every completed stage at once
func (h *Handler) ReleaseAccrued(c echo.Context) error {
	proj, _, ok, err := h.authorize(c, partyBuyer, partyArbitrator)
	if !ok {
		return err
	}
	out, err := h.svc.ReleaseAccrued(c.Request().Context(), proj.Account.ID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
