package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/apperr"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

type referenceRequest struct {
	Reference string `json:"reference"`
}

// POST /admin/transactions/:id/reference - records the gateway's reference on a pending intent
func (h *Handler) AttachReference(c echo.Context) error {
	var req referenceRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Reference) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reference is required"})
	}
	t, err := h.svc.AttachReference(c.Request().Context(), c.Param("id"), strings.TrimSpace(req.Reference))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transaction": t})
}

type fundRequest struct {
	CaptureTransactionID string `json:"capture_transaction_id"`
}

// POST /admin/escrow/:id/fund - manual funding when the capture webhook never arrived
func (h *Handler) FundEscrow(c echo.Context) error {
	var req fundRequest
	if err := c.Bind(&req); err != nil || req.CaptureTransactionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "capture_transaction_id is required"})
	}
	acct, err := h.svc.FundEscrow(c.Request().Context(), c.Param("id"), req.CaptureTransactionID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"account": acct})
}

// POST /admin/sweeps/auto-release
func (h *Handler) SweepAutoRelease(c echo.Context) error {
	report, err := h.svc.SweepAutoRelease(c.Request().Context(), h.now())
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// POST /admin/sweeps/dispute-deadlines
func (h *Handler) SweepDisputeDeadlines(c echo.Context) error {
	report, err := h.svc.SweepDisputeDeadlines(c.Request().Context(), h.now())
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// POST /admin/webhooks/retry-unmatched
func (h *Handler) RetryUnmatched(c echo.Context) error {
	report, err := h.svc.RetryUnmatched(c.Request().Context())
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// POST /admin/webhooks/events/:id/retry
func (h *Handler) RetryEvent(c echo.Context) error {
	out, err := h.retrier.Retry(c.Request().Context(), c.Param("id"))
	if errors.Is(err, webhook.ErrStillUnmatched) {
		return c.JSON(http.StatusAccepted, out)
	}
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
