// Package admin serves arbitrator and operator routes: dispute decisions, manual ledger
// fixes and sweep triggers.
package admin

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

// Retrier re-drives one stored webhook event.
type Retrier interface {
	Retry(ctx context.Context, eventID string) (webhook.Outcome, error)
}

type Handler struct {
	svc     *orchestrator.Service
	retrier Retrier
	now     func() time.Time
}

func NewHandler(svc *orchestrator.Service, retrier Retrier) *Handler {
	return &Handler{svc: svc, retrier: retrier, now: func() time.Time { return time.Now().UTC() }}
}

// Register mounts the routes on a group already guarded by JWT and RequireRoles.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/disputes/:id/resolve", h.ResolveDispute)
	g.POST("/disputes/:id/transition", h.TransitionDispute)
	g.POST("/disputes/:id/close", h.CloseDispute)

	g.POST("/transactions/:id/reference", h.AttachReference)
	g.POST("/escrow/:id/fund", h.FundEscrow)

	g.POST("/sweeps/auto-release", h.SweepAutoRelease)
	g.POST("/sweeps/dispute-deadlines", h.SweepDisputeDeadlines)
	g.POST("/webhooks/retry-unmatched", h.RetryUnmatched)
	g.POST("/webhooks/events/:id/retry", h.RetryEvent)
}
