// Package apperr classifies domain errors for transports.
package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

// Error kinds. Callers retry not_ready, fix input on validation and reload state on
// state_conflict.
const (
	KindValidation    = "validation"
	KindStateConflict = "state_conflict"
	KindNotReady      = "not_ready"
	KindSecurity      = "security"
	KindNotFound      = "not_found"
	KindForbidden     = "forbidden"
	KindTimeout       = "timeout"
	KindCanceled      = "canceled"
	KindInternal      = "internal"
)

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrOverAllocated),
		errors.Is(err, escrow.ErrDuplicateStage),
		errors.Is(err, escrow.ErrInvalidPercentage),
		errors.Is(err, escrow.ErrUnknownStage),
		errors.Is(err, dispute.ErrInvalidInput),
		errors.Is(err, dispute.ErrInvalidResolution),
		errors.Is(err, dispute.ErrNotParticipant),
		errors.Is(err, webhook.ErrMalformedPayload):
		return KindValidation

	case errors.Is(err, escrow.ErrAccountFrozen),
		errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyRefunded),
		errors.Is(err, escrow.ErrOverRelease),
		errors.Is(err, escrow.ErrEvidenceConflict),
		errors.Is(err, escrow.ErrScheduleLocked),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrDuplicateAccount),
		errors.Is(err, dispute.ErrActiveDisputeExists),
		errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, ledger.ErrDuplicateReference),
		errors.Is(err, ledger.ErrSettlementConflict),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		return KindStateConflict

	case errors.Is(err, escrow.ErrNotYetCaptured),
		errors.Is(err, ledger.ErrUnknownReference),
		errors.Is(err, webhook.ErrStillUnmatched):
		return KindNotReady

	case errors.Is(err, webhook.ErrInvalidSignature):
		return KindSecurity

	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound):
		return KindNotFound

	case errors.Is(err, orchestrator.ErrForbidden):
		return KindForbidden

	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout

	case errors.Is(err, context.Canceled):
		return KindCanceled

	default:
		return KindInternal
	}
}

func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindStateConflict:
		return http.StatusConflict
	case KindNotReady:
		return http.StatusAccepted
	case KindSecurity:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as {"error", "kind"}. Internal errors do not leak their message.
func Respond(c echo.Context, err error) error {
	kind := Kind(err)
	msg := err.Error()
	if kind == KindInternal {
		msg = "internal error"
	}
	return c.JSON(HTTPStatus(err), echo.Map{"error": msg, "kind": kind})
}
