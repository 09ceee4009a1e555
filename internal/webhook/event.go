// Package webhook verifies, records and reconciles payment-gateway notifications.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrNotFound         = errors.New("webhook event not found")
	ErrStillUnmatched   = errors.New("webhook event still unmatched")
)

// Apply errors stored on events that were not applied.
const (
	ApplyErrUnmatched          = "unmatched"
	ApplyErrAmountMismatch     = "amount_mismatch"
	ApplyErrSettlementConflict = "settlement_conflict"
	ApplyErrInvalidSignature   = "invalid_signature"
	ApplyErrMalformed          = "malformed"
)

// Event is one received notification, stored whether or not it verified.
type Event struct {
	ID              string          `json:"id"`
	Gateway         string          `json:"gateway"`
	ProviderEventID string          `json:"provider_event_id,omitempty"`
	Kind            string          `json:"kind"`
	Payload         []byte          `json:"-"`
	Signature       string          `json:"-"`
	SignatureValid  bool            `json:"signature_valid"`
	Reference       string          `json:"reference,omitempty"`
	GatewayStatus   string          `json:"gateway_status,omitempty"`
	Amount          *money.Money    `json:"amount,omitempty"`
	OccurredAt      *time.Time      `json:"occurred_at,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	Applied         bool            `json:"applied"`
	AppliedAt       *time.Time      `json:"applied_at,omitempty"`
	ApplyError      string          `json:"apply_error,omitempty"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	Attempts        int             `json:"attempts"`
}

// Deduplicated reports whether the event takes part in the provider_event_id unique index.
// Unverified events never do, so a forged payload cannot shadow a real one.
func (e Event) Deduplicated() bool {
	return e.SignatureValid && e.ProviderEventID != ""
}

// Notification returns the parsed fields stored on the event.
func (e Event) Notification() Notification {
	n := Notification{
		ProviderEventID: e.ProviderEventID,
		Kind:            e.Kind,
		Reference:       e.Reference,
		RawStatus:       e.GatewayStatus,
		Status:          NormalizeStatus(e.GatewayStatus),
		Amount:          e.Amount,
	}
	if e.OccurredAt != nil {
		n.OccurredAt = *e.OccurredAt
	}
	return n
}

// Repository persists events inside one unit of work.
type Repository interface {
	// InsertEvent stores ev. For deduplicated events an existing row with the same
	// (gateway, provider_event_id) is returned instead, with created=false.
	InsertEvent(ctx context.Context, ev Event) (stored Event, created bool, err error)
	GetEvent(ctx context.Context, id string) (Event, error)
	UpdateEvent(ctx context.Context, ev Event) error
	UnmatchedEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]Event, error)
}

type OutcomeStatus string

const (
	OutcomeApplied          OutcomeStatus = "applied"
	OutcomeDuplicate        OutcomeStatus = "duplicate"
	OutcomeUnmatched        OutcomeStatus = "unmatched"
	OutcomeRejected         OutcomeStatus = "rejected"
	OutcomeIgnored          OutcomeStatus = "ignored"
	OutcomeMalformed        OutcomeStatus = "malformed"
	OutcomeInFlight         OutcomeStatus = "in_flight"
	OutcomeInvalidSignature OutcomeStatus = "invalid_signature"
)

// Outcome is what ingesting or applying one event did. Applied outcomes are cached on the event.
type Outcome struct {
	EventID           string        `json:"event_id"`
	Gateway           string        `json:"gateway"`
	ProviderEventID   string        `json:"provider_event_id,omitempty"`
	Status            OutcomeStatus `json:"status"`
	Reference         string        `json:"reference,omitempty"`
	TransactionID     string        `json:"transaction_id,omitempty"`
	TransactionKind   string        `json:"transaction_kind,omitempty"`
	TransactionStatus string        `json:"transaction_status,omitempty"`
	AccountID         string        `json:"account_id,omitempty"`
	AccountStatus     string        `json:"account_status,omitempty"`
	Detail            string        `json:"detail,omitempty"`
}
