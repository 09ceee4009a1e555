package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

type Settlement string

const (
	SettlementSucceeded  Settlement = "succeeded"
	SettlementFailed     Settlement = "failed"
	SettlementProcessing Settlement = "processing"
	SettlementUnknown    Settlement = "unknown"
)

// NormalizeStatus maps gateway status vocabulary onto settlement outcomes.
func NormalizeStatus(raw string) Settlement {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "succeeded", "processed", "completed", "paid":
		return SettlementSucceeded
	case "failed", "failure", "reversed", "abandoned", "declined", "cancelled", "canceled", "rejected":
		return SettlementFailed
	case "pending", "processing", "ongoing", "queued", "received":
		return SettlementProcessing
	}
	return SettlementUnknown
}

// Notification is the processor-neutral content of one event.
type Notification struct {
	ProviderEventID string
	Kind            string
	Reference       string
	RawStatus       string
	Status          Settlement
	Amount          *money.Money
	OccurredAt      time.Time
}

// Parse decodes a verified payload using the gateway's scheme.
func Parse(g Gateway, body []byte) (Notification, error) {
	var (
		n   Notification
		err error
	)
	if g.Scheme == SchemePaystack {
		n, err = parsePaystack(body)
	} else {
		n, err = parseGeneric(body)
	}
	if err != nil {
		return Notification{}, err
	}
	if n.ProviderEventID == "" || n.Reference == "" {
		return Notification{}, fmt.Errorf("%w: missing event id or reference", ErrMalformedPayload)
	}
	n.Status = NormalizeStatus(n.RawStatus)
	return n, nil
}

type paystackPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID                   json.RawMessage `json:"id"`
		Status               string          `json:"status"`
		Reference            string          `json:"reference"`
		RefundReference      string          `json:"refund_reference"`
		TransactionReference string          `json:"transaction_reference"`
		TransferCode         string          `json:"transfer_code"`
		Amount               *json.Number    `json:"amount"`
		Currency             string          `json:"currency"`
		PaidAt               *time.Time      `json:"paid_at"`
		UpdatedAt            *time.Time      `json:"updatedAt"`
	} `json:"data"`
}

func parsePaystack(body []byte) (Notification, error) {
	var p paystackPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	d := p.Data
	ref := firstNonEmpty(d.Reference, d.RefundReference, d.TransferCode, d.TransactionReference)
	id := strings.Trim(string(d.ID), `"`)
	if id == "" || id == "null" {
		id = ref
	}
	n := Notification{Kind: p.Event, Reference: ref, RawStatus: d.Status}
	if p.Event != "" && id != "" {
		n.ProviderEventID = p.Event + ":" + id
	}
	if n.RawStatus == "" {
		if i := strings.LastIndex(p.Event, "."); i >= 0 {
			n.RawStatus = p.Event[i+1:]
		}
	}
	if d.Amount != nil && d.Currency != "" {
		minor, err := d.Amount.Int64()
		if err != nil {
			return Notification{}, fmt.Errorf("%w: amount %s", ErrMalformedPayload, d.Amount)
		}
		m, err := money.FromMinor(minor, d.Currency)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		n.Amount = &m
	}
	switch {
	case d.PaidAt != nil:
		n.OccurredAt = d.PaidAt.UTC()
	case d.UpdatedAt != nil:
		n.OccurredAt = d.UpdatedAt.UTC()
	}
	return n, nil
}

type genericPayload struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	CreatedAt *time.Time `json:"created_at"`
	Data      struct {
		Reference string           `json:"reference"`
		Status    string           `json:"status"`
		Amount    *decimal.Decimal `json:"amount"`
		Currency  string           `json:"currency"`
	} `json:"data"`
}

func parseGeneric(body []byte) (Notification, error) {
	var p genericPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n := Notification{
		ProviderEventID: p.ID,
		Kind:            p.Type,
		Reference:       p.Data.Reference,
		RawStatus:       p.Data.Status,
	}
	if p.Data.Amount != nil && p.Data.Currency != "" {
		m, err := money.FromDecimal(*p.Data.Amount, p.Data.Currency)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		n.Amount = &m
	}
	if p.CreatedAt != nil {
		n.OccurredAt = p.CreatedAt.UTC()
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
