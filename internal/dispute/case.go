// Package dispute is the arbitration workflow that freezes an escrow account and decides how
// its remaining funds move.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolved         Status = "resolved"
	StatusClosed           Status = "closed"
)

// Active reports whether the case freezes its account.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInvestigating || s == StatusAwaitingResponse
}

type Resolution string

const (
	ResolutionRefundBuyer   Resolution = "refund_buyer"
	ResolutionReleaseSeller Resolution = "release_seller"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionReplacement   Resolution = "replacement"
	ResolutionNoAction      Resolution = "no_action"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundBuyer, ResolutionReleaseSeller, ResolutionPartialRefund, ResolutionReplacement, ResolutionNoAction:
		return true
	}
	return false
}

// MovesFunds reports whether the resolution issues a ledger transaction.
func (r Resolution) MovesFunds() bool {
	return r == ResolutionRefundBuyer || r == ResolutionReleaseSeller || r == ResolutionPartialRefund
}

// Kinds mirror the categories buyers and sellers file under.
const (
	KindNotReceived    = "not_received"
	KindNotAsDescribed = "not_as_described"
	KindDamaged        = "damaged"
	KindQuality        = "quality"
	KindPayment        = "payment"
	KindOther          = "other"
)

var kinds = map[string]bool{
	KindNotReceived: true, KindNotAsDescribed: true, KindDamaged: true,
	KindQuality: true, KindPayment: true, KindOther: true,
}

// DefaultResponseWindow is used when no window is configured.
const DefaultResponseWindow = 7 * 24 * time.Hour

var (
	ErrNotFound            = errors.New("dispute not found")
	ErrActiveDisputeExists = errors.New("account already has an active dispute")
	ErrInvalidTransition   = errors.New("invalid dispute status transition")
	ErrInvalidInput        = errors.New("invalid dispute input")
	ErrInvalidResolution   = errors.New("invalid dispute resolution")
	ErrNotParticipant      = errors.New("only the buyer or seller may raise a dispute")
)

var transitions = map[Status]map[Status]bool{
	StatusOpen:             {StatusInvestigating: true, StatusAwaitingResponse: true, StatusResolved: true},
	StatusInvestigating:    {StatusAwaitingResponse: true, StatusResolved: true},
	StatusAwaitingResponse: {StatusInvestigating: true, StatusResolved: true},
	StatusResolved:         {StatusClosed: true},
}

// Case is one dispute against an escrow account.
type Case struct {
	ID                      string       `json:"id"`
	AccountID               string       `json:"escrow_account_id"`
	RaisedBy                string       `json:"raised_by"`
	Respondent              string       `json:"respondent"`
	Kind                    string       `json:"kind"`
	Description             string       `json:"description"`
	Evidence                []byte       `json:"evidence,omitempty"`
	Status                  Status       `json:"status"`
	Resolution              Resolution   `json:"resolution,omitempty"`
	ResolutionAmount        *money.Money `json:"resolution_amount,omitempty"`
	ResolutionTransactionID string       `json:"resolution_transaction_id,omitempty"`
	Notes                   string       `json:"notes,omitempty"`
	ResolvedBy              string       `json:"resolved_by,omitempty"`
	OpenedAt                time.Time    `json:"opened_at"`
	ResolvedAt              *time.Time   `json:"resolved_at,omitempty"`
	ResponseDeadline        time.Time    `json:"response_deadline"`
}

// StatusChange is the append-only history row for a case.
type StatusChange struct {
	CaseID string    `json:"case_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Repository persists cases inside one unit of work.
type Repository interface {
	InsertCase(ctx context.Context, c Case) error
	GetCase(ctx context.Context, id string) (Case, error)
	UpdateCase(ctx context.Context, c Case, change StatusChange) error
	CasesByAccount(ctx context.Context, accountID string) ([]Case, error)
	OverdueCases(ctx context.Context, now time.Time, limit int) ([]Case, error)
}

// RaiseParams are the inputs to Raise.
type RaiseParams struct {
	AccountID   string
	RaisedBy    string
	Respondent  string
	Kind        string
	Description string
	Evidence    []byte
}

// Raise opens a case. existing are the account's current cases; window <= 0 uses the default.
func Raise(p RaiseParams, existing []Case, window time.Duration, now time.Time) (Case, error) {
	if strings.TrimSpace(p.AccountID) == "" || strings.TrimSpace(p.RaisedBy) == "" || strings.TrimSpace(p.Respondent) == "" {
		return Case{}, ErrInvalidInput
	}
	kind := strings.TrimSpace(p.Kind)
	if kind == "" {
		kind = KindOther
	}
	if !kinds[kind] {
		return Case{}, fmt.Errorf("%w: kind %q", ErrInvalidInput, kind)
	}
	if _, ok := ActiveCase(existing); ok {
		return Case{}, ErrActiveDisputeExists
	}
	if window <= 0 {
		window = DefaultResponseWindow
	}
	return Case{
		ID:               uuid.NewString(),
		AccountID:        p.AccountID,
		RaisedBy:         p.RaisedBy,
		Respondent:       p.Respondent,
		Kind:             kind,
		Description:      strings.TrimSpace(p.Description),
		Evidence:         append([]byte(nil), p.Evidence...),
		Status:           StatusOpen,
		OpenedAt:         now,
		ResponseDeadline: now.Add(window),
	}, nil
}

// ActiveCase returns the case freezing the account, if any.
func ActiveCase(cases []Case) (Case, bool) {
	for _, c := range cases {
		if c.Status.Active() {
			return c, true
		}
	}
	return Case{}, false
}

// Transition is the single authoritative status function for cases.
func (c Case) Transition(to Status, actor string, now time.Time) (Case, StatusChange, error) {
	if !transitions[c.Status][to] {
		return c, StatusChange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	change := StatusChange{CaseID: c.ID, From: c.Status, To: to, Actor: actor, At: now}
	c.Status = to
	return c, change, nil
}

// Resolve records the arbitrator's decision. Fund movement is the caller's concern.
func (c Case) Resolve(resolution Resolution, amount *money.Money, notes, arbitrator string, now time.Time) (Case, StatusChange, error) {
	if !resolution.Valid() {
		return c, StatusChange{}, ErrInvalidResolution
	}
	if resolution == ResolutionPartialRefund && (amount == nil || !amount.IsPositive()) {
		return c, StatusChange{}, fmt.Errorf("%w: partial_refund needs a positive amount", ErrInvalidResolution)
	}
	if !resolution.MovesFunds() && amount != nil {
		return c, StatusChange{}, fmt.Errorf("%w: %s takes no amount", ErrInvalidResolution, resolution)
	}
	next, change, err := c.Transition(StatusResolved, arbitrator, now)
	if err != nil {
		return c, StatusChange{}, err
	}
	next.Resolution = resolution
	next.ResolutionAmount = amount
	next.Notes = strings.TrimSpace(notes)
	next.ResolvedBy = arbitrator
	at := now
	next.ResolvedAt = &at
	return next, change, nil
}

// DeadlinePassed reports whether now is past the response deadline.
func (c Case) DeadlinePassed(now time.Time) bool {
	return now.After(c.ResponseDeadline)
}
