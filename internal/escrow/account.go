// Package escrow models one order's escrowed funds and the milestone schedule that releases them.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

type Status string

const (
	StatusCreated        Status = "created"
	StatusFunded         Status = "funded"
	StatusPartialRelease Status = "partial_release"
	StatusReleased       Status = "released"
	StatusRefunded       Status = "refunded"
	StatusDisputed       Status = "disputed"
	StatusResolved       Status = "resolved"
)

// DefaultQualityStage is the stage key that triggers a batched release when quality
// confirmation is required.
const DefaultQualityStage = "quality_confirmed"

var (
	ErrNotFound         = errors.New("escrow account not found")
	ErrDuplicateAccount = errors.New("order already has an escrow account")
	ErrInvalidInput     = errors.New("invalid escrow input")
	ErrNotYetCaptured   = errors.New("capture not yet settled")
	ErrAccountFrozen    = errors.New("escrow account is frozen by an active dispute")
	ErrAlreadyReleased  = errors.New("escrow account already released")
	ErrAlreadyRefunded  = errors.New("escrow account already refunded")
	ErrOverRelease      = errors.New("release would exceed escrowed funds")
	ErrInvalidStatus    = errors.New("invalid escrow status transition")
)

// Account holds one order's captured funds.
type Account struct {
	ID                          string        `json:"id"`
	OrderID                     string        `json:"order_id"`
	BuyerID                     string        `json:"buyer_id"`
	SellerID                    string        `json:"seller_id"`
	TotalAmount                 money.Money   `json:"total_amount"`
	ReleasedAmount              money.Money   `json:"released_amount"`
	RefundedAmount              money.Money   `json:"refunded_amount"`
	Status                      Status        `json:"status"`
	AutoReleaseAfter            time.Duration `json:"auto_release_after"`
	RequiresQualityConfirmation bool          `json:"requires_quality_confirmation"`
	QualityStage                string        `json:"quality_stage"`
	CaptureTransactionID        string        `json:"capture_transaction_id,omitempty"`
	FundedAt                    *time.Time    `json:"funded_at,omitempty"`
	CreatedAt                   time.Time     `json:"created_at"`
	UpdatedAt                   time.Time     `json:"updated_at"`
}

// Repository persists accounts and milestones inside one unit of work.
type Repository interface {
	InsertAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	AccountByOrder(ctx context.Context, orderID string) (Account, error)
	UpdateAccount(ctx context.Context, a Account) error
	AutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]Account, error)

	InsertMilestones(ctx context.Context, ms []Milestone) error
	UpdateMilestone(ctx context.Context, m Milestone) error
	MilestonesByAccount(ctx context.Context, accountID string) ([]Milestone, error)
}

// OpenParams are the inputs to Open.
type OpenParams struct {
	OrderID                     string
	BuyerID                     string
	SellerID                    string
	TotalAmount                 money.Money
	AutoReleaseAfter            time.Duration
	RequiresQualityConfirmation bool
	QualityStage                string
}

// Open validates p and returns a new account in the created state.
func Open(p OpenParams, now time.Time) (Account, error) {
	p.OrderID = strings.TrimSpace(p.OrderID)
	p.BuyerID = strings.TrimSpace(p.BuyerID)
	p.SellerID = strings.TrimSpace(p.SellerID)
	if p.OrderID == "" || p.BuyerID == "" || p.SellerID == "" || p.BuyerID == p.SellerID {
		return Account{}, ErrInvalidInput
	}
	if !p.TotalAmount.IsPositive() {
		return Account{}, ledger.ErrInvalidAmount
	}
	if p.AutoReleaseAfter < 0 {
		return Account{}, ErrInvalidInput
	}
	stage := strings.TrimSpace(p.QualityStage)
	if stage == "" {
		stage = DefaultQualityStage
	}
	return Account{
		ID:                          uuid.NewString(),
		OrderID:                     p.OrderID,
		BuyerID:                     p.BuyerID,
		SellerID:                    p.SellerID,
		TotalAmount:                 p.TotalAmount,
		ReleasedAmount:              money.Zero(p.TotalAmount.Currency),
		RefundedAmount:              money.Zero(p.TotalAmount.Currency),
		Status:                      StatusCreated,
		AutoReleaseAfter:            p.AutoReleaseAfter,
		RequiresQualityConfirmation: p.RequiresQualityConfirmation,
		QualityStage:                stage,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}, nil
}

var statusTransitions = map[Status]map[Status]bool{
	StatusCreated:        {StatusFunded: true, StatusDisputed: true},
	StatusFunded:         {StatusPartialRelease: true, StatusReleased: true, StatusRefunded: true, StatusDisputed: true},
	StatusPartialRelease: {StatusReleased: true, StatusRefunded: true, StatusDisputed: true},
	StatusDisputed:       {StatusResolved: true},
	StatusResolved:       {StatusCreated: true, StatusFunded: true, StatusPartialRelease: true, StatusReleased: true, StatusRefunded: true, StatusDisputed: true},
}

// Terminal reports whether the account can no longer move funds.
func (s Status) Terminal() bool { return s == StatusReleased || s == StatusRefunded }

// TerminalError returns the state-conflict error for a terminal account, or nil.
func (a Account) TerminalError() error {
	switch a.Status {
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusRefunded:
		return ErrAlreadyRefunded
	}
	return nil
}

// Transition is the single authoritative status function for accounts.
func (a Account) Transition(to Status, now time.Time) (Account, error) {
	if a.Status == to {
		return a, nil
	}
	if !statusTransitions[a.Status][to] {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = now
	return a, nil
}

// Fund marks the account funded by captureTx, which must be a succeeded capture for the full total.
func (a Account) Fund(captureTx ledger.Transaction, now time.Time) (Account, error) {
	if a.CaptureTransactionID != "" && a.CaptureTransactionID == captureTx.ID && a.FundedAt != nil {
		return a, nil
	}
	if captureTx.Kind != ledger.KindCapture || captureTx.AccountID != a.ID {
		return a, ErrInvalidInput
	}
	if captureTx.Status != ledger.StatusSucceeded {
		return a, ErrNotYetCaptured
	}
	if !captureTx.Amount.Equal(a.TotalAmount) {
		return a, fmt.Errorf("%w: capture %s for total %s", ErrInvalidInput, captureTx.Amount, a.TotalAmount)
	}
	if a.FundedAt != nil {
		return a, ErrInvalidInput
	}
	a.CaptureTransactionID = captureTx.ID
	funded := now
	a.FundedAt = &funded
	if a.Status == StatusCreated {
		return a.Transition(StatusFunded, now)
	}
	a.UpdatedAt = now
	return a, nil
}

// Funded reports whether the capture settled.
func (a Account) Funded() bool { return a.FundedAt != nil }

// Recompute applies ledger balances and derives the settled status. settledKind is the kind of
// the transaction whose settlement triggered the recompute; it decides between released and
// refunded once every captured unit has been disbursed. Disputed accounts keep their status.
func (a Account) Recompute(b ledger.Balance, settledKind ledger.Kind, now time.Time) (Account, error) {
	disbursed, err := b.Released.Add(b.Refunded)
	if err != nil {
		return a, err
	}
	if cmp, err := disbursed.Cmp(a.TotalAmount); err != nil {
		return a, err
	} else if cmp > 0 {
		return a, fmt.Errorf("%w: disbursed %s of %s", ErrOverRelease, disbursed, a.TotalAmount)
	}
	a.ReleasedAmount = b.Released
	a.RefundedAmount = b.Refunded
	a.UpdatedAt = now
	if a.Status == StatusDisputed {
		return a, nil
	}
	return a.Transition(a.derivedStatus(disbursed, settledKind), now)
}

func (a Account) derivedStatus(disbursed money.Money, settledKind ledger.Kind) Status {
	switch {
	case disbursed.Equal(a.TotalAmount) && a.RefundedAmount.IsZero():
		return StatusReleased
	case disbursed.Equal(a.TotalAmount) && a.ReleasedAmount.IsZero():
		return StatusRefunded
	case disbursed.Equal(a.TotalAmount) && settledKind == ledger.KindRefund:
		return StatusRefunded
	case disbursed.Equal(a.TotalAmount):
		return StatusReleased
	case disbursed.IsPositive():
		return StatusPartialRelease
	case a.Funded():
		return StatusFunded
	default:
		return StatusCreated
	}
}

// Held is what remains in escrow: captured minus everything released, refunded or in flight.
func Held(b ledger.Balance) money.Money {
	held, err := b.Captured.Sub(b.Committed)
	if err != nil {
		return money.Zero(b.Captured.Currency)
	}
	return held
}

// CheckCapacity enforces the over-release guard for a new outgoing amount.
func CheckCapacity(a Account, b ledger.Balance, amount money.Money) error {
	next, err := b.Committed.Add(amount)
	if err != nil {
		return err
	}
	for _, limit := range []money.Money{a.TotalAmount, b.Captured} {
		cmp, err := next.Cmp(limit)
		if err != nil {
			return err
		}
		if cmp > 0 {
			return fmt.Errorf("%w: %s committed + %s requested, limit %s", ErrOverRelease, b.Committed, amount, limit)
		}
	}
	return nil
}
