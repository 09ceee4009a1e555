package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

// Repository is the persistence the ledger needs. Implementations are scoped to one unit of work.
type Repository interface {
	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	TransactionByReference(ctx context.Context, reference string) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx Transaction, change StatusChange) error
	TransactionsByAccount(ctx context.Context, accountID string) ([]Transaction, error)
	StatusChanges(ctx context.Context, transactionID string) ([]StatusChange, error)
}

// Ledger implements the intent/settle contract over a Repository.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{repo: repo, now: now}
}

// NewReference mints a gateway idempotency reference.
func NewReference() string {
	return "ESC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// RecordIntent creates a pending transaction. An empty reference is minted.
func (l *Ledger) RecordIntent(ctx context.Context, kind Kind, amount money.Money, accountID, reference string, metadata map[string]string) (Transaction, error) {
	if !kind.Valid() {
		return Transaction{}, ErrInvalidKind
	}
	if !amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	if strings.TrimSpace(reference) == "" {
		reference = NewReference()
	}
	tx := Transaction{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		Kind:              kind,
		Amount:            amount,
		ExternalReference: strings.TrimSpace(reference),
		Status:            StatusPending,
		Metadata:          metadata,
		CreatedAt:         l.now(),
	}
	if err := l.repo.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// AttachReference records a gateway-assigned reference and moves the transaction to processing.
func (l *Ledger) AttachReference(ctx context.Context, transactionID, reference string) (Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Transaction{}, ErrUnknownReference
	}
	tx, err := l.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if tx.ExternalReference == reference && tx.Status != StatusPending {
		return tx, nil
	}
	if owner, err := l.repo.TransactionByReference(ctx, reference); err == nil && owner.ID != tx.ID {
		return Transaction{}, ErrDuplicateReference
	} else if err != nil && !errors.Is(err, ErrUnknownReference) {
		return Transaction{}, err
	}
	tx.ExternalReference = reference
	next, change, err := Transition(tx, StatusProcessing, "attach_reference", l.now())
	if err != nil {
		return Transaction{}, err
	}
	if err := l.repo.UpdateTransactionStatus(ctx, next, change); err != nil {
		return Transaction{}, err
	}
	return next, nil
}

// MarkProcessing records a non-terminal gateway status. It is a no-op unless the transaction is pending.
func (l *Ledger) MarkProcessing(ctx context.Context, reference string) (Transaction, error) {
	tx, err := l.repo.TransactionByReference(ctx, reference)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Status != StatusPending {
		return tx, nil
	}
	next, change, err := Transition(tx, StatusProcessing, "webhook", l.now())
	if err != nil {
		return Transaction{}, err
	}
	if err := l.repo.UpdateTransactionStatus(ctx, next, change); err != nil {
		return Transaction{}, err
	}
	return next, nil
}

// MarkSettled moves a pending or processing transaction to succeeded or failed.
// Redelivery of the same outcome is a no-op; the opposite outcome fails with ErrSettlementConflict.
// The returned bool reports whether the status changed.
func (l *Ledger) MarkSettled(ctx context.Context, reference string, succeeded bool, settledAt time.Time) (Transaction, bool, error) {
	tx, err := l.repo.TransactionByReference(ctx, reference)
	if err != nil {
		return Transaction{}, false, err
	}
	want := StatusFailed
	if succeeded {
		want = StatusSucceeded
	}
	if tx.Status == want {
		return tx, false, nil
	}
	if tx.Status.Terminal() {
		return tx, false, fmt.Errorf("%w: %s is %s", ErrSettlementConflict, tx.ID, tx.Status)
	}
	if settledAt.IsZero() {
		settledAt = l.now()
	}
	next, change, err := Transition(tx, want, "webhook", settledAt)
	if err != nil {
		return Transaction{}, false, err
	}
	if err := l.repo.UpdateTransactionStatus(ctx, next, change); err != nil {
		return Transaction{}, false, err
	}
	return next, true, nil
}

// BalanceFor is a pure read over the account's transactions.
func (l *Ledger) BalanceFor(ctx context.Context, accountID, currency string) (Balance, error) {
	txs, err := l.repo.TransactionsByAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Summarize(currency, txs)
}
