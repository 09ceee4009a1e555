// Package ledger records every attempted fund movement and its settlement outcome.
//
// Rows are append-mostly: a transaction's kind and amount are fixed at creation, and every
// status change is written as a separate StatusChange row next to the current status.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

type Kind string

const (
	KindCapture  Kind = "capture"
	KindRelease  Kind = "release"
	KindRefund   Kind = "refund"
	KindTransfer Kind = "transfer"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCapture, KindRelease, KindRefund, KindTransfer:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Committed reports whether funds moved, or may still move, under this status.
func (s Status) Committed() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusSucceeded
}

var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusSucceeded: true, StatusFailed: true, StatusCancelled: true},
	StatusProcessing: {StatusSucceeded: true, StatusFailed: true, StatusCancelled: true},
}

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidKind        = errors.New("invalid transaction kind")
	ErrUnknownReference   = errors.New("unknown external reference")
	ErrDuplicateReference = errors.New("external reference already in use")
	ErrSettlementConflict = errors.New("transaction already settled with a different outcome")
	ErrInvalidTransition  = errors.New("invalid transaction status transition")
	ErrNotFound           = errors.New("transaction not found")
)

// Transaction is one attempted fund movement.
type Transaction struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"escrow_account_id,omitempty"`
	Kind              Kind              `json:"kind"`
	Amount            money.Money       `json:"amount"`
	ExternalReference string            `json:"external_reference"`
	Status            Status            `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	SettledAt         *time.Time        `json:"settled_at,omitempty"`
}

// StatusChange is the append-only audit row for one status move.
type StatusChange struct {
	TransactionID string    `json:"transaction_id"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Source        string    `json:"source"`
	At            time.Time `json:"at"`
}

// Transition is the single authoritative status function for transactions.
func Transition(tx Transaction, to Status, source string, at time.Time) (Transaction, StatusChange, error) {
	if !transitions[tx.Status][to] {
		return tx, StatusChange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, to)
	}
	change := StatusChange{TransactionID: tx.ID, From: tx.Status, To: to, Source: source, At: at}
	tx.Status = to
	if to.Terminal() {
		settled := at
		tx.SettledAt = &settled
	}
	return tx, change, nil
}

// Balance summarises one account's transactions.
type Balance struct {
	Captured  money.Money `json:"captured"`
	Released  money.Money `json:"released"`
	Refunded  money.Money `json:"refunded"`
	Committed money.Money `json:"committed"`
}

// Summarize derives a Balance from txs. Captured, Released and Refunded count succeeded rows only;
// Committed counts release and refund rows that have not failed or been cancelled.
func Summarize(currency string, txs []Transaction) (Balance, error) {
	b := Balance{
		Captured:  money.Zero(currency),
		Released:  money.Zero(currency),
		Refunded:  money.Zero(currency),
		Committed: money.Zero(currency),
	}
	for _, tx := range txs {
		var err error
		if tx.Status == StatusSucceeded {
			switch tx.Kind {
			case KindCapture:
				b.Captured, err = b.Captured.Add(tx.Amount)
			case KindRelease:
				b.Released, err = b.Released.Add(tx.Amount)
			case KindRefund:
				b.Refunded, err = b.Refunded.Add(tx.Amount)
			}
			if err != nil {
				return Balance{}, err
			}
		}
		if (tx.Kind == KindRelease || tx.Kind == KindRefund) && tx.Status.Committed() {
			if b.Committed, err = b.Committed.Add(tx.Amount); err != nil {
				return Balance{}, err
			}
		}
	}
	return b, nil
}
