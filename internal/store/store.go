// Package store defines the unit of work every escrow mutation runs in.
package store

import (
	"context"
	"errors"

	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

var (
	ErrReadOnly = errors.New("store: write attempted in a read-only view")
	ErrConflict = errors.New("store: conflicting concurrent write")
)

// Tx is the repository surface available inside one unit of work.
type Tx interface {
	ledger.Repository
	escrow.Repository
	dispute.Repository
	webhook.Repository
}

// Store runs units of work. WithinLock holds an exclusive lock on key for the duration of fn and
// commits every write made through tx atomically, or none of them if fn returns an error.
// Callers that take different keys never block each other.
type Store interface {
	WithinLock(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

func AccountKey(accountID string) string { return "escrow:" + accountID }

func OrderKey(orderID string) string { return "order:" + orderID }

func TransactionKey(txID string) string { return "txn:" + txID }

func EventKey(gateway, providerEventID string) string {
	return "webhook:" + gateway + ":" + providerEventID
}
