package orchestrator

import (
	"context"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
)

// AccountProjection is the read model served to buyers, sellers and arbitrators.
type AccountProjection struct {
	Account       escrow.Account     `json:"account"`
	Status        escrow.Status      `json:"status"`
	Total         money.Money        `json:"total"`
	Captured      money.Money        `json:"captured"`
	Released      money.Money        `json:"released"`
	Refunded      money.Money        `json:"refunded"`
	Held          money.Money        `json:"held"`
	Pending       money.Money        `json:"pending"`
	Milestones    []escrow.Milestone `json:"milestones"`
	Disputes      []dispute.Case     `json:"disputes"`
	ActiveDispute *dispute.Case      `json:"active_dispute,omitempty"`
	AutoReleaseAt *time.Time         `json:"auto_release_at,omitempty"`
}

// GetAccountProjection reads the account with its ledger-derived balances. Held is what the
// account has captured and not yet paid out; Pending is what is committed but not settled.
func (s *Service) GetAccountProjection(ctx context.Context, accountID string) (AccountProjection, error) {
	var p AccountProjection
	err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		balance, err := ledger.New(tx, s.clock).BalanceFor(ctx, accountID, acct.TotalAmount.Currency)
		if err != nil {
			return err
		}
		ms, err := tx.MilestonesByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		cases, err := tx.CasesByAccount(ctx, accountID)
		if err != nil {
			return err
		}

		settled, err := balance.Released.Add(balance.Refunded)
		if err != nil {
			return err
		}
		pending, err := balance.Committed.Sub(settled)
		if err != nil {
			pending = money.Zero(acct.TotalAmount.Currency)
		}
		held, err := balance.Captured.Sub(settled)
		if err != nil {
			held = money.Zero(acct.TotalAmount.Currency)
		}

		p = AccountProjection{
			Account:    acct,
			Status:     acct.Status,
			Total:      acct.TotalAmount,
			Captured:   balance.Captured,
			Released:   balance.Released,
			Refunded:   balance.Refunded,
			Held:       held,
			Pending:    pending,
			Milestones: ms,
			Disputes:   cases,
		}
		if c, ok := dispute.ActiveCase(cases); ok {
			p.ActiveDispute = &c
		}
		if acct.RequiresQualityConfirmation && acct.FundedAt != nil && !acct.Status.Terminal() {
			at := acct.FundedAt.Add(acct.AutoReleaseAfter)
			p.AutoReleaseAt = &at
		}
		return nil
	})
	return p, err
}

// HistoryEntry is one transaction with its status trail.
type HistoryEntry struct {
	Transaction ledger.Transaction    `json:"transaction"`
	Changes     []ledger.StatusChange `json:"status_changes"`
}

// TransactionHistory lists the account's transactions in creation order.
func (s *Service) TransactionHistory(ctx context.Context, accountID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		txs, err := tx.TransactionsByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		out = make([]HistoryEntry, 0, len(txs))
		for _, t := range txs {
			changes, err := tx.StatusChanges(ctx, t.ID)
			if err != nil {
				return err
			}
			out = append(out, HistoryEntry{Transaction: t, Changes: changes})
		}
		return nil
	})
	return out, err
}
