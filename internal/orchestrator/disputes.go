package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/events"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
)

type RaiseRequest struct {
	AccountID   string `json:"account_id"`
	RaisedBy    string `json:"raised_by"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Evidence    []byte `json:"evidence"`
}

// RaiseDispute opens a case and freezes the account.
func (s *Service) RaiseDispute(ctx context.Context, req RaiseRequest) (dispute.Case, error) {
	var out dispute.Case
	err := s.withAccount(ctx, req.AccountID, func(ctx context.Context, w *work) error {
		acct, err := w.tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if err := acct.TerminalError(); err != nil {
			return err
		}
		var respondent string
		switch req.RaisedBy {
		case acct.BuyerID:
			respondent = acct.SellerID
		case acct.SellerID:
			respondent = acct.BuyerID
		default:
			return dispute.ErrNotParticipant
		}
		cases, err := w.tx.CasesByAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		c, err := dispute.Raise(dispute.RaiseParams{
			AccountID:   acct.ID,
			RaisedBy:    req.RaisedBy,
			Respondent:  respondent,
			Kind:        req.Kind,
			Description: req.Description,
			Evidence:    req.Evidence,
		}, cases, s.cfg.DisputeResponseWindow, w.now)
		if err != nil {
			return err
		}
		if err := w.tx.InsertCase(ctx, c); err != nil {
			return err
		}
		frozen, err := acct.Transition(escrow.StatusDisputed, w.now)
		if err != nil {
			return err
		}
		if err := w.tx.UpdateAccount(ctx, frozen); err != nil {
			return err
		}
		w.emit(events.DisputeRaised, acct.ID, c)
		out = c
		return nil
	})
	if err != nil {
		return dispute.Case{}, err
	}
	s.log.InfoContext(ctx, "dispute: raised", "module", "dispute", "operation", "raise", "outcome", "success",
		"account_id", out.AccountID, "case_id", out.ID, "kind", out.Kind)
	return out, nil
}

type ResolveRequest struct {
	CaseID         string             `json:"case_id"`
	Resolution     dispute.Resolution `json:"resolution"`
	Amount         *money.Money       `json:"amount,omitempty"`
	Notes          string             `json:"notes"`
	ArbitratorID   string             `json:"arbitrator_id"`
	ArbitratorRole string             `json:"-"`
}

type ResolveOutcome struct {
	Case        dispute.Case        `json:"case"`
	Account     escrow.Account      `json:"account"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}

// ResolveDispute records the arbitrator's decision and issues the refund or release it implies.
// Funds move asynchronously; the account stays resolved until the transaction settles.
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (ResolveOutcome, error) {
	if !canArbitrate(req.ArbitratorRole) {
		return ResolveOutcome{}, ErrForbidden
	}
	accountID, err := s.caseAccount(ctx, req.CaseID)
	if err != nil {
		return ResolveOutcome{}, err
	}

	var out ResolveOutcome
	err = s.withAccount(ctx, accountID, func(ctx context.Context, w *work) error {
		c, err := w.tx.GetCase(ctx, req.CaseID)
		if err != nil {
			return err
		}
		acct, err := w.tx.GetAccount(ctx, c.AccountID)
		if err != nil {
			return err
		}
		balance, err := w.ledger.BalanceFor(ctx, acct.ID, acct.TotalAmount.Currency)
		if err != nil {
			return err
		}

		amount, err := resolutionAmount(req, escrow.Held(balance))
		if err != nil {
			return err
		}
		var recorded *money.Money
		if req.Resolution.MovesFunds() {
			recorded = &amount
		}
		resolved, change, err := c.Resolve(req.Resolution, recorded, req.Notes, req.ArbitratorID, w.now)
		if err != nil {
			return err
		}
		if acct, err = acct.Transition(escrow.StatusResolved, w.now); err != nil {
			return err
		}

		if req.Resolution.MovesFunds() && amount.IsPositive() {
			t, err := s.issueResolution(ctx, w, acct, resolved, balance, amount)
			if err != nil {
				return err
			}
			resolved.ResolutionTransactionID = t.ID
			out.Transaction = &t
		} else if acct, err = acct.Recompute(balance, "", w.now); err != nil {
			return err
		}

		if err := w.tx.UpdateCase(ctx, resolved, change); err != nil {
			return err
		}
		if err := w.tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		w.emit(events.DisputeResolved, acct.ID, resolved)
		out.Case, out.Account = resolved, acct
		return nil
	})
	if err != nil {
		return ResolveOutcome{}, err
	}
	s.log.InfoContext(ctx, "dispute: resolved", "module", "dispute", "operation", "resolve", "outcome", "success",
		"case_id", out.Case.ID, "account_id", out.Account.ID, "resolution", string(out.Case.Resolution),
		"arbitrator_id", req.ArbitratorID)
	return out, nil
}

// resolutionAmount decides how much a resolution moves, bounded by what is still held.
func resolutionAmount(req ResolveRequest, held money.Money) (money.Money, error) {
	switch req.Resolution {
	case dispute.ResolutionReleaseSeller:
		return held, nil
	case dispute.ResolutionRefundBuyer, dispute.ResolutionPartialRefund:
		if req.Amount == nil {
			if req.Resolution == dispute.ResolutionPartialRefund {
				return money.Money{}, fmt.Errorf("%w: partial_refund needs an amount", dispute.ErrInvalidResolution)
			}
			return held, nil
		}
		if !req.Amount.IsPositive() {
			return money.Money{}, ledger.ErrInvalidAmount
		}
		cmp, err := req.Amount.Cmp(held)
		if err != nil {
			return money.Money{}, err
		}
		if cmp > 0 {
			return money.Money{}, fmt.Errorf("%w: refund %s exceeds held %s", escrow.ErrOverRelease, req.Amount, held)
		}
		return *req.Amount, nil
	case dispute.ResolutionNoAction, dispute.ResolutionReplacement:
		if req.Amount != nil {
			return money.Money{}, fmt.Errorf("%w: %s takes no amount", dispute.ErrInvalidResolution, req.Resolution)
		}
		return money.Zero(held.Currency), nil
	}
	return money.Money{}, dispute.ErrInvalidResolution
}

func (s *Service) issueResolution(ctx context.Context, w *work, acct escrow.Account, c dispute.Case, balance ledger.Balance, amount money.Money) (ledger.Transaction, error) {
	if err := escrow.CheckCapacity(acct, balance, amount); err != nil {
		return ledger.Transaction{}, err
	}
	meta := map[string]string{"order_id": acct.OrderID, "dispute_id": c.ID, "resolution": string(c.Resolution)}
	if c.Resolution != dispute.ResolutionReleaseSeller {
		t, err := w.ledger.RecordIntent(ctx, ledger.KindRefund, amount, acct.ID, "", meta)
		if err != nil {
			return ledger.Transaction{}, err
		}
		w.emit(events.EscrowRefundRequested, acct.ID, t)
		return t, nil
	}

	t, err := w.ledger.RecordIntent(ctx, ledger.KindRelease, amount, acct.ID, "", meta)
	if err != nil {
		return ledger.Transaction{}, err
	}
	ms, err := w.tx.MilestonesByAccount(ctx, acct.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	for _, m := range ms {
		if !m.Unreleased() {
			continue
		}
		m.ReleaseTransactionID = t.ID
		if err := w.tx.UpdateMilestone(ctx, m); err != nil {
			return ledger.Transaction{}, err
		}
	}
	w.emit(events.EscrowReleaseRequested, acct.ID, t)
	return t, nil
}

// TransitionDispute moves a case between the working states (investigating, awaiting_response).
func (s *Service) TransitionDispute(ctx context.Context, caseID string, to dispute.Status, actorID, role string) (dispute.Case, error) {
	if !canArbitrate(role) {
		return dispute.Case{}, ErrForbidden
	}
	if to != dispute.StatusInvestigating && to != dispute.StatusAwaitingResponse {
		return dispute.Case{}, fmt.Errorf("%w: use resolve or close to reach %s", dispute.ErrInvalidTransition, to)
	}
	return s.moveCase(ctx, caseID, to, actorID)
}

// CloseDispute archives a resolved case.
func (s *Service) CloseDispute(ctx context.Context, caseID, actorID, role string) (dispute.Case, error) {
	if !canArbitrate(role) {
		return dispute.Case{}, ErrForbidden
	}
	return s.moveCase(ctx, caseID, dispute.StatusClosed, actorID)
}

func (s *Service) moveCase(ctx context.Context, caseID string, to dispute.Status, actorID string) (dispute.Case, error) {
	accountID, err := s.caseAccount(ctx, caseID)
	if err != nil {
		return dispute.Case{}, err
	}
	var out dispute.Case
	err = s.withAccount(ctx, accountID, func(ctx context.Context, w *work) error {
		c, err := w.tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		next, change, err := c.Transition(to, actorID, w.now)
		if err != nil {
			return err
		}
		if err := w.tx.UpdateCase(ctx, next, change); err != nil {
			return err
		}
		w.emit(events.DisputeUpdated, next.AccountID, next)
		out = next
		return nil
	})
	return out, err
}

// SweepDisputeDeadlines escalates open or awaiting-response cases past their deadline to
// investigating so an arbitrator picks them up.
func (s *Service) SweepDisputeDeadlines(ctx context.Context, now time.Time) (SweepReport, error) {
	var overdue []dispute.Case
	if err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		overdue, err = tx.OverdueCases(ctx, now, s.cfg.SweepBatchSize)
		return err
	}); err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, c := range overdue {
		report.Examined++
		escalated := false
		err := s.withAccount(ctx, c.AccountID, func(ctx context.Context, w *work) error {
			cur, err := w.tx.GetCase(ctx, c.ID)
			if err != nil {
				return err
			}
			if cur.Status == dispute.StatusInvestigating || !cur.Status.Active() || !cur.DeadlinePassed(now) {
				return nil
			}
			next, change, err := cur.Transition(dispute.StatusInvestigating, "system:deadline", w.now)
			if err != nil {
				return err
			}
			if err := w.tx.UpdateCase(ctx, next, change); err != nil {
				return err
			}
			w.emit(events.DisputeUpdated, next.AccountID, next)
			escalated = true
			return nil
		})
		switch {
		case err != nil:
			report.Failed++
			s.log.ErrorContext(ctx, "dispute: deadline escalation failed", "module", "dispute", "operation", "sweep_deadlines",
				"outcome", "failure", "case_id", c.ID, "error", err)
		case escalated:
			report.Applied++
			s.log.WarnContext(ctx, "dispute: response deadline passed", "module", "dispute", "operation", "sweep_deadlines",
				"outcome", "escalated", "case_id", c.ID, "account_id", c.AccountID, "deadline", c.ResponseDeadline)
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (s *Service) caseAccount(ctx context.Context, caseID string) (string, error) {
	var accountID string
	err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		accountID = c.AccountID
		return nil
	})
	return accountID, err
}
