package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/events"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

// RecordEvent stores a received notification. Verified events are insert-or-get on
// (gateway, provider_event_id).
func (s *Service) RecordEvent(ctx context.Context, ev webhook.Event) (webhook.Event, bool, error) {
	key := "webhook:unverified:" + uuid.NewString()
	if ev.Deduplicated() {
		key = store.EventKey(ev.Gateway, ev.ProviderEventID)
	}
	var (
		stored  webhook.Event
		created bool
	)
	record := func() error {
		return s.run(ctx, key, func(ctx context.Context, w *work) error {
			var err error
			stored, created, err = w.tx.InsertEvent(ctx, ev)
			return err
		})
	}
	err := record()
	if errors.Is(err, store.ErrConflict) {
		err = record()
	}
	return stored, created, err
}

// ApplyEvent applies a stored event under the lock of the account its transaction belongs to.
// Applied events return their cached outcome.
func (s *Service) ApplyEvent(ctx context.Context, eventID string) (webhook.Outcome, error) {
	for attempt := 0; attempt < 3; attempt++ {
		key, cached, err := s.eventLockKey(ctx, eventID)
		if err != nil {
			return webhook.Outcome{}, err
		}
		if cached != nil {
			return *cached, nil
		}
		var out webhook.Outcome
		err = s.run(ctx, key, func(ctx context.Context, w *work) error {
			var err error
			out, err = s.applyLocked(ctx, w, eventID, key)
			return err
		})
		if errors.Is(err, errWrongLock) {
			continue
		}
		return out, err
	}
	return webhook.Outcome{}, fmt.Errorf("apply event %s: %w", eventID, errWrongLock)
}

func (s *Service) eventLockKey(ctx context.Context, eventID string) (string, *webhook.Outcome, error) {
	var (
		key    string
		cached *webhook.Outcome
	)
	err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Applied {
			out, err := webhook.CachedOutcome(ev)
			if err != nil {
				return err
			}
			cached = &out
			return nil
		}
		t, err := tx.TransactionByReference(ctx, ev.Reference)
		switch {
		case err == nil:
			key = lockKeyFor(t)
		case errors.Is(err, ledger.ErrUnknownReference):
			key = "webhook:event:" + ev.ID
		default:
			return err
		}
		return nil
	})
	return key, cached, err
}

func (s *Service) applyLocked(ctx context.Context, w *work, eventID, heldKey string) (webhook.Outcome, error) {
	ev, err := w.tx.GetEvent(ctx, eventID)
	if err != nil {
		return webhook.Outcome{}, err
	}
	if ev.Applied {
		return webhook.CachedOutcome(ev)
	}
	out := webhook.Outcome{EventID: ev.ID, Gateway: ev.Gateway, ProviderEventID: ev.ProviderEventID, Reference: ev.Reference}
	if !ev.SignatureValid || ev.ProviderEventID == "" {
		out.Status = webhook.OutcomeRejected
		out.Detail = ev.ApplyError
		return out, nil
	}

	t, err := w.tx.TransactionByReference(ctx, ev.Reference)
	if errors.Is(err, ledger.ErrUnknownReference) {
		ev.Attempts++
		ev.ApplyError = webhook.ApplyErrUnmatched
		out.Status = webhook.OutcomeUnmatched
		return out, w.tx.UpdateEvent(ctx, ev)
	}
	if err != nil {
		return webhook.Outcome{}, err
	}
	if lockKeyFor(t) != heldKey {
		return webhook.Outcome{}, errWrongLock
	}
	ev.Attempts++
	out.TransactionID = t.ID
	out.TransactionKind = string(t.Kind)
	out.AccountID = t.AccountID

	if ev.Amount != nil && !ev.Amount.Equal(t.Amount) {
		ev.ApplyError = webhook.ApplyErrAmountMismatch
		out.Status = webhook.OutcomeRejected
		out.Detail = fmt.Sprintf("payload amount %s does not match transaction amount %s", ev.Amount, t.Amount)
		out.TransactionStatus = string(t.Status)
		return out, w.tx.UpdateEvent(ctx, ev)
	}

	n := ev.Notification()
	out.Status = webhook.OutcomeApplied
	switch n.Status {
	case webhook.SettlementProcessing:
		if t, err = w.ledger.MarkProcessing(ctx, ev.Reference); err != nil {
			return webhook.Outcome{}, err
		}
	case webhook.SettlementSucceeded, webhook.SettlementFailed:
		settledAt := n.OccurredAt
		if settledAt.IsZero() {
			settledAt = w.now
		}
		var changed bool
		t, changed, err = w.ledger.MarkSettled(ctx, ev.Reference, n.Status == webhook.SettlementSucceeded, settledAt)
		if errors.Is(err, ledger.ErrSettlementConflict) {
			ev.ApplyError = webhook.ApplyErrSettlementConflict
			out.Status = webhook.OutcomeRejected
			out.Detail = err.Error()
			out.TransactionStatus = string(t.Status)
			return out, w.tx.UpdateEvent(ctx, ev)
		}
		if err != nil {
			return webhook.Outcome{}, err
		}
		if changed {
			if err := s.afterSettlement(ctx, w, t); err != nil {
				return webhook.Outcome{}, err
			}
		}
	default:
		out.Status = webhook.OutcomeIgnored
		out.Detail = "unrecognised gateway status " + ev.GatewayStatus
	}
	out.TransactionStatus = string(t.Status)
	if t.AccountID != "" {
		if acct, err := w.tx.GetAccount(ctx, t.AccountID); err == nil {
			out.AccountStatus = string(acct.Status)
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return webhook.Outcome{}, err
	}
	applied := w.now
	ev.Applied = true
	ev.AppliedAt = &applied
	ev.ApplyError = ""
	ev.Outcome = raw
	if err := w.tx.UpdateEvent(ctx, ev); err != nil {
		return webhook.Outcome{}, err
	}
	return out, nil
}

// afterSettlement propagates a settled transaction to its account.
func (s *Service) afterSettlement(ctx context.Context, w *work, t ledger.Transaction) error {
	if t.AccountID == "" {
		return nil
	}
	acct, err := w.tx.GetAccount(ctx, t.AccountID)
	if err != nil {
		return err
	}

	switch t.Kind {
	case ledger.KindCapture:
		if t.Status != ledger.StatusSucceeded {
			s.log.WarnContext(ctx, "escrow: capture failed", "module", "escrow", "operation", "settle",
				"outcome", "failure", "account_id", acct.ID, "transaction_id", t.ID)
			return nil
		}
		if _, err := s.fund(ctx, w, acct, t); err != nil {
			// The ledger row stays settled; funding needs operator attention.
			s.log.ErrorContext(ctx, "escrow: succeeded capture could not fund account", "module", "escrow",
				"operation", "settle", "outcome", "failure", "account_id", acct.ID, "transaction_id", t.ID, "error", err)
		}
		return nil

	case ledger.KindRelease:
		if t.Status != ledger.StatusSucceeded {
			if err := s.returnToPool(ctx, w, acct.ID, t.ID); err != nil {
				return err
			}
		}
	case ledger.KindRefund:
	default:
		return nil
	}

	balance, err := w.ledger.BalanceFor(ctx, acct.ID, acct.TotalAmount.Currency)
	if err != nil {
		return err
	}
	next, err := acct.Recompute(balance, t.Kind, w.now)
	if err != nil {
		return err
	}
	if err := w.tx.UpdateAccount(ctx, next); err != nil {
		return err
	}
	w.emit(events.EscrowSettled, next.ID, settlement{Transaction: t, AccountStatus: next.Status,
		ReleasedAmount: next.ReleasedAmount.String(), RefundedAmount: next.RefundedAmount.String()})
	if next.Status != acct.Status {
		s.log.InfoContext(ctx, "escrow: account status changed", "module", "escrow", "operation", "settle",
			"outcome", "success", "account_id", next.ID, "from", string(acct.Status), "to", string(next.Status))
	}
	return nil
}

type settlement struct {
	Transaction    ledger.Transaction `json:"transaction"`
	AccountStatus  escrow.Status      `json:"account_status"`
	ReleasedAmount string             `json:"released_amount"`
	RefundedAmount string             `json:"refunded_amount"`
}

// returnToPool clears the release link on milestones covered by a failed release so a repeat
// completion or the next batch can release them again.
func (s *Service) returnToPool(ctx context.Context, w *work, accountID, txID string) error {
	ms, err := w.tx.MilestonesByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if m.ReleaseTransactionID != txID {
			continue
		}
		m.ReleaseTransactionID = ""
		if err := w.tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}
	}
	s.log.WarnContext(ctx, "escrow: release failed, milestones returned to pool", "module", "escrow",
		"operation", "settle", "outcome", "failure", "account_id", accountID, "transaction_id", txID)
	return nil
}

// RetryUnmatched re-applies verified events that have not matched a transaction yet.
func (s *Service) RetryUnmatched(ctx context.Context) (SweepReport, error) {
	var pending []webhook.Event
	cutoff := s.clock().Add(-s.cfg.UnmatchedRetryAfter)
	if err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pending, err = tx.UnmatchedEvents(ctx, cutoff, s.cfg.SweepBatchSize)
		return err
	}); err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, ev := range pending {
		report.Examined++
		out, err := s.ApplyEvent(ctx, ev.ID)
		switch {
		case err != nil:
			report.Failed++
			s.log.ErrorContext(ctx, "webhook: retry failed", "module", "webhook", "operation", "retry_unmatched",
				"outcome", "failure", "event_id", ev.ID, "error", err)
		case out.Status == webhook.OutcomeUnmatched:
			report.Skipped++
		default:
			report.Applied++
		}
	}
	return report, nil
}

var _ webhook.Backend = (*Service)(nil)
