package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/events"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
)

type OpenRequest struct {
	OrderID                     string              `json:"order_id"`
	BuyerID                     string              `json:"buyer_id"`
	SellerID                    string              `json:"seller_id"`
	TotalAmount                 money.Money         `json:"total_amount"`
	AutoReleaseAfter            time.Duration       `json:"auto_release_after"`
	RequiresQualityConfirmation bool                `json:"requires_quality_confirmation"`
	QualityStage                string              `json:"quality_stage"`
	Milestones                  []escrow.Allocation `json:"milestones"`
}

// OpenEscrow creates the account for an order, optionally with its milestone schedule.
func (s *Service) OpenEscrow(ctx context.Context, req OpenRequest) (escrow.Account, error) {
	if req.AutoReleaseAfter == 0 {
		req.AutoReleaseAfter = s.cfg.DefaultAutoReleaseAfter
	}
	var acct escrow.Account
	err := s.run(ctx, store.OrderKey(strings.TrimSpace(req.OrderID)), func(ctx context.Context, w *work) error {
		if _, err := w.tx.AccountByOrder(ctx, strings.TrimSpace(req.OrderID)); err == nil {
			return escrow.ErrDuplicateAccount
		} else if !errors.Is(err, escrow.ErrNotFound) {
			return err
		}
		a, err := escrow.Open(escrow.OpenParams{
			OrderID:                     req.OrderID,
			BuyerID:                     req.BuyerID,
			SellerID:                    req.SellerID,
			TotalAmount:                 req.TotalAmount,
			AutoReleaseAfter:            req.AutoReleaseAfter,
			RequiresQualityConfirmation: req.RequiresQualityConfirmation,
			QualityStage:                req.QualityStage,
		}, w.now)
		if err != nil {
			return err
		}
		if err := w.tx.InsertAccount(ctx, a); err != nil {
			return err
		}
		if len(req.Milestones) > 0 {
			ms, err := escrow.PlanSchedule(a, nil, req.Milestones, w.now)
			if err != nil {
				return err
			}
			if err := w.tx.InsertMilestones(ctx, ms); err != nil {
				return err
			}
		}
		w.emit(events.EscrowOpened, a.ID, a)
		acct = a
		return nil
	})
	if err != nil {
		return escrow.Account{}, err
	}
	s.log.InfoContext(ctx, "escrow: account opened", "module", "escrow", "operation", "open", "outcome", "success",
		"account_id", acct.ID, "order_id", acct.OrderID, "total", acct.TotalAmount.String())
	return acct, nil
}

// DefineMilestones appends stages to the account's schedule.
func (s *Service) DefineMilestones(ctx context.Context, accountID string, allocs []escrow.Allocation) ([]escrow.Milestone, error) {
	var out []escrow.Milestone
	err := s.withAccount(ctx, accountID, func(ctx context.Context, w *work) error {
		acct, err := w.tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		existing, err := w.tx.MilestonesByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		planned, err := escrow.PlanSchedule(acct, existing, allocs, w.now)
		if err != nil {
			return err
		}
		if err := w.tx.InsertMilestones(ctx, planned); err != nil {
			return err
		}
		out = append(existing, planned...)
		w.emit(events.EscrowScheduleDefined, accountID, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InitiateCapture records the capture intent for the account total. A live capture intent is
// returned as is. reference may carry the idempotency reference handed to the gateway.
func (s *Service) InitiateCapture(ctx context.Context, accountID, reference string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := s.withAccount(ctx, accountID, func(ctx context.Context, w *work) error {
		acct, err := w.tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := acct.TerminalError(); err != nil {
			return err
		}
		txs, err := w.tx.TransactionsByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		reference = strings.TrimSpace(reference)
		for _, t := range txs {
			if t.Kind == ledger.KindCapture && t.Status.Committed() {
				if reference != "" && reference != t.ExternalReference {
					return fmt.Errorf("%w: capture %s is already in flight under %s", ledger.ErrDuplicateReference,
						t.ID, t.ExternalReference)
				}
				out = t
				return nil
			}
		}
		t, err := w.ledger.RecordIntent(ctx, ledger.KindCapture, acct.TotalAmount, acct.ID, reference,
			map[string]string{"order_id": acct.OrderID, "buyer_id": acct.BuyerID})
		if err != nil {
			return err
		}
		w.emit(events.EscrowCaptureRequested, acct.ID, t)
		out = t
		return nil
	})
	return out, err
}

// AttachReference records a gateway-assigned reference on a pending transaction.
func (s *Service) AttachReference(ctx context.Context, transactionID, reference string) (ledger.Transaction, error) {
	var key string
	if err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		key = lockKeyFor(t)
		return nil
	}); err != nil {
		return ledger.Transaction{}, err
	}
	var out ledger.Transaction
	err := s.run(ctx, key, func(ctx context.Context, w *work) error {
		t, err := w.ledger.AttachReference(ctx, transactionID, reference)
		out = t
		return err
	})
	return out, err
}

// FundEscrow marks the account funded by a succeeded capture. The reconciler reaches the same
// transition through ApplyEvent.
func (s *Service) FundEscrow(ctx context.Context, accountID, captureTransactionID string) (escrow.Account, error) {
	var out escrow.Account
	err := s.withAccount(ctx, accountID, func(ctx context.Context, w *work) error {
		acct, err := w.tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		t, err := w.tx.GetTransaction(ctx, captureTransactionID)
		if err != nil {
			return err
		}
		out, err = s.fund(ctx, w, acct, t)
		return err
	})
	return out, err
}

func (s *Service) fund(ctx context.Context, w *work, acct escrow.Account, capture ledger.Transaction) (escrow.Account, error) {
	already := acct.Funded()
	funded, err := acct.Fund(capture, w.now)
	if err != nil {
		return acct, err
	}
	if already {
		return funded, nil
	}
	if err := w.tx.UpdateAccount(ctx, funded); err != nil {
		return acct, err
	}
	w.emit(events.EscrowFunded, funded.ID, funded)
	s.log.InfoContext(ctx, "escrow: account funded", "module", "escrow", "operation", "fund", "outcome", "success",
		"account_id", funded.ID, "capture_transaction_id", capture.ID)
	return funded, nil
}

type ReleaseStatus string

const (
	ReleasePending   ReleaseStatus = "pending"
	ReleaseSettled   ReleaseStatus = "released"
	ReleaseAccrued   ReleaseStatus = "accrued"
	ReleaseNoRelease ReleaseStatus = "no_release"
)

// ReleaseOutcome reports what a completion did. Settlement is asynchronous, so a new release is
// always pending.
type ReleaseOutcome struct {
	AccountID     string              `json:"account_id"`
	StageKey      string              `json:"stage,omitempty"`
	Status        ReleaseStatus       `json:"status"`
	Amount        money.Money         `json:"amount"`
	Transaction   *ledger.Transaction `json:"transaction,omitempty"`
	Replayed      bool                `json:"replayed"`
	SkippedStages []string            `json:"skipped_stages,omitempty"`
	AccountStatus escrow.Status       `json:"account_status"`
}

type CompleteRequest struct {
	AccountID   string `json:"account_id"`
	StageKey    string `json:"stage"`
	CompletedBy string `json:"completed_by"`
	Evidence    []byte `json:"evidence"`
}

// CompleteMilestone marks a stage done and issues or accrues its release.
func (s *Service) CompleteMilestone(ctx context.Context, req CompleteRequest) (ReleaseOutcome, error) {
	var out ReleaseOutcome
	err := s.withAccount(ctx, req.AccountID, func(ctx context.Context, w *work) error {
		acct, err := s.loadMutable(ctx, w, req.AccountID)
		if err != nil {
			return err
		}
		ms, err := w.tx.MilestonesByAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		m, ok := escrow.FindStage(ms, strings.TrimSpace(req.StageKey))
		if !ok {
			return escrow.ErrUnknownStage
		}
		done, replay, err := m.Complete(req.CompletedBy, req.Evidence, w.now)
		if err != nil {
			return err
		}

		if replay && done.ReleaseTransactionID != "" {
			t, err := w.tx.GetTransaction(ctx, done.ReleaseTransactionID)
			if err != nil {
				return err
			}
			if t.Status.Committed() {
				out = outcomeFor(acct, done, t)
				out.Replayed = true
				return nil
			}
			done.ReleaseTransactionID = ""
			if err := w.tx.UpdateMilestone(ctx, done); err != nil {
				return err
			}
			ms = replaceMilestone(ms, done)
		}

		if !replay {
			if err := w.tx.UpdateMilestone(ctx, done); err != nil {
				return err
			}
			ms = replaceMilestone(ms, done)
			w.emit(events.EscrowMilestoneCompleted, acct.ID, done)
			if skipped := escrow.SkippedStages(ms, done); len(skipped) > 0 {
				out.SkippedStages = skipped
				s.log.WarnContext(ctx, "escrow: milestone completed out of order",
					"module", "escrow", "operation", "complete_milestone", "outcome", "anomaly",
					"account_id", acct.ID, "stage", done.StageKey, "skipped", skipped)
			}
		}

		res, err := s.releaseFor(ctx, w, acct, ms, done)
		if err != nil {
			return err
		}
		res.Replayed = replay
		res.SkippedStages = out.SkippedStages
		out = res
		return nil
	})
	if err != nil {
		return ReleaseOutcome{}, err
	}
	s.log.InfoContext(ctx, "escrow: milestone completed", "module", "escrow", "operation", "complete_milestone",
		"outcome", string(out.Status), "account_id", out.AccountID, "stage", out.StageKey, "replayed", out.Replayed,
		"amount", out.Amount.String())
	return out, nil
}

// loadMutable reads an account and rejects frozen, terminal and unfunded ones.
func (s *Service) loadMutable(ctx context.Context, w *work, accountID string) (escrow.Account, error) {
	acct, err := w.tx.GetAccount(ctx, accountID)
	if err != nil {
		return escrow.Account{}, err
	}
	cases, err := w.tx.CasesByAccount(ctx, accountID)
	if err != nil {
		return escrow.Account{}, err
	}
	if _, frozen := dispute.ActiveCase(cases); frozen || acct.Status == escrow.StatusDisputed {
		return acct, escrow.ErrAccountFrozen
	}
	if err := acct.TerminalError(); err != nil {
		return acct, err
	}
	if !acct.Funded() {
		return acct, escrow.ErrNotYetCaptured
	}
	return acct, nil
}

func (s *Service) releaseFor(ctx context.Context, w *work, acct escrow.Account, ms []escrow.Milestone, m escrow.Milestone) (ReleaseOutcome, error) {
	out := ReleaseOutcome{AccountID: acct.ID, StageKey: m.StageKey, AccountStatus: acct.Status, Amount: m.ReleaseAmount}

	if acct.RequiresQualityConfirmation && m.StageKey != acct.QualityStage {
		out.Status = ReleaseAccrued
		return out, nil
	}

	var (
		batch  []escrow.Milestone
		amount = money.Zero(acct.TotalAmount.Currency)
	)
	if acct.RequiresQualityConfirmation {
		var err error
		if batch, amount, err = escrow.Accrued(acct.TotalAmount.Currency, ms); err != nil {
			return out, err
		}
	} else if m.Unreleased() && m.ReleaseAmount.IsPositive() {
		batch, amount = []escrow.Milestone{m}, m.ReleaseAmount
	}
	out.Amount = amount
	if len(batch) == 0 {
		out.Status = ReleaseNoRelease
		return out, nil
	}

	t, err := s.issueRelease(ctx, w, acct, batch, amount)
	if err != nil {
		return out, err
	}
	out.Status = ReleasePending
	out.Transaction = &t
	return out, nil
}

// issueRelease records one release intent covering batch, after the over-release guard.
func (s *Service) issueRelease(ctx context.Context, w *work, acct escrow.Account, batch []escrow.Milestone, amount money.Money) (ledger.Transaction, error) {
	balance, err := w.ledger.BalanceFor(ctx, acct.ID, acct.TotalAmount.Currency)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := escrow.CheckCapacity(acct, balance, amount); err != nil {
		s.log.ErrorContext(ctx, "escrow: release blocked by over-release guard", "module", "escrow", "operation", "release",
			"outcome", "rejected", "account_id", acct.ID, "amount", amount.String(), "committed", balance.Committed.String())
		return ledger.Transaction{}, err
	}
	stages := make([]string, 0, len(batch))
	for _, m := range batch {
		stages = append(stages, m.StageKey)
	}
	t, err := w.ledger.RecordIntent(ctx, ledger.KindRelease, amount, acct.ID, "",
		map[string]string{"order_id": acct.OrderID, "seller_id": acct.SellerID, "stages": strings.Join(stages, ",")})
	if err != nil {
		return ledger.Transaction{}, err
	}
	for _, m := range batch {
		m.ReleaseTransactionID = t.ID
		if err := w.tx.UpdateMilestone(ctx, m); err != nil {
			return ledger.Transaction{}, err
		}
	}
	w.emit(events.EscrowReleaseRequested, acct.ID, t)
	return t, nil
}

// ReleaseAccrued batches every completed but unreleased milestone into one release. It is the
// auto-release entry point and applies the same checks as CompleteMilestone.
func (s *Service) ReleaseAccrued(ctx context.Context, accountID string) (ReleaseOutcome, error) {
	var out ReleaseOutcome
	err := s.withAccount(ctx, accountID, func(ctx context.Context, w *work) error {
		acct, err := s.loadMutable(ctx, w, accountID)
		if err != nil {
			return err
		}
		ms, err := w.tx.MilestonesByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		batch, amount, err := escrow.Accrued(acct.TotalAmount.Currency, ms)
		if err != nil {
			return err
		}
		out = ReleaseOutcome{AccountID: acct.ID, Status: ReleaseNoRelease, Amount: amount, AccountStatus: acct.Status}
		if len(batch) == 0 {
			return nil
		}
		t, err := s.issueRelease(ctx, w, acct, batch, amount)
		if err != nil {
			return err
		}
		out.Status = ReleasePending
		out.Transaction = &t
		return nil
	})
	return out, err
}

// SweepAutoRelease releases accrued milestones on accounts whose auto-release window has passed.
func (s *Service) SweepAutoRelease(ctx context.Context, now time.Time) (SweepReport, error) {
	var due []escrow.Account
	if err := s.view(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.AutoReleaseCandidates(ctx, now, s.cfg.SweepBatchSize)
		return err
	}); err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, a := range due {
		report.Examined++
		out, err := s.ReleaseAccrued(ctx, a.ID)
		switch {
		case err == nil && out.Status == ReleasePending:
			report.Applied++
		case err == nil, errors.Is(err, escrow.ErrAccountFrozen), errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrAlreadyRefunded):
			report.Skipped++
		default:
			report.Failed++
			s.log.ErrorContext(ctx, "escrow: auto-release failed", "module", "escrow", "operation", "sweep_auto_release",
				"outcome", "failure", "account_id", a.ID, "error", err)
		}
	}
	s.log.InfoContext(ctx, "escrow: auto-release sweep finished", "module", "escrow", "operation", "sweep_auto_release",
		"examined", report.Examined, "released", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func outcomeFor(acct escrow.Account, m escrow.Milestone, t ledger.Transaction) ReleaseOutcome {
	out := ReleaseOutcome{
		AccountID:     acct.ID,
		StageKey:      m.StageKey,
		Status:        ReleasePending,
		Amount:        t.Amount,
		Transaction:   &t,
		AccountStatus: acct.Status,
	}
	if t.Status == ledger.StatusSucceeded {
		out.Status = ReleaseSettled
	}
	return out
}

func replaceMilestone(ms []escrow.Milestone, m escrow.Milestone) []escrow.Milestone {
	out := make([]escrow.Milestone, len(ms))
	for i, o := range ms {
		if o.ID == m.ID {
			o = m
		}
		out[i] = o
	}
	return out
}

func lockKeyFor(t ledger.Transaction) string {
	if t.AccountID != "" {
		return store.AccountKey(t.AccountID)
	}
	return store.TransactionKey(t.ID)
}
