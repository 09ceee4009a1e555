package db

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

const accountColumns = `id, order_id, buyer_id, seller_id, currency, total_amount::text, released_amount::text,
	refunded_amount::text, status, auto_release_after_ms, requires_quality_confirmation, quality_stage,
	capture_transaction_id, funded_at, created_at, updated_at`

func scanAccount(row scanner) (escrow.Account, error) {
	var (
		a                         escrow.Account
		currency                  string
		total, released, refunded string
		autoReleaseMS             int64
	)
	if err := row.Scan(&a.ID, &a.OrderID, &a.BuyerID, &a.SellerID, &currency, &total, &released, &refunded,
		&a.Status, &autoReleaseMS, &a.RequiresQualityConfirmation, &a.QualityStage, &a.CaptureTransactionID,
		&a.FundedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return escrow.Account{}, err
	}
	var err error
	if a.TotalAmount, err = money.New(total, currency); err != nil {
		return escrow.Account{}, err
	}
	if a.ReleasedAmount, err = money.New(released, currency); err != nil {
		return escrow.Account{}, err
	}
	if a.RefundedAmount, err = money.New(refunded, currency); err != nil {
		return escrow.Account{}, err
	}
	a.AutoReleaseAfter = time.Duration(autoReleaseMS) * time.Millisecond
	return a, nil
}

func (u *unit) InsertAccount(ctx context.Context, a escrow.Account) error {
	if err := u.writable(); err != nil {
		return err
	}
	var exists bool
	if err := u.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_accounts WHERE order_id = $1)`, a.OrderID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return escrow.ErrDuplicateAccount
	}
	_, err := u.tx.Exec(ctx, `
		INSERT INTO escrow_accounts (id, order_id, buyer_id, seller_id, currency, total_amount, released_amount,
			refunded_amount, status, auto_release_after_ms, requires_quality_confirmation, quality_stage,
			capture_transaction_id, funded_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.OrderID, a.BuyerID, a.SellerID, a.TotalAmount.Currency, a.TotalAmount.Amount.String(),
		amountOrZero(a.ReleasedAmount), amountOrZero(a.RefundedAmount), string(a.Status), a.AutoReleaseAfter.Milliseconds(),
		a.RequiresQualityConfirmation, a.QualityStage, a.CaptureTransactionID, a.FundedAt, a.CreatedAt, a.UpdatedAt)
	if uniqueViolation(err, "escrow_accounts_order_key") {
		return escrow.ErrDuplicateAccount
	}
	return mapErr(err, nil)
}

func (u *unit) GetAccount(ctx context.Context, id string) (escrow.Account, error) {
	a, err := scanAccount(u.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id))
	return a, mapErr(err, escrow.ErrNotFound)
}

func (u *unit) AccountByOrder(ctx context.Context, orderID string) (escrow.Account, error) {
	a, err := scanAccount(u.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE order_id = $1`, orderID))
	return a, mapErr(err, escrow.ErrNotFound)
}

func (u *unit) UpdateAccount(ctx context.Context, a escrow.Account) error {
	if err := u.writable(); err != nil {
		return err
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE escrow_accounts
		SET released_amount = $2::numeric, refunded_amount = $3::numeric, status = $4, quality_stage = $5,
			capture_transaction_id = $6, funded_at = $7, updated_at = $8
		WHERE id = $1`,
		a.ID, amountOrZero(a.ReleasedAmount), amountOrZero(a.RefundedAmount), string(a.Status), a.QualityStage,
		a.CaptureTransactionID, a.FundedAt, a.UpdatedAt)
	if err != nil {
		return mapErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotFound
	}
	return nil
}

// AutoReleaseCandidates lists funded, quality-gated accounts whose window has lapsed and that
// still hold completed but unreleased milestones.
func (u *unit) AutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]escrow.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := u.tx.Query(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts a
		WHERE a.requires_quality_confirmation
		  AND a.funded_at IS NOT NULL
		  AND a.status NOT IN ('released', 'refunded', 'disputed')
		  AND a.funded_at + a.auto_release_after_ms * INTERVAL '1 millisecond' <= $1
		  AND EXISTS (
			SELECT 1 FROM escrow_milestones m
			WHERE m.escrow_account_id = a.id AND m.is_completed AND m.release_transaction_id = '' AND m.release_amount > 0
		  )
		ORDER BY a.funded_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAccount)
}

const milestoneColumns = `id, escrow_account_id, stage_key, position, release_percentage::text, release_amount::text,
	currency, is_completed, completed_by, completed_at, evidence, release_transaction_id, created_at`

func scanMilestone(row scanner) (escrow.Milestone, error) {
	var (
		m                 escrow.Milestone
		pct, amount, code string
	)
	if err := row.Scan(&m.ID, &m.AccountID, &m.StageKey, &m.Position, &pct, &amount, &code, &m.IsCompleted,
		&m.CompletedBy, &m.CompletedAt, &m.Evidence, &m.ReleaseTransactionID, &m.CreatedAt); err != nil {
		return escrow.Milestone{}, err
	}
	var err error
	if m.ReleasePercentage, err = decimal.NewFromString(pct); err != nil {
		return escrow.Milestone{}, err
	}
	if m.ReleaseAmount, err = money.New(amount, code); err != nil {
		return escrow.Milestone{}, err
	}
	return m, nil
}

func (u *unit) InsertMilestones(ctx context.Context, ms []escrow.Milestone) error {
	if err := u.writable(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(ms))
	for _, m := range ms {
		key := m.AccountID + "\x00" + m.StageKey
		if seen[key] {
			return escrow.ErrDuplicateStage
		}
		seen[key] = true
	}
	for _, m := range ms {
		_, err := u.tx.Exec(ctx, `
			INSERT INTO escrow_milestones (id, escrow_account_id, stage_key, position, release_percentage, release_amount,
				currency, is_completed, completed_by, completed_at, evidence, release_transaction_id, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13)`,
			m.ID, m.AccountID, m.StageKey, m.Position, m.ReleasePercentage.String(), m.ReleaseAmount.Amount.String(),
			m.ReleaseAmount.Currency, m.IsCompleted, m.CompletedBy, m.CompletedAt, m.Evidence, m.ReleaseTransactionID, m.CreatedAt)
		if uniqueViolation(err, "escrow_milestones_stage_key") {
			return escrow.ErrDuplicateStage
		}
		if err != nil {
			return mapErr(err, nil)
		}
	}
	return nil
}

func (u *unit) UpdateMilestone(ctx context.Context, m escrow.Milestone) error {
	if err := u.writable(); err != nil {
		return err
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE escrow_milestones
		SET is_completed = $3, completed_by = $4, completed_at = $5, evidence = $6, release_transaction_id = $7
		WHERE id = $1 AND release_amount = $2::numeric`,
		m.ID, m.ReleaseAmount.Amount.String(), m.IsCompleted, m.CompletedBy, m.CompletedAt, m.Evidence, m.ReleaseTransactionID)
	if err != nil {
		return mapErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := u.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_milestones WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return escrow.ErrInvalidInput
		}
		return escrow.ErrUnknownStage
	}
	return nil
}

func (u *unit) MilestonesByAccount(ctx context.Context, accountID string) ([]escrow.Milestone, error) {
	rows, err := u.tx.Query(ctx,
		`SELECT `+milestoneColumns+` FROM escrow_milestones WHERE escrow_account_id = $1 ORDER BY position, id`, accountID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanMilestone)
}

func amountOrZero(m money.Money) string {
	return m.Amount.String()
}
