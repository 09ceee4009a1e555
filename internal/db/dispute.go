package db

import (
	"context"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

const caseColumns = `id, escrow_account_id, raised_by, respondent, kind, description, evidence, status, resolution,
	resolution_amount::text, resolution_currency, resolution_transaction_id, notes, resolved_by, opened_at,
	resolved_at, response_deadline`

func scanCase(row scanner) (dispute.Case, error) {
	var (
		c        dispute.Case
		amount   *string
		currency string
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.RaisedBy, &c.Respondent, &c.Kind, &c.Description, &c.Evidence,
		&c.Status, &c.Resolution, &amount, &currency, &c.ResolutionTransactionID, &c.Notes, &c.ResolvedBy,
		&c.OpenedAt, &c.ResolvedAt, &c.ResponseDeadline); err != nil {
		return dispute.Case{}, err
	}
	m, err := optionalMoney(amount, currency)
	if err != nil {
		return dispute.Case{}, err
	}
	c.ResolutionAmount = m
	return c, nil
}

func optionalMoney(amount *string, currency string) (*money.Money, error) {
	if amount == nil {
		return nil, nil
	}
	m, err := money.New(*amount, currency)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func moneyArgs(m *money.Money) (*string, string) {
	if m == nil {
		return nil, ""
	}
	s := m.Amount.String()
	return &s, m.Currency
}

func (u *unit) InsertCase(ctx context.Context, c dispute.Case) error {
	if err := u.writable(); err != nil {
		return err
	}
	amount, currency := moneyArgs(c.ResolutionAmount)
	_, err := u.tx.Exec(ctx, `
		INSERT INTO escrow_dispute_cases (id, escrow_account_id, raised_by, respondent, kind, description, evidence,
			status, resolution, resolution_amount, resolution_currency, resolution_transaction_id, notes, resolved_by,
			opened_at, resolved_at, response_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.AccountID, c.RaisedBy, c.Respondent, c.Kind, c.Description, c.Evidence, string(c.Status),
		string(c.Resolution), amount, currency, c.ResolutionTransactionID, c.Notes, c.ResolvedBy, c.OpenedAt,
		c.ResolvedAt, c.ResponseDeadline)
	if uniqueViolation(err, "escrow_dispute_cases_active_key") {
		return dispute.ErrActiveDisputeExists
	}
	return mapErr(err, nil)
}

func (u *unit) GetCase(ctx context.Context, id string) (dispute.Case, error) {
	c, err := scanCase(u.tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM escrow_dispute_cases WHERE id = $1`, id))
	return c, mapErr(err, dispute.ErrNotFound)
}

func (u *unit) UpdateCase(ctx context.Context, c dispute.Case, change dispute.StatusChange) error {
	if err := u.writable(); err != nil {
		return err
	}
	amount, currency := moneyArgs(c.ResolutionAmount)
	tag, err := u.tx.Exec(ctx, `
		UPDATE escrow_dispute_cases
		SET status = $2, resolution = $3, resolution_amount = $4::numeric, resolution_currency = $5,
			resolution_transaction_id = $6, notes = $7, resolved_by = $8, resolved_at = $9, response_deadline = $10
		WHERE id = $1`,
		c.ID, string(c.Status), string(c.Resolution), amount, currency, c.ResolutionTransactionID, c.Notes,
		c.ResolvedBy, c.ResolvedAt, c.ResponseDeadline)
	if err != nil {
		return mapErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return dispute.ErrNotFound
	}
	if change.CaseID == "" {
		return nil
	}
	_, err = u.tx.Exec(ctx, `
		INSERT INTO escrow_dispute_status_changes (case_id, from_status, to_status, actor, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		change.CaseID, string(change.From), string(change.To), change.Actor, change.At)
	return mapErr(err, nil)
}

func (u *unit) CasesByAccount(ctx context.Context, accountID string) ([]dispute.Case, error) {
	rows, err := u.tx.Query(ctx,
		`SELECT `+caseColumns+` FROM escrow_dispute_cases WHERE escrow_account_id = $1 ORDER BY opened_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCase)
}

func (u *unit) OverdueCases(ctx context.Context, now time.Time, limit int) ([]dispute.Case, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := u.tx.Query(ctx, `
		SELECT `+caseColumns+` FROM escrow_dispute_cases
		WHERE status IN ('open', 'awaiting_response') AND response_deadline < $1
		ORDER BY response_deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCase)
}
