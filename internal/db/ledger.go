package db

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

const transactionColumns = `id, escrow_account_id, kind, amount::text, currency, external_reference, status,
	metadata::text, created_at, settled_at`

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t        ledger.Transaction
		amount   string
		currency string
		meta     *string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &amount, &currency, &t.ExternalReference, &t.Status,
		&meta, &t.CreatedAt, &t.SettledAt); err != nil {
		return ledger.Transaction{}, err
	}
	m, err := money.New(amount, currency)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Amount = m
	if meta != nil && *meta != "null" {
		if err := json.Unmarshal([]byte(*meta), &t.Metadata); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return t, nil
}

func encodeMetadata(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func (u *unit) referenceTaken(ctx context.Context, reference, exceptID string) (bool, error) {
	if reference == "" {
		return false, nil
	}
	var taken bool
	err := u.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE external_reference = $1 AND id <> $2)`,
		reference, exceptID).Scan(&taken)
	return taken, err
}

func (u *unit) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	if err := u.writable(); err != nil {
		return err
	}
	taken, err := u.referenceTaken(ctx, t.ExternalReference, t.ID)
	if err != nil {
		return err
	}
	if taken {
		return ledger.ErrDuplicateReference
	}
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = u.tx.Exec(ctx, `
		INSERT INTO escrow_transactions (id, escrow_account_id, kind, amount, currency, external_reference, status,
			metadata, created_at, settled_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8::jsonb, $9, $10)`,
		t.ID, t.AccountID, string(t.Kind), t.Amount.Amount.String(), t.Amount.Currency, t.ExternalReference,
		string(t.Status), meta, t.CreatedAt, t.SettledAt)
	if uniqueViolation(err, "escrow_transactions_reference_key") {
		return ledger.ErrDuplicateReference
	}
	return mapErr(err, nil)
}

func (u *unit) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	t, err := scanTransaction(u.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id))
	return t, mapErr(err, ledger.ErrNotFound)
}

func (u *unit) TransactionByReference(ctx context.Context, reference string) (ledger.Transaction, error) {
	if reference == "" {
		return ledger.Transaction{}, ledger.ErrUnknownReference
	}
	t, err := scanTransaction(u.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE external_reference = $1`, reference))
	return t, mapErr(err, ledger.ErrUnknownReference)
}

func (u *unit) UpdateTransactionStatus(ctx context.Context, t ledger.Transaction, change ledger.StatusChange) error {
	if err := u.writable(); err != nil {
		return err
	}
	prev, err := u.GetTransaction(ctx, t.ID)
	if err != nil {
		return err
	}
	if prev.Kind != t.Kind || !prev.Amount.Equal(t.Amount) {
		return ledger.ErrInvalidTransition
	}
	if t.ExternalReference != prev.ExternalReference {
		taken, err := u.referenceTaken(ctx, t.ExternalReference, t.ID)
		if err != nil {
			return err
		}
		if taken {
			return ledger.ErrDuplicateReference
		}
	}
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = u.tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET status = $2, external_reference = $3, metadata = $4::jsonb, settled_at = $5
		WHERE id = $1`,
		t.ID, string(t.Status), t.ExternalReference, meta, t.SettledAt)
	if uniqueViolation(err, "escrow_transactions_reference_key") {
		return ledger.ErrDuplicateReference
	}
	if err != nil {
		return mapErr(err, nil)
	}
	if change.TransactionID == "" {
		return nil
	}
	_, err = u.tx.Exec(ctx, `
		INSERT INTO escrow_transaction_status_changes (transaction_id, from_status, to_status, source, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		change.TransactionID, string(change.From), string(change.To), change.Source, change.At)
	return mapErr(err, nil)
}

func (u *unit) TransactionsByAccount(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	rows, err := u.tx.Query(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE escrow_account_id = $1 ORDER BY created_at, id`,
		accountID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTransaction)
}

func (u *unit) StatusChanges(ctx context.Context, transactionID string) ([]ledger.StatusChange, error) {
	rows, err := u.tx.Query(ctx, `
		SELECT transaction_id, from_status, to_status, source, changed_at
		FROM escrow_transaction_status_changes WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (ledger.StatusChange, error) {
		var c ledger.StatusChange
		err := r.Scan(&c.TransactionID, &c.From, &c.To, &c.Source, &c.At)
		return c, err
	})
}
