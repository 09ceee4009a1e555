package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

const eventColumns = `id, gateway, provider_event_id, kind, payload, signature, signature_valid, reference,
	gateway_status, amount::text, currency, occurred_at, received_at, applied, applied_at, apply_error,
	outcome::text, attempts`

func scanEvent(row scanner) (webhook.Event, error) {
	var (
		e        webhook.Event
		amount   *string
		currency string
		outcome  *string
	)
	if err := row.Scan(&e.ID, &e.Gateway, &e.ProviderEventID, &e.Kind, &e.Payload, &e.Signature, &e.SignatureValid,
		&e.Reference, &e.GatewayStatus, &amount, &currency, &e.OccurredAt, &e.ReceivedAt, &e.Applied, &e.AppliedAt,
		&e.ApplyError, &outcome, &e.Attempts); err != nil {
		return webhook.Event{}, err
	}
	m, err := optionalMoney(amount, currency)
	if err != nil {
		return webhook.Event{}, err
	}
	e.Amount = m
	if outcome != nil {
		e.Outcome = []byte(*outcome)
	}
	return e, nil
}

func outcomeArg(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// InsertEvent relies on the partial unique index for verified events; a conflicting row is
// returned as-is with created=false.
func (u *unit) InsertEvent(ctx context.Context, ev webhook.Event) (webhook.Event, bool, error) {
	if err := u.writable(); err != nil {
		return webhook.Event{}, false, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Payload == nil {
		ev.Payload = []byte{}
	}
	amount, currency := moneyArgs(ev.Amount)
	var id string
	err := u.tx.QueryRow(ctx, `
		INSERT INTO webhook_events (id, gateway, provider_event_id, kind, payload, signature, signature_valid, reference,
			gateway_status, amount, currency, occurred_at, received_at, applied, applied_at, apply_error, outcome, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, $17::jsonb, $18)
		ON CONFLICT (gateway, provider_event_id) WHERE signature_valid AND provider_event_id <> '' DO NOTHING
		RETURNING id`,
		ev.ID, ev.Gateway, ev.ProviderEventID, ev.Kind, ev.Payload, ev.Signature, ev.SignatureValid, ev.Reference,
		ev.GatewayStatus, amount, currency, ev.OccurredAt, ev.ReceivedAt, ev.Applied, ev.AppliedAt, ev.ApplyError,
		outcomeArg(ev.Outcome), ev.Attempts).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanEvent(u.tx.QueryRow(ctx, `
			SELECT `+eventColumns+` FROM webhook_events
			WHERE gateway = $1 AND provider_event_id = $2 AND signature_valid`, ev.Gateway, ev.ProviderEventID))
		return existing, false, mapErr(err, webhook.ErrNotFound)
	}
	if err != nil {
		return webhook.Event{}, false, mapErr(err, nil)
	}
	return ev, true, nil
}

func (u *unit) GetEvent(ctx context.Context, id string) (webhook.Event, error) {
	e, err := scanEvent(u.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	return e, mapErr(err, webhook.ErrNotFound)
}

func (u *unit) UpdateEvent(ctx context.Context, ev webhook.Event) error {
	if err := u.writable(); err != nil {
		return err
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE webhook_events
		SET applied = $2, applied_at = $3, apply_error = $4, outcome = $5::jsonb, attempts = $6
		WHERE id = $1`,
		ev.ID, ev.Applied, ev.AppliedAt, ev.ApplyError, outcomeArg(ev.Outcome), ev.Attempts)
	if err != nil {
		return mapErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (u *unit) UnmatchedEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]webhook.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := u.tx.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE NOT applied AND signature_valid AND provider_event_id <> '' AND received_at <= $1
		  AND apply_error IN ('', $2)
		ORDER BY received_at
		LIMIT $3`, receivedBefore, webhook.ApplyErrUnmatched, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEvent)
}
