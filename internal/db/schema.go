package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS escrow_transactions (
		id TEXT PRIMARY KEY,
		escrow_account_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK (kind IN ('capture', 'release', 'refund', 'transfer')),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		currency CHAR(3) NOT NULL,
		external_reference TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'succeeded', 'failed', 'cancelled')),
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS escrow_transactions_reference_key
		ON escrow_transactions (external_reference) WHERE external_reference <> ''`,
	`CREATE INDEX IF NOT EXISTS escrow_transactions_account_idx ON escrow_transactions (escrow_account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS escrow_transaction_status_changes (
		id BIGSERIAL PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES escrow_transactions (id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		changed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escrow_accounts (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		currency CHAR(3) NOT NULL,
		total_amount NUMERIC NOT NULL CHECK (total_amount > 0),
		released_amount NUMERIC NOT NULL DEFAULT 0 CHECK (released_amount >= 0),
		refunded_amount NUMERIC NOT NULL DEFAULT 0 CHECK (refunded_amount >= 0),
		status TEXT NOT NULL CHECK (status IN ('created', 'funded', 'partial_release', 'released', 'refunded', 'disputed', 'resolved')),
		auto_release_after_ms BIGINT NOT NULL,
		requires_quality_confirmation BOOLEAN NOT NULL DEFAULT FALSE,
		quality_stage TEXT NOT NULL DEFAULT '',
		capture_transaction_id TEXT NOT NULL DEFAULT '',
		funded_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT escrow_accounts_order_key UNIQUE (order_id),
		CHECK (released_amount + refunded_amount <= total_amount)
	)`,
	`CREATE TABLE IF NOT EXISTS escrow_milestones (
		id TEXT PRIMARY KEY,
		escrow_account_id TEXT NOT NULL REFERENCES escrow_accounts (id),
		stage_key TEXT NOT NULL,
		position INT NOT NULL,
		release_percentage NUMERIC NOT NULL,
		release_amount NUMERIC NOT NULL,
		currency CHAR(3) NOT NULL,
		is_completed BOOLEAN NOT NULL DEFAULT FALSE,
		completed_by TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMPTZ,
		evidence BYTEA,
		release_transaction_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT escrow_milestones_stage_key UNIQUE (escrow_account_id, stage_key)
	)`,
	`ALTER TABLE escrow_milestones DROP CONSTRAINT IF EXISTS escrow_milestones_release_percentage_check`,
	`DO $$ BEGIN
		ALTER TABLE escrow_milestones ADD CONSTRAINT escrow_milestones_percentage_range
			CHECK (release_percentage >= 0 AND release_percentage <= 100);
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,
	`CREATE TABLE IF NOT EXISTS escrow_dispute_cases (
		id TEXT PRIMARY KEY,
		escrow_account_id TEXT NOT NULL REFERENCES escrow_accounts (id),
		raised_by TEXT NOT NULL,
		respondent TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL,
		evidence BYTEA,
		status TEXT NOT NULL CHECK (status IN ('open', 'investigating', 'awaiting_response', 'resolved', 'closed')),
		resolution TEXT NOT NULL DEFAULT '',
		resolution_amount NUMERIC,
		resolution_currency TEXT NOT NULL DEFAULT '',
		resolution_transaction_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		opened_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		response_deadline TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS escrow_dispute_cases_active_key
		ON escrow_dispute_cases (escrow_account_id) WHERE status IN ('open', 'investigating', 'awaiting_response')`,
	`CREATE INDEX IF NOT EXISTS escrow_dispute_cases_deadline_idx
		ON escrow_dispute_cases (response_deadline) WHERE status IN ('open', 'awaiting_response')`,
	`CREATE TABLE IF NOT EXISTS escrow_dispute_status_changes (
		id BIGSERIAL PRIMARY KEY,
		case_id TEXT NOT NULL REFERENCES escrow_dispute_cases (id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		changed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		gateway TEXT NOT NULL,
		provider_event_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		payload BYTEA NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		signature_valid BOOLEAN NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		gateway_status TEXT NOT NULL DEFAULT '',
		amount NUMERIC,
		currency TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ,
		received_at TIMESTAMPTZ NOT NULL,
		applied BOOLEAN NOT NULL DEFAULT FALSE,
		applied_at TIMESTAMPTZ,
		apply_error TEXT NOT NULL DEFAULT '',
		outcome JSONB,
		attempts INT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS webhook_events_provider_key
		ON webhook_events (gateway, provider_event_id) WHERE signature_valid AND provider_event_id <> ''`,
	`CREATE INDEX IF NOT EXISTS webhook_events_unmatched_idx
		ON webhook_events (received_at) WHERE NOT applied AND signature_valid`,
}

// EnsureSchema creates the escrow tables and indexes if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
