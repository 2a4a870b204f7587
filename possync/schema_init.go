// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required tables within an existing transaction
func (s *MutationService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for the sync/mutation engine
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS possync`,

		// 1) Versioned loyalty accounts; version is the CAS counter
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS possync.loyalty_account (
			id             UUID        PRIMARY KEY,
			current_points BIGINT      NOT NULL DEFAULT 0,
			version        BIGINT      NOT NULL DEFAULT 1,
			status         TEXT        NOT NULL DEFAULT 'active' CHECK (status IN ('active','inactive')),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 2) Cash-register sessions; CLOSED is terminal
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS possync.cash_session (
			id                   UUID        PRIMARY KEY,
			opened_amount_cents  BIGINT      NOT NULL DEFAULT 0,
			closing_amount_cents BIGINT,
			status               TEXT        NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN','CLOSED')),
			version              BIGINT      NOT NULL DEFAULT 1,
			opened_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at            TIMESTAMPTZ
		)`,

		// 3) Immutable audit trail for every balance change
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS possync.point_transaction (
			id              BIGSERIAL   PRIMARY KEY,
			account_id      UUID        NOT NULL REFERENCES possync.loyalty_account(id),
			delta           BIGINT      NOT NULL,
			reason          TEXT        NOT NULL,
			correlation_ref TEXT,
			actor_id        TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS point_transaction_account_idx
			ON possync.point_transaction (account_id, created_at)`,

		// 4) Generic versioned records drained from client CRUD operations
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS possync.record (
			id         UUID        PRIMARY KEY,
			name       TEXT        NOT NULL,
			payload    JSONB       NOT NULL DEFAULT '{}'::jsonb,
			version    BIGINT      NOT NULL DEFAULT 1,
			deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 5) Idempotency ledger: at most one entry per key; duplicate requests
		//    before expiry replay the stored outcome without re-executing
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS possync.idempotency_ledger (
			key         TEXT        PRIMARY KEY,
			status      TEXT        NOT NULL CHECK (status IN ('in_flight','applied','rejected')),
			result      JSONB,
			new_version BIGINT,
			reason      TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at  TIMESTAMPTZ NOT NULL
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idempotency_ledger_expiry_idx
			ON possync.idempotency_ledger (expires_at)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i+1, err)
		}
	}

	return nil
}
