// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Idempotency ledger access. All operations run inside the caller's
// transaction so the check-then-act is atomic with the mutation itself.
//
// The gate is insert-first: we claim the key with an in_flight row before
// executing the mutation. A concurrent transaction inserting the same key
// blocks on the conflicting insert; once the winner commits, the loser's
// ON CONFLICT DO NOTHING inserts zero rows (or fails with a serialization
// error under REPEATABLE READ, which the service retries) and the committed
// terminal entry is replayed.

// gateIdempotencyKey claims key for this transaction. It returns the existing
// terminal entry when the key was already used within its TTL, or owned=true
// when this transaction now owns the key and must finalize it before commit.
func (s *MutationService) gateIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (existing *LedgerEntry, owned bool, err error) {
	// Expired entries no longer deduplicate; clear them so the key can be
	// claimed fresh. Callers must not reuse keys across logically distinct
	// operations, so this only matters long after the retry window closed.
	if _, err := tx.Exec(ctx, `
		DELETE FROM possync.idempotency_ledger WHERE key = $1 AND expires_at <= now()
	`, key); err != nil {
		return nil, false, fmt.Errorf("failed to sweep expired ledger entry: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO possync.idempotency_ledger (key, status, expires_at)
		VALUES ($1, 'in_flight', now() + $2)
		ON CONFLICT (key) DO NOTHING
	`, key, s.config.LedgerTTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	start := s.stageStart()
	entry, err := s.lookupLedgerEntry(ctx, tx, key)
	s.observeStage(ctx, StageLedgerLookup, start, err != nil)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		// Insert conflicted but no committed row is visible in our snapshot;
		// the competing transaction won the key. Surface a retryable error so
		// the service re-runs the transaction and replays the winner's entry.
		return nil, false, errRetryLedgerGate
	}
	return entry, false, nil
}

var errRetryLedgerGate = errors.New("idempotency key claimed by concurrent transaction; retry")

// lookupLedgerEntry returns the terminal ledger entry for key, or nil.
func (s *MutationService) lookupLedgerEntry(ctx context.Context, tx pgx.Tx, key string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT key, status, result, new_version, reason, created_at, expires_at
		FROM possync.idempotency_ledger
		WHERE key = $1 AND status <> 'in_flight' AND expires_at > now()
	`, key).Scan(&entry.Key, &entry.Status, &entry.Result, &entry.NewVersion, &entry.Reason,
		&entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ledger entry: %w", err)
	}
	return &entry, nil
}

// finalizeLedgerEntry records the terminal outcome for a key this transaction
// owns. Both successes and domain rejections are recorded so duplicate
// retries observe the exact same result.
func (s *MutationService) finalizeLedgerEntry(ctx context.Context, tx pgx.Tx, key string, resp *MutationResponse) error {
	_, err := tx.Exec(ctx, `
		UPDATE possync.idempotency_ledger
		SET status = $2, result = $3, new_version = $4, reason = $5
		WHERE key = $1
	`, key, resp.Status, resp.Result, resp.NewVersion, nullableString(resp.Reason))
	if err != nil {
		return fmt.Errorf("failed to finalize ledger entry: %w", err)
	}
	return nil
}

// releaseLedgerEntry drops the in_flight claim without recording an outcome.
// Used for conflict responses: a version conflict is not a terminal effect,
// and the caller resubmits the resolved payload under the SAME key.
func (s *MutationService) releaseLedgerEntry(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM possync.idempotency_ledger WHERE key = $1 AND status = 'in_flight'
	`, key)
	if err != nil {
		return fmt.Errorf("failed to release ledger entry: %w", err)
	}
	return nil
}

// toResponse reconstructs the response a duplicate request should observe.
func (e *LedgerEntry) toResponse() *MutationResponse {
	return &MutationResponse{
		Status:     e.Status,
		Result:     e.Result,
		NewVersion: e.NewVersion,
		Reason:     e.Reason,
	}
}

// SweepExpiredLedgerEntries removes ledger rows past their TTL. Intended to be
// called opportunistically (e.g. from a serve-loop ticker); correctness never
// depends on it because lookups filter on expires_at themselves.
func (s *MutationService) SweepExpiredLedgerEntries(ctx context.Context) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM possync.idempotency_ledger WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency ledger: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("Swept expired idempotency ledger entries", "count", n)
	}
	return tag.RowsAffected(), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Result snapshots are plain structs; marshal cannot fail for them.
		panic(fmt.Sprintf("possync: marshal result snapshot: %v", err))
	}
	return b
}
