// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Administrative helpers for provisioning and inspecting ledger resources.
// These are not part of the drained wire contract; the POS backend calls them
// from its own account/session management flows.

// CreateLoyaltyAccount provisions an account with an initial balance.
func (s *MutationService) CreateLoyaltyAccount(ctx context.Context, accountID string, initialPoints int64) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO possync.loyalty_account (id, current_points, version, status)
		VALUES ($1, $2, 1, 'active')
	`, accountID, initialPoints)
	if err != nil {
		return fmt.Errorf("failed to create loyalty account: %w", err)
	}
	return nil
}

// SetLoyaltyAccountStatus flips an account between active and inactive.
func (s *MutationService) SetLoyaltyAccountStatus(ctx context.Context, accountID, status string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE possync.loyalty_account
		SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`, accountID, status)
	if err != nil {
		return fmt.Errorf("failed to set loyalty account status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("loyalty account %s not found", accountID)
	}
	return nil
}

// GetLoyaltyAccount returns the current account state, or nil if absent.
func (s *MutationService) GetLoyaltyAccount(ctx context.Context, accountID string) (*LoyaltyAccount, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var account LoyaltyAccount
	err := s.pool.QueryRow(ctx, `
		SELECT id, current_points, version, status, updated_at
		FROM possync.loyalty_account WHERE id = $1
	`, accountID).Scan(&account.ID, &account.CurrentPoints, &account.Version, &account.Status, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loyalty account: %w", err)
	}
	return &account, nil
}

// OpenCashSession provisions an OPEN cash session with an opening float.
func (s *MutationService) OpenCashSession(ctx context.Context, sessionID string, openedAmountCents int64) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO possync.cash_session (id, opened_amount_cents, status, version)
		VALUES ($1, $2, $3, 1)
	`, sessionID, openedAmountCents, SessionOpen)
	if err != nil {
		return fmt.Errorf("failed to open cash session: %w", err)
	}
	return nil
}

// GetCashSession returns the current session state, or nil if absent.
func (s *MutationService) GetCashSession(ctx context.Context, sessionID string) (*CashSession, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var session CashSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, opened_amount_cents, closing_amount_cents, status, version, opened_at, closed_at
		FROM possync.cash_session WHERE id = $1
	`, sessionID).Scan(&session.ID, &session.OpenedAmountCents, &session.ClosingAmountCents,
		&session.Status, &session.Version, &session.OpenedAt, &session.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cash session: %w", err)
	}
	return &session, nil
}

// ListPointTransactions returns the audit trail for an account, newest first.
func (s *MutationService) ListPointTransactions(ctx context.Context, accountID string, limit int) ([]PointTransaction, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, delta, reason, COALESCE(correlation_ref, ''), COALESCE(actor_id, ''), created_at
		FROM possync.point_transaction
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list point transactions: %w", err)
	}
	defer rows.Close()

	var txns []PointTransaction
	for rows.Next() {
		var t PointTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Delta, &t.Reason, &t.CorrelationRef, &t.ActorID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan point transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating point transactions: %w", err)
	}
	return txns, nil
}
