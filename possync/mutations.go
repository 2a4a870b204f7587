// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Ledger-resource mutations. Every operation follows the same shape:
// claim the idempotency key, lock the target row, verify the domain rule,
// apply the change with an explicit version CAS, record the outcome in the
// ledger, commit. Rejections are recorded too, so a duplicate retry of a
// rejected request observes the same rejection instead of re-executing.

// RedeemReward debits a loyalty account by the reward's cost exactly once per
// idempotency key. Insufficient balance is a terminal domain rejection, never
// a retry-worthy error.
func (s *MutationService) RedeemReward(ctx context.Context, actorID string, req *RedeemRewardRequest, idempotencyKey string) (*MutationResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	var resp *MutationResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		existing, owned, err := s.gateIdempotencyKey(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if !owned {
			resp = existing.toResponse()
			return nil
		}

		resp, err = s.redeemRewardInTx(ctx, tx, actorID, req)
		if err != nil {
			return err
		}
		return s.finalizeLedgerEntry(ctx, tx, idempotencyKey, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *MutationService) redeemRewardInTx(ctx context.Context, tx pgx.Tx, actorID string, req *RedeemRewardRequest) (*MutationResponse, error) {
	start := s.stageStart()

	account, err := s.lockLoyaltyAccount(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return respRejected(ReasonNotFound, fmt.Sprintf("loyalty account %s not found", req.AccountID)), nil
	}
	if account.Status != AccountActive {
		return respRejected(ReasonAccountInactive, fmt.Sprintf("loyalty account %s is %s", account.ID, account.Status)), nil
	}
	if account.CurrentPoints < req.CostPoints {
		s.logger.Info("Reward redemption rejected: insufficient balance",
			"account_id", req.AccountID, "reward_id", req.RewardID,
			"balance", account.CurrentPoints, "cost", req.CostPoints)
		return respRejected(ReasonInsufficientBalance,
			fmt.Sprintf("balance %d is below reward cost %d", account.CurrentPoints, req.CostPoints)), nil
	}

	newBalance := account.CurrentPoints - req.CostPoints
	newVersion, err := s.applyBalanceChange(ctx, tx, account, newBalance, -req.CostPoints,
		"redeem:"+req.RewardID, req.CorrelationRef, actorID)
	if err != nil {
		return nil, err
	}

	s.observeStage(ctx, StageApply, start, false)
	result := mustMarshal(RedeemRewardResult{
		AccountID:  account.ID,
		RewardID:   req.RewardID,
		NewBalance: newBalance,
		Version:    newVersion,
	})
	return respApplied(result, newVersion), nil
}

// AdjustPoints applies a signed delta to a loyalty account. Concurrent
// adjustments on the same account with distinct keys all succeed, serialized
// by the row lock and version CAS so no update is lost.
func (s *MutationService) AdjustPoints(ctx context.Context, actorID string, req *AdjustPointsRequest, idempotencyKey string) (*MutationResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	var resp *MutationResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		existing, owned, err := s.gateIdempotencyKey(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if !owned {
			resp = existing.toResponse()
			return nil
		}

		resp, err = s.adjustPointsInTx(ctx, tx, actorID, req)
		if err != nil {
			return err
		}
		return s.finalizeLedgerEntry(ctx, tx, idempotencyKey, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *MutationService) adjustPointsInTx(ctx context.Context, tx pgx.Tx, actorID string, req *AdjustPointsRequest) (*MutationResponse, error) {
	start := s.stageStart()

	account, err := s.lockLoyaltyAccount(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return respRejected(ReasonNotFound, fmt.Sprintf("loyalty account %s not found", req.AccountID)), nil
	}
	if account.Status != AccountActive {
		return respRejected(ReasonAccountInactive, fmt.Sprintf("loyalty account %s is %s", account.ID, account.Status)), nil
	}

	newBalance := account.CurrentPoints + req.Delta
	if newBalance < 0 {
		return respRejected(ReasonInsufficientBalance,
			fmt.Sprintf("delta %d would overdraw balance %d", req.Delta, account.CurrentPoints)), nil
	}

	newVersion, err := s.applyBalanceChange(ctx, tx, account, newBalance, req.Delta, req.Reason, "", actorID)
	if err != nil {
		return nil, err
	}

	s.observeStage(ctx, StageApply, start, false)
	result := mustMarshal(AdjustPointsResult{
		AccountID:  account.ID,
		NewBalance: newBalance,
		Version:    newVersion,
	})
	return respApplied(result, newVersion), nil
}

// CloseCashSession closes an open cash session exactly once. A retried close
// with the same key replays the original closing result; a close with a
// different key against an already-closed session is a distinct, rejected
// operation - two independent cashiers cannot both close the same session.
func (s *MutationService) CloseCashSession(ctx context.Context, actorID string, req *CloseCashSessionRequest, idempotencyKey string) (*MutationResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	var resp *MutationResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		existing, owned, err := s.gateIdempotencyKey(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if !owned {
			resp = existing.toResponse()
			return nil
		}

		resp, err = s.closeCashSessionInTx(ctx, tx, actorID, req)
		if err != nil {
			return err
		}
		return s.finalizeLedgerEntry(ctx, tx, idempotencyKey, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *MutationService) closeCashSessionInTx(ctx context.Context, tx pgx.Tx, actorID string, req *CloseCashSessionRequest) (*MutationResponse, error) {
	start := s.stageStart()

	var session CashSession
	err := tx.QueryRow(ctx, `
		SELECT id, opened_amount_cents, closing_amount_cents, status, version, opened_at, closed_at
		FROM possync.cash_session
		WHERE id = $1
		FOR UPDATE
	`, req.SessionID).Scan(&session.ID, &session.OpenedAmountCents, &session.ClosingAmountCents,
		&session.Status, &session.Version, &session.OpenedAt, &session.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return respRejected(ReasonNotFound, fmt.Sprintf("cash session %s not found", req.SessionID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock cash session: %w", err)
	}

	if session.Status == SessionClosed {
		s.logger.Info("Cash session close rejected: already closed",
			"session_id", session.ID, "actor_id", actorID)
		return respRejected(ReasonSessionClosed, fmt.Sprintf("cash session %s is already closed", session.ID)), nil
	}

	closedAt := time.Now().UTC()
	newVersion := session.Version + 1
	tag, err := tx.Exec(ctx, `
		UPDATE possync.cash_session
		SET status = $2, closing_amount_cents = $3, closed_at = $4, version = $5
		WHERE id = $1 AND version = $6
	`, session.ID, SessionClosed, req.ClosingAmountCents, closedAt, newVersion, session.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to close cash session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		// The row is locked FOR UPDATE, so the CAS can only miss if something
		// bypassed the lock; treat it as an infrastructure fault.
		return nil, fmt.Errorf("version CAS failed for cash session %s at version %d", session.ID, session.Version)
	}

	s.observeStage(ctx, StageApply, start, false)
	result := mustMarshal(CloseCashSessionResult{
		SessionID:          session.ID,
		ClosingAmountCents: req.ClosingAmountCents,
		ClosedAt:           closedAt,
		Version:            newVersion,
	})
	return respApplied(result, newVersion), nil
}

// lockLoyaltyAccount reads and row-locks an account; nil means not found.
func (s *MutationService) lockLoyaltyAccount(ctx context.Context, tx pgx.Tx, accountID string) (*LoyaltyAccount, error) {
	var account LoyaltyAccount
	err := tx.QueryRow(ctx, `
		SELECT id, current_points, version, status, updated_at
		FROM possync.loyalty_account
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&account.ID, &account.CurrentPoints, &account.Version, &account.Status, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock loyalty account: %w", err)
	}
	return &account, nil
}

// applyBalanceChange writes the audit row and commits the new balance with a
// version CAS against the locked account row.
func (s *MutationService) applyBalanceChange(
	ctx context.Context, tx pgx.Tx, account *LoyaltyAccount,
	newBalance, delta int64, reason, correlationRef, actorID string,
) (int64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO possync.point_transaction (account_id, delta, reason, correlation_ref, actor_id)
		VALUES ($1, $2, $3, $4, $5)
	`, account.ID, delta, reason, nullableString(correlationRef), nullableString(actorID))
	if err != nil {
		return 0, fmt.Errorf("failed to write point transaction: %w", err)
	}

	newVersion := account.Version + 1
	tag, err := tx.Exec(ctx, `
		UPDATE possync.loyalty_account
		SET current_points = $2, version = $3, updated_at = now()
		WHERE id = $1 AND version = $4
	`, account.ID, newBalance, newVersion, account.Version)
	if err != nil {
		return 0, fmt.Errorf("failed to update loyalty account: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return 0, fmt.Errorf("version CAS failed for loyalty account %s at version %d", account.ID, account.Version)
	}
	return newVersion, nil
}
