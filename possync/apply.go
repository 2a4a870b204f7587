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

// Apply is the single wire-level entry point for drained operations and
// direct online calls alike. It dispatches on the request type, gates every
// mutation behind the idempotency ledger, and returns a discriminated
// response; only infrastructure faults surface as errors.
func (s *MutationService) Apply(ctx context.Context, userID, sourceID string, req *MutationRequest) (*MutationResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	total := s.stageStart()
	defer func() { s.observeStage(ctx, StageTxTotal, total, false) }()

	s.logger.Debug("Applying mutation",
		"type", req.Type, "idempotency_key", req.IdempotencyKey,
		"expected_version", req.ExpectedVersion, "user_id", userID, "source_id", sourceID)

	switch req.Type {
	case OpRedeemReward:
		var payload RedeemRewardRequest
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return respRejected(ReasonBadPayload, fmt.Sprintf("malformed redeem-reward payload: %v", err)), nil
		}
		return s.RedeemReward(ctx, userID, &payload, req.IdempotencyKey)

	case OpAdjustPoints:
		var payload AdjustPointsRequest
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return respRejected(ReasonBadPayload, fmt.Sprintf("malformed adjust-points payload: %v", err)), nil
		}
		return s.AdjustPoints(ctx, userID, &payload, req.IdempotencyKey)

	case OpCloseCashSession:
		var payload CloseCashSessionRequest
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return respRejected(ReasonBadPayload, fmt.Sprintf("malformed close-cash-session payload: %v", err)), nil
		}
		return s.CloseCashSession(ctx, userID, &payload, req.IdempotencyKey)

	case OpCreateRecord, OpUpdateRecord, OpDeleteRecord:
		return s.applyGatedRecordMutation(ctx, req)

	default:
		return respRejected(ReasonUnknownType, fmt.Sprintf("unknown mutation type %q", req.Type)), nil
	}
}

// applyGatedRecordMutation wraps a record mutation in the same
// ledger-first transaction shape as the domain mutations. Conflict responses
// release the in_flight claim so the resolved resubmission can reuse the key.
func (s *MutationService) applyGatedRecordMutation(ctx context.Context, req *MutationRequest) (*MutationResponse, error) {
	var resp *MutationResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		existing, owned, err := s.gateIdempotencyKey(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if !owned {
			resp = existing.toResponse()
			return nil
		}

		resp, err = s.applyRecordMutation(ctx, tx, req)
		if err != nil {
			return err
		}
		if resp.Status == StConflict {
			return s.releaseLedgerEntry(ctx, tx, req.IdempotencyKey)
		}
		return s.finalizeLedgerEntry(ctx, tx, req.IdempotencyKey, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
