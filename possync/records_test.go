// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func recordMutation(t *testing.T, opType, recordID string, fields map[string]any, expectedVersion int64) *MutationRequest {
	t.Helper()
	rawFields, err := json.Marshal(fields)
	require.NoError(t, err)
	payload, err := json.Marshal(RecordPayload{ID: recordID, Name: "product", Fields: rawFields})
	require.NoError(t, err)
	return &MutationRequest{
		IdempotencyKey:  uuid.New().String(),
		Type:            opType,
		Payload:         payload,
		ExpectedVersion: expectedVersion,
	}
}

func TestRecordLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	recordID := uuid.New().String()

	create := recordMutation(t, OpCreateRecord, recordID, map[string]any{"price": 4, "stock": 10}, 0)
	resp, err := svc.Apply(ctx, "user-1", "terminal-1", create)
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)
	require.NotNil(t, resp.NewVersion)
	require.EqualValues(t, 1, *resp.NewVersion)

	update := recordMutation(t, OpUpdateRecord, recordID, map[string]any{"price": 5, "stock": 10}, 1)
	resp, err = svc.Apply(ctx, "user-1", "terminal-1", update)
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)
	require.EqualValues(t, 2, *resp.NewVersion)

	rec, err := svc.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Version)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &fields))
	require.Equal(t, 5.0, fields["price"])

	del := recordMutation(t, OpDeleteRecord, recordID, nil, 2)
	resp, err = svc.Apply(ctx, "user-1", "terminal-1", del)
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)

	rec, err = svc.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.True(t, rec.Deleted)
}

func TestRecordVersionConflict(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	recordID := uuid.New().String()

	resp, err := svc.Apply(ctx, "user-1", "terminal-1",
		recordMutation(t, OpCreateRecord, recordID, map[string]any{"price": 4}, 0))
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)

	// Another terminal bumps the record to version 2.
	resp, err = svc.Apply(ctx, "user-2", "terminal-2",
		recordMutation(t, OpUpdateRecord, recordID, map[string]any{"price": 6}, 1))
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)

	// A stale update against version 1 conflicts and carries the current row.
	stale := recordMutation(t, OpUpdateRecord, recordID, map[string]any{"price": 5}, 1)
	resp, err = svc.Apply(ctx, "user-1", "terminal-1", stale)
	require.NoError(t, err)
	require.Equal(t, StConflict, resp.Status)
	require.NotEmpty(t, resp.ServerRow)

	var serverRow SyncRecord
	require.NoError(t, json.Unmarshal(resp.ServerRow, &serverRow))
	require.EqualValues(t, 2, serverRow.Version)

	// A conflict must not consume the key: the resolved resubmission reuses it.
	resolved := &MutationRequest{
		IdempotencyKey:  stale.IdempotencyKey,
		Type:            OpUpdateRecord,
		Payload:         stale.Payload,
		ExpectedVersion: serverRow.Version,
	}
	resp, err = svc.Apply(ctx, "user-1", "terminal-1", resolved)
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)
	require.EqualValues(t, 3, *resp.NewVersion)
}

func TestRecordCreateOverLiveRowConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	recordID := uuid.New().String()

	resp, err := svc.Apply(ctx, "user-1", "terminal-1",
		recordMutation(t, OpCreateRecord, recordID, map[string]any{"price": 4}, 0))
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)

	resp, err = svc.Apply(ctx, "user-2", "terminal-2",
		recordMutation(t, OpCreateRecord, recordID, map[string]any{"price": 9}, 0))
	require.NoError(t, err)
	require.Equal(t, StConflict, resp.Status, "creating over a live row is a conflict, not a rejection")
}

func TestRecordDeleteIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Deleting a record that never existed is applied, not rejected.
	resp, err := svc.Apply(ctx, "user-1", "terminal-1",
		recordMutation(t, OpDeleteRecord, uuid.New().String(), nil, 0))
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Status)
	require.Nil(t, resp.NewVersion)
}

func TestRecordUpdateUnknownRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Apply(ctx, "user-1", "terminal-1",
		recordMutation(t, OpUpdateRecord, uuid.New().String(), map[string]any{"price": 5}, 1))
	require.NoError(t, err)
	require.Equal(t, StRejected, resp.Status)
	require.Equal(t, ReasonNotFound, resp.Reason)
}

func TestApplyDispatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		resp, err := svc.Apply(ctx, "user-1", "terminal-1", &MutationRequest{
			IdempotencyKey: uuid.New().String(),
			Type:           "teleport-inventory",
		})
		require.NoError(t, err)
		require.Equal(t, StRejected, resp.Status)
		require.Equal(t, ReasonUnknownType, resp.Reason)
	})

	t.Run("malformed payload", func(t *testing.T) {
		resp, err := svc.Apply(ctx, "user-1", "terminal-1", &MutationRequest{
			IdempotencyKey: uuid.New().String(),
			Type:           OpRedeemReward,
			Payload:        json.RawMessage(`{"cost_points": "lots"}`),
		})
		require.NoError(t, err)
		require.Equal(t, StRejected, resp.Status)
		require.Equal(t, ReasonBadPayload, resp.Reason)
	})

	t.Run("record id must be a UUID", func(t *testing.T) {
		payload, err := json.Marshal(RecordPayload{ID: "not-a-uuid", Name: "product"})
		require.NoError(t, err)
		resp, err := svc.Apply(ctx, "user-1", "terminal-1", &MutationRequest{
			IdempotencyKey: uuid.New().String(),
			Type:           OpCreateRecord,
			Payload:        payload,
		})
		require.NoError(t, err)
		require.Equal(t, StRejected, resp.Status)
		require.Equal(t, ReasonBadPayload, resp.Reason)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		_, err := svc.Apply(ctx, "user-1", "terminal-1", &MutationRequest{Type: OpAdjustPoints})
		require.Error(t, err)
	})
}
